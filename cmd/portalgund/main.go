// Package main is the entry point for the portalgun tunnel server.
package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cybersiliconforest/portalgun/internal/acceptor"
	"github.com/cybersiliconforest/portalgun/internal/auth"
	"github.com/cybersiliconforest/portalgun/internal/config"
	"github.com/cybersiliconforest/portalgun/internal/control"
	"github.com/cybersiliconforest/portalgun/internal/gossip"
	"github.com/cybersiliconforest/portalgun/internal/ids"
	"github.com/cybersiliconforest/portalgun/internal/registry"
	"github.com/cybersiliconforest/portalgun/internal/streams"
	"github.com/cybersiliconforest/portalgun/internal/tunnelerr"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// main initializes the application, sets up dependencies, defines routes,
// and starts the HTTP, data, and gossip listeners with graceful shutdown.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Critical error loading configuration: %v", err)
	}

	// --- Dependency Injection ---
	reg := registry.New()
	streamTable := streams.New()

	verifier, err := buildVerifier(cfg)
	if err != nil {
		log.Fatalf("Critical error: failed to build auth verifier: %v", err)
	}

	fabric := gossip.New(gossip.Options{
		DNSName:      cfg.GossipDNSName,
		InternalPort: portOf(cfg.NetAddr),
		Nameserver:   cfg.GossipNameserver,
	}, reg, nil)

	acc := acceptor.New(acceptor.Config{
		TunnelHost:         cfg.TunnelHost,
		AllowedHosts:       cfg.AllowedHosts,
		SubDomainBlocklist: toSubDomainSet(cfg.BlockedSubDomains),
		BlockedIPs:         cfg.BlockedIPs,
	}, reg, streamTable, fabric)
	fabric.SetOpener(acc)

	ctrlServer := control.NewServer(reg, streamTable, verifier, fabric, toSubDomainSet(cfg.BlockedSubDomains), control.Options{
		QueueSize:           cfg.QueueSize,
		PingTimeout:         cfg.PingTimeout,
		LingerWindow:        cfg.LingerWindow,
		BackpressureTimeout: cfg.BackpressureTimeout,
		InstanceID:          cfg.InstanceID,
	})
	ctrlServer.HelloTimeout = cfg.HelloTimeout
	ctrlServer.GossipTimeout = cfg.GossipTimeout

	// --- Background Goroutines ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go fabric.Run(ctx)

	netListener, err := gossip.Listen(cfg.NetAddr, fabric)
	if err != nil {
		log.Fatalf("Critical error: failed to bind internal gossip port %s: %v", cfg.NetAddr, err)
	}
	go func() {
		log.Printf("[gossip] internal peer port listening on %s", cfg.NetAddr)
		if err := netListener.Serve(); err != nil {
			log.Printf("[gossip] internal listener stopped: %v", err)
		}
	}()
	go func() { <-ctx.Done(); netListener.Close() }()

	dataListener, err := newTCPListener(cfg.DataAddr)
	if err != nil {
		log.Fatalf("Critical error: failed to bind public data port %s: %v", cfg.DataAddr, err)
	}
	go func() {
		log.Printf("[acceptor] public data port listening on %s", cfg.DataAddr)
		if err := acc.Serve(dataListener); err != nil {
			log.Printf("[acceptor] data listener stopped: %v", err)
		}
	}()
	go func() { <-ctx.Done(); dataListener.Close() }()

	// --- Router and Server Setup ---
	router := setupRouter(ctrlServer)
	srv := &http.Server{Addr: cfg.CtrlAddr, Handler: router}

	go func() {
		log.Printf("[control] server is ready for connections and listening on %s", cfg.CtrlAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Control server failed with error: %v", err)
		}
	}()

	<-ctx.Done()

	log.Println("Shutdown signal received. Starting graceful shutdown...")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Error during graceful control server shutdown: %v", err)
	}

	log.Println("Exiting.")
}

// setupRouter mounts the control WebSocket upgrade route behind the
// teacher's usual middleware stack.
func setupRouter(ctrlServer *control.Server) *chi.Mux {
	r := chi.NewRouter()
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowCredentials: false,
		AllowedMethods:   []string{"GET"},
	}).Handler)
	r.Use(chimiddleware.Logger, chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/ws", ctrlServer)

	return r
}

// buildVerifier constructs the signed-token + preset auth.Verifier
// from configuration. Key-set resolution is a one-shot startup
// operation, per spec §4.1.
func buildVerifier(cfg *config.AppConfig) (auth.Verifier, error) {
	v := &auth.ServerVerifier{Preset: cfg.PresetToken}

	if cfg.OIDCDiscoveryURL == "" {
		return v, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	keySet, err := auth.FetchKeySet(ctx, http.DefaultClient, cfg.OIDCDiscoveryURL)
	if err != nil {
		return nil, tunnelerr.Wrap(tunnelerr.KindConfig, "resolving OIDC key set", err)
	}
	v.Token = &auth.TokenVerifier{KeySet: keySet, Issuer: cfg.OIDCIssuer, Audience: cfg.OIDCAudience}
	return v, nil
}

func toSubDomainSet(raw map[string]struct{}) map[ids.SubDomain]struct{} {
	out := make(map[ids.SubDomain]struct{}, len(raw))
	for k := range raw {
		out[ids.SubDomain(k)] = struct{}{}
	}
	return out
}

// portOf extracts the port segment of a "host:port" or ":port"
// address, used to derive the internal gossip port peers should dial.
func portOf(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return strings.TrimPrefix(addr, ":")
	}
	return port
}

func newTCPListener(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
