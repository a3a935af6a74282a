package control

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cybersiliconforest/portalgun/internal/auth"
	"github.com/cybersiliconforest/portalgun/internal/ids"
	"github.com/cybersiliconforest/portalgun/internal/registry"
	"github.com/cybersiliconforest/portalgun/internal/streams"
	"github.com/cybersiliconforest/portalgun/internal/tunnelerr"
	"github.com/cybersiliconforest/portalgun/internal/wire"
	"github.com/gorilla/websocket"
)

// Server accepts WebSocket control connections, runs the hello
// handshake of spec §4.4, and on success hands the connection off to
// a Session.
type Server struct {
	Registry  *registry.Registry
	Streams   *streams.Table
	Verifier  auth.Verifier
	Ownership OwnershipChecker // peer instance lookups; nil runs single-instance

	Blocklist map[ids.SubDomain]struct{}

	Options      Options
	HelloTimeout time.Duration
	GossipTimeout time.Duration

	upgrader websocket.Upgrader
}

// NewServer constructs a Server with its WebSocket upgrader
// configured the way the teacher's WSHandler configures its own
// (bounded buffers); the origin check accepts every origin.
func NewServer(reg *registry.Registry, st *streams.Table, verifier auth.Verifier, ownership OwnershipChecker, blocklist map[ids.SubDomain]struct{}, opts Options) *Server {
	return &Server{
		Registry:      reg,
		Streams:       st,
		Verifier:      verifier,
		Ownership:     ownership,
		Blocklist:     blocklist,
		Options:       opts.withDefaults(),
		HelloTimeout:  10 * time.Second,
		GossipTimeout: 500 * time.Millisecond,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request to a WebSocket and runs the hello
// handshake asynchronously so the HTTP handler returns immediately.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[control] %v", tunnelerr.Wrap(tunnelerr.KindTransport, "websocket upgrade", err))
		return
	}
	go srv.handshake(conn)
}

func (srv *Server) blocked(sub ids.SubDomain) bool {
	if srv.Blocklist == nil {
		return false
	}
	_, ok := srv.Blocklist[sub]
	return ok
}

// handshake implements the ClientHello/ServerHello exchange and the
// reply table of spec §4.4.
func (srv *Server) handshake(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(srv.HelloTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		log.Printf("[control] %v", tunnelerr.Wrap(tunnelerr.KindTransport, "reading ClientHello", err))
		_ = conn.Close()
		return
	}

	var hello wire.ClientHello
	if err := json.Unmarshal(raw, &hello); err != nil {
		log.Printf("[control] %v", tunnelerr.Wrap(tunnelerr.KindProtocol, "malformed ClientHello", err))
		_ = conn.Close()
		return
	}

	requestedSub := ids.SubDomain(strings.ToLower(hello.SubDomain))
	if requestedSub != "" && srv.blocked(requestedSub) {
		srv.reject(conn, wire.ServerHelloSubDomainInUse, "subdomain is blocked")
		return
	}

	assigned, status, reason := srv.resolveSubDomain(hello, requestedSub)
	if status != wire.ServerHelloSuccess {
		if status == wire.ServerHelloAuthFailed {
			log.Printf("[control] %v", tunnelerr.New(tunnelerr.KindAuth, reason))
		}
		srv.reject(conn, status, reason)
		return
	}

	if _, heldLocally := srv.Registry.Find(assigned); !heldLocally && srv.Ownership != nil {
		// Not held locally: ask the gossip fabric whether a peer
		// instance already owns it before claiming it here. If it is
		// held locally, registry.Add below displaces the incumbent
		// instead (spec §4.4: collisions on this instance displace).
		ctx, cancel := context.WithTimeout(context.Background(), srv.GossipTimeout)
		owned := srv.Ownership.WhoHas(ctx, assigned)
		cancel()
		if owned {
			srv.reject(conn, wire.ServerHelloSubDomainInUse, "subdomain is held by another instance")
			return
		}
	}

	if err := srv.writeHello(conn, wire.ServerHello{Status: wire.ServerHelloSuccess, SubDomain: string(assigned)}); err != nil {
		log.Printf("[control] failed to write ServerHello: %v", err)
		_ = conn.Close()
		return
	}

	session := newSession(conn, assigned, srv.Registry, srv.Streams, srv.Options)
	srv.Registry.Add(assigned, session)
	session.Run()
}

// resolveSubDomain applies the ClientHello policy table, returning the
// subdomain to assign and the status to reply with if not Success.
func (srv *Server) resolveSubDomain(hello wire.ClientHello, requestedSub ids.SubDomain) (ids.SubDomain, wire.ServerHelloStatus, string) {
	switch hello.Type {
	case wire.ClientHelloAnonymous:
		sub, err := ids.NewRandomSubDomain()
		if err != nil {
			return "", wire.ServerHelloAuthFailed, "failed to assign a subdomain"
		}
		return sub, wire.ServerHelloSuccess, ""

	case wire.ClientHelloAuth:
		cred := credentialFromKey(hello.Key)
		decision := srv.Verifier.Verify(cred, requestedSub)
		switch decision.Kind {
		case auth.Granted, auth.Reassigned:
			return decision.SubDomain, wire.ServerHelloSuccess, ""
		default:
			return "", statusForDeniedReason(decision.Reason), string(decision.Reason)
		}

	default:
		return "", wire.ServerHelloAuthFailed, "unknown hello type"
	}
}

func statusForDeniedReason(reason auth.DeniedReason) wire.ServerHelloStatus {
	switch reason {
	case auth.InvalidSubDomain:
		return wire.ServerHelloInvalidSubDomain
	case auth.SubDomainInUse:
		return wire.ServerHelloSubDomainInUse
	default:
		return wire.ServerHelloAuthFailed
	}
}

// credentialFromKey classifies the hello's opaque key as a signed
// token (three dot-separated JWT segments) or a preset token.
func credentialFromKey(key string) auth.Credential {
	if strings.Count(key, ".") == 2 {
		return auth.SignedToken(key)
	}
	return auth.PresetToken(key)
}

func (srv *Server) reject(conn *websocket.Conn, status wire.ServerHelloStatus, reason string) {
	_ = srv.writeHello(conn, wire.ServerHello{Status: status, Reason: reason})
	_ = conn.Close()
}

func (srv *Server) writeHello(conn *websocket.Conn, hello wire.ServerHello) error {
	b, err := encodeHello(hello)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return tunnelerr.Wrap(tunnelerr.KindTransport, "writing ServerHello", err)
	}
	return nil
}
