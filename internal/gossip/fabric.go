// Package gossip implements the gossip fabric of spec §4.6: DNS-based
// discovery of peer instances and the WhoHas/ForwardStream internal
// protocol that resolves which instance currently owns a SubDomain.
package gossip

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cybersiliconforest/portalgun/internal/ids"
	"github.com/cybersiliconforest/portalgun/internal/registry"
	"golang.org/x/sync/errgroup"
)

// StreamOpener bridges an incoming ForwardStream connection into a
// local ActiveStream, satisfied by internal/acceptor so that gossip
// does not need to depend on it.
type StreamOpener interface {
	OpenForwardedStream(sub ids.SubDomain, conn net.Conn)
}

type peer struct {
	addr     string
	lastSeen time.Time
}

// Fabric is the process-wide gossip singleton: it refreshes the peer
// set from DNS, answers incoming WhoHas/ForwardStream requests against
// the local registry, and issues outbound WhoHas queries on behalf of
// the remote acceptor.
type Fabric struct {
	mu    sync.RWMutex
	peers map[string]peer

	selfAddr   string
	discoverer *discoverer

	registry *registry.Registry
	opener   StreamOpener

	dialTimeout time.Duration
}

// Options configures a Fabric.
type Options struct {
	DNSName      string
	InternalPort string
	Nameserver   string // empty uses 127.0.0.1:53
	SelfAddr     string // host:port this instance is reachable at; excluded from peer set
	DialTimeout  time.Duration
}

// New constructs a Fabric. registry answers local WhoHas queries;
// opener bridges incoming ForwardStream connections (nil is valid
// until internal/acceptor wiring is attached post-construction via
// SetOpener, e.g. during staged startup).
func New(opts Options, reg *registry.Registry, opener StreamOpener) *Fabric {
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 2 * time.Second
	}
	return &Fabric{
		peers:       make(map[string]peer),
		selfAddr:    opts.SelfAddr,
		discoverer:  newDiscoverer(opts.DNSName, opts.InternalPort, opts.Nameserver),
		registry:    reg,
		opener:      opener,
		dialTimeout: dialTimeout,
	}
}

// SetOpener attaches the stream opener once the acceptor is
// constructed, breaking the acceptor<->gossip initialization cycle.
func (f *Fabric) SetOpener(opener StreamOpener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opener = opener
}

// Run refreshes the peer set from DNS every 5s until ctx is canceled,
// matching spec §4.6's discovery interval.
func (f *Fabric) Run(ctx context.Context) {
	f.refresh(ctx)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.refresh(ctx)
		}
	}
}

func (f *Fabric) refresh(ctx context.Context) {
	addrs, err := f.discoverer.resolve(ctx)
	if err != nil {
		log.Printf("[gossip] DNS refresh failed: %v", err)
		return
	}
	now := time.Now()
	f.mu.Lock()
	for _, addr := range addrs {
		if addr == f.selfAddr {
			continue
		}
		f.peers[addr] = peer{addr: addr, lastSeen: now}
	}
	f.mu.Unlock()
}

// Seed adds addresses to the peer set directly, bypassing DNS
// discovery. Used by tests and by static-peer deployments that prefer
// a fixed list over a discovery DNS name.
func (f *Fabric) Seed(addrs ...string) {
	now := time.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, addr := range addrs {
		if addr == f.selfAddr {
			continue
		}
		f.peers[addr] = peer{addr: addr, lastSeen: now}
	}
}

// Peers returns the current snapshot of known peer addresses, used by
// tests and operational introspection.
func (f *Fabric) Peers() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.peers))
	for addr := range f.peers {
		out = append(out, addr)
	}
	return out
}

// WhoHas implements control.OwnershipChecker: fan the query out to
// every known peer in parallel and report whether any replied Yes
// within ctx's deadline (spec §4.6: "dispatched to all known peers in
// parallel with a 500ms timeout; first Yes wins").
func (f *Fabric) WhoHas(ctx context.Context, sub ids.SubDomain) bool {
	peers := f.Peers()
	if len(peers) == 0 {
		return false
	}

	var found atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	for _, addr := range peers {
		addr := addr
		g.Go(func() error {
			ok, err := f.queryWhoHas(gctx, addr, sub)
			if err != nil {
				return nil // a peer timeout/error is treated as "No", not fatal
			}
			if ok {
				found.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()
	return found.Load()
}

func (f *Fabric) queryWhoHas(ctx context.Context, addr string, sub ids.SubDomain) (bool, error) {
	dialer := net.Dialer{Timeout: f.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false, fmt.Errorf("gossip: dialing peer %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := writeRequest(conn, cmdWhoHas, sub); err != nil {
		return false, err
	}
	return readWhoHasReply(conn)
}

// ForwardStream dials the peer at addr and opens a ForwardStream
// channel for sub, returning the raw connection for the caller (the
// remote acceptor) to pipe end-user bytes over, per spec §4.5(b).
func (f *Fabric) ForwardStream(ctx context.Context, addr string, sub ids.SubDomain) (net.Conn, error) {
	dialer := net.Dialer{Timeout: f.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("gossip: dialing peer %s: %w", addr, err)
	}
	if err := writeRequest(conn, cmdForward, sub); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// WhoOwns queries every peer and returns the address of the first one
// that answers Yes, or "" if none do. The remote acceptor uses this
// (rather than the boolean WhoHas) when it needs to know where to
// forward to, not just whether forwarding is possible.
func (f *Fabric) WhoOwns(ctx context.Context, sub ids.SubDomain) string {
	peers := f.Peers()
	type result struct {
		addr string
		ok   bool
	}
	resultCh := make(chan result, len(peers))
	var wg sync.WaitGroup
	for _, addr := range peers {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := f.queryWhoHas(ctx, addr, sub)
			resultCh <- result{addr: addr, ok: err == nil && ok}
		}()
	}
	go func() { wg.Wait(); close(resultCh) }()

	for r := range resultCh {
		if r.ok {
			return r.addr
		}
	}
	return ""
}

// ServeConn dispatches one accepted internal connection: a WhoHas
// query is answered from the local registry; a ForwardStream request
// is handed to the attached StreamOpener.
func (f *Fabric) ServeConn(conn net.Conn) {
	cmd, sub, err := readRequest(conn)
	if err != nil {
		log.Printf("[gossip] malformed internal request from %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	switch cmd {
	case cmdWhoHas:
		defer conn.Close()
		if err := writeWhoHasReply(conn, f.registry.Has(sub)); err != nil {
			log.Printf("[gossip] writing WhoHas reply: %v", err)
		}
	case cmdForward:
		f.mu.RLock()
		opener := f.opener
		f.mu.RUnlock()
		if opener == nil {
			conn.Close()
			return
		}
		opener.OpenForwardedStream(sub, conn)
	default:
		log.Printf("[gossip] unknown internal command 0x%02x from %s", cmd, conn.RemoteAddr())
		conn.Close()
	}
}
