// Package acceptor implements the remote acceptor of spec §4.5: the
// public TCP listener that turns each accepted end-user connection
// into either a locally-multiplexed ActiveStream or a forwarded
// connection to whichever peer instance owns the target SubDomain.
package acceptor

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cybersiliconforest/portalgun/internal/gossip"
	"github.com/cybersiliconforest/portalgun/internal/ids"
	"github.com/cybersiliconforest/portalgun/internal/registry"
	"github.com/cybersiliconforest/portalgun/internal/streams"
	"github.com/cybersiliconforest/portalgun/internal/tunnelerr"
	"github.com/cybersiliconforest/portalgun/internal/wire"
)

// Config bounds the acceptor's behavior per spec §4.5.
type Config struct {
	TunnelHost         string
	AllowedHosts       []string      // additional base hosts, e.g. "baz.com" permits "*.baz.com"
	HelloTimeout       time.Duration // 5s: bound on sniffing the host/SNI
	BufferSize         int           // 64KiB per-direction relay buffer
	DrainTimeout       time.Duration // 5s: half-close drain window
	SubDomainBlocklist map[ids.SubDomain]struct{}
	BlockedIPs         map[string]struct{}
}

func (c Config) withDefaults() Config {
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = 5 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 64 * 1024
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
	return c
}

// Acceptor accepts end-user TCP connections and routes them per the
// ownership table of spec §4.5.
type Acceptor struct {
	cfg      Config
	registry *registry.Registry
	streams  *streams.Table
	fabric   *gossip.Fabric
}

// New constructs an Acceptor. fabric may be nil for a single-instance
// deployment, in which case only locally-owned SubDomains are served.
func New(cfg Config, reg *registry.Registry, st *streams.Table, fabric *gossip.Fabric) *Acceptor {
	return &Acceptor{cfg: cfg.withDefaults(), registry: reg, streams: st, fabric: fabric}
}

// Serve runs the accept loop against ln until it is closed.
func (a *Acceptor) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go a.handleConn(conn)
	}
}

func (a *Acceptor) handleConn(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(a.cfg.HelloTimeout))
	result, err := sniff(conn)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		log.Printf("[acceptor] %v", tunnelerr.Wrap(tunnelerr.KindProtocol, fmt.Sprintf("sniffing host/SNI from %s", conn.RemoteAddr()), err))
		conn.Close()
		return
	}

	sub, ok := a.deriveSubDomain(result.host)
	if !ok {
		a.reject404(conn, "")
		return
	}
	if a.blockedIP(conn) || a.blockedSubDomain(sub) {
		a.reject404(conn, string(sub))
		return
	}

	if session, ok := a.registry.Find(sub); ok {
		a.serveLocal(conn, session, result.peeked)
		return
	}

	if a.fabric != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.HelloTimeout)
		addr := a.fabric.WhoOwns(ctx, sub)
		cancel()
		if addr != "" {
			a.serveForwarded(conn, sub, addr, result.peeked)
			return
		}
	}

	log.Printf("[acceptor] %v", tunnelerr.New(tunnelerr.KindRouting, fmt.Sprintf("no instance owns subdomain %q", sub)))
	a.reject404(conn, string(sub))
}

// deriveSubDomain strips whichever permitted base host (TunnelHost, or
// one of AllowedHosts) is the suffix of host and validates the
// remaining label, so a deployment can serve tunnels under several
// base domains at once (spec §6 ALLOWED_HOSTS).
func (a *Acceptor) deriveSubDomain(host string) (ids.SubDomain, bool) {
	for _, base := range a.allowedBases() {
		if base == "" {
			continue
		}
		suffix := "." + base
		if !strings.HasSuffix(host, suffix) {
			continue
		}
		sub := ids.SubDomain(strings.TrimSuffix(host, suffix))
		if !sub.Valid() {
			return "", false
		}
		return sub, true
	}
	return "", false
}

func (a *Acceptor) allowedBases() []string {
	bases := make([]string, 0, 1+len(a.cfg.AllowedHosts))
	bases = append(bases, a.cfg.TunnelHost)
	bases = append(bases, a.cfg.AllowedHosts...)
	return bases
}

func (a *Acceptor) blockedSubDomain(sub ids.SubDomain) bool {
	if a.cfg.SubDomainBlocklist == nil {
		return false
	}
	_, blocked := a.cfg.SubDomainBlocklist[sub]
	return blocked
}

func (a *Acceptor) blockedIP(conn net.Conn) bool {
	if a.cfg.BlockedIPs == nil {
		return false
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return false
	}
	_, blocked := a.cfg.BlockedIPs[host]
	return blocked
}

// serveLocal implements §4.5(a): mint a StreamId, register an
// ActiveStream against session, send Init, replay whatever bytes were
// already consumed while sniffing, then relay end-user bytes as Data
// frames until EOF or session rejection.
func (a *Acceptor) serveLocal(conn net.Conn, session registry.Session, peeked []byte) {
	sid := ids.NewStreamId()
	stream := &streams.ActiveStream{ID: sid, SessionID: session.ClientId(), Sink: &connSink{conn: conn}}
	a.streams.Insert(stream)

	if session.Send(wire.Init(sid)) != registry.Sent {
		a.streams.Remove(sid)
		conn.Close()
		return
	}
	if len(peeked) > 0 {
		if session.Send(wire.Data(sid, peeked)) != registry.Sent {
			a.streams.Remove(sid)
			stream.CloseSink()
			return
		}
		stream.AddBytesOut(len(peeked))
	}

	buf := make([]byte, a.cfg.BufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			stream.AddBytesOut(n)
			chunk := append([]byte(nil), buf[:n]...)
			if session.Send(wire.Data(sid, chunk)) != registry.Sent {
				break
			}
		}
		if err != nil {
			break
		}
	}

	session.Send(wire.End(sid))
	a.streams.Remove(sid)
	a.drainAndClose(conn)
}

// serveForwarded implements §4.5(b): open an internal connection to
// the owning peer and relay bytes transparently.
func (a *Acceptor) serveForwarded(conn net.Conn, sub ids.SubDomain, addr string, peeked []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.HelloTimeout)
	peerConn, err := a.fabric.ForwardStream(ctx, addr, sub)
	cancel()
	if err != nil {
		log.Printf("[acceptor] %v", tunnelerr.Wrap(tunnelerr.KindTransport, fmt.Sprintf("forwarding to peer %s", addr), err))
		a.reject404(conn, string(sub))
		return
	}
	if len(peeked) > 0 {
		if _, err := peerConn.Write(peeked); err != nil {
			peerConn.Close()
			conn.Close()
			return
		}
	}
	a.bridge(conn, peerConn)
}

// OpenForwardedStream implements gossip.StreamOpener: this instance
// owns sub and the connection is a raw byte stream already forwarded
// by a peer acceptor, with no sniffing needed.
func (a *Acceptor) OpenForwardedStream(sub ids.SubDomain, conn net.Conn) {
	session, ok := a.registry.Find(sub)
	if !ok {
		conn.Close()
		return
	}
	a.serveLocal(conn, session, nil)
}

func (a *Acceptor) bridge(local, remote net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.copyAndHalfClose(remote, local)
	}()
	go func() {
		defer wg.Done()
		a.copyAndHalfClose(local, remote)
	}()
	wg.Wait()
	local.Close()
	remote.Close()
}

func (a *Acceptor) copyAndHalfClose(dst, src net.Conn) {
	buf := make([]byte, a.cfg.BufferSize)
	_, _ = io.CopyBuffer(dst, src, buf)
	if cw, ok := dst.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	_ = dst.SetReadDeadline(time.Now().Add(a.cfg.DrainTimeout))
}

func (a *Acceptor) drainAndClose(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	_ = conn.SetReadDeadline(time.Now().Add(a.cfg.DrainTimeout))
	_, _ = io.Copy(io.Discard, conn)
	conn.Close()
}

// reject404 writes a short canned 404 naming sub (spec §7: "a short
// canned HTTP 404 body naming the missing subdomain"). sub is empty
// when the request's Host didn't even match a permitted base host, in
// which case there is no subdomain to name.
func (a *Acceptor) reject404(conn net.Conn, sub string) {
	body := "no tunnel is registered for this host\n"
	if sub != "" {
		body = fmt.Sprintf("no tunnel is registered for %q\n", sub)
	}
	resp := fmt.Sprintf("HTTP/1.1 404 Not Found\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(body), body)
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, _ = conn.Write([]byte(resp))
	conn.Close()
}

// connSink adapts a net.Conn to streams.Sink for the locally-served
// path: Data frames from the client are written straight through to
// the end-user socket.
type connSink struct {
	conn net.Conn
}

func (s *connSink) Write(b []byte) error {
	_, err := s.conn.Write(b)
	return err
}

func (s *connSink) Close() error {
	return s.conn.Close()
}
