// Package control implements the control session of spec §4.4: the
// per-client protocol state machine created after a successful hello
// handshake, multiplexing ControlPacket frames for the lifetime of one
// authenticated client connection.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cybersiliconforest/portalgun/internal/ids"
	"github.com/cybersiliconforest/portalgun/internal/registry"
	"github.com/cybersiliconforest/portalgun/internal/streams"
	"github.com/cybersiliconforest/portalgun/internal/tunnelerr"
	"github.com/cybersiliconforest/portalgun/internal/wire"
)

// wsConn is the subset of *websocket.Conn the session depends on, kept
// as an interface (mirroring how the teacher's websocket.Client wraps
// *websocket.Conn) so the handshake and dispatch loop can be exercised
// against a fake transport in tests.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// OwnershipChecker answers whether a peer instance already owns a
// SubDomain, satisfied by internal/gossip.Fabric. Declared here,
// rather than imported from internal/gossip, so control does not
// depend on the gossip package.
type OwnershipChecker interface {
	WhoHas(ctx context.Context, sub ids.SubDomain) bool
}

// sessionState tracks the one-way streaming -> closing transition.
type sessionState int32

const (
	stateStreaming sessionState = iota
	stateClosing
)

// Session is one authenticated client's control channel.
type Session struct {
	conn      wsConn
	clientID  ids.ClientId
	subDomain ids.SubDomain
	instanceID string

	registry *registry.Registry
	streams  *streams.Table

	send     chan wire.ControlPacket
	closedCh chan struct{}
	state    atomic.Int32

	lastHeartbeat atomic.Int64 // unix nanos

	lingerWindow        time.Duration
	pingTimeout         time.Duration
	backpressureTimeout time.Duration

	closeOnce sync.Once
}

// Options configures timeouts and queue sizing for a Session,
// corresponding to spec §5's bounded outbound queue and timeout
// table.
type Options struct {
	QueueSize           int           // recommended 1024
	PingTimeout         time.Duration // 30s
	LingerWindow        time.Duration // 1s-10s
	BackpressureTimeout time.Duration // bound on a full outbound queue draining before the stream is closed
	InstanceID          string
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = 30 * time.Second
	}
	if o.LingerWindow <= 0 {
		o.LingerWindow = 2 * time.Second
	}
	if o.LingerWindow < time.Second {
		o.LingerWindow = time.Second
	}
	if o.LingerWindow > 10*time.Second {
		o.LingerWindow = 10 * time.Second
	}
	if o.BackpressureTimeout <= 0 {
		o.BackpressureTimeout = 30 * time.Second
	}
	return o
}

func newSession(conn wsConn, sub ids.SubDomain, reg *registry.Registry, st *streams.Table, opts Options) *Session {
	s := &Session{
		conn:                conn,
		clientID:            ids.NewClientId(),
		subDomain:           sub,
		instanceID:          opts.InstanceID,
		registry:            reg,
		streams:             st,
		send:                make(chan wire.ControlPacket, opts.QueueSize),
		closedCh:            make(chan struct{}),
		lingerWindow:        opts.LingerWindow,
		pingTimeout:         opts.PingTimeout,
		backpressureTimeout: opts.BackpressureTimeout,
	}
	s.lastHeartbeat.Store(time.Now().UnixNano())
	return s
}

// ClientId implements registry.Session.
func (s *Session) ClientId() ids.ClientId { return s.clientID }

// SubDomain reports the subdomain this session was registered under.
func (s *Session) SubDomain() ids.SubDomain { return s.subDomain }

// InstanceID reports which instance accepted this session.
func (s *Session) InstanceID() string { return s.instanceID }

// Send implements registry.Session: enqueue packet onto the session's
// bounded outbound queue. Back-pressure (spec §5): when the queue is
// full, the caller (an ActiveStream delivering end-user bytes)
// suspends until it drains or the session closes; if the queue has
// not drained within backpressureTimeout, the frame is not queued and
// Closed is returned.
func (s *Session) Send(packet wire.ControlPacket) registry.SendResult {
	if sessionState(s.state.Load()) == stateClosing {
		return registry.Closed
	}
	select {
	case s.send <- packet:
		return registry.Sent
	default:
	}
	// Queue is full: block until there is room or the session closes,
	// matching "the producing ActiveStream suspends until drained". A
	// queue that never drains within backpressureTimeout closes the
	// stream rather than suspending its producer forever.
	timer := time.NewTimer(s.backpressureTimeout)
	defer timer.Stop()
	select {
	case s.send <- packet:
		return registry.Sent
	case <-s.closedCh:
		return registry.Closed
	case <-timer.C:
		log.Printf("[control] %v", tunnelerr.New(tunnelerr.KindBackpressure,
			fmt.Sprintf("client %s outbound queue did not drain within %s", s.clientID, s.backpressureTimeout)))
		return registry.Closed
	}
}

// Displace implements registry.Session: a new session has claimed
// this session's SubDomain on this instance. Tear down without
// removing the registry entry (the caller already overwrote it).
func (s *Session) Displace() {
	s.terminate(false)
}

// Shutdown tears the session down explicitly, e.g. on server
// graceful-shutdown.
func (s *Session) Shutdown() {
	s.terminate(true)
}

// terminate performs the one-way streaming -> closing transition of
// spec §4.4: registry entry removed first (when removeFromRegistry),
// then every owned ActiveStream is sent Close, then the transport is
// closed.
func (s *Session) terminate(removeFromRegistry bool) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(stateClosing))
		if removeFromRegistry {
			s.registry.Remove(s.clientID)
		}
		s.streams.BroadcastCloseWhere(s.clientID)
		close(s.closedCh)
		_ = s.conn.Close()
	})
}

// Run drives the write pump, read pump, and heartbeat monitor for an
// already-registered, streaming-state session. It blocks until the
// session terminates.
func (s *Session) Run() {
	done := make(chan struct{})
	go func() {
		s.writePump()
		close(done)
	}()
	go s.heartbeatMonitor()
	s.readPump()
	<-done
}

// heartbeatMonitor enforces spec §8's "a session that has not received
// Ping for 30s is removed from the registry": the read deadline in
// readPump only bounds silence on the transport as a whole, so a
// client that streams Data but never Pings would otherwise never be
// removed. Polls at a fraction of pingTimeout so staleness is caught
// promptly without busy-looping.
func (s *Session) heartbeatMonitor() {
	interval := s.pingTimeout / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if since := time.Since(s.LastHeartbeat()); since > s.pingTimeout {
				log.Printf("[control] client %s missed heartbeat for %s, removing session", s.clientID, since)
				s.terminate(true)
				return
			}
		case <-s.closedCh:
			return
		}
	}
}

func (s *Session) writePump() {
	for {
		select {
		case packet := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(binaryMessage, wire.Encode(packet)); err != nil {
				log.Printf("[control] %v", tunnelerr.Wrap(tunnelerr.KindTransport, fmt.Sprintf("writing to client %s", s.clientID), err))
				s.terminate(true)
				return
			}
		case <-s.closedCh:
			return
		}
	}
}

const binaryMessage = 2 // websocket.BinaryMessage, duplicated to avoid importing gorilla here

func (s *Session) readPump() {
	defer s.terminate(true)

	for {
		heartbeatDeadline := time.Now().Add(s.pingTimeout)
		if err := s.conn.SetReadDeadline(heartbeatDeadline); err != nil {
			return
		}
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		packet, err := wire.Decode(msg)
		if err != nil {
			// Malformed frame on the control link terminates the
			// session (spec §4.4 Failure handling).
			log.Printf("[control] %v", tunnelerr.Wrap(tunnelerr.KindProtocol, fmt.Sprintf("decoding frame from client %s", s.clientID), err))
			return
		}
		s.handlePacket(packet)
	}
}

func (s *Session) handlePacket(p wire.ControlPacket) {
	switch p.Tag {
	case wire.TagPing:
		s.lastHeartbeat.Store(time.Now().UnixNano())
		s.Send(wire.Ping())
	case wire.TagData:
		if stream, ok := s.streams.Get(p.StreamId); ok {
			stream.AddBytesIn(len(p.Data))
			if err := stream.Sink.Write(p.Data); err != nil {
				stream.CloseSink()
				s.streams.Remove(p.StreamId)
			}
		}
	case wire.TagEnd:
		if stream, ok := s.streams.Get(p.StreamId); ok {
			s.streams.Remove(p.StreamId)
			linger := s.lingerWindow
			go func() {
				time.Sleep(linger)
				stream.CloseSink()
			}()
		}
	case wire.TagRefused:
		if stream, ok := s.streams.Get(p.StreamId); ok {
			s.streams.Remove(p.StreamId)
			stream.CloseSink()
		}
	case wire.TagInit:
		// Init from the client acknowledges a stream the server has
		// already registered and announced; no action is needed.
	default:
		log.Printf("[control] unexpected tag %s from client %s", p.Tag, s.clientID)
	}
}

// LastHeartbeat returns the time of the most recently received Ping.
func (s *Session) LastHeartbeat() time.Time {
	return time.Unix(0, s.lastHeartbeat.Load())
}

// encodeHello is a small helper shared by the handshake code in
// server.go, kept here since it only touches wire types.
func encodeHello(h wire.ServerHello) ([]byte, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("control: encoding ServerHello: %w", err)
	}
	return b, nil
}
