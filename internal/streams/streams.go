// Package streams implements the active-stream table of spec §4.3:
// the in-memory mapping from StreamId to the ActiveStream handle
// bridging one end-user TCP connection through a ControlSession.
package streams

import (
	"sync"
	"sync/atomic"

	"github.com/cybersiliconforest/portalgun/internal/ids"
)

// Sink is the destination for bytes and the Close signal targeting
// one end-user connection. The remote acceptor implements this over
// the accepted TCP socket.
type Sink interface {
	// Write delivers a Data chunk to the end user.
	Write(b []byte) error
	// Close tears down the end-user connection.
	Close() error
}

// ActiveStream is one end-user TCP connection being relayed through a
// ControlSession.
type ActiveStream struct {
	ID        ids.StreamId
	SessionID ids.ClientId
	Sink      Sink

	bytesIn  atomic.Int64
	bytesOut atomic.Int64

	closeOnce sync.Once
}

// AddBytesIn accumulates bytes received from the client destined for
// the end user.
func (s *ActiveStream) AddBytesIn(n int) { s.bytesIn.Add(int64(n)) }

// AddBytesOut accumulates bytes received from the end user destined
// for the client.
func (s *ActiveStream) AddBytesOut(n int) { s.bytesOut.Add(int64(n)) }

// BytesIn returns the cumulative byte count delivered to the end user.
func (s *ActiveStream) BytesIn() int64 { return s.bytesIn.Load() }

// BytesOut returns the cumulative byte count received from the end
// user.
func (s *ActiveStream) BytesOut() int64 { return s.bytesOut.Load() }

// CloseSink closes the stream's sink exactly once, so a double-close
// (e.g. racing End and owner-disconnect) is a no-op.
func (s *ActiveStream) CloseSink() {
	s.closeOnce.Do(func() {
		_ = s.Sink.Close()
	})
}

// Table is the process-wide singleton owning every ActiveStream.
type Table struct {
	mu      sync.RWMutex
	streams map[ids.StreamId]*ActiveStream
}

// New creates an empty Table.
func New() *Table {
	return &Table{streams: make(map[ids.StreamId]*ActiveStream)}
}

// Insert registers a new ActiveStream.
func (t *Table) Insert(s *ActiveStream) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streams[s.ID] = s
}

// Get returns the ActiveStream for id, if present.
func (t *Table) Get(id ids.StreamId) (*ActiveStream, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.streams[id]
	return s, ok
}

// Remove unregisters id. It is idempotent: removing an id twice, or an
// id that was never inserted, is a no-op.
func (t *Table) Remove(id ids.StreamId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.streams, id)
}

// BroadcastCloseWhere closes and removes every ActiveStream owned by
// sessionID, used when a ControlSession ends so every stream it owned
// receives Close within one scheduling turn (spec §3 invariant).
func (t *Table) BroadcastCloseWhere(sessionID ids.ClientId) {
	t.mu.Lock()
	var owned []*ActiveStream
	for id, s := range t.streams {
		if s.SessionID == sessionID {
			owned = append(owned, s)
			delete(t.streams, id)
		}
	}
	t.mu.Unlock()

	for _, s := range owned {
		s.CloseSink()
	}
}

// Len reports the number of currently tracked streams, used by tests
// and operational introspection.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.streams)
}
