package control

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cybersiliconforest/portalgun/internal/ids"
	"github.com/cybersiliconforest/portalgun/internal/registry"
	"github.com/cybersiliconforest/portalgun/internal/streams"
	"github.com/cybersiliconforest/portalgun/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	inbox     chan []byte
	outbox    chan []byte
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbox: make(chan []byte, 64), outbox: make(chan []byte, 64)}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	b, ok := <-f.inbox
	if !ok {
		return 0, nil, io.EOF
	}
	return 2, b, nil
}

func (f *fakeConn) WriteMessage(_ int, b []byte) error {
	f.outbox <- b
	return nil
}

func (f *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.inbox) })
	return nil
}

func (f *fakeConn) sendFromClient(p wire.ControlPacket) {
	f.inbox <- wire.Encode(p)
}

func (f *fakeConn) recvFromServer(t *testing.T) wire.ControlPacket {
	t.Helper()
	select {
	case b := <-f.outbox:
		p, err := wire.Decode(b)
		require.NoError(t, err)
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server frame")
		return wire.ControlPacket{}
	}
}

type fakeStreamSink struct {
	mu      sync.Mutex
	writes  [][]byte
	closed  bool
}

func (f *fakeStreamSink) Write(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), b...))
	return nil
}

func (f *fakeStreamSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStreamSink) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func testOptions() Options {
	return Options{QueueSize: 8, PingTimeout: time.Second, LingerWindow: 1200 * time.Millisecond}
}

func TestSessionEchoesPing(t *testing.T) {
	reg := registry.New()
	st := streams.New()
	conn := newFakeConn()
	s := newSession(conn, "myapp", reg, st, testOptions().withDefaults())

	done := make(chan struct{})
	go func() { s.Run(); close(done) }()

	conn.sendFromClient(wire.Ping())
	reply := conn.recvFromServer(t)
	assert.Equal(t, wire.TagPing, reply.Tag)

	conn.Close()
	<-done
}

func TestSessionRoutesDataToStreamSink(t *testing.T) {
	reg := registry.New()
	st := streams.New()
	conn := newFakeConn()
	s := newSession(conn, "myapp", reg, st, testOptions().withDefaults())

	sid := ids.NewStreamId()
	sink := &fakeStreamSink{}
	st.Insert(&streams.ActiveStream{ID: sid, SessionID: s.ClientId(), Sink: sink})

	done := make(chan struct{})
	go func() { s.Run(); close(done) }()

	conn.sendFromClient(wire.Data(sid, []byte("hello")))
	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.writes) == 1
	}, time.Second, 10*time.Millisecond)

	conn.Close()
	<-done
}

func TestSessionEndClosesStreamWithinLingerWindow(t *testing.T) {
	reg := registry.New()
	st := streams.New()
	conn := newFakeConn()
	opts := testOptions().withDefaults()
	s := newSession(conn, "myapp", reg, st, opts)

	sid := ids.NewStreamId()
	sink := &fakeStreamSink{}
	st.Insert(&streams.ActiveStream{ID: sid, SessionID: s.ClientId(), Sink: sink})

	done := make(chan struct{})
	go func() { s.Run(); close(done) }()

	conn.sendFromClient(wire.End(sid))

	// Not closed immediately (must linger).
	assert.False(t, sink.isClosed())

	require.Eventually(t, sink.isClosed, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	<-done
}

func TestSessionRefusedClosesStreamImmediately(t *testing.T) {
	reg := registry.New()
	st := streams.New()
	conn := newFakeConn()
	s := newSession(conn, "myapp", reg, st, testOptions().withDefaults())

	sid := ids.NewStreamId()
	sink := &fakeStreamSink{}
	st.Insert(&streams.ActiveStream{ID: sid, SessionID: s.ClientId(), Sink: sink})

	done := make(chan struct{})
	go func() { s.Run(); close(done) }()

	conn.sendFromClient(wire.Refused(sid))

	require.Eventually(t, sink.isClosed, 500*time.Millisecond, 5*time.Millisecond)
	_, ok := st.Get(sid)
	assert.False(t, ok)

	conn.Close()
	<-done
}

func TestTerminateBroadcastsCloseToOwnedStreams(t *testing.T) {
	reg := registry.New()
	st := streams.New()
	conn := newFakeConn()
	s := newSession(conn, "myapp", reg, st, testOptions().withDefaults())
	reg.Add("myapp", s)

	sid := ids.NewStreamId()
	sink := &fakeStreamSink{}
	st.Insert(&streams.ActiveStream{ID: sid, SessionID: s.ClientId(), Sink: sink})

	done := make(chan struct{})
	go func() { s.Run(); close(done) }()

	conn.Close() // triggers read error -> terminate(true)
	<-done

	assert.True(t, sink.isClosed())
	_, ok := reg.Find("myapp")
	assert.False(t, ok)
}

func TestMalformedFrameTerminatesSession(t *testing.T) {
	reg := registry.New()
	st := streams.New()
	conn := newFakeConn()
	s := newSession(conn, "myapp", reg, st, testOptions().withDefaults())
	reg.Add("myapp", s)

	done := make(chan struct{})
	go func() { s.Run(); close(done) }()

	conn.inbox <- []byte{0xff} // unknown tag

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate on malformed frame")
	}
	_, ok := reg.Find("myapp")
	assert.False(t, ok)
}

func TestHeartbeatMonitorRemovesSessionThatNeverPings(t *testing.T) {
	reg := registry.New()
	st := streams.New()
	conn := newFakeConn()
	opts := Options{QueueSize: 8, PingTimeout: 100 * time.Millisecond, LingerWindow: time.Second}.withDefaults()
	s := newSession(conn, "myapp", reg, st, opts)
	reg.Add("myapp", s)

	done := make(chan struct{})
	go func() { s.Run(); close(done) }()

	// The session never sends Ping; only the heartbeat monitor, not
	// the read deadline (which a Data frame would keep resetting),
	// should notice and remove it.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session was not removed after missing heartbeat")
	}
	_, ok := reg.Find("myapp")
	assert.False(t, ok)
}

func TestSendTimesOutWhenQueueNeverDrains(t *testing.T) {
	reg := registry.New()
	st := streams.New()
	conn := newFakeConn()
	opts := Options{QueueSize: 2, PingTimeout: time.Minute, LingerWindow: time.Second, BackpressureTimeout: 50 * time.Millisecond}.withDefaults()
	s := newSession(conn, "myapp", reg, st, opts)

	go s.Run()

	// Exhaust the fake transport's outbox and the session's own queue
	// so writePump wedges mid-write with nowhere left to drain to; the
	// outbox is deliberately never read in this test.
	for i := 0; i < cap(conn.outbox)+opts.QueueSize+1; i++ {
		s.Send(wire.Ping())
	}

	result := s.Send(wire.Ping())
	assert.Equal(t, registry.Closed, result)
}

func TestDisplaceDoesNotRemoveNewIncumbentFromRegistry(t *testing.T) {
	reg := registry.New()
	st := streams.New()

	firstConn := newFakeConn()
	first := newSession(firstConn, "myapp", reg, st, testOptions().withDefaults())
	reg.Add("myapp", first)
	go first.Run()

	secondConn := newFakeConn()
	second := newSession(secondConn, "myapp", reg, st, testOptions().withDefaults())
	go second.Run()
	reg.Add("myapp", second) // displaces first

	found, ok := reg.Find("myapp")
	require.True(t, ok)
	assert.Equal(t, second.ClientId(), found.ClientId())

	secondConn.Close()
	firstConn.Close()
}
