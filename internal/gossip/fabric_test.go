package gossip

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/cybersiliconforest/portalgun/internal/ids"
	"github.com/cybersiliconforest/portalgun/internal/registry"
	"github.com/cybersiliconforest/portalgun/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startPeer spins up a real Fabric + Listener backed by its own
// registry, so WhoHas/ForwardStream are exercised over a loopback TCP
// connection rather than mocked.
func startPeer(t *testing.T, reg *registry.Registry, opener StreamOpener) (*Listener, string) {
	t.Helper()
	f := New(Options{DNSName: "unused", InternalPort: "0"}, reg, opener)
	ln, err := Listen("127.0.0.1:0", f)
	require.NoError(t, err)
	go ln.Serve()
	t.Cleanup(func() { ln.Close() })
	return ln, ln.Addr().String()
}

func TestWhoHasFindsPeerThatOwnsSubDomain(t *testing.T) {
	peerReg := registry.New()
	peerReg.Add("myapp", &fakeRegistrySession{id: ids.NewClientId()})
	_, peerAddr := startPeer(t, peerReg, nil)

	localReg := registry.New()
	local := New(Options{DNSName: "unused", InternalPort: "0"}, localReg, nil)
	local.Seed(peerAddr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.True(t, local.WhoHas(ctx, "myapp"))
	assert.False(t, local.WhoHas(ctx, "nobody-has-this"))
}

func TestWhoOwnsReturnsOwningPeerAddr(t *testing.T) {
	peerReg := registry.New()
	peerReg.Add("myapp", &fakeRegistrySession{id: ids.NewClientId()})
	_, peerAddr := startPeer(t, peerReg, nil)

	localReg := registry.New()
	local := New(Options{DNSName: "unused", InternalPort: "0"}, localReg, nil)
	local.Seed(peerAddr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Equal(t, peerAddr, local.WhoOwns(ctx, "myapp"))
}

func TestWhoHasWithNoPeersReturnsFalse(t *testing.T) {
	local := New(Options{DNSName: "unused", InternalPort: "0"}, registry.New(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.False(t, local.WhoHas(ctx, "anything"))
}

type recordingOpener struct {
	gotSub ids.SubDomain
	gotAll []byte
}

func (o *recordingOpener) OpenForwardedStream(sub ids.SubDomain, conn net.Conn) {
	o.gotSub = sub
	b, _ := io.ReadAll(conn)
	o.gotAll = b
	conn.Close()
}

func TestForwardStreamDeliversSubDomainAndBytes(t *testing.T) {
	opener := &recordingOpener{}
	_, peerAddr := startPeer(t, registry.New(), opener)

	local := New(Options{DNSName: "unused", InternalPort: "0"}, registry.New(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := local.ForwardStream(ctx, peerAddr, "forwarded-app")
	require.NoError(t, err)
	_, err = conn.Write([]byte("hello end user"))
	require.NoError(t, err)
	conn.Close()

	require.Eventually(t, func() bool {
		return opener.gotSub == "forwarded-app" && string(opener.gotAll) == "hello end user"
	}, time.Second, 10*time.Millisecond)
}

type fakeRegistrySession struct {
	id ids.ClientId
}

func (f *fakeRegistrySession) ClientId() ids.ClientId { return f.id }
func (f *fakeRegistrySession) Send(_ wire.ControlPacket) registry.SendResult {
	return registry.Sent
}
func (f *fakeRegistrySession) Displace() {}
