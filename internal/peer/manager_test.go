package peer

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/immesys/slsk/internal/conn"
	"github.com/immesys/slsk/internal/waiter"
	"github.com/immesys/slsk/internal/wire"
)

type fakeServer struct {
	mu   sync.Mutex
	sent []*wire.Message
}

func (f *fakeServer) SendServer(msg *wire.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeServer) LocalUsername() string { return "me" }

func (f *fakeServer) sawCode(code uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.sent {
		if m.Code == code {
			return true
		}
	}
	return false
}

func testConfig() Config {
	return Config{
		ConnectTimeout:   2 * time.Second,
		MessageTimeout:   2 * time.Second,
		GlobalConnLimit:  10,
		EndpointCacheLen: 16,
	}
}

func TestGetOrAddMessageConnectionDirectPath(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			acceptedCh <- c
		}
	}()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	w := waiter.New(5 * time.Second)
	srv := &fakeServer{}
	m := NewManager(testConfig(), wire.ConnPeer, srv, w, NewTokenGenerator(), nil)

	// Resolve the GetPeerAddress wait as soon as it is registered.
	go func() {
		for i := 0; i < 100 && w.PendingCount(waiter.NewKey(wire.CodeGetPeerAddress, "alice")) == 0; i++ {
			time.Sleep(5 * time.Millisecond)
		}
		w.Complete(waiter.NewKey(wire.CodeGetPeerAddress, "alice"), PeerAddress{
			Endpoint: Endpoint{IP: net.ParseIP("127.0.0.1"), Port: port},
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	mc, err := m.GetOrAddMessageConnection(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", mc.Username)

	select {
	case c := <-acceptedCh:
		c.Close()
	case <-time.After(time.Second):
		t.Fatal("peer listener never accepted a connection")
	}

	assert.True(t, srv.sawCode(wire.CodeGetPeerAddress))

	mc2, err := m.GetOrAddMessageConnection(context.Background(), "alice")
	require.NoError(t, err)
	assert.Same(t, mc.Raw(), mc2.Raw())
}

func TestHandlePeerInitAdoptsInbound(t *testing.T) {
	w := waiter.New(5 * time.Second)
	srv := &fakeServer{}
	m := NewManager(testConfig(), wire.ConnPeer, srv, w, NewTokenGenerator(), nil)

	a, b := net.Pipe()
	defer b.Close()
	c := conn.New(conn.Options{}, conn.Observer{})
	c.Adopt(a)

	m.HandlePeerInit("bob", wire.ConnPeer, 7, c)

	mc := m.existing("bob")
	require.NotNil(t, mc)
	assert.Equal(t, wire.ConnPeer, mc.Type)
}

func TestHandlePeerInitRejectsTypeMismatch(t *testing.T) {
	w := waiter.New(5 * time.Second)
	srv := &fakeServer{}
	m := NewManager(testConfig(), wire.ConnPeer, srv, w, NewTokenGenerator(), nil)

	a, b := net.Pipe()
	defer b.Close()
	c := conn.New(conn.Options{}, conn.Observer{})
	c.Adopt(a)

	m.HandlePeerInit("carol", wire.ConnDistributed, 3, c)
	assert.Nil(t, m.existing("carol"))
	assert.Equal(t, conn.Disconnected, c.State())
}

func TestPierceRouterCompletesAwaitingTransfer(t *testing.T) {
	w := waiter.New(5 * time.Second)
	srv := &fakeServer{}
	m := NewManager(testConfig(), wire.ConnPeer, srv, w, NewTokenGenerator(), nil)
	router := NewPierceRouter(w)

	a, b := net.Pipe()
	defer b.Close()
	c := conn.New(conn.Options{}, conn.Observer{})
	c.Adopt(a)

	resultCh := make(chan *conn.Connection, 1)
	errCh := make(chan error, 1)
	go func() {
		got, err := m.AwaitTransferConnection(context.Background(), "dave", "song.mp3", 99)
		resultCh <- got
		errCh <- err
	}()

	for i := 0; i < 100 && w.PendingCount(pierceKey(99)) == 0; i++ {
		time.Sleep(5 * time.Millisecond)
	}
	router.HandlePierceFirewall(99, c)

	require.NoError(t, <-errCh)
	assert.Same(t, c, <-resultCh)
}

func TestPierceRouterClosesUnsolicitedToken(t *testing.T) {
	w := waiter.New(5 * time.Second)
	router := NewPierceRouter(w)

	a, b := net.Pipe()
	defer b.Close()
	c := conn.New(conn.Options{}, conn.Observer{})
	c.Adopt(a)

	router.HandlePierceFirewall(12345, c)
	assert.Equal(t, conn.Disconnected, c.State())
}

func TestDuplicateAwaitOnSameTokenFails(t *testing.T) {
	w := waiter.New(5 * time.Second)
	srv := &fakeServer{}
	m := NewManager(testConfig(), wire.ConnPeer, srv, w, NewTokenGenerator(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.AwaitTransferConnection(ctx, "eve", "f.bin", 5)
	for i := 0; i < 100 && w.PendingCount(pierceKey(5)) == 0; i++ {
		time.Sleep(5 * time.Millisecond)
	}

	_, err := m.AwaitTransferConnection(context.Background(), "eve", "f.bin", 5)
	require.Error(t, err)
}
