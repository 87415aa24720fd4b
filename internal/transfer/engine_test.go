package transfer

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/immesys/slsk/internal/conn"
	"github.com/immesys/slsk/internal/peer"
	"github.com/immesys/slsk/internal/waiter"
	"github.com/immesys/slsk/internal/wire"
)

type fakeServer struct{}

func (fakeServer) SendServer(msg *wire.Message) error { return nil }
func (fakeServer) LocalUsername() string              { return "me" }

func testPeerConfig() peer.Config {
	return peer.Config{
		ConnectTimeout:   2 * time.Second,
		MessageTimeout:   2 * time.Second,
		GlobalConnLimit:  10,
		EndpointCacheLen: 16,
	}
}

// pierceKey duplicates internal/peer's unexported key scheme so this
// cross-package integration test can drive the data-phase handoff the same
// way internal/peer's own PierceRouter resolves it.
func pierceKey(token uint32) waiter.Key {
	return waiter.NewKey(0, "pierce", strconv.FormatUint(uint64(token), 10))
}

func TestValidatePreconditionsRejectInvalidInput(t *testing.T) {
	var buf bytes.Buffer
	require.Error(t, validatePreconditions("", "f", &buf, Options{}))
	require.Error(t, validatePreconditions("u", "", &buf, Options{}))
	require.Error(t, validatePreconditions("u", "f", &buf, Options{Offset: -1}))
	require.Error(t, validatePreconditions("u", "f", nil, Options{}))
	require.NoError(t, validatePreconditions("u", "f", &buf, Options{}))
}

func TestStateForErrMapsKinds(t *testing.T) {
	w := waiter.New(10 * time.Millisecond)
	_, err := w.Wait(context.Background(), waiter.NewKey(1, "x"), 10*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, TimedOut, stateForErr(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = w.Wait(ctx, waiter.NewKey(1, "y"), time.Second)
	require.Error(t, err)
	assert.Equal(t, Cancelled, stateForErr(err))
}

func TestDuplicateTokenAndUserFileRejected(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil, waiter.New(time.Second), peer.NewTokenGenerator(), nil)
	tr := newTransfer(5, "alice", "song.mp3", Options{})
	require.NoError(t, e.register(5, "alice", "song.mp3", tr))
	require.Error(t, e.register(5, "bob", "other.mp3", tr), "duplicate token must fail")
	require.Error(t, e.register(6, "alice", "song.mp3", tr), "duplicate (username, filename) must fail")
	e.unregister(5, "alice", "song.mp3")
	require.NoError(t, e.register(5, "alice", "song.mp3", tr), "unregistered slot must become available again")
}

// TestDownloadAllowedPathStreamsData drives a full allowed-path download
// end to end: a real peer message connection (direct dial, like
// internal/peer's own tests), a manually-resolved TransferResponse, and a
// data connection handed off through the same token-only pierce waiter
// internal/peer's Listener/PierceRouter use in production.
func TestDownloadAllowedPathStreamsData(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	w := waiter.New(5 * time.Second)
	tokens := peer.NewTokenGenerator()
	peers := peer.NewManager(testPeerConfig(), wire.ConnPeer, fakeServer{}, w, tokens, nil)
	engine := NewEngine(DefaultConfig(), peers, w, tokens, nil)

	const payload = "hello from the upload side, streamed over the data connection"

	tokenCh := make(chan uint32, 1)

	// Plays the role of the remote peer's message connection: accepts our
	// direct dial, reads the PeerInit handshake, then reads our
	// TransferRequest to learn the token it must echo.
	go func() {
		sock, err := ln.Accept()
		if err != nil {
			return
		}
		defer sock.Close()

		c := conn.New(conn.Options{}, conn.Observer{})
		c.Adopt(sock)

		lenBuf, err := c.Read(4)
		if err != nil {
			return
		}
		n := int(lenBuf[0]) | int(lenBuf[1])<<8 | int(lenBuf[2])<<16 | int(lenBuf[3])<<24
		if _, err := c.Read(n); err != nil {
			return
		}

		lenBuf, err = c.Read(4)
		if err != nil {
			return
		}
		n = int(lenBuf[0]) | int(lenBuf[1])<<8 | int(lenBuf[2])<<16 | int(lenBuf[3])<<24
		body, err := c.Read(n)
		if err != nil {
			return
		}
		msg, err := wire.DecodeFrame(body, false)
		if err != nil || msg.Code != wire.CodeTransferRequest {
			return
		}
		r := wire.NewReader(msg.Payload)
		_, _ = r.ReadUint() // direction
		token, err := r.ReadUint()
		if err != nil {
			return
		}
		tokenCh <- token
		engine.CompleteTransferResponse("alice", token, TransferResponse{Allowed: true, Size: int64(len(payload))})
	}()

	go func() {
		resolveEp := waiter.NewKey(wire.CodeGetPeerAddress, "alice")
		for i := 0; i < 200 && w.PendingCount(resolveEp) == 0; i++ {
			time.Sleep(5 * time.Millisecond)
		}
		w.Complete(resolveEp, peer.PeerAddress{Endpoint: peer.Endpoint{IP: net.ParseIP("127.0.0.1"), Port: port}})

		token := <-tokenCh
		key := pierceKey(token)
		for i := 0; i < 200 && w.PendingCount(key) == 0; i++ {
			time.Sleep(5 * time.Millisecond)
		}

		a, b := net.Pipe()
		dataConn := conn.New(conn.Options{}, conn.Observer{})
		dataConn.Adopt(b)
		w.Complete(key, dataConn)

		go func() {
			// Echo the token as the first 4 bytes, consume the 8-byte
			// resume offset the engine writes, then stream the payload.
			if _, err := a.Write([]byte{byte(token), byte(token >> 8), byte(token >> 16), byte(token >> 24)}); err != nil {
				return
			}
			offsetBuf := make([]byte, 8)
			if _, err := a.Read(offsetBuf); err != nil {
				return
			}
			a.Write([]byte(payload))
			a.Close()
		}()
	}()

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := engine.Download(ctx, "alice", "song.mp3", &out, Options{})
	require.NoError(t, err)
	assert.Equal(t, Succeeded, snap.State)
	assert.Equal(t, payload, out.String())
}

func TestDownloadRejectedNotSharedFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	w := waiter.New(5 * time.Second)
	tokens := peer.NewTokenGenerator()
	peers := peer.NewManager(testPeerConfig(), wire.ConnPeer, fakeServer{}, w, tokens, nil)
	engine := NewEngine(DefaultConfig(), peers, w, tokens, nil)

	go func() {
		sock, err := ln.Accept()
		if err != nil {
			return
		}
		defer sock.Close()
		c := conn.New(conn.Options{}, conn.Observer{})
		c.Adopt(sock)
		lenBuf, _ := c.Read(4)
		n := int(lenBuf[0]) | int(lenBuf[1])<<8 | int(lenBuf[2])<<16 | int(lenBuf[3])<<24
		c.Read(n)
		lenBuf, _ = c.Read(4)
		n = int(lenBuf[0]) | int(lenBuf[1])<<8 | int(lenBuf[2])<<16 | int(lenBuf[3])<<24
		body, _ := c.Read(n)
		msg, err := wire.DecodeFrame(body, false)
		if err != nil {
			return
		}
		r := wire.NewReader(msg.Payload)
		_, _ = r.ReadUint()
		token, _ := r.ReadUint()
		engine.CompleteTransferResponse("alice", token, TransferResponse{Allowed: false, Message: rejectedNotShared})
	}()

	go func() {
		resolveEp := waiter.NewKey(wire.CodeGetPeerAddress, "alice")
		for i := 0; i < 200 && w.PendingCount(resolveEp) == 0; i++ {
			time.Sleep(5 * time.Millisecond)
		}
		w.Complete(resolveEp, peer.PeerAddress{Endpoint: peer.Endpoint{IP: net.ParseIP("127.0.0.1"), Port: port}})
	}()

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	snap, err := engine.Download(ctx, "alice", "song.mp3", &out, Options{})
	require.Error(t, err)
	assert.Equal(t, Rejected, snap.State)
}
