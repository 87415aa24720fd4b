package conn

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/immesys/slsk/internal/slskerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listenerAddr(t *testing.T) (net.Listener, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln, ln.Addr().String()
}

func TestConnectWriteReadRoundTrip(t *testing.T) {
	ln, addr := listenerAddr(t)
	defer ln.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		sc, err := ln.Accept()
		require.NoError(t, err)
		defer sc.Close()
		buf := make([]byte, 5)
		_, err = sc.Read(buf)
		require.NoError(t, err)
		_, err = sc.Write(buf)
		require.NoError(t, err)
	}()

	c := New(Options{ConnectTimeout: time.Second}, Observer{})
	assert.Equal(t, Pending, c.State())

	require.NoError(t, c.Connect(context.Background(), addr))
	assert.Equal(t, Connected, c.State())

	require.NoError(t, c.Write([]byte("hello")))
	got, err := c.Read(5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	c.Disconnect("test done")
	assert.Equal(t, Disconnected, c.State())
	<-serverDone
}

func TestConnectFailureSurfacesConnectionError(t *testing.T) {
	c := New(Options{ConnectTimeout: 200 * time.Millisecond}, Observer{})
	// Port 1 is reserved and refuses immediately on loopback in virtually
	// every environment, giving a fast deterministic dial failure.
	err := c.Connect(context.Background(), "127.0.0.1:1")
	require.Error(t, err)
	kind, ok := slskerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, slskerr.ConnectionError, kind)
	assert.Equal(t, Disconnected, c.State())
}

func TestReadZeroLengthReturnsEmpty(t *testing.T) {
	ln, addr := listenerAddr(t)
	defer ln.Close()
	go func() {
		sc, _ := ln.Accept()
		defer sc.Close()
		time.Sleep(50 * time.Millisecond)
	}()

	c := New(Options{ConnectTimeout: time.Second}, Observer{})
	require.NoError(t, c.Connect(context.Background(), addr))
	defer c.Disconnect("done")

	buf, err := c.Read(0)
	require.NoError(t, err)
	assert.Empty(t, buf)
}

func TestNegativeReadLengthFails(t *testing.T) {
	c := New(Options{}, Observer{})
	_, err := c.Read(-1)
	require.Error(t, err)
	kind, _ := slskerr.KindOf(err)
	assert.Equal(t, slskerr.ArgumentError, kind)
}

func TestWriteEmptyPayloadFails(t *testing.T) {
	c := New(Options{}, Observer{})
	err := c.Write(nil)
	require.Error(t, err)
	kind, _ := slskerr.KindOf(err)
	assert.Equal(t, slskerr.ArgumentError, kind)
}

func TestRemoteCloseSurfacesReadError(t *testing.T) {
	ln, addr := listenerAddr(t)
	defer ln.Close()
	go func() {
		sc, _ := ln.Accept()
		sc.Close()
	}()

	var disconnectReason string
	c := New(Options{ConnectTimeout: time.Second}, Observer{
		OnDisconnected: func(reason string) { disconnectReason = reason },
	})
	require.NoError(t, c.Connect(context.Background(), addr))

	_, err := c.Read(4)
	require.Error(t, err)
	kind, _ := slskerr.KindOf(err)
	assert.Equal(t, slskerr.ConnectionReadError, kind)
	assert.Equal(t, Disconnected, c.State())
	assert.NotEmpty(t, disconnectReason)
}

func TestReadToStreamChunksAndGoverns(t *testing.T) {
	ln, addr := listenerAddr(t)
	defer ln.Close()

	const payloadLen = 40000 // spans multiple 16 KiB chunks
	payload := bytes.Repeat([]byte{0xAB}, payloadLen)
	go func() {
		sc, _ := ln.Accept()
		defer sc.Close()
		sc.Write(payload)
	}()

	c := New(Options{ConnectTimeout: time.Second}, Observer{})
	require.NoError(t, c.Connect(context.Background(), addr))
	defer c.Disconnect("done")

	var sink bytes.Buffer
	governorCalls := 0
	err := c.ReadToStream(context.Background(), payloadLen, &sink, func(ctx context.Context, chunkLen int) error {
		governorCalls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, payload, sink.Bytes())
	assert.Greater(t, governorCalls, 1)
}

func TestHandoffTCPClientRendersConnectionInert(t *testing.T) {
	ln, addr := listenerAddr(t)
	defer ln.Close()
	go func() {
		sc, _ := ln.Accept()
		defer sc.Close()
		time.Sleep(50 * time.Millisecond)
	}()

	c := New(Options{ConnectTimeout: time.Second}, Observer{})
	require.NoError(t, c.Connect(context.Background(), addr))

	sock := c.HandoffTCPClient()
	require.NotNil(t, sock)
	defer sock.Close()

	assert.Equal(t, Disconnected, c.State())
	_, err := c.Read(1)
	require.Error(t, err)
}
