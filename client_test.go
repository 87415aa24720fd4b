package slsk

import (
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/immesys/slsk/internal/wire"
)

func writeFrame(t *testing.T, c net.Conn, msg *wire.Message) {
	t.Helper()
	_, err := c.Write(wire.Frame(msg))
	require.NoError(t, err)
}

func readFrame(t *testing.T, c net.Conn) *wire.Message {
	t.Helper()
	lenBuf := make([]byte, 4)
	_, err := readFull(c, lenBuf)
	require.NoError(t, err)
	n := binary.LittleEndian.Uint32(lenBuf)
	body := make([]byte, n)
	_, err = readFull(c, body)
	require.NoError(t, err)
	msg, err := wire.DecodeFrame(body, false)
	require.NoError(t, err)
	return msg
}

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// TestClientLoginSuccess drives Connect+Login against a bare TCP listener
// standing in for the Soulseek server, verifying the frame the client
// sends and the state transition its LoginResponse handling produces.
func TestClientLoginSuccess(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)

	serverConnCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			serverConnCh <- c
		}
	}()

	opts := DefaultOptions()
	opts.ServerAddress = "127.0.0.1"
	opts.ServerPort = mustAtoi(t, portStr)
	opts.ListenPort = 0
	opts.MessageTimeout = 2 * time.Second

	c := NewClient(opts, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	defer c.Close()
	assert.Equal(t, Connected, c.State())

	var serverConn net.Conn
	select {
	case serverConn = <-serverConnCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the client's connection")
	}
	defer serverConn.Close()

	loginDone := make(chan error, 1)
	go func() {
		loginDone <- c.Login(ctx, "alice", "hunter2")
	}()

	req := readFrame(t, serverConn)
	assert.Equal(t, wire.CodeLogin, req.Code)
	r := wire.NewReader(req.Payload)
	username, err := r.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "alice", username)

	resp := wire.NewBuilder(wire.CodeLogin).WriteBool(true).WriteString("ok").WriteUint(0).Message()
	writeFrame(t, serverConn, resp)

	require.NoError(t, <-loginDone)
	assert.Equal(t, LoggedIn, c.State())
	assert.Equal(t, "alice", c.LocalUsername())

	// SetWaitPort follows immediately.
	setPort := readFrame(t, serverConn)
	assert.Equal(t, wire.CodeSetWaitPort, setPort.Code)
}

// TestClientLoginRejected verifies a failed LoginResponse disconnects the
// client and surfaces an error rather than transitioning to LoggedIn.
func TestClientLoginRejected(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)

	serverConnCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			serverConnCh <- c
		}
	}()

	opts := DefaultOptions()
	opts.ServerAddress = "127.0.0.1"
	opts.ServerPort = mustAtoi(t, portStr)
	opts.ListenPort = 0
	opts.MessageTimeout = 2 * time.Second

	c := NewClient(opts, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	defer c.Close()

	var serverConn net.Conn
	select {
	case serverConn = <-serverConnCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the client's connection")
	}
	defer serverConn.Close()

	loginDone := make(chan error, 1)
	go func() {
		loginDone <- c.Login(ctx, "alice", "wrong")
	}()

	readFrame(t, serverConn)
	resp := wire.NewBuilder(wire.CodeLogin).WriteBool(false).WriteString("invalid password").Message()
	writeFrame(t, serverConn, resp)

	err = <-loginDone
	assert.Error(t, err)
	assert.NotEqual(t, LoggedIn, c.State())
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	v, err := strconv.Atoi(s)
	require.NoError(t, err)
	return v
}

func TestDecodeBrowseResponseRoundTrip(t *testing.T) {
	b := wire.NewBuilder(wire.CodeBrowseResponse).WriteUint(1)
	b.WriteString("music").WriteUint(1)
	b.WriteByte(1).WriteString("song.flac").WriteLong(12345).WriteString("flac").WriteUint(0)
	require.NoError(t, b.Compress())

	res, err := decodeBrowseResponse(b.Message().Payload)
	require.NoError(t, err)
	require.Contains(t, res.Directories, "music")
	files := res.Directories["music"]
	require.Len(t, files, 1)
	assert.Equal(t, "song.flac", files[0].Name)
	assert.Equal(t, int64(12345), files[0].Size)
	assert.Equal(t, "flac", files[0].Extension)
}

func TestDecodeSearchResponseRoundTrip(t *testing.T) {
	b := wire.NewBuilder(wire.CodeSearchResponse).
		WriteString("bob").WriteUint(42).WriteUint(1).
		WriteByte(1).WriteString("track.mp3").WriteLong(999).WriteString("mp3").WriteUint(0).
		WriteBool(true).WriteInt(1000).WriteInt(0)
	require.NoError(t, b.Compress())

	res, err := decodeSearchResponse(b.Message().Payload)
	require.NoError(t, err)
	assert.Equal(t, "bob", res.Username)
	assert.Equal(t, uint32(42), res.Token)
	require.Len(t, res.Files, 1)
	assert.Equal(t, "track.mp3", res.Files[0].Name)
	assert.True(t, res.FreeSlots)
	assert.Equal(t, int32(1000), res.AvgSpeed)
}

func TestDecodeInfoResponse(t *testing.T) {
	b := wire.NewBuilder(wire.CodeInfoResponse).
		WriteString("hello").WriteBool(false).
		WriteInt(3).WriteInt(1).WriteBool(true)

	res, err := decodeInfoResponse(b.Message().Payload)
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Description)
	assert.False(t, res.HasPicture)
	assert.Equal(t, int32(3), res.UploadSlots)
	assert.Equal(t, int32(1), res.QueueSize)
	assert.True(t, res.HasFreeSlots)
}

func TestDeliverSearchResultRoutesToPendingSearch(t *testing.T) {
	c := NewClient(DefaultOptions(), nil)
	c.setState(LoggedIn)

	token := c.tokens.Next()
	// Simulate the token having already been issued by a prior Search call
	// by registering a collector the way Search itself does, then deliver
	// directly as dispatch.go's handleSearchResponse would.
	ch := make(chan SearchResult, 1)
	c.searchMu.Lock()
	c.searches[token] = ch
	c.searchMu.Unlock()

	c.deliverSearchResult(SearchResult{Username: "carol", Token: token})

	select {
	case r := <-ch:
		assert.Equal(t, "carol", r.Username)
	case <-time.After(time.Second):
		t.Fatal("result was not delivered")
	}
}
