package wire

import (
	"testing"

	"github.com/immesys/slsk/internal/slskerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderReaderRoundTrip(t *testing.T) {
	b := NewBuilder(CodeLogin)
	b.WriteString("alice").WriteString("hunter2").WriteInt(181).WriteLong(-42).WriteByte(7).WriteBool(true)

	frame := b.Bytes()
	require.Greater(t, len(frame), 8)

	msg, err := DecodeFrame(frame[4:], false)
	require.NoError(t, err)
	assert.Equal(t, CodeLogin, msg.Code)

	r := NewReader(msg.Payload)
	user, err := r.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "alice", user)

	pass, err := r.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "hunter2", pass)

	vers, err := r.ReadInt()
	require.NoError(t, err)
	assert.EqualValues(t, 181, vers)

	l, err := r.ReadLong()
	require.NoError(t, err)
	assert.EqualValues(t, -42, l)

	by, err := r.ReadByte()
	require.NoError(t, err)
	assert.EqualValues(t, 7, by)

	bl, err := r.ReadBool()
	require.NoError(t, err)
	assert.True(t, bl)

	assert.Zero(t, r.Len())
}

func TestRawCodeRoundTrip(t *testing.T) {
	b := NewRawBuilder(CodePeerInitRaw)
	b.WriteString("bob").WriteString("P").WriteUint(99)
	frame := b.Bytes()

	msg, err := DecodeFrame(frame[4:], true)
	require.NoError(t, err)
	assert.True(t, msg.Raw)
	assert.Equal(t, CodePeerInitRaw, msg.RawCode)

	r := NewReader(msg.Payload)
	user, _ := r.ReadString()
	assert.Equal(t, "bob", user)
	typ, _ := r.ReadString()
	assert.Equal(t, "P", typ)
	token, _ := r.ReadUint()
	assert.EqualValues(t, 99, token)
}

func TestUnderrunFails(t *testing.T) {
	r := NewReader([]byte{1, 2, 3})
	_, err := r.ReadLong()
	require.Error(t, err)
	kind, ok := slskerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, slskerr.MessageReadError, kind)
}

func TestCompressRoundTrip(t *testing.T) {
	b := NewBuilder(CodeBrowseResponse)
	payload := []byte("the quick brown fox jumps over the lazy dog, repeatedly, repeatedly, repeatedly")
	b.WriteBytes(payload)
	require.NoError(t, b.Compress())

	msg := b.Message()
	r := NewReader(msg.Payload)
	require.NoError(t, r.Decompress())
	assert.Equal(t, payload, r.Remaining())
}
