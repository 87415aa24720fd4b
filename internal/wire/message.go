// Package wire implements the Soulseek message framing and codec: a
// length-prefixed binary protocol with little-endian primitives, built
// around the same "allocate, append primitives in order, decode with a
// running cursor" shape as 6Sack-bw2/internal/core/message.go's
// Encode/LoadMessage and the length-then-body read loop in
// 6Sack-bw2/objects/common.go's LoadBosswaveObject.
package wire

import (
	"encoding/binary"

	"github.com/immesys/slsk/internal/slskerr"
)

// Message is the in-memory form of a decoded (or about-to-be-encoded) wire
// message: a numeric code plus its payload, per spec §3.
type Message struct {
	Code    uint32
	RawCode uint8 // valid only when Raw is true
	Raw     bool  // PeerInit/PierceFirewall use a u8 code, not u32
	Payload []byte
}

// Builder accumulates primitives into a message payload in wire order. The
// zero value is not usable; use NewBuilder.
type Builder struct {
	code    uint32
	rawCode uint8
	raw     bool
	buf     []byte
}

// NewBuilder starts a message with a normal u32 code.
func NewBuilder(code uint32) *Builder {
	return &Builder{code: code}
}

// NewRawBuilder starts a message with a raw u8 code (PeerInit, PierceFirewall).
func NewRawBuilder(code uint8) *Builder {
	return &Builder{rawCode: code, raw: true}
}

// WriteByte appends a single byte.
func (b *Builder) WriteByte(v byte) *Builder {
	b.buf = append(b.buf, v)
	return b
}

// WriteBool appends a boolean as a single 0/1 byte.
func (b *Builder) WriteBool(v bool) *Builder {
	if v {
		return b.WriteByte(1)
	}
	return b.WriteByte(0)
}

// WriteInt appends a 32-bit little-endian signed integer.
func (b *Builder) WriteInt(v int32) *Builder {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(v))
	b.buf = append(b.buf, tmp[:]...)
	return b
}

// WriteUint appends a 32-bit little-endian unsigned integer.
func (b *Builder) WriteUint(v uint32) *Builder {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
	return b
}

// WriteLong appends a 64-bit little-endian signed integer.
func (b *Builder) WriteLong(v int64) *Builder {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	b.buf = append(b.buf, tmp[:]...)
	return b
}

// WriteString appends a u32-length-prefixed UTF-8 string.
func (b *Builder) WriteString(s string) *Builder {
	b.WriteUint(uint32(len(s)))
	b.buf = append(b.buf, s...)
	return b
}

// WriteBytes appends raw bytes with no length prefix.
func (b *Builder) WriteBytes(p []byte) *Builder {
	b.buf = append(b.buf, p...)
	return b
}

// Compress replaces the accumulated payload with its zlib-deflated form,
// per spec §4.B/§6 (used by BrowseResponse and SearchResponse).
func (b *Builder) Compress() error {
	compressed, err := deflate(b.buf)
	if err != nil {
		return slskerr.Wrap(slskerr.MessageCompressionError, "compress payload", err)
	}
	b.buf = compressed
	return nil
}

// Message finalizes the builder into a Message. The builder remains usable
// afterward (its buffer is not reset).
func (b *Builder) Message() *Message {
	if b.raw {
		return &Message{RawCode: b.rawCode, Raw: true, Payload: append([]byte(nil), b.buf...)}
	}
	return &Message{Code: b.code, Payload: append([]byte(nil), b.buf...)}
}

// Bytes renders the full wire frame: u32 LE length | code | payload. For a
// raw (u8 code) message, length covers the 1-byte code plus payload; for a
// normal message, it covers the 4-byte code plus payload.
func (b *Builder) Bytes() []byte {
	if b.raw {
		frame := make([]byte, 4+1+len(b.buf))
		binary.LittleEndian.PutUint32(frame[0:4], uint32(1+len(b.buf)))
		frame[4] = b.rawCode
		copy(frame[5:], b.buf)
		return frame
	}
	frame := make([]byte, 4+4+len(b.buf))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(4+len(b.buf)))
	binary.LittleEndian.PutUint32(frame[4:8], b.code)
	copy(frame[8:], b.buf)
	return frame
}

// Reader consumes primitives from a message payload with a running cursor,
// mirroring LoadMessage's idx-based decoding in the teacher.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps a payload (the bytes after the code) for sequential reads.
func NewReader(payload []byte) *Reader {
	return &Reader{buf: payload}
}

func (r *Reader) need(n int) error {
	if r.pos+n > len(r.buf) {
		return slskerr.Newf(slskerr.MessageReadError, "underrun: need %d bytes at offset %d, have %d", n, r.pos, len(r.buf))
	}
	return nil
}

// ReadByte consumes one byte.
func (r *Reader) ReadByte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

// ReadBool consumes one byte as a boolean (nonzero is true).
func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// ReadInt consumes a 32-bit little-endian signed integer.
func (r *Reader) ReadInt() (int32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return int32(v), nil
}

// ReadUint consumes a 32-bit little-endian unsigned integer.
func (r *Reader) ReadUint() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

// ReadLong consumes a 64-bit little-endian signed integer.
func (r *Reader) ReadLong() (int64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return int64(v), nil
}

// ReadString consumes a u32-length-prefixed UTF-8 string.
func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadUint()
	if err != nil {
		return "", err
	}
	if err := r.need(int(n)); err != nil {
		return "", err
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

// ReadBytes consumes exactly n raw bytes.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	v := append([]byte(nil), r.buf[r.pos:r.pos+n]...)
	r.pos += n
	return v, nil
}

// Remaining returns the unconsumed tail of the payload.
func (r *Reader) Remaining() []byte {
	return append([]byte(nil), r.buf[r.pos:]...)
}

// Len reports how many bytes remain unconsumed.
func (r *Reader) Len() int {
	return len(r.buf) - r.pos
}

// Decompress replaces the reader's remaining buffer with the zlib-inflated
// form of what's left, per spec §4.B (used on BrowseResponse/SearchResponse
// payloads).
func (r *Reader) Decompress() error {
	out, err := inflate(r.buf[r.pos:])
	if err != nil {
		return slskerr.Wrap(slskerr.MessageCompressionError, "decompress payload", err)
	}
	r.buf = out
	r.pos = 0
	return nil
}

// Frame renders a decoded or hand-built Message back into a full wire frame
// (length prefix included), for callers that construct a Message directly
// rather than through a Builder.
func Frame(msg *Message) []byte {
	if msg.Raw {
		frame := make([]byte, 4+1+len(msg.Payload))
		binary.LittleEndian.PutUint32(frame[0:4], uint32(1+len(msg.Payload)))
		frame[4] = msg.RawCode
		copy(frame[5:], msg.Payload)
		return frame
	}
	frame := make([]byte, 4+4+len(msg.Payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(4+len(msg.Payload)))
	binary.LittleEndian.PutUint32(frame[4:8], msg.Code)
	copy(frame[8:], msg.Payload)
	return frame
}

// DecodeFrame parses one complete wire frame's payload (the bytes after the
// u32 length prefix) into a Message. raw selects u8-code parsing
// (PeerInit/PierceFirewall); otherwise the first 4 bytes are a u32 code.
func DecodeFrame(frame []byte, raw bool) (*Message, error) {
	if raw {
		if len(frame) < 1 {
			return nil, slskerr.New(slskerr.MessageReadError, "raw frame shorter than 1-byte code")
		}
		return &Message{RawCode: frame[0], Raw: true, Payload: append([]byte(nil), frame[1:]...)}, nil
	}
	if len(frame) < 4 {
		return nil, slskerr.New(slskerr.MessageReadError, "frame shorter than 4-byte code")
	}
	code := binary.LittleEndian.Uint32(frame[0:4])
	return &Message{Code: code, Payload: append([]byte(nil), frame[4:]...)}, nil
}
