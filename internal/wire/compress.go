package wire

import (
	"bytes"
	"compress/zlib"
	"io"
)

// deflate produces the zlib (RFC 1950) form of p. Kept on the standard
// library: the wire format mandates byte-exact zlib interop with the real
// network, and nothing in the pack's dependency set (e.g. pierrec/lz4) is
// RFC-1950 compatible. See SPEC_FULL.md §2.
func deflate(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(p); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// inflate is the inverse of deflate.
func inflate(p []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(p))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
