package peer

import (
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"
)

// TokenGenerator hands out client-chosen 32-bit tokens shared across every
// connection-establishing component (peer message connections, distributed
// connections, transfer connections) so that an inbound PierceFirewall,
// which carries only a bare token and no type tag, can be looked up in a
// single namespace regardless of which component solicited it. Construct
// one per client and share it with internal/peer, internal/distributed,
// and internal/transfer.
type TokenGenerator struct {
	seed atomic.Uint32
}

// NewTokenGenerator seeds the counter from crypto/rand so restarted clients
// don't collide with tokens a peer might still associate with a prior run.
func NewTokenGenerator() *TokenGenerator {
	var b [4]byte
	rand.Read(b[:])
	t := &TokenGenerator{}
	t.seed.Store(binary.LittleEndian.Uint32(b[:]))
	return t
}

// Next returns the next token, unique for the lifetime of this generator.
func (t *TokenGenerator) Next() uint32 {
	return t.seed.Add(1)
}
