package peer

import (
	"context"
	"sync"

	"github.com/immesys/slsk/internal/conn"
	"github.com/immesys/slsk/internal/slskerr"
	"github.com/immesys/slsk/internal/wire"
)

// transferRegistry tracks which download tokens currently have an
// in-flight AwaitTransferConnection call, purely to catch a caller bug
// (two awaits racing on the same token) before it produces a confusing
// double-delivery on the shared waiter.
type transferRegistry struct {
	mu     sync.Mutex
	active map[uint32]bool
}

func newTransferRegistry() *transferRegistry {
	return &transferRegistry{active: make(map[uint32]bool)}
}

func (t *transferRegistry) begin(token uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active[token] {
		return false
	}
	t.active[token] = true
	return true
}

func (t *transferRegistry) end(token uint32) {
	t.mu.Lock()
	delete(t.active, token)
	t.mu.Unlock()
}

// AwaitTransferConnection waits for the type-F connection associated with
// token, per spec §4.D/§4.F: after an allowed TransferResponse, a new
// connection is identified by PierceFirewall(token), either on a socket the
// peer dials to our Listener or on one we dial ourselves after a
// server-relayed ConnectToPeer (CompleteOutboundPierce). Both complete the
// same waiter slot (pierceKey), so this call is oblivious to which path
// was used. An inbound PeerInit of type F is not routed here. The first 4
// bytes the peer then writes echo token; the transfer engine reads and
// checks them.
//
// This resolves the establishment ambiguity spec §9 calls out for
// ConnectToPeer("F"): reusing the download token itself as the wire-level
// correlation token means a mismatched echo is a hard, isolated error on
// just that connection rather than a routing guess across the registry.
func (m *Manager) AwaitTransferConnection(ctx context.Context, username, filename string, token uint32) (*conn.Connection, error) {
	if !m.transfers.begin(token) {
		return nil, slskerr.Newf(slskerr.DuplicateToken, "transfer connection already awaited for token %d", token)
	}
	defer m.transfers.end(token)

	key := pierceKey(token)
	m.mx.waiting.Inc()
	v, err := m.waiter.Wait(ctx, key, m.cfg.MessageTimeout)
	m.mx.waiting.Dec()
	if err != nil {
		return nil, err
	}
	c, ok := v.(*conn.Connection)
	if !ok {
		return nil, slskerr.New(slskerr.ConnectionError, "malformed transfer connection handoff")
	}
	return c, nil
}

// SolicitTransferConnection asks the server to have username dial back for
// a type-F connection keyed by token, mirroring establishIndirect but
// without registry caching (transfer connections are never reused). Call
// this alongside AwaitTransferConnection when the peer's own direct dial
// cannot be relied on.
func (m *Manager) SolicitTransferConnection(username string, token uint32) error {
	req := wire.NewBuilder(wire.CodeConnectToPeer).
		WriteUint(token).WriteString(username).WriteString(wire.ConnTransfer.WireToken()).Message()
	if err := m.server.SendServer(req); err != nil {
		return slskerr.Wrap(slskerr.ConnectionWriteError, "send ConnectToPeer", err)
	}
	return nil
}
