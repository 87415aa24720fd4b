package peer

import (
	"github.com/immesys/slsk/internal/conn"
	"github.com/immesys/slsk/internal/diag"
	"github.com/immesys/slsk/internal/waiter"
	"github.com/immesys/slsk/internal/wire"
)

// InitRouter dispatches an inbound PeerInit to the registered handler for
// its announced connection type (Peer to this package's Manager, Distributed
// to internal/distributed's reuse of the same Manager type).
type InitRouter map[wire.ConnType]InitHandler

// HandlePeerInit implements InitHandler by routing on connType.
func (r InitRouter) HandlePeerInit(username string, connType wire.ConnType, token uint32, c *conn.Connection) {
	h, ok := r[connType]
	if !ok {
		diag.L().Warnf("PeerInit from %s: no handler registered for type %s", username, connType)
		c.Disconnect("unhandled connection type")
		return
	}
	h.HandlePeerInit(username, connType, token, c)
}

// PierceRouter resolves an inbound PierceFirewall purely by token against
// the shared Waiter: every establishIndirect call across every Manager
// instance (and the transfer engine) registers under the same global token
// namespace, so one router serves all of them.
type PierceRouter struct {
	w *waiter.Waiter
}

// NewPierceRouter builds a PierceRouter over the waiter shared by every
// connection-establishing component.
func NewPierceRouter(w *waiter.Waiter) *PierceRouter {
	return &PierceRouter{w: w}
}

// HandlePierceFirewall implements PierceHandler.
func (p *PierceRouter) HandlePierceFirewall(token uint32, c *conn.Connection) {
	key := pierceKey(token)
	if p.w.PendingCount(key) == 0 {
		diag.L().Warnf("PierceFirewall token %d has no pending solicitation; closing", token)
		c.Disconnect("unsolicited pierce firewall")
		return
	}
	p.w.Complete(key, c)
}
