package peer

import (
	"context"
	"strconv"

	"github.com/immesys/slsk/internal/conn"
	"github.com/immesys/slsk/internal/diag"
	"github.com/immesys/slsk/internal/slskerr"
	"github.com/immesys/slsk/internal/waiter"
	"github.com/immesys/slsk/internal/wire"
)

// pierceKind discriminates the indirect-solicitation waiter key from any
// protocol code; code 0 is never used as a real message code for a wait
// (every server/peer request code in internal/wire is >= 1), so it is free
// to reuse here as a synthetic namespace.
const pierceKind = 0

type raceResult struct {
	c      *conn.Connection
	err    error
	method string
}

// establish races a direct TCP dial against the server-mediated indirect
// ConnectToPeer/PierceFirewall dance, per spec §4.D's establishment
// protocol. The first branch to succeed wins; the loser's connection (if
// any) is disposed.
func (m *Manager) establish(ctx context.Context, username string) (*conn.Connection, string, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	results := make(chan raceResult, 2)

	go func() {
		c, err := m.establishDirect(raceCtx, username)
		results <- raceResult{c: c, err: err, method: "direct"}
	}()
	go func() {
		c, err := m.establishIndirect(raceCtx, username)
		results <- raceResult{c: c, err: err, method: "indirect"}
	}()

	var firstErr error
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err == nil {
			cancel()
			go m.disposeLoser(results)
			return r.c, r.method, nil
		}
		if firstErr == nil {
			firstErr = r.err
		}
	}
	cancel()
	return nil, "", slskerr.Wrapf(firstErr, slskerr.ConnectionError, "failed to establish connection to %s", username)
}

// disposeLoser waits for the losing branch's result and closes its
// connection if it managed to connect before noticing the cancellation.
func (m *Manager) disposeLoser(results chan raceResult) {
	r := <-results
	if r.err == nil && r.c != nil {
		r.c.Disconnect("lost establishment race")
	}
}

// establishDirect resolves username's endpoint via GetPeerAddress, dials it,
// and completes the handshake by writing a raw PeerInit frame.
func (m *Manager) establishDirect(ctx context.Context, username string) (*conn.Connection, error) {
	ep, err := m.resolveEndpoint(ctx, username)
	if err != nil {
		return nil, err
	}

	c := conn.New(conn.Options{ConnectTimeout: m.cfg.ConnectTimeout}, conn.Observer{})
	if err := c.Connect(ctx, ep.Addr()); err != nil {
		return nil, err
	}

	init := wire.NewRawBuilder(wire.CodePeerInitRaw)
	init.WriteString(m.server.LocalUsername()).WriteString(m.connType.WireToken()).WriteUint(m.tokens.Next())
	if err := c.Write(init.Bytes()); err != nil {
		c.Disconnect("peer init write failed")
		return nil, err
	}

	m.CacheEndpoint(username, ep)
	return c, nil
}

func (m *Manager) resolveEndpoint(ctx context.Context, username string) (Endpoint, error) {
	if ep, ok := m.CachedEndpoint(username); ok {
		return ep, nil
	}

	key := waiter.NewKey(wire.CodeGetPeerAddress, username)
	req := wire.NewBuilder(wire.CodeGetPeerAddress).WriteString(username).Message()
	if err := m.server.SendServer(req); err != nil {
		return Endpoint{}, slskerr.Wrap(slskerr.ConnectionWriteError, "send GetPeerAddress", err)
	}

	v, err := m.waiter.Wait(ctx, key, m.cfg.MessageTimeout)
	if err != nil {
		return Endpoint{}, err
	}
	addr, ok := v.(PeerAddress)
	if !ok {
		return Endpoint{}, slskerr.New(slskerr.ConnectionError, "malformed GetPeerAddress result")
	}
	if addr.Offline {
		return Endpoint{}, slskerr.Newf(slskerr.UserOffline, "%s is offline", username)
	}
	return addr.Endpoint, nil
}

// establishIndirect solicits the server to ask the peer to dial back,
// registers a waiter slot for the matching PierceFirewall, and adopts
// whatever inbound socket the Listener hands it.
func (m *Manager) establishIndirect(ctx context.Context, username string) (*conn.Connection, error) {
	token := m.tokens.Next()
	key := pierceKey(token)

	req := wire.NewBuilder(wire.CodeConnectToPeer).
		WriteUint(token).WriteString(username).WriteString(m.connType.WireToken()).Message()
	if err := m.server.SendServer(req); err != nil {
		return nil, slskerr.Wrap(slskerr.ConnectionWriteError, "send ConnectToPeer", err)
	}

	diag.L().Debugf("peer %s: indirect solicitation sent, token=%d", username, token)
	m.mx.waiting.Inc()
	v, err := m.waiter.Wait(ctx, key, m.cfg.MessageTimeout)
	m.mx.waiting.Dec()
	if err != nil {
		return nil, err
	}
	c, ok := v.(*conn.Connection)
	if !ok {
		return nil, slskerr.New(slskerr.ConnectionError, "malformed PierceFirewall handoff")
	}
	return c, nil
}

func pierceKey(token uint32) waiter.Key {
	return waiter.NewKey(pierceKind, "pierce", strconv.FormatUint(uint64(token), 10))
}

// HandlePeerInit adopts an inbound PeerInit connection directly into the
// registry, superseding any existing entry for that username. Listener
// routes each inbound PeerInit to the Manager whose connType matches via an
// InitRouter, so a mismatch here indicates a routing bug rather than a
// remote protocol violation.
func (m *Manager) HandlePeerInit(username string, connType wire.ConnType, token uint32, c *conn.Connection) {
	if connType != m.connType {
		c.Disconnect("connection type mismatch")
		return
	}
	rec := &record{username: username, connType: connType, conn: c}
	m.mu.Lock()
	if prior, ok := m.byUsername[username]; ok {
		// Unlike GetOrAddMessageConnection's supersede, no permit is
		// acquired for this replacement connection, so none is released
		// here either: prior's permit simply carries over to rec.
		prior.conn.Disconnect("superseded by inbound connection")
	} else {
		if err := m.global.Acquire(context.Background(), 1); err != nil {
			m.mu.Unlock()
			c.Disconnect("no connection slots available")
			return
		}
		m.mx.active.Inc()
	}
	m.byUsername[username] = rec
	m.mu.Unlock()
	mc := &MessageConn{Username: username, Type: connType, conn: c}
	m.fireOnConnection(mc)
	m.fireOnInboundConnection(mc)
}

// CompleteGetPeerAddress is called by the inbound server-message dispatcher
// once a GetPeerAddressResponse has been decoded.
func (m *Manager) CompleteGetPeerAddress(username string, addr PeerAddress) {
	m.waiter.Complete(waiter.NewKey(wire.CodeGetPeerAddress, username), addr)
}

// CompleteOutboundPierce delivers a connection this process dialed and
// pierced itself to whichever waiter is pending on token, per spec §4.D's
// symmetric case: a server-relayed ConnectToPeer addressed to us (rather
// than one we solicited) means the remote side couldn't dial us, so we dial
// them and write the PierceFirewall frame instead of waiting for one. The
// façade calls this for every connection type sharing the token namespace
// (wire.ConnTransfer in particular, which has no Manager of its own).
func (m *Manager) CompleteOutboundPierce(token uint32, c *conn.Connection) {
	m.waiter.Complete(pierceKey(token), c)
}
