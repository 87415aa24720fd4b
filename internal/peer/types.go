// Package peer implements the Peer Connection Manager of spec §4.D: a
// registry of one message connection per username, established by racing a
// direct TCP dial against a server-mediated indirect "pierce firewall"
// dial-back, plus the transfer-connection handoff used by the download
// engine. It generalizes the registry/fan-out shape of the teacher's
// 6Sack-bw2/internal/core/terminus.go (a lock-guarded map keyed by an id,
// with a visitor-style fan-out over its entries) and reuses
// 6Sack-bw2/api/peerclient.go's per-connection lifecycle (dial, handshake,
// dispose-on-replace) for each registry entry.
package peer

import (
	"fmt"
	"net"

	"github.com/immesys/slsk/internal/conn"
	"github.com/immesys/slsk/internal/wire"
)

// Endpoint is a resolved peer address, as returned by the server's
// GetPeerAddress response.
type Endpoint struct {
	IP   net.IP
	Port int
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.IP, e.Port)
}

// Addr renders the endpoint as a dialable "ip:port" string.
func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.IP.String(), e.Port)
}

// PeerAddress is the outcome of a GetPeerAddress round trip, delivered to
// the manager's waiter by whatever decodes inbound server messages.
type PeerAddress struct {
	Endpoint Endpoint
	Offline  bool
}

// record is the Peer Connection Record of spec §3: one entry in the
// registry, tracking the winning Connection for a username and its wire
// type. Superseded records are disposed, never mutated in place.
type record struct {
	username string
	connType wire.ConnType
	conn     *conn.Connection
}

// MessageConn is the handle returned to callers for writing requests to a
// peer; it pairs the raw Connection with the peer's username for log
// context and wait-key construction.
type MessageConn struct {
	Username string
	Type     wire.ConnType
	conn     *conn.Connection
}

// NewMessageConn wraps an already-established Connection as a MessageConn,
// for callers (e.g. internal/distributed's child registry) that adopt a
// connection outside of GetOrAddMessageConnection's own registry.
func NewMessageConn(username string, connType wire.ConnType, c *conn.Connection) *MessageConn {
	return &MessageConn{Username: username, Type: connType, conn: c}
}

// Write sends a fully-framed message to the peer.
func (m *MessageConn) Write(msg *wire.Message) error {
	return m.conn.Write(wire.Frame(msg))
}

// Read blocks for exactly n bytes from the peer connection.
func (m *MessageConn) Read(n int) ([]byte, error) {
	return m.conn.Read(n)
}

// Disconnect tears down the underlying socket with reason.
func (m *MessageConn) Disconnect(reason string) {
	m.conn.Disconnect(reason)
}

// Raw exposes the underlying Connection for callers (e.g. the transfer
// engine) that need ReadToStream or HandoffTCPClient.
func (m *MessageConn) Raw() *conn.Connection {
	return m.conn
}
