package peer

import (
	"context"
	"net"

	"github.com/immesys/slsk/internal/conn"
	"github.com/immesys/slsk/internal/diag"
	"github.com/immesys/slsk/internal/wire"
)

// InitHandler receives an inbound PeerInit, i.e. a peer dialing us directly
// rather than us dialing them. Implemented by Manager (adopts the
// connection into its registry) and by InitRouter (forwards it to the
// Manager registered for the announced connection type).
type InitHandler interface {
	HandlePeerInit(username string, connType wire.ConnType, token uint32, c *conn.Connection)
}

// PierceHandler receives an inbound PierceFirewall(token), the dial-back
// that completes an indirect establishment this process solicited.
type PierceHandler interface {
	HandlePierceFirewall(token uint32, c *conn.Connection)
}

// Listener accepts inbound TCP connections on the client's announced listen
// port and dispatches each one's first raw frame (u8 code) to the
// appropriate handler, per spec §4.D's inbound half of the establishment
// protocol. Grounded on 6Sack-bw2/api/peerclient.go's rxloop dispatch loop,
// generalized from a single persistent socket to a per-accept one-shot
// header read followed by handoff.
type Listener struct {
	ln      net.Listener
	init    InitHandler
	pierce  PierceHandler
	connOpt conn.Options
}

// NewListener wraps an already-bound net.Listener (the façade is
// responsible for choosing/binding the configured listen_port).
func NewListener(ln net.Listener, init InitHandler, pierce PierceHandler, connOpt conn.Options) *Listener {
	return &Listener{ln: ln, init: init, pierce: pierce, connOpt: connOpt}
}

// Serve accepts connections until ctx is cancelled or the listener errors.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()
	for {
		sock, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			diag.L().Warnf("peer listener accept error: %s", err)
			return err
		}
		go l.handle(sock)
	}
}

// handle reads exactly one raw header frame from an inbound socket and
// dispatches it, then hands the now-adopted Connection off to the matching
// handler. Malformed or unrecognized initial frames close the socket.
func (l *Listener) handle(sock net.Conn) {
	c := conn.New(l.connOpt, conn.Observer{})
	c.Adopt(sock)

	lenBuf, err := c.Read(4)
	if err != nil {
		diag.L().Infof("inbound peer connection: %s", err)
		return
	}
	n := int(lenBuf[0]) | int(lenBuf[1])<<8 | int(lenBuf[2])<<16 | int(lenBuf[3])<<24
	if n < 1 || n > 1<<20 {
		diag.L().Warnf("inbound peer connection: implausible frame length %d", n)
		c.Disconnect("malformed initial frame")
		return
	}
	body, err := c.Read(n)
	if err != nil {
		diag.L().Infof("inbound peer connection: %s", err)
		return
	}

	msg, err := wire.DecodeFrame(body, true)
	if err != nil {
		diag.L().Infof("inbound peer connection: %s", err)
		c.Disconnect("malformed initial frame")
		return
	}

	switch msg.RawCode {
	case wire.CodePeerInitRaw:
		l.dispatchPeerInit(msg, c)
	case wire.CodePierceFirewallRaw:
		l.dispatchPierceFirewall(msg, c)
	default:
		diag.L().Warnf("inbound peer connection: unexpected initial code %d", msg.RawCode)
		c.Disconnect("unexpected initial code")
	}
}

func (l *Listener) dispatchPeerInit(msg *wire.Message, c *conn.Connection) {
	r := wire.NewReader(msg.Payload)
	username, err := r.ReadString()
	if err != nil {
		c.Disconnect("malformed PeerInit")
		return
	}
	typeToken, err := r.ReadString()
	if err != nil {
		c.Disconnect("malformed PeerInit")
		return
	}
	connType, ok := wire.ParseWireToken(typeToken)
	if !ok {
		diag.L().Warnf("PeerInit from %s: unknown connection type %q", username, typeToken)
		c.Disconnect("unknown connection type")
		return
	}
	token, err := r.ReadUint()
	if err != nil {
		c.Disconnect("malformed PeerInit")
		return
	}
	l.init.HandlePeerInit(username, connType, token, c)
}

func (l *Listener) dispatchPierceFirewall(msg *wire.Message, c *conn.Connection) {
	r := wire.NewReader(msg.Payload)
	token, err := r.ReadUint()
	if err != nil {
		c.Disconnect("malformed PierceFirewall")
		return
	}
	l.pierce.HandlePierceFirewall(token, c)
}
