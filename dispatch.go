package slsk

import (
	"context"
	"net"

	"github.com/immesys/slsk/internal/conn"
	"github.com/immesys/slsk/internal/diag"
	"github.com/immesys/slsk/internal/distributed"
	"github.com/immesys/slsk/internal/peer"
	"github.com/immesys/slsk/internal/transfer"
	"github.com/immesys/slsk/internal/waiter"
	"github.com/immesys/slsk/internal/wire"
)

// ipFromUint32 decodes a Soulseek wire IP (little-endian, per spec §3) into
// a net.IP.
func ipFromUint32(v uint32) net.IP {
	return net.IPv4(byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// serverReadLoop is the only reader of the server connection; it runs for
// the lifetime of Connect's background context and feeds every decoded
// message to dispatchServerMessage.
func (c *Client) serverReadLoop(ctx context.Context) {
	for {
		msg, err := readFramedMessage(c.server)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			diag.L().Warnf("slsk: server read loop: %s", err)
			return
		}
		c.dispatchServerMessage(msg)
	}
}

func (c *Client) dispatchServerMessage(msg *wire.Message) {
	switch msg.Code {
	case wire.CodeLogin:
		c.handleLoginResponse(msg)
	case wire.CodeGetPeerAddress:
		c.handleGetPeerAddressResponse(msg)
	case wire.CodeConnectToPeer:
		c.handleConnectToPeer(msg)
	case wire.CodeNetInfo:
		c.handleNetInfo(msg)
	default:
		diag.L().Debugf("slsk: unhandled server message code %d", msg.Code)
	}
}

func (c *Client) handleLoginResponse(msg *wire.Message) {
	r := wire.NewReader(msg.Payload)
	success, err := r.ReadBool()
	if err != nil {
		diag.L().Warnf("slsk: malformed LoginResponse: %s", err)
		return
	}
	message, _ := r.ReadString()
	var ip uint32
	if success {
		ip, _ = r.ReadUint()
	}
	c.waiter.Complete(waiter.NewKey(wire.CodeLogin), loginResult{success: success, message: message, ip: ip})
}

func (c *Client) handleGetPeerAddressResponse(msg *wire.Message) {
	r := wire.NewReader(msg.Payload)
	username, err := r.ReadString()
	if err != nil {
		diag.L().Warnf("slsk: malformed GetPeerAddressResponse: %s", err)
		return
	}
	ip, err := r.ReadUint()
	if err != nil {
		diag.L().Warnf("slsk: malformed GetPeerAddressResponse: %s", err)
		return
	}
	port, err := r.ReadUint()
	if err != nil {
		diag.L().Warnf("slsk: malformed GetPeerAddressResponse: %s", err)
		return
	}
	addr := peer.PeerAddress{
		Endpoint: peer.Endpoint{IP: ipFromUint32(ip), Port: int(port)},
		Offline:  ip == 0 && port == 0,
	}
	// Both internal/peer and internal/distributed wait on the identical
	// (wire.CodeGetPeerAddress, username) key over the same shared Waiter,
	// so completing through either Manager satisfies whichever is pending.
	c.peers.CompleteGetPeerAddress(username, addr)
}

// handleConnectToPeer decodes a server-relayed solicitation addressed to
// us: some other client asked the server to have us dial it back, because
// it could not reach us directly. We complete our half of the handshake by
// dialing out and writing PierceFirewall ourselves, the mirror image of
// establishIndirect's own wait.
func (c *Client) handleConnectToPeer(msg *wire.Message) {
	r := wire.NewReader(msg.Payload)
	username, err := r.ReadString()
	if err != nil {
		diag.L().Warnf("slsk: malformed ConnectToPeer: %s", err)
		return
	}
	typeToken, err := r.ReadString()
	if err != nil {
		diag.L().Warnf("slsk: malformed ConnectToPeer: %s", err)
		return
	}
	ip, err := r.ReadUint()
	if err != nil {
		diag.L().Warnf("slsk: malformed ConnectToPeer: %s", err)
		return
	}
	port, err := r.ReadUint()
	if err != nil {
		diag.L().Warnf("slsk: malformed ConnectToPeer: %s", err)
		return
	}
	token, err := r.ReadUint()
	if err != nil {
		diag.L().Warnf("slsk: malformed ConnectToPeer: %s", err)
		return
	}
	connType, ok := wire.ParseWireToken(typeToken)
	if !ok {
		diag.L().Warnf("slsk: ConnectToPeer from %s: unknown connection type %q", username, typeToken)
		return
	}
	ep := peer.Endpoint{IP: ipFromUint32(ip), Port: int(port)}
	go c.completeInboundSolicitation(username, connType, token, ep)
}

func (c *Client) completeInboundSolicitation(username string, connType wire.ConnType, token uint32, ep peer.Endpoint) {
	sock, err := c.dialAndPierce(ep, token)
	if err != nil {
		diag.L().Infof("slsk: could not dial back %s for %s: %s", username, connType, err)
		return
	}
	switch connType {
	case wire.ConnPeer:
		c.peers.HandlePeerInit(username, wire.ConnPeer, token, sock)
	case wire.ConnDistributed:
		c.distributed.ConnManager().HandlePeerInit(username, wire.ConnDistributed, token, sock)
	case wire.ConnTransfer:
		// We never serve uploads, but an in-flight download's data
		// connection is keyed by the download token itself (spec §9), so
		// this may still be our own pending transfer's handoff.
		c.peers.CompleteOutboundPierce(token, sock)
	default:
		sock.Disconnect("unknown connection type")
	}
}

func (c *Client) dialAndPierce(ep peer.Endpoint, token uint32) (*conn.Connection, error) {
	sock := conn.New(c.opts.ConnectionOptions.toConnOptions(), conn.Observer{})
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectionOptions.ConnectTimeout)
	defer cancel()
	if err := sock.Connect(ctx, ep.Addr()); err != nil {
		return nil, err
	}
	frame := wire.NewRawBuilder(wire.CodePierceFirewallRaw).WriteUint(token).Bytes()
	if err := sock.Write(frame); err != nil {
		sock.Disconnect("pierce firewall write failed")
		return nil, err
	}
	return sock, nil
}

func (c *Client) handleNetInfo(msg *wire.Message) {
	r := wire.NewReader(msg.Payload)
	count, err := r.ReadUint()
	if err != nil {
		diag.L().Warnf("slsk: malformed NetInfo: %s", err)
		return
	}
	cands := make([]distributed.Candidate, 0, count)
	for i := uint32(0); i < count; i++ {
		username, err := r.ReadString()
		if err != nil {
			break
		}
		ip, err := r.ReadUint()
		if err != nil {
			break
		}
		port, err := r.ReadUint()
		if err != nil {
			break
		}
		cands = append(cands, distributed.Candidate{
			Username: username,
			Endpoint: peer.Endpoint{IP: ipFromUint32(ip), Port: int(port)},
		})
	}
	c.waiter.Complete(waiter.NewKey(wire.CodeNetInfo), cands)
}

// onDistributedChildConnection registers a newly-accepted (not self-dialed)
// distributed connection as a tree child, per spec §4.E. Wired only to
// SetOnInboundConnection, never SetOnConnection, since an outbound
// parent-candidate dial must never be mistaken for a child. HandlePeerInit
// fires both SetOnConnection and SetOnInboundConnection for the same
// inbound connection, so onDistributedConnection's read loop is started
// exactly once, from the SetOnConnection callback — this one only
// registers the child.
func (c *Client) onDistributedChildConnection(mc *peer.MessageConn) {
	c.distributed.AddChild(mc.Username, mc)
}

// onDistributedConnection starts the read loop for a distributed
// connection, whether it is a parent candidate we dialed or a child we
// accepted. Its deferred cleanup drops both the Distributed Manager's own
// child-map entry, if any, and the underlying peer registry entry plus the
// connection slot it holds in ConnManager(), so a lost candidate race, a
// superseded/orphaned parent, or a closed child connection never leaves a
// stale entry behind.
func (c *Client) onDistributedConnection(mc *peer.MessageConn) {
	go func() {
		defer c.distributed.RemoveChild(mc.Username)
		defer c.distributed.ConnManager().Remove(mc.Username, mc)
		for {
			msg, err := readFramedMessage(mc.Raw())
			if err != nil {
				diag.L().Debugf("slsk: distributed connection to %s closed: %s", mc.Username, err)
				return
			}
			c.dispatchDistributedMessage(mc, msg)
		}
	}()
}

func (c *Client) dispatchDistributedMessage(mc *peer.MessageConn, msg *wire.Message) {
	switch msg.Code {
	case wire.CodeDistribBranchLevel:
		r := wire.NewReader(msg.Payload)
		level, err := r.ReadInt()
		if err != nil {
			diag.L().Warnf("slsk: malformed BranchLevel from %s: %s", mc.Username, err)
			return
		}
		c.distributed.CompleteBranchLevel(mc.Username, level)
	case wire.CodeDistribBranchRoot:
		r := wire.NewReader(msg.Payload)
		root, err := r.ReadString()
		if err != nil {
			diag.L().Warnf("slsk: malformed BranchRoot from %s: %s", mc.Username, err)
			return
		}
		c.distributed.CompleteBranchRoot(mc.Username, root)
	case wire.CodeDistribSearchRequest:
		c.distributed.CompleteSearchRequest(mc.Username, msg.Payload)
	case wire.CodeDistribChildDepth:
		// Advisory only; spec §4.E does not condition any behavior on it.
	default:
		diag.L().Debugf("slsk: unhandled distributed message code %d from %s", msg.Code, mc.Username)
	}
}

// onPeerConnection starts the read loop for a message (wire.ConnPeer)
// connection, whether dialed out by GetOrAddMessageConnection or accepted
// via HandlePeerInit.
func (c *Client) onPeerConnection(mc *peer.MessageConn) {
	go func() {
		defer c.peers.Remove(mc.Username, mc)
		for {
			msg, err := readFramedMessage(mc.Raw())
			if err != nil {
				diag.L().Debugf("slsk: peer connection to %s closed: %s", mc.Username, err)
				return
			}
			c.dispatchPeerMessage(mc, msg)
		}
	}()
}

func (c *Client) dispatchPeerMessage(mc *peer.MessageConn, msg *wire.Message) {
	switch msg.Code {
	case wire.CodeTransferRequest:
		c.handleTransferRequest(mc, msg)
	case wire.CodeTransferResponse:
		c.handleTransferResponse(mc, msg)
	case wire.CodeBrowseRequest:
		c.replyEmptyBrowse(mc)
	case wire.CodeBrowseResponse:
		c.handleBrowseResponse(mc, msg)
	case wire.CodeInfoRequest:
		c.replyPlaceholderInfo(mc)
	case wire.CodeInfoResponse:
		c.handleInfoResponse(mc, msg)
	case wire.CodeSearchResponse:
		c.handleSearchResponse(msg)
	default:
		diag.L().Debugf("slsk: unhandled peer message code %d from %s", msg.Code, mc.Username)
	}
}

// handleTransferRequest decodes an unsolicited TransferRequest, the queued
// path's "your download is ready" notification (direction 1, upload from
// the peer's perspective) per spec §4.F. Any other direction is the peer
// asking to download from us; we decline, since this client never serves
// uploads.
func (c *Client) handleTransferRequest(mc *peer.MessageConn, msg *wire.Message) {
	r := wire.NewReader(msg.Payload)
	direction, err := r.ReadUint()
	if err != nil {
		diag.L().Warnf("slsk: malformed TransferRequest from %s: %s", mc.Username, err)
		return
	}
	token, err := r.ReadUint()
	if err != nil {
		diag.L().Warnf("slsk: malformed TransferRequest from %s: %s", mc.Username, err)
		return
	}
	filename, err := r.ReadString()
	if err != nil {
		diag.L().Warnf("slsk: malformed TransferRequest from %s: %s", mc.Username, err)
		return
	}
	if direction == 1 {
		size, err := r.ReadLong()
		if err != nil {
			diag.L().Warnf("slsk: malformed TransferRequest from %s: %s", mc.Username, err)
			return
		}
		c.transfers.CompleteQueuedTransferRequest(mc.Username, token, size)
		return
	}
	diag.L().Debugf("slsk: declining upload request for %q from %s", filename, mc.Username)
	decline := wire.NewBuilder(wire.CodeTransferResponse).
		WriteUint(token).WriteBool(false).WriteString("File not shared").Message()
	if err := mc.Write(decline); err != nil {
		diag.L().Debugf("slsk: decline TransferRequest to %s: %s", mc.Username, err)
	}
}

func (c *Client) handleTransferResponse(mc *peer.MessageConn, msg *wire.Message) {
	r := wire.NewReader(msg.Payload)
	token, err := r.ReadUint()
	if err != nil {
		diag.L().Warnf("slsk: malformed TransferResponse from %s: %s", mc.Username, err)
		return
	}
	allowed, err := r.ReadBool()
	if err != nil {
		diag.L().Warnf("slsk: malformed TransferResponse from %s: %s", mc.Username, err)
		return
	}
	resp := transfer.TransferResponse{Allowed: allowed}
	if allowed {
		size, err := r.ReadLong()
		if err != nil {
			diag.L().Warnf("slsk: malformed TransferResponse from %s: %s", mc.Username, err)
			return
		}
		resp.Size = size
	} else {
		message, _ := r.ReadString()
		resp.Message = message
	}
	c.transfers.CompleteTransferResponse(mc.Username, token, resp)
}

func (c *Client) replyEmptyBrowse(mc *peer.MessageConn) {
	b := wire.NewBuilder(wire.CodeBrowseResponse).WriteUint(0)
	if err := b.Compress(); err != nil {
		diag.L().Warnf("slsk: compress empty BrowseResponse: %s", err)
		return
	}
	if err := mc.Write(b.Message()); err != nil {
		diag.L().Debugf("slsk: reply BrowseResponse to %s: %s", mc.Username, err)
	}
}

func (c *Client) handleBrowseResponse(mc *peer.MessageConn, msg *wire.Message) {
	res, err := decodeBrowseResponse(msg.Payload)
	if err != nil {
		diag.L().Warnf("slsk: malformed BrowseResponse from %s: %s", mc.Username, err)
		return
	}
	c.waiter.Complete(waiter.NewKey(wire.CodeBrowseResponse, mc.Username), res)
}

func (c *Client) replyPlaceholderInfo(mc *peer.MessageConn) {
	b := wire.NewBuilder(wire.CodeInfoResponse).
		WriteString("").WriteBool(false).
		WriteInt(0).WriteInt(0).WriteBool(false)
	if err := mc.Write(b.Message()); err != nil {
		diag.L().Debugf("slsk: reply InfoResponse to %s: %s", mc.Username, err)
	}
}

func (c *Client) handleInfoResponse(mc *peer.MessageConn, msg *wire.Message) {
	res, err := decodeInfoResponse(msg.Payload)
	if err != nil {
		diag.L().Warnf("slsk: malformed InfoResponse from %s: %s", mc.Username, err)
		return
	}
	c.waiter.Complete(waiter.NewKey(wire.CodeInfoResponse, mc.Username), res)
}

func (c *Client) handleSearchResponse(msg *wire.Message) {
	res, err := decodeSearchResponse(msg.Payload)
	if err != nil {
		diag.L().Warnf("slsk: malformed SearchResponse: %s", err)
		return
	}
	c.deliverSearchResult(res)
}
