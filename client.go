// Package slsk is the public façade over the core components: it owns the
// single server connection, wires internal/peer, internal/distributed, and
// internal/transfer together over one shared internal/waiter.Waiter and
// internal/peer.TokenGenerator, and decodes inbound frames into the
// Complete* calls each component exposes. Kept intentionally thin per spec
// §1 — no UI, no persistence, no search-result filtering.
package slsk

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/thejerf/suture/v4"

	"github.com/immesys/slsk/internal/conn"
	"github.com/immesys/slsk/internal/diag"
	"github.com/immesys/slsk/internal/distributed"
	"github.com/immesys/slsk/internal/peer"
	"github.com/immesys/slsk/internal/slskerr"
	"github.com/immesys/slsk/internal/transfer"
	"github.com/immesys/slsk/internal/waiter"
	"github.com/immesys/slsk/internal/wire"
)

// State is the client's own lifecycle, per spec §8 scenario 1 ("client
// state becomes Connected|LoggedIn").
type State int

const (
	Disconnected State = iota
	Connected
	LoggedIn
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connected:
		return "Connected"
	case LoggedIn:
		return "LoggedIn"
	default:
		return "Unknown"
	}
}

const clientVersion = 181
const clientMinorVersion = 1

// Client is the public entry point: one server session plus its peer,
// distributed, and transfer machinery.
type Client struct {
	opts Options
	reg  prometheus.Registerer

	waiter *waiter.Waiter
	tokens *peer.TokenGenerator

	server   *conn.Connection
	username string

	peers       *peer.Manager
	distributed *distributed.Manager
	transfers   *transfer.Engine

	listener *peer.Listener
	sup      *suture.Supervisor
	supToken suture.ServiceToken

	mu    sync.Mutex
	state State

	searchMu sync.Mutex
	searches map[uint32]chan SearchResult

	cancel context.CancelFunc
}

// NewClient constructs a Client without connecting. reg may be nil, in
// which case no component registers Prometheus collectors (they remain
// fully usable, just unregistered — the same convention internal/peer and
// internal/distributed use in their own tests).
func NewClient(opts Options, reg prometheus.Registerer) *Client {
	w := waiter.New(opts.MessageTimeout)
	tokens := peer.NewTokenGenerator()

	peerCfg := peer.Config{
		ConnectTimeout:   opts.ConnectionOptions.ConnectTimeout,
		MessageTimeout:   opts.MessageTimeout,
		GlobalConnLimit:  opts.ConcurrentPeerMessageConnectionLimit,
		EndpointCacheLen: 1024,
	}

	c := &Client{
		opts:     opts,
		reg:      reg,
		waiter:   w,
		tokens:   tokens,
		state:    Disconnected,
		sup:      suture.NewSimple("slsk"),
		searches: make(map[uint32]chan SearchResult),
	}

	c.server = conn.New(opts.ConnectionOptions.toConnOptions(), conn.Observer{
		OnDisconnected: c.onServerDisconnected,
	})

	serverLink := clientServerLink{c: c}
	c.peers = peer.NewManager(peerCfg, wire.ConnPeer, serverLink, w, tokens, reg)
	c.peers.SetOnConnection(c.onPeerConnection)

	distCfg := distributed.Config{
		PeerConfig:    peerCfg,
		ParentFanout:  3,
		ParentSilence: 50 * time.Second,
	}
	if opts.ConcurrentDistributedChildrenLimit > 0 {
		distCfg.PeerConfig.GlobalConnLimit = int64(opts.ConcurrentDistributedChildrenLimit)
	}
	c.distributed = distributed.NewManager(distCfg, serverLink, w, tokens, reg)
	c.distributed.ConnManager().SetOnConnection(c.onDistributedConnection)
	c.distributed.ConnManager().SetOnInboundConnection(c.onDistributedChildConnection)

	transferCfg := transfer.Config{MessageTimeout: opts.MessageTimeout}
	c.transfers = transfer.NewEngine(transferCfg, c.peers, w, tokens, reg)

	return c
}

// clientServerLink adapts Client to internal/peer.ServerLink and
// internal/distributed.ServerLink, which are structurally identical but
// kept as separate types so neither internal package imports the façade.
type clientServerLink struct{ c *Client }

func (s clientServerLink) SendServer(msg *wire.Message) error { return s.c.sendServer(msg) }
func (s clientServerLink) LocalUsername() string              { return s.c.LocalUsername() }

func (c *Client) LocalUsername() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) sendServer(msg *wire.Message) error {
	return c.server.Write(wire.Frame(msg))
}

// Connect dials the configured server, starts the inbound listener for
// peer dial-backs, and starts reading server messages in the background.
// It does not log in.
func (c *Client) Connect(ctx context.Context) error {
	if c.State() != Disconnected {
		return slskerr.New(slskerr.InvalidOperation, "already connected")
	}

	addr := fmt.Sprintf("%s:%d", c.opts.ServerAddress, c.opts.ServerPort)
	if err := c.server.Connect(ctx, addr); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", c.opts.ListenPort))
	if err != nil {
		c.server.Disconnect("listener bind failed")
		return slskerr.Wrap(slskerr.ConnectionError, "bind peer listener", err)
	}
	pierce := peer.NewPierceRouter(c.waiter)
	initRouter := peer.InitRouter{
		wire.ConnPeer:        c.peers,
		wire.ConnDistributed: c.distributed.ConnManager(),
	}
	c.listener = peer.NewListener(ln, initRouter, pierce, c.opts.ConnectionOptions.toConnOptions())

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go func() {
		if err := c.listener.Serve(loopCtx); err != nil {
			diag.L().Warnf("slsk: peer listener stopped: %s", err)
		}
	}()
	go c.serverReadLoop(loopCtx)

	c.supToken = c.sup.Add(c.distributed.Watchdog(c.fetchNetInfo))
	go c.sup.Serve(loopCtx)

	c.setState(Connected)
	return nil
}

// Close tears down the server connection, the peer listener, every
// registered peer/distributed connection, and the background supervisor.
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.server.Disconnect("client closed")
	// c.listener's net.Listener is closed by Serve's own ctx.Done handler.
	c.peers.RemoveAll()
	c.distributed.ConnManager().RemoveAll()
	c.waiter.CancelAll()
	c.setState(Disconnected)
}

func (c *Client) onServerDisconnected(reason string) {
	diag.L().Warnf("slsk: server connection lost: %s", reason)
	c.waiter.ThrowAllForConnection(func(waiter.Key) bool { return true },
		slskerr.Newf(slskerr.ConnectionError, "server disconnected: %s", reason))
	c.setState(Disconnected)
}

// Login implements spec §8 scenario 1: send Login, wait for LoginResponse,
// transition to LoggedIn on success. Failure disconnects the client and
// surfaces InvalidOperation, per spec §7's propagation policy (the server
// stops accepting input after a failed login).
func (c *Client) Login(ctx context.Context, username, password string) error {
	if c.State() != Connected {
		return slskerr.New(slskerr.InvalidOperation, "must be connected and not already logged in")
	}

	c.mu.Lock()
	c.username = username
	c.mu.Unlock()

	sum := md5.Sum([]byte(username + password))
	req := wire.NewBuilder(wire.CodeLogin).
		WriteString(username).
		WriteString(password).
		WriteInt(clientVersion).
		WriteString(fmt.Sprintf("%x", sum)).
		WriteInt(clientMinorVersion).
		Message()
	if err := c.sendServer(req); err != nil {
		return err
	}

	key := waiter.NewKey(wire.CodeLogin)
	v, err := c.waiter.Wait(ctx, key, c.opts.MessageTimeout)
	if err != nil {
		c.server.Disconnect("login timed out")
		return err
	}
	resp, _ := v.(loginResult)
	if !resp.success {
		c.server.Disconnect("login rejected")
		return slskerr.Newf(slskerr.InvalidOperation, "login rejected: %s", resp.message)
	}

	setPort := wire.NewBuilder(wire.CodeSetWaitPort).WriteUint(uint32(c.opts.ListenPort)).Message()
	if err := c.sendServer(setPort); err != nil {
		diag.L().Warnf("slsk: SetWaitPort failed: %s", err)
	}

	c.setState(LoggedIn)
	diag.L().Infof("slsk: logged in as %s", username)
	return nil
}

type loginResult struct {
	success bool
	message string
	ip      uint32
}

// Download runs a full transfer per spec §4.F, delegating to
// internal/transfer.Engine.
func (c *Client) Download(ctx context.Context, username, filename string, sink transfer.Sink) (transfer.Snapshot, error) {
	return c.transfers.Download(ctx, username, filename, sink, transfer.Options{
		DisposeOutputStreamOnCompletion: c.opts.TransferOptions.DisposeOutputStreamOnCompletion,
		Governor:                        c.opts.TransferOptions.Governor,
		StateChanged:                    c.opts.TransferOptions.StateChanged,
		ProgressUpdated:                 c.opts.TransferOptions.ProgressUpdated,
	})
}

// fetchNetInfo requests the server's current distributed-parent candidate
// list and waits for the NetInfo response, for use as the distributed
// watchdog's re-selection source.
func (c *Client) fetchNetInfo(ctx context.Context) ([]distributed.Candidate, error) {
	req := wire.NewBuilder(wire.CodeNetInfo).Message()
	if err := c.sendServer(req); err != nil {
		return nil, err
	}
	key := waiter.NewKey(wire.CodeNetInfo)
	v, err := c.waiter.Wait(ctx, key, c.opts.MessageTimeout)
	if err != nil {
		return nil, err
	}
	cands, _ := v.([]distributed.Candidate)
	return cands, nil
}

// JoinDistributedTree requests the current candidate list and selects a
// parent, per spec §4.E. Callers that want distributed search propagation
// call this once after Login; it is not automatic, since not every client
// needs to participate in the tree.
func (c *Client) JoinDistributedTree(ctx context.Context) error {
	cands, err := c.fetchNetInfo(ctx)
	if err != nil {
		return err
	}
	return c.distributed.SelectParent(ctx, cands)
}

func readFramedMessage(c *conn.Connection) (*wire.Message, error) {
	lenBuf, err := c.Read(4)
	if err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint32(lenBuf))
	if n < 1 || n > 1<<24 {
		return nil, slskerr.Newf(slskerr.MessageReadError, "implausible frame length %d", n)
	}
	body, err := c.Read(n)
	if err != nil {
		return nil, err
	}
	return wire.DecodeFrame(body, false)
}
