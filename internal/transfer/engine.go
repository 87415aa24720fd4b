package transfer

import (
	"context"
	"encoding/binary"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/immesys/slsk/internal/diag"
	"github.com/immesys/slsk/internal/peer"
	"github.com/immesys/slsk/internal/slskerr"
	"github.com/immesys/slsk/internal/waiter"
	"github.com/immesys/slsk/internal/wire"
)

const directionDownload uint32 = 0

// rejectedNotShared is the exact rejection text that means "don't bother
// queueing, the file simply isn't there", per spec §4.F.
const rejectedNotShared = "File not shared"

// TransferResponse is the decoded form of a peer's TransferResponse,
// delivered to the engine's waiter by whatever decodes inbound peer
// messages.
type TransferResponse struct {
	Allowed bool
	Size    int64
	Message string
}

// Config bounds the engine's timeouts, per spec §5/§6.
type Config struct {
	MessageTimeout time.Duration
}

// DefaultConfig returns the recognized default from spec §6.
func DefaultConfig() Config {
	return Config{MessageTimeout: 15 * time.Second}
}

// Engine is the Transfer Engine (Download) of spec §4.F.
type Engine struct {
	cfg    Config
	peers  *peer.Manager
	waiter *waiter.Waiter
	tokens *peer.TokenGenerator
	mx     *metrics

	mu         sync.Mutex
	byToken    map[uint32]*transfer
	byUserFile map[string]*transfer
}

// NewEngine constructs an Engine. peers must be a peer.Manager constructed
// with wire.ConnPeer (message connections to upload/download peers); tokens
// is the client-wide TokenGenerator shared with every connection-
// establishing component, since a download token doubles as the type-F
// connection's wire-level correlation token (see internal/peer/transfer.go).
func NewEngine(cfg Config, peers *peer.Manager, w *waiter.Waiter, tokens *peer.TokenGenerator, reg prometheus.Registerer) *Engine {
	return &Engine{
		cfg:        cfg,
		peers:      peers,
		waiter:     w,
		tokens:     tokens,
		mx:         newMetrics(reg),
		byToken:    make(map[uint32]*transfer),
		byUserFile: make(map[string]*transfer),
	}
}

func userFileKey(username, filename string) string {
	return username + "\x1f" + filename
}

// Download executes the full two-phase negotiation and data phase of spec
// §4.F, blocking until the transfer reaches a terminal state. The returned
// Snapshot reflects that terminal state, even on error; when validation or
// registration fails, nothing is sent and the Snapshot's State is None.
func (e *Engine) Download(ctx context.Context, username, filename string, sink Sink, opts Options) (Snapshot, error) {
	if err := validatePreconditions(username, filename, sink, opts); err != nil {
		return Snapshot{State: None}, err
	}

	token := e.tokens.Next()
	t := newTransfer(token, username, filename, opts)

	if err := e.register(token, username, filename, t); err != nil {
		return t.snapshot(), err
	}
	defer e.unregister(token, username, filename)

	e.mx.active.Inc()
	defer e.mx.active.Dec()

	snap, err := e.run(ctx, t, username, filename, token, sink)
	if opts.DisposeOutputStreamOnCompletion {
		if closer, ok := sink.(io.Closer); ok {
			closer.Close()
		}
	}
	return snap, err
}

func validatePreconditions(username, filename string, sink Sink, opts Options) error {
	if username == "" {
		return slskerr.New(slskerr.ArgumentError, "username must not be empty")
	}
	if filename == "" {
		return slskerr.New(slskerr.ArgumentError, "filename must not be empty")
	}
	if opts.Offset < 0 {
		return slskerr.New(slskerr.ArgumentError, "offset must not be negative")
	}
	if sink == nil {
		return slskerr.New(slskerr.ArgumentError, "sink must not be nil")
	}
	return nil
}

func (e *Engine) register(token uint32, username, filename string, t *transfer) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.byToken[token]; ok {
		return slskerr.Newf(slskerr.DuplicateToken, "token %d already active", token)
	}
	key := userFileKey(username, filename)
	if _, ok := e.byUserFile[key]; ok {
		return slskerr.Newf(slskerr.DuplicateTransfer, "%s: %s already active", username, filename)
	}
	e.byToken[token] = t
	e.byUserFile[key] = t
	return nil
}

func (e *Engine) unregister(token uint32, username, filename string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.byToken, token)
	delete(e.byUserFile, userFileKey(username, filename))
}

func (e *Engine) run(ctx context.Context, t *transfer, username, filename string, token uint32, sink Sink) (Snapshot, error) {
	mc, err := e.peers.GetOrAddMessageConnection(ctx, username)
	if err != nil {
		return t.setState(Errored, err), err
	}

	t.setState(Requested, nil)
	req := wire.NewBuilder(wire.CodeTransferRequest).
		WriteUint(directionDownload).WriteUint(token).WriteString(filename).Message()
	if err := mc.Write(req); err != nil {
		werr := slskerr.Wrap(slskerr.TransferError, "send TransferRequest", err)
		return t.setState(Errored, werr), werr
	}

	resp, err := e.awaitTransferResponse(ctx, username, token)
	if err != nil {
		return t.setState(stateForErr(err), err), err
	}

	if !resp.Allowed {
		if resp.Message == rejectedNotShared {
			rerr := slskerr.Newf(slskerr.TransferRejected, "%s declined %s: %s", username, filename, resp.Message)
			return t.setState(Rejected, rerr), rerr
		}
		return e.runQueued(ctx, t, mc, username, filename, token, sink)
	}

	t.setSize(resp.Size)
	return e.runDataPhase(ctx, t, username, filename, token, t.snapshot().Offset, resp.Size, sink)
}

// runQueued implements spec §4.F's queued path: wait indefinitely for an
// unsolicited TransferRequest from the peer, reply with an allowed
// TransferResponse carrying our resume offset, then proceed to the
// connection handoff exactly as the allowed path does.
func (e *Engine) runQueued(ctx context.Context, t *transfer, mc *peer.MessageConn, username, filename string, token uint32, sink Sink) (Snapshot, error) {
	t.setState(Queued, nil)

	size, err := e.awaitQueuedTransferRequest(ctx, username, token)
	if err != nil {
		return t.setState(stateForErr(err), err), err
	}

	offset := t.snapshot().Offset
	allowMsg := wire.NewBuilder(wire.CodeTransferResponse).
		WriteUint(token).WriteByte(1).WriteLong(offset).Message()
	if err := mc.Write(allowMsg); err != nil {
		werr := slskerr.Wrap(slskerr.TransferError, "send queued TransferResponse", err)
		return t.setState(Errored, werr), werr
	}

	t.setSize(size)
	return e.runDataPhase(ctx, t, username, filename, token, offset, size, sink)
}

// runDataPhase implements the handoff + streaming half of spec §4.F: wait
// for the type-F connection (soliciting it as a fallback in case the peer
// needs our ConnectToPeer nudge), check the 4-byte token the peer writes
// first, write the resume offset, then stream the remaining bytes through
// the caller's sink.
func (e *Engine) runDataPhase(ctx context.Context, t *transfer, username, filename string, token uint32, offset, size int64, sink Sink) (Snapshot, error) {
	t.setState(Initializing, nil)

	if err := e.peers.SolicitTransferConnection(username, token); err != nil {
		diag.L().Debugf("transfer %d: ConnectToPeer nudge failed (peer may still dial directly): %s", token, err)
	}

	dataConn, err := e.peers.AwaitTransferConnection(ctx, username, filename, token)
	if err != nil {
		return t.setState(stateForErr(err), err), err
	}

	remoteToken, err := dataConn.Read(4)
	if err != nil {
		werr := slskerr.Wrap(slskerr.TransferError, "read remote token", err)
		return t.setState(Errored, werr), werr
	}
	if got := binary.LittleEndian.Uint32(remoteToken); got != token {
		dataConn.Disconnect("transfer token mismatch")
		werr := slskerr.Newf(slskerr.TransferError, "transfer connection sent token %d, expected %d", got, token)
		return t.setState(Errored, werr), werr
	}

	t.setState(InProgress, nil)

	var offsetBytes [8]byte
	putInt64LE(offsetBytes[:], offset)
	if err := dataConn.Write(offsetBytes[:]); err != nil {
		werr := slskerr.Wrap(slskerr.TransferError, "write resume offset", err)
		return t.setState(Errored, werr), werr
	}

	remaining := size - offset
	wrapped := &progressSink{inner: sink, t: t, mx: e.mx}
	if err := dataConn.ReadToStream(ctx, remaining, wrapped, t.opts.Governor); err != nil {
		werr := slskerr.Wrap(slskerr.TransferError, "data phase read failed", err)
		return t.setState(Errored, werr), werr
	}

	return t.setState(Succeeded, nil), nil
}

func (e *Engine) awaitTransferResponse(ctx context.Context, username string, token uint32) (TransferResponse, error) {
	key := waiter.NewKey(wire.CodeTransferResponse, username, strconv.FormatUint(uint64(token), 10))
	v, err := e.waiter.Wait(ctx, key, e.cfg.MessageTimeout)
	if err != nil {
		return TransferResponse{}, err
	}
	resp, ok := v.(TransferResponse)
	if !ok {
		return TransferResponse{}, slskerr.New(slskerr.MessageReadError, "malformed TransferResponse delivery")
	}
	return resp, nil
}

func (e *Engine) awaitQueuedTransferRequest(ctx context.Context, username string, token uint32) (int64, error) {
	key := waiter.NewKey(wire.CodeTransferRequest, username, strconv.FormatUint(uint64(token), 10))
	v, err := e.waiter.WaitIndefinitely(ctx, key)
	if err != nil {
		return 0, err
	}
	size, ok := v.(int64)
	if !ok {
		return 0, slskerr.New(slskerr.MessageReadError, "malformed queued TransferRequest delivery")
	}
	return size, nil
}

// CompleteTransferResponse is called by the inbound peer-message dispatcher
// once a TransferResponse has been decoded.
func (e *Engine) CompleteTransferResponse(username string, token uint32, resp TransferResponse) {
	e.waiter.Complete(waiter.NewKey(wire.CodeTransferResponse, username, strconv.FormatUint(uint64(token), 10)), resp)
}

// CompleteQueuedTransferRequest is called by the inbound peer-message
// dispatcher once the peer's unsolicited TransferRequest (announcing it is
// ready to start a previously-queued transfer) has been decoded.
func (e *Engine) CompleteQueuedTransferRequest(username string, token uint32, size int64) {
	e.waiter.Complete(waiter.NewKey(wire.CodeTransferRequest, username, strconv.FormatUint(uint64(token), 10)), size)
}

func stateForErr(err error) State {
	kind, ok := slskerr.KindOf(err)
	if !ok {
		return Errored
	}
	switch kind {
	case slskerr.Timeout:
		return TimedOut
	case slskerr.Cancelled:
		return Cancelled
	default:
		return Errored
	}
}

func putInt64LE(buf []byte, v int64) {
	u := uint64(v)
	for i := 0; i < 8; i++ {
		buf[i] = byte(u >> (8 * uint(i)))
	}
}

// progressSink wraps the caller's sink to drive ProgressUpdated events and
// the package throughput counter per chunk, since the handed-off type-F
// Connection is constructed by internal/peer's Listener with no Observer
// of its own to hook into.
type progressSink struct {
	inner Sink
	t     *transfer
	mx    *metrics
	read  int64
}

func (p *progressSink) Write(b []byte) (int, error) {
	n, err := p.inner.Write(b)
	p.read += int64(n)
	p.t.progress(p.read)
	p.mx.bytesTotal.Add(float64(n))
	return n, err
}
