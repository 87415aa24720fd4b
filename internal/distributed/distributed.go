// Package distributed implements the Distributed Manager of spec §4.E: a
// node in the server's distributed search-propagation tree, so that search
// requests reach this client without every client hammering the central
// server directly.
//
// It reuses internal/peer.Manager wholesale for connection establishment
// (constructed with wire.ConnDistributed) rather than reimplementing the
// direct+indirect race, per the spec's explicit "direct + indirect as in
// 4.D". What this package adds on top is specific to the tree: candidate
// racing against a readiness predicate (BranchLevel + BranchRoot + an
// initial SearchRequest, not just "connected"), a child registry fanned out
// to with puzpuzpuz/xsync (syncthing-syncthing's concurrent-map dependency,
// used here the way terminus.go fans a message out over its subscriber map
// under a lock), status-hash-gated server updates, and a parent watchdog
// loop supervised by thejerf/suture the way syncthing-syncthing supervises
// its long-lived background services.
package distributed

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/thejerf/suture/v4"
	"golang.org/x/sync/semaphore"

	"github.com/immesys/slsk/internal/diag"
	"github.com/immesys/slsk/internal/peer"
	"github.com/immesys/slsk/internal/slskerr"
	"github.com/immesys/slsk/internal/waiter"
	"github.com/immesys/slsk/internal/wire"
)

// ServerLink is the narrow surface the manager needs from the server
// connection, structurally identical to internal/peer.ServerLink but kept
// as its own type so this package doesn't import the façade.
type ServerLink interface {
	SendServer(msg *wire.Message) error
	LocalUsername() string
}

// Candidate is one entry from the server's NetInfo candidate-parent list.
type Candidate struct {
	Username string
	Endpoint peer.Endpoint
}

// Config bounds fan-out and watchdog timing, per spec §6's
// concurrent_distributed_children_limit and the §4.E parent watchdog.
type Config struct {
	PeerConfig    peer.Config
	ParentFanout  int
	ParentSilence time.Duration // no parent traffic within this triggers re-selection
}

// DefaultConfig returns the recognized defaults from spec §6/§4.E.
func DefaultConfig() Config {
	return Config{
		PeerConfig:    peer.DefaultConfig(),
		ParentFanout:  3,
		ParentSilence: 50 * time.Second,
	}
}

// child is one accepted downstream connection in the tree.
type child struct {
	conn *peer.MessageConn
}

// Manager is the Distributed Manager of spec §4.E.
type Manager struct {
	cfg    Config
	server ServerLink
	waiter *waiter.Waiter
	conns  *peer.Manager // wire.ConnDistributed connections
	mx     *metrics

	mu          sync.Mutex
	parent      *peer.MessageConn
	parentUser  string
	branchLevel int32
	branchRoot  string

	children *xsync.MapOf[string, *child]

	lastParentActivity atomic.Int64 // unix nanos of the last parent adoption or parent SearchRequest
	lastStatusHash      atomic.Uint64
}

// NewManager constructs a Manager. tokens is the client-wide TokenGenerator
// shared with internal/peer's message-connection Manager, so an inbound
// PierceFirewall dial-back is routed correctly regardless of which
// component solicited it. reg may be nil to skip metrics registration.
func NewManager(cfg Config, server ServerLink, w *waiter.Waiter, tokens *peer.TokenGenerator, reg prometheus.Registerer) *Manager {
	return &Manager{
		cfg:      cfg,
		server:   server,
		waiter:   w,
		conns:    peer.NewManager(cfg.PeerConfig, wire.ConnDistributed, server, w, tokens, nil),
		mx:       newMetrics(reg),
		children: xsync.NewMapOf[string, *child](),
	}
}

// ConnManager exposes the embedded peer.Manager so the façade's InitRouter
// can dispatch inbound distributed PeerInit frames to it, and the
// PierceRouter resolves inbound PierceFirewall dial-backs through the same
// shared waiter regardless of connType.
func (m *Manager) ConnManager() *peer.Manager { return m.conns }

// HasParent reports whether a parent connection is currently established.
func (m *Manager) HasParent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.parent != nil
}

// BranchInfo returns the current (level, root) this node advertises to its
// children, per spec §4.E propagation.
func (m *Manager) BranchInfo() (int32, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.branchLevel, m.branchRoot
}

type parentWin struct {
	username string
	mc       *peer.MessageConn
	level    int32
	root     string
}

// SelectParent races a distributed connection attempt against every
// candidate, up to cfg.ParentFanout concurrently, and adopts the first one
// whose connection delivers BranchLevel, BranchRoot, and an initial
// SearchRequest within the message timeout. All other candidates are
// disposed, per spec §4.E.
func (m *Manager) SelectParent(ctx context.Context, candidates []Candidate) error {
	if len(candidates) == 0 {
		return slskerr.New(slskerr.ConnectionError, "no distributed parent candidates offered")
	}

	fanout := m.cfg.ParentFanout
	if fanout <= 0 || fanout > len(candidates) {
		fanout = len(candidates)
	}
	limit := semaphore.NewWeighted(int64(fanout))

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan parentWin, len(candidates))
	errs := make(chan error, len(candidates))

	for _, cand := range candidates {
		cand := cand
		go func() {
			if err := limit.Acquire(raceCtx, 1); err != nil {
				errs <- err
				return
			}
			defer limit.Release(1)
			mc, level, root, err := m.tryCandidate(raceCtx, cand)
			if err != nil {
				errs <- err
				return
			}
			results <- parentWin{username: cand.Username, mc: mc, level: level, root: root}
		}()
	}

	var firstErr error
	for i := 0; i < len(candidates); i++ {
		select {
		case w := <-results:
			cancel()
			m.adoptParent(w.username, w.mc, w.level, w.root)
			go m.disposeOtherCandidates(results, errs, len(candidates)-i-1)
			return nil
		case err := <-errs:
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return slskerr.Wrapf(firstErr, slskerr.ConnectionError, "no distributed parent candidate became ready")
}

// disposeOtherCandidates drains the remaining results after a winner has
// been chosen, disconnecting any candidate connection that became ready
// too late to win the race.
func (m *Manager) disposeOtherCandidates(results chan parentWin, errs chan error, remaining int) {
	for i := 0; i < remaining; i++ {
		select {
		case w := <-results:
			w.mc.Disconnect("lost parent-selection race")
		case <-errs:
		}
	}
}

// tryCandidate establishes a distributed connection to cand and blocks
// until it has delivered BranchLevel, BranchRoot, and an initial
// SearchRequest, or the message timeout elapses.
func (m *Manager) tryCandidate(ctx context.Context, cand Candidate) (*peer.MessageConn, int32, string, error) {
	mc, err := m.conns.GetOrAddMessageConnection(ctx, cand.Username)
	if err != nil {
		return nil, 0, "", err
	}

	// All three of BranchLevel, BranchRoot, and an initial SearchRequest
	// must arrive within one message timeout window (spec §4.E), not one
	// timeout each.
	readyCtx, cancel := context.WithTimeout(ctx, m.cfg.PeerConfig.MessageTimeout)
	defer cancel()

	levelKey := waiter.NewKey(wire.CodeDistribBranchLevel, cand.Username)
	rootKey := waiter.NewKey(wire.CodeDistribBranchRoot, cand.Username)
	searchKey := waiter.NewKey(wire.CodeDistribSearchRequest, cand.Username)

	level, err := m.waiter.WaitIndefinitely(readyCtx, levelKey)
	if err != nil {
		mc.Disconnect("candidate did not deliver BranchLevel")
		return nil, 0, "", err
	}
	root, err := m.waiter.WaitIndefinitely(readyCtx, rootKey)
	if err != nil {
		mc.Disconnect("candidate did not deliver BranchRoot")
		return nil, 0, "", err
	}
	if _, err := m.waiter.WaitIndefinitely(readyCtx, searchKey); err != nil {
		mc.Disconnect("candidate did not deliver an initial SearchRequest")
		return nil, 0, "", err
	}

	lvl, _ := level.(int32)
	rt, _ := root.(string)
	return mc, lvl, rt, nil
}

// CompleteBranchLevel/CompleteBranchRoot/CompleteSearchRequest are called by
// the inbound message dispatcher (the per-connection read loop, which runs
// for candidates still racing as well as for the adopted parent) to resolve
// the waits tryCandidate blocks on.
func (m *Manager) CompleteBranchLevel(username string, level int32) {
	m.waiter.Complete(waiter.NewKey(wire.CodeDistribBranchLevel, username), level)
}

func (m *Manager) CompleteBranchRoot(username string, root string) {
	m.waiter.Complete(waiter.NewKey(wire.CodeDistribBranchRoot, username), root)
}

func (m *Manager) CompleteSearchRequest(username string, payload []byte) {
	m.waiter.Complete(waiter.NewKey(wire.CodeDistribSearchRequest, username), payload)
	if m.isParent(username) {
		m.NotifyParentActivity()
		m.RebroadcastSearch(payload)
	}
}

func (m *Manager) isParent(username string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.parent != nil && m.parentUser == username
}

func (m *Manager) adoptParent(username string, mc *peer.MessageConn, level int32, root string) {
	m.mu.Lock()
	prior, priorUser := m.parent, m.parentUser
	m.parent = mc
	m.parentUser = username
	m.branchLevel = level + 1
	m.branchRoot = root
	m.mu.Unlock()

	if prior != nil {
		prior.Disconnect("superseded parent")
		// prior's own read loop will eventually notice the socket closed
		// and call Remove itself, but that race lets a re-selection round
		// in between observe the dead connection via existing(), so remove
		// it from the registry immediately instead.
		m.conns.Remove(priorUser, prior)
	}

	m.mx.hasParent.Set(1)
	m.mx.branch.Set(float64(level + 1))
	m.lastParentActivity.Store(time.Now().UnixNano())
	diag.L().Infof("distributed: adopted parent %s (level=%d root=%s)", username, level+1, root)
	m.broadcastBranchInfo()
	m.recomputeStatus()
}

// Orphan implements the §4.E invariant: when the parent disconnects,
// branch_level resets to 0, branch_root to empty, children are told the new
// values, and re-selection begins.
func (m *Manager) Orphan(reason string) {
	m.mu.Lock()
	prior, priorUser := m.parent, m.parentUser
	m.parent = nil
	m.parentUser = ""
	m.branchLevel = 0
	m.branchRoot = ""
	m.mu.Unlock()

	if prior != nil {
		prior.Disconnect(reason)
		m.conns.Remove(priorUser, prior)
	}

	m.mx.hasParent.Set(0)
	m.mx.branch.Set(0)
	diag.L().Warnf("distributed: orphaned (%s), resetting branch info", reason)
	m.broadcastBranchInfo()
	m.recomputeStatus()
}

// NotifyParentActivity resets the parent watchdog. CompleteSearchRequest
// calls it for each SearchRequest received from the current parent; other
// messages from the parent (BranchLevel, BranchRoot, ChildDepth) do not
// reset the watchdog.
func (m *Manager) NotifyParentActivity() {
	m.lastParentActivity.Store(time.Now().UnixNano())
}

// AddChild registers an accepted inbound distributed connection as a child
// and immediately sends it the current branch info, per spec §4.E.
func (m *Manager) AddChild(username string, mc *peer.MessageConn) {
	m.children.Store(username, &child{conn: mc})
	level, root := m.BranchInfo()
	m.sendBranchInfoTo(mc, level, root)
	m.mx.children.Set(float64(m.ChildCount()))
	m.recomputeStatus()
}

// RemoveChild drops a child, e.g. on disconnect.
func (m *Manager) RemoveChild(username string) {
	m.children.Delete(username)
	m.mx.children.Set(float64(m.ChildCount()))
	m.recomputeStatus()
}

// ChildCount reports the live child count for status computation.
func (m *Manager) ChildCount() int {
	n := 0
	m.children.Range(func(_ string, _ *child) bool {
		n++
		return true
	})
	return n
}

// broadcastBranchInfo sends the current BranchLevel/BranchRoot to every
// child, per spec §4.E propagation. A broadcast failure disposes the
// offending child connection but never stops the fan-out.
func (m *Manager) broadcastBranchInfo() {
	level, root := m.BranchInfo()
	m.children.Range(func(username string, c *child) bool {
		m.sendBranchInfoTo(c.conn, level, root)
		return true
	})
}

func (m *Manager) sendBranchInfoTo(mc *peer.MessageConn, level int32, root string) {
	levelMsg := wire.NewBuilder(wire.CodeDistribBranchLevel).WriteInt(level).Message()
	rootMsg := wire.NewBuilder(wire.CodeDistribBranchRoot).WriteString(root).Message()
	if err := mc.Write(levelMsg); err != nil {
		diag.L().Warnf("distributed: branch level broadcast to %s failed: %s", mc.Username, err)
		mc.Disconnect("branch info write failed")
		m.RemoveChild(mc.Username)
		return
	}
	if err := mc.Write(rootMsg); err != nil {
		diag.L().Warnf("distributed: branch root broadcast to %s failed: %s", mc.Username, err)
		mc.Disconnect("branch info write failed")
		m.RemoveChild(mc.Username)
	}
}

// RebroadcastSearch forwards a SearchRequest payload received from the
// parent to every child, per spec §4.E. Per-child write failures dispose
// that child only.
func (m *Manager) RebroadcastSearch(payload []byte) {
	msg := &wire.Message{Code: wire.CodeDistribSearchRequest, Payload: payload}
	m.children.Range(func(username string, c *child) bool {
		if err := c.conn.Write(msg); err != nil {
			diag.L().Warnf("distributed: search rebroadcast to %s failed: %s", username, err)
			c.conn.Disconnect("search rebroadcast write failed")
			m.RemoveChild(username)
		}
		return true
	})
}

// recomputeStatus advertises AcceptChildren/HaveNoParent to the server,
// writing only when the hash of the prior status differs, per spec §4.E
// ("to avoid flapping").
func (m *Manager) recomputeStatus() {
	hasParent := m.HasParent()
	childCount := m.ChildCount()
	acceptChildren := int64(childCount) < m.cfg.PeerConfig.GlobalConnLimit

	hash := statusHash(hasParent, acceptChildren, childCount)
	if hash == m.lastStatusHash.Load() {
		return
	}
	m.lastStatusHash.Store(hash)

	haveNoParent := wire.NewBuilder(wire.CodeHaveNoParent).WriteBool(!hasParent).Message()
	accept := wire.NewBuilder(wire.CodeAcceptChildren).WriteBool(acceptChildren).Message()
	if err := m.server.SendServer(haveNoParent); err != nil {
		diag.L().Warnf("distributed: HaveNoParent update failed: %s", err)
	}
	if err := m.server.SendServer(accept); err != nil {
		diag.L().Warnf("distributed: AcceptChildren update failed: %s", err)
	}
}

func statusHash(hasParent, acceptChildren bool, childCount int) uint64 {
	h := fnv.New64a()
	var buf [9]byte
	if hasParent {
		buf[0] = 1
	}
	if acceptChildren {
		buf[1] = 1
	}
	binary.LittleEndian.PutUint32(buf[2:6], uint32(childCount))
	h.Write(buf[:])
	return h.Sum64()
}

// Watchdog returns a suture.Service implementing the §4.E parent watchdog:
// when cfg.ParentSilence elapses with no parent traffic, the parent is
// orphaned and candidates is called to fetch a fresh NetInfo list for
// re-selection. Grounded on 6Sack-bw2/api/peerclient.go's reconnect loop
// (poll liveness, re-establish on silence) adapted from a fixed reconnect
// target to candidate re-selection, and supervised the way
// syncthing-syncthing runs its long-lived services under thejerf/suture.
func (m *Manager) Watchdog(candidates func(ctx context.Context) ([]Candidate, error)) suture.Service {
	return &watchdog{m: m, candidates: candidates}
}

type watchdog struct {
	m          *Manager
	candidates func(ctx context.Context) ([]Candidate, error)
}

func (w *watchdog) Serve(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *watchdog) tick(ctx context.Context) {
	m := w.m
	if !m.HasParent() {
		return
	}
	idle := time.Since(time.Unix(0, m.lastParentActivity.Load()))
	if idle < m.cfg.ParentSilence {
		return
	}
	m.Orphan("parent silence watchdog")
	cands, err := w.candidates(ctx)
	if err != nil {
		diag.L().Warnf("distributed: candidate refresh failed: %s", err)
		return
	}
	if err := m.SelectParent(ctx, cands); err != nil {
		diag.L().Warnf("distributed: re-selection failed: %s", err)
	}
}
