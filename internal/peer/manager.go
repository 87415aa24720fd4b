package peer

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/immesys/slsk/internal/diag"
	"github.com/immesys/slsk/internal/slskerr"
	"github.com/immesys/slsk/internal/waiter"
	"github.com/immesys/slsk/internal/wire"
)

// ServerLink is the narrow surface the manager needs from the server
// connection: send a framed message and know the local username to embed
// in PeerInit. The root façade package implements this over its own server
// connection.
type ServerLink interface {
	SendServer(msg *wire.Message) error
	LocalUsername() string
}

// Config bounds the manager's concurrency and timeouts, per spec §6's
// concurrent_peer_message_connection_limit and connection_options.
type Config struct {
	ConnectTimeout   time.Duration
	MessageTimeout   time.Duration
	GlobalConnLimit  int64
	EndpointCacheLen int
}

// DefaultConfig returns the recognized defaults from spec §6.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   10 * time.Second,
		MessageTimeout:   15 * time.Second,
		GlobalConnLimit:  500,
		EndpointCacheLen: 1024,
	}
}

// Manager is the Peer Connection Manager of spec §4.D. One Manager
// instance establishes connections of a single wire.ConnType: the root
// façade constructs a wire.ConnPeer Manager for message connections, and
// internal/distributed constructs its own wire.ConnDistributed Manager
// over the same establishment machinery (spec §4.E: "direct + indirect as
// in 4.D").
type Manager struct {
	cfg      Config
	connType wire.ConnType
	server   ServerLink
	waiter   *waiter.Waiter
	reg      prometheus.Registerer
	mx       *metrics

	mu         sync.Mutex
	byUsername map[string]*record

	onConnMu      sync.RWMutex
	onConn        func(*MessageConn)
	onInboundConn func(*MessageConn)

	userLocksMu sync.Mutex
	userLocks   map[string]*semaphore.Weighted

	global *semaphore.Weighted

	endpoints *lru.Cache[string, Endpoint]

	transfers *transferRegistry
	tokens    *TokenGenerator

	queuedCount int64
	queuedMu    sync.Mutex
}

// NewManager constructs a Manager for connType. reg may be nil to skip
// metrics registration (used in tests to avoid duplicate-collector
// panics).
func NewManager(cfg Config, connType wire.ConnType, server ServerLink, w *waiter.Waiter, tokens *TokenGenerator, reg prometheus.Registerer) *Manager {
	endpoints, err := lru.New[string, Endpoint](cfg.EndpointCacheLen)
	if err != nil {
		// Only possible if EndpointCacheLen <= 0; fall back to a sane floor
		// rather than let a misconfigured size take the process down.
		endpoints, _ = lru.New[string, Endpoint](128)
	}
	return &Manager{
		cfg:        cfg,
		connType:   connType,
		server:     server,
		waiter:     w,
		reg:        reg,
		mx:         newMetrics(reg),
		byUsername: make(map[string]*record),
		userLocks:  make(map[string]*semaphore.Weighted),
		global:     semaphore.NewWeighted(cfg.GlobalConnLimit),
		endpoints:  endpoints,
		transfers:  newTransferRegistry(),
		tokens:     tokens,
	}
}

// SetOnConnection registers fn to be called once for every newly
// established or newly adopted message connection (outbound via
// GetOrAddMessageConnection, inbound via HandlePeerInit). The root façade
// uses this to start a per-connection inbound-message read loop without
// Manager needing to know anything about message decoding. A superseded
// connection does not re-fire fn for the connection it replaces.
func (m *Manager) SetOnConnection(fn func(*MessageConn)) {
	m.onConnMu.Lock()
	m.onConn = fn
	m.onConnMu.Unlock()
}

func (m *Manager) fireOnConnection(mc *MessageConn) {
	m.onConnMu.RLock()
	fn := m.onConn
	m.onConnMu.RUnlock()
	if fn != nil {
		fn(mc)
	}
}

// SetOnInboundConnection registers fn to be called only for connections
// accepted via HandlePeerInit (the peer dialed us), distinct from
// SetOnConnection's fully general outbound-or-inbound firing. The root
// façade uses this to register newly-accepted distributed connections as
// tree children, which only makes sense for the inbound direction — a
// connection this process dialed out via GetOrAddMessageConnection (e.g.
// while racing distributed parent candidates) is never a child.
func (m *Manager) SetOnInboundConnection(fn func(*MessageConn)) {
	m.onConnMu.Lock()
	m.onInboundConn = fn
	m.onConnMu.Unlock()
}

func (m *Manager) fireOnInboundConnection(mc *MessageConn) {
	m.onConnMu.RLock()
	fn := m.onInboundConn
	m.onConnMu.RUnlock()
	if fn != nil {
		fn(mc)
	}
}

func (m *Manager) userLock(username string) *semaphore.Weighted {
	m.userLocksMu.Lock()
	defer m.userLocksMu.Unlock()
	s, ok := m.userLocks[username]
	if !ok {
		s = semaphore.NewWeighted(1)
		m.userLocks[username] = s
	}
	return s
}

// GetOrAddMessageConnection returns the single live message connection for
// username, establishing one via the direct+indirect race if none exists,
// per spec §4.D.
func (m *Manager) GetOrAddMessageConnection(ctx context.Context, username string) (*MessageConn, error) {
	if username == "" {
		return nil, slskerr.New(slskerr.ArgumentError, "username must not be empty")
	}

	if mc := m.existing(username); mc != nil {
		return mc, nil
	}

	lock := m.userLock(username)
	if err := lock.Acquire(ctx, 1); err != nil {
		return nil, slskerr.Wrap(slskerr.Cancelled, "acquire per-user lock", err)
	}
	defer lock.Release(1)

	if mc := m.existing(username); mc != nil {
		return mc, nil
	}

	m.queuedMu.Lock()
	m.queuedCount++
	m.mx.queued.Set(float64(m.queuedCount))
	m.queuedMu.Unlock()
	err := m.global.Acquire(ctx, 1)
	m.queuedMu.Lock()
	m.queuedCount--
	m.mx.queued.Set(float64(m.queuedCount))
	m.queuedMu.Unlock()
	if err != nil {
		return nil, slskerr.Wrap(slskerr.Cancelled, "acquire global connection slot", err)
	}

	c, winner, err := m.establish(ctx, username)
	if err != nil {
		m.global.Release(1)
		return nil, err
	}

	rec := &record{username: username, connType: m.connType, conn: c}
	m.mu.Lock()
	if prior, ok := m.byUsername[username]; ok {
		// The acquire above already took a fresh permit for rec, so the
		// permit prior was holding would otherwise never be released:
		// prior's own read loop will eventually call Remove(username,
		// prior-mc), but by then this record has replaced it in
		// byUsername and Remove's identity check silently no-ops.
		prior.conn.Disconnect("superseded")
		m.global.Release(1)
	} else {
		m.mx.active.Inc()
	}
	m.byUsername[username] = rec
	m.mu.Unlock()

	diag.L().Debugf("peer %s: %s connection established via %s attempt", username, m.connType, winner)
	mc := &MessageConn{Username: username, Type: m.connType, conn: c}
	m.fireOnConnection(mc)
	return mc, nil
}

func (m *Manager) existing(username string) *MessageConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byUsername[username]
	if !ok {
		return nil
	}
	return &MessageConn{Username: username, Type: rec.connType, conn: rec.conn}
}

// RemoveAll disconnects and discards every registered peer connection, per
// spec §4.D remove_all (used on client shutdown).
func (m *Manager) RemoveAll() {
	m.mu.Lock()
	all := m.byUsername
	m.byUsername = make(map[string]*record)
	m.mu.Unlock()

	for _, rec := range all {
		rec.conn.Disconnect("shutdown")
		m.global.Release(1)
		m.mx.active.Dec()
	}
}

// Remove drops the registry entry for username if it matches c, releasing
// its global semaphore slot. Called when a registered connection's own
// watchdog disconnects it asynchronously.
func (m *Manager) Remove(username string, c *MessageConn) {
	m.mu.Lock()
	rec, ok := m.byUsername[username]
	if ok && rec.conn == c.conn {
		delete(m.byUsername, username)
	} else {
		ok = false
	}
	m.mu.Unlock()
	if ok {
		m.global.Release(1)
		m.mx.active.Dec()
	}
}

// CacheEndpoint records a resolved address for username so a later
// establishment attempt can skip GetPeerAddress on a cache hit:
// resolveEndpoint checks CachedEndpoint before asking the server, and
// establishDirect caches every endpoint it dials successfully.
func (m *Manager) CacheEndpoint(username string, ep Endpoint) {
	m.endpoints.Add(username, ep)
}

// CachedEndpoint returns a previously cached endpoint for username, if any.
func (m *Manager) CachedEndpoint(username string) (Endpoint, bool) {
	return m.endpoints.Get(username)
}
