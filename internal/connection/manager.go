// Package connection tracks live client connections and their platform
// subscriptions, and is the only place frames are queued to a connection.
package connection

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"unigate/internal/domain"
	"unigate/internal/metrics"
	"unigate/internal/protocol"
)

const (
	defaultBufferSize     = 64
	defaultDeliverTimeout = 5 * time.Second
)

// ErrUnknownConnection is returned for connections that are gone.
var ErrUnknownConnection = errors.New("unknown connection")

// Connection is one live client. Frames queued for it are read from Events
// by the transport until Done is closed.
type Connection struct {
	ID          string
	Remote      string
	ConnectedAt time.Time

	out       chan protocol.Event
	done      chan struct{}
	closeOnce sync.Once
}

// Events yields frames queued for the client.
func (c *Connection) Events() <-chan protocol.Event { return c.out }

// Done is closed when the connection has been disconnected.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

type entry struct {
	conn *Connection
	all  bool
	subs map[domain.Platform]struct{}
}

func (e *entry) wants(p domain.Platform) bool {
	if e.all {
		return true
	}
	_, ok := e.subs[p]
	return ok
}

func (e *entry) platforms() []domain.Platform {
	var out []domain.Platform
	for _, p := range domain.Platforms() {
		if e.wants(p) {
			out = append(out, p)
		}
	}
	return out
}

// Config configures a Manager.
type Config struct {
	BufferSize     int
	DeliverTimeout time.Duration
	Logger         *slog.Logger
}

// Manager owns the subscription table. Broadcast and Connect share one lock,
// so a joining connection sees each pairing token either by replay or by
// broadcast, never both.
type Manager struct {
	mu             sync.RWMutex
	conns          map[string]*entry
	pendingPairing map[domain.Platform]protocol.Event

	bufferSize     int
	deliverTimeout time.Duration
	logger         *slog.Logger
}

// NewManager creates an empty Manager.
func NewManager(cfg Config) *Manager {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = defaultDeliverTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		conns:          make(map[string]*entry),
		pendingPairing: make(map[domain.Platform]protocol.Event),
		bufferSize:     cfg.BufferSize,
		deliverTimeout: cfg.DeliverTimeout,
		logger:         cfg.Logger.With("component", "connections"),
	}
}

// Connect registers a new connection with no subscriptions and queues the
// latest pending pairing token of each platform for it.
func (m *Manager) Connect(remote string) *Connection {
	c := &Connection{
		ID:          uuid.NewString(),
		Remote:      remote,
		ConnectedAt: time.Now(),
		out:         make(chan protocol.Event, m.bufferSize),
		done:        make(chan struct{}),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[c.ID] = &entry{conn: c, subs: make(map[domain.Platform]struct{})}
	for _, p := range domain.Platforms() {
		if frame, ok := m.pendingPairing[p]; ok {
			m.trySend(c, frame)
		}
	}
	metrics.LiveConnections.Inc()
	m.logger.Info("connection opened", "conn_id", c.ID, "remote", remote)
	return c
}

// Disconnect removes the connection and all its subscriptions. Safe to call
// more than once.
func (m *Manager) Disconnect(id string) {
	m.mu.Lock()
	e, ok := m.conns[id]
	if ok {
		delete(m.conns, id)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	e.conn.close()
	metrics.LiveConnections.Dec()
	m.logger.Info("connection closed", "conn_id", id)
}

// Subscribe adds platforms (or every platform when all is set) to a
// connection's subscriptions and returns the resulting set.
func (m *Manager) Subscribe(id string, all bool, platforms ...domain.Platform) ([]domain.Platform, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.conns[id]
	if !ok {
		return nil, ErrUnknownConnection
	}
	if all {
		e.all = true
	}
	for _, p := range platforms {
		e.subs[p] = struct{}{}
	}
	return e.platforms(), nil
}

// Unsubscribe removes platforms (or everything when all is set).
func (m *Manager) Unsubscribe(id string, all bool, platforms ...domain.Platform) ([]domain.Platform, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.conns[id]
	if !ok {
		return nil, ErrUnknownConnection
	}
	if all {
		e.all = false
		e.subs = make(map[domain.Platform]struct{})
	}
	for _, p := range platforms {
		if e.all {
			// Expand "all" so single platforms can be dropped from it.
			e.all = false
			for _, known := range domain.Platforms() {
				e.subs[known] = struct{}{}
			}
		}
		delete(e.subs, p)
	}
	return e.platforms(), nil
}

// Subscriptions returns the platforms a connection is subscribed to.
func (m *Manager) Subscriptions(id string) []domain.Platform {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.conns[id]; ok {
		return e.platforms()
	}
	return nil
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Broadcast queues e for every interested connection: all connections for
// platform-status events, subscribers of e.Platform otherwise. Each
// connection gets the frame at most once; a full buffer drops it. Returns the
// number of connections the frame was queued for.
func (m *Manager) Broadcast(e domain.Event) int {
	frame := protocol.FromDomain(e)

	m.mu.Lock()
	defer m.mu.Unlock()

	switch e.Kind {
	case domain.EventPairingTokenRefreshed:
		m.pendingPairing[e.Platform] = frame
	case domain.EventSessionReady, domain.EventSessionLost:
		delete(m.pendingPairing, e.Platform)
	}

	delivered := 0
	for _, en := range m.conns {
		if !e.IsPlatformStatus() && !en.wants(e.Platform) {
			continue
		}
		if m.trySend(en.conn, frame) {
			delivered++
		}
	}
	metrics.BroadcastDeliveries.Add(int64(delivered))
	return delivered
}

// PendingPairing returns the pairing frame that new connections receive for p.
func (m *Manager) PendingPairing(p domain.Platform) (protocol.Event, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.pendingPairing[p]
	return f, ok
}

// Deliver queues a point-to-point frame for one connection, waiting up to the
// deliver timeout for buffer space. Frames for connections that are gone are
// discarded and false is returned.
func (m *Manager) Deliver(id string, frame protocol.Event) bool {
	m.mu.RLock()
	e, ok := m.conns[id]
	m.mu.RUnlock()
	if !ok {
		m.logger.Debug("discarding result for closed connection", "conn_id", id, "type", frame.Type)
		return false
	}

	c := e.conn
	select {
	case c.out <- frame:
		return true
	case <-c.done:
		return false
	default:
	}

	timer := time.NewTimer(m.deliverTimeout)
	defer timer.Stop()
	select {
	case c.out <- frame:
		return true
	case <-c.done:
		return false
	case <-timer.C:
		m.logger.Warn("result dropped: connection not reading", "conn_id", id, "type", frame.Type)
		return false
	}
}

// trySend never blocks; it must be called with mu held.
func (m *Manager) trySend(c *Connection, frame protocol.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- frame:
		return true
	default:
		metrics.BroadcastDrops.Inc()
		m.logger.Warn("dropped event for slow connection", "conn_id", c.ID, "type", frame.Type)
		return false
	}
}
