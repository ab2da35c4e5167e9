package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/relaydev/relay/internal/observability"
)

// CapacityError is returned by Add when the connection limit is
// reached. Callers should answer with 503 before sending any event.
type CapacityError struct {
	Limit int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("sse connection limit reached (%d)", e.Limit)
}

// Connection is one live SSE stream bound to a session.
type Connection struct {
	sessionID string
	transport Transport
	createdAt time.Time

	mu        sync.Mutex
	closed    bool
	sent      int64
	toolsUsed []string

	stopKeepAlive chan struct{}
	stopOnce      sync.Once
}

// SessionID returns the session this connection streams for.
func (c *Connection) SessionID() string {
	return c.sessionID
}

// RecordTool adds a tool name to the distinct set reported in the
// done summary.
func (c *Connection) RecordTool(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.toolsUsed {
		if t == name {
			return
		}
	}
	c.toolsUsed = append(c.toolsUsed, name)
}

// ToolsUsed returns the distinct tool names seen on this connection.
func (c *Connection) ToolsUsed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.toolsUsed...)
}

func (c *Connection) send(eventType string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection closed")
	}
	if err := c.transport.WriteEvent(eventType, data); err != nil {
		c.closed = true
		return err
	}
	c.sent++
	return nil
}

func (c *Connection) comment(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection closed")
	}
	if err := c.transport.WriteComment(text); err != nil {
		c.closed = true
		return err
	}
	return nil
}

func (c *Connection) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// ManagerStats is the snapshot served by the stats endpoint.
type ManagerStats struct {
	ActiveConnections int      `json:"active_connections"`
	MaxConnections    int      `json:"max_connections"`
	TotalEventsSent   int64    `json:"total_events_sent"`
	Sessions          []string `json:"sessions"`
}

// Manager tracks live SSE connections. It enforces a global connection
// cap, allows at most one connection per session (a new one replaces
// its predecessor), and probes each connection with periodic
// keep-alive comments.
type Manager struct {
	mu    sync.Mutex
	conns map[string]*Connection
	total int64

	max       int
	keepAlive time.Duration
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewManager creates a connection manager. metrics may be nil in tests.
func NewManager(max int, keepAlive time.Duration, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{
		conns:     make(map[string]*Connection),
		max:       max,
		keepAlive: keepAlive,
		logger:    logger,
		metrics:   metrics,
	}
}

// Add registers a connection for the session. An existing connection
// for the same session is closed and replaced; it does not count
// against the capacity check. Returns a *CapacityError when the
// manager is full.
func (m *Manager) Add(ctx context.Context, sessionID string, t Transport) (*Connection, error) {
	m.mu.Lock()
	prev := m.conns[sessionID]
	if prev == nil && len(m.conns) >= m.max {
		m.mu.Unlock()
		return nil, &CapacityError{Limit: m.max}
	}
	conn := &Connection{
		sessionID:     sessionID,
		transport:     t,
		createdAt:     time.Now(),
		stopKeepAlive: make(chan struct{}),
	}
	m.conns[sessionID] = conn
	m.mu.Unlock()

	if prev != nil {
		m.logger.Info(ctx, "replacing existing sse connection", "session_id", sessionID)
		m.shutdownConn(prev)
		// The replaced connection left the registry here; its owner's
		// later Release is a no-op, so balance the gauge now.
		if m.metrics != nil {
			m.metrics.SSEConnections.Dec()
		}
	}
	if m.metrics != nil {
		m.metrics.SSEConnections.Inc()
	}
	if m.keepAlive > 0 {
		go m.keepAliveLoop(conn)
	}
	return conn, nil
}

func (m *Manager) keepAliveLoop(conn *Connection) {
	ticker := time.NewTicker(m.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.comment("keep-alive"); err != nil {
				m.removeIfCurrent(conn)
				return
			}
		case <-conn.stopKeepAlive:
			return
		}
	}
}

// Send pushes one event to the session's connection. It returns false
// when the session has no live connection or the write fails.
func (m *Manager) Send(sessionID string, ev Event) bool {
	m.mu.Lock()
	conn := m.conns[sessionID]
	m.mu.Unlock()
	if conn == nil {
		return false
	}
	return m.deliver(conn, ev)
}

// SendTo pushes one event through conn, but only while conn is still
// the session's registered connection. Events from a handler whose
// connection has been replaced are dropped, so each stream has exactly
// one writer and carries exactly one terminal sequence.
func (m *Manager) SendTo(conn *Connection, ev Event) bool {
	m.mu.Lock()
	current := m.conns[conn.sessionID] == conn
	m.mu.Unlock()
	if !current {
		return false
	}
	return m.deliver(conn, ev)
}

func (m *Manager) deliver(conn *Connection, ev Event) bool {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		m.logger.Error(context.Background(), "sse event not serializable",
			"session_id", conn.sessionID, "event_type", ev.Type, "error", err)
		return false
	}
	if err := conn.send(ev.Type, data); err != nil {
		m.removeIfCurrent(conn)
		return false
	}

	m.mu.Lock()
	m.total++
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.RecordSSEMessage(ev.Type)
	}
	return true
}

// Close removes and tears down the session's connection. Closing an
// absent session is a no-op.
func (m *Manager) Close(sessionID string) {
	m.mu.Lock()
	conn := m.conns[sessionID]
	delete(m.conns, sessionID)
	m.mu.Unlock()
	if conn == nil {
		return
	}
	m.shutdownConn(conn)
	if m.metrics != nil {
		m.metrics.SSEConnections.Dec()
	}
}

func (m *Manager) shutdownConn(conn *Connection) {
	conn.stopOnce.Do(func() { close(conn.stopKeepAlive) })
	conn.markClosed()
}

// Release tears down conn only when it is still the registered
// connection for its session, so a replacement is left untouched.
// Handlers use this on exit instead of Close, which removes whatever
// connection currently holds the session.
func (m *Manager) Release(conn *Connection) {
	m.removeIfCurrent(conn)
}

// removeIfCurrent tears down conn only when it is still the registered
// connection for its session, so a replacement is left untouched.
func (m *Manager) removeIfCurrent(conn *Connection) {
	m.mu.Lock()
	current := m.conns[conn.sessionID] == conn
	if current {
		delete(m.conns, conn.sessionID)
	}
	m.mu.Unlock()
	if !current {
		return
	}
	m.shutdownConn(conn)
	if m.metrics != nil {
		m.metrics.SSEConnections.Dec()
	}
}

// CloseAll notifies every connection the server is shutting down and
// closes them. Used during graceful shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()

	notice, _ := json.Marshal(map[string]string{"reason": "server shutting down"})
	for _, conn := range conns {
		conn.send(EventShutdown, notice)
		m.shutdownConn(conn)
		if m.metrics != nil {
			m.metrics.SSEConnections.Dec()
		}
	}
	if len(conns) > 0 {
		m.logger.Info(ctx, "closed all sse connections", "count", len(conns))
	}
}

// Stats returns a snapshot of the manager state.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := make([]string, 0, len(m.conns))
	for id := range m.conns {
		sessions = append(sessions, id)
	}
	return ManagerStats{
		ActiveConnections: len(m.conns),
		MaxConnections:    m.max,
		TotalEventsSent:   m.total,
		Sessions:          sessions,
	}
}
