// Package connection owns the lifecycle of the single session to a queue manager.
package connection

import (
	"context"
	"log/slog"
	"sync"

	"github.com/deliveryhero/asya/asya-mqbridge/internal/mq"
)

// Observer receives connection state changes. It may be nil.
type Observer interface {
	SetConnected(connected bool)
}

// Manager establishes, exposes and tears down one connection handle.
type Manager struct {
	dialer   mq.Dialer
	params   mq.ConnectParams
	observer Observer

	mu   sync.RWMutex
	conn mq.Conn
}

// NewManager creates a connection manager for the given queue manager parameters.
func NewManager(dialer mq.Dialer, params mq.ConnectParams, observer Observer) *Manager {
	return &Manager{
		dialer:   dialer,
		params:   params,
		observer: observer,
	}
}

// Params returns the connection parameters.
func (m *Manager) Params() mq.ConnectParams {
	return m.params
}

// Connect performs the client-bound handshake. Failures are logged and a nil handle is
// returned; callers treat nil as "no session".
func (m *Manager) Connect(ctx context.Context) mq.Conn {
	slog.Info("Connecting to queue manager",
		"qmgr", m.params.QueueManagerName,
		"channel", m.params.ChannelName,
		"connectionName", m.params.ConnectionName())

	conn, err := m.dialer.Dial(ctx, m.params)
	if err != nil {
		slog.Error("Connection to queue manager failed",
			"qmgr", m.params.QueueManagerName,
			"connectionName", m.params.ConnectionName(),
			"error", err)
		m.setConn(nil)
		return nil
	}

	m.setConn(conn)
	slog.Info("Connected to queue manager", "qmgr", m.params.QueueManagerName)
	return conn
}

// Connection returns the live handle, or nil when not connected.
func (m *Manager) Connection() mq.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn
}

// Disconnect releases the handle. Failures are logged, never returned, so shutdown is not
// blocked by a broken session.
func (m *Manager) Disconnect(ctx context.Context) {
	conn := m.Connection()
	if conn == nil {
		slog.Debug("Disconnect skipped, no session", "qmgr", m.params.QueueManagerName)
		return
	}

	if err := conn.Disconnect(ctx); err != nil {
		slog.Error("Error during disconnect",
			"qmgr", m.params.QueueManagerName,
			"error", err)
	} else {
		slog.Info("Disconnected from queue manager", "qmgr", m.params.QueueManagerName)
	}
	m.setConn(nil)
}

// Drop discards conn after a connection-level fault so the next Connection call reports no
// session. It does nothing when conn is no longer the live handle.
func (m *Manager) Drop(ctx context.Context, conn mq.Conn) {
	m.mu.Lock()
	if conn == nil || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.mu.Unlock()

	slog.Warn("Dropping broken queue manager session", "qmgr", m.params.QueueManagerName)
	if err := conn.Disconnect(ctx); err != nil {
		slog.Debug("Disconnect of broken session failed", "qmgr", m.params.QueueManagerName, "error", err)
	}
	if m.observer != nil {
		m.observer.SetConnected(false)
	}
}

func (m *Manager) setConn(conn mq.Conn) {
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	if m.observer != nil {
		m.observer.SetConnected(conn != nil)
	}
}
