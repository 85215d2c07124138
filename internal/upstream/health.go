// ABOUTME: Periodic health-check loop for upstream connections
// ABOUTME: Ping-driven disconnect detection and backoff-gated auto reconnection

package upstream

import (
	"context"
	"fmt"
	"time"

	"github.com/2389/mcp-router/internal/store"
)

// ensureHealthLoop starts the loop when the connection set becomes non-empty.
func (m *Manager) ensureHealthLoop() {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	if m.healthCancel != nil {
		return
	}
	m.mu.RLock()
	empty := len(m.conns) == 0
	m.mu.RUnlock()
	if empty {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.healthCancel = cancel
	m.healthDone = make(chan struct{})
	go m.healthLoop(ctx, m.healthDone)
	m.logger.Debug("health loop started", "interval", m.pingInterval)
}

// stopHealthLoop stops the loop and waits for it to exit.
func (m *Manager) stopHealthLoop() {
	m.healthMu.Lock()
	cancel := m.healthCancel
	done := m.healthDone
	m.healthCancel = nil
	m.healthDone = nil
	m.healthMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
		m.logger.Debug("health loop stopped")
	}
}

func (m *Manager) healthLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.healthCycle(ctx)
		}
	}
}

// healthCycle runs one pass over all connections.
func (m *Manager) healthCycle(ctx context.Context) {
	m.mu.RLock()
	conns := make(map[string]*Connection, len(m.conns))
	for name, conn := range m.conns {
		conns[name] = conn
	}
	m.mu.RUnlock()

	for name, conn := range conns {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if conn.Connected() {
			m.checkConnected(ctx, name, conn)
		} else {
			m.maybeReconnect(ctx, name, conn)
		}
	}
}

// checkConnected pings one live connection, disconnecting it after the
// configured number of consecutive failures.
func (m *Manager) checkConnected(ctx context.Context, name string, conn *Connection) {
	cl := conn.currentClient()
	if cl == nil {
		return
	}

	pingCtx, cancel := context.WithTimeout(ctx, healthPingTimeout)
	err := cl.Ping(pingCtx)
	cancel()

	if err == nil {
		conn.pingSucceeded()
		return
	}

	failures := conn.pingFailed()
	m.logger.Warn("ping failed",
		"server", name,
		"consecutive_failures", failures,
		"error", err,
	)

	if failures < m.maxPingFailures {
		return
	}

	reason := fmt.Sprintf("disconnected after %d consecutive ping failures: %v", failures, err)
	conn.setDisconnected(reason)
	if cl := conn.takeClient(); cl != nil {
		cl.Close()
	}
	m.recordEvent(conn.Config(), store.ServerEventDisconnected, fmt.Sprintf(`{"reason":%q}`, reason))
	if m.onServerGone != nil {
		m.onServerGone(name)
	}
	m.logger.Warn("upstream marked disconnected", "server", name, "reason", reason)

	if conn.Config().AutoReconnect {
		m.attemptReconnect(ctx, name, conn)
	}
}

// maybeReconnect retries a disconnected connection when auto reconnect is on
// and the backoff window has elapsed.
func (m *Manager) maybeReconnect(ctx context.Context, name string, conn *Connection) {
	if !conn.Config().AutoReconnect {
		return
	}
	if !conn.reconnectDue(reconnectBackoff) {
		return
	}
	m.attemptReconnect(ctx, name, conn)
}

func (m *Manager) attemptReconnect(ctx context.Context, name string, conn *Connection) {
	attempts := conn.markReconnectAttempt()
	if err := m.Reconnect(ctx, name); err != nil {
		// Only log every Nth failure to avoid flooding on long outages.
		if attempts == 1 || attempts%reconnectLogEvery == 0 {
			m.logger.Warn("reconnect failed",
				"server", name,
				"attempts", attempts,
				"error", err,
			)
		}
		return
	}
	m.logger.Info("reconnect succeeded", "server", name, "attempts", attempts)
	if m.onToolsChanged != nil {
		m.onToolsChanged(name)
	}
}
