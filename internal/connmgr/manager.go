// Package connmgr implements the Connection Manager (C2): the pod-local
// registry of open WebSocket connections, their subscribers-by-user index,
// and send/broadcast primitives. Structurally grounded in the teacher's
// pkg/events/manager.go — a snapshot-then-release-lock ConnectionManager —
// generalized from a single channel-subscription map to the by_id/by_user
// pair §3 and §4.2 require, and with an explicit per-connection writer task
// and byte-capped outbound queue added for the backpressure contract §5
// describes but the teacher's simpler timeout-only sends do not implement.
package connmgr

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/codeready-toolchain/entity-sync-core/internal/telemetry"
	"github.com/codeready-toolchain/entity-sync-core/internal/wire"
)

// Manager is the single Connection Manager instance for this pod.
type Manager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byUser map[string]map[string]struct{}

	outboundByteCap int
	outboxDepth     int
	writeTimeout    time.Duration
}

// Stats is the result of Stats() (§4.2).
type Stats struct {
	Connections int
	Users       int
}

// Config bundles the tunables Manager needs; kept small and explicit rather
// than taking the whole service Config, per the teacher's narrow-constructor
// convention (NewConnectionManager(catchupQuerier, writeTimeout)).
type Config struct {
	OutboundByteCap int
	OutboxDepth     int
	WriteTimeout    time.Duration
}

// New constructs a Manager.
func New(cfg Config) *Manager {
	if cfg.OutboxDepth == 0 {
		cfg.OutboxDepth = 256
	}
	return &Manager{
		byID:            make(map[string]*Connection),
		byUser:          make(map[string]map[string]struct{}),
		outboundByteCap: cfg.OutboundByteCap,
		outboxDepth:     cfg.OutboxDepth,
		writeTimeout:    cfg.WriteTimeout,
	}
}

// Connect registers a newly upgraded socket and returns its Connection,
// whose ID is the new connection_id (§4.2 connect). The socket is retained until an explicit Disconnect.
func (m *Manager) Connect(ctx context.Context, userID string, socket *websocket.Conn, tokenExpiry int64) *Connection {
	c := newConnection(ctx, userID, socket, tokenExpiry, m.outboxDepth)
	c.ID = uuid.New().String()

	m.mu.Lock()
	m.byID[c.ID] = c
	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]struct{})
	}
	m.byUser[userID][c.ID] = struct{}{}
	m.mu.Unlock()

	go c.writerLoop(m.writeTimeout)
	telemetry.ConnectionsOpenedTotal.Inc()
	telemetry.ConnectionsActive.Inc()
	return c
}

// Disconnect removes a connection from all maps and closes its socket.
// Idempotent (§4.2).
func (m *Manager) Disconnect(connectionID string) {
	m.mu.Lock()
	c, ok := m.byID[connectionID]
	if ok {
		delete(m.byID, connectionID)
		if users := m.byUser[c.UserID]; users != nil {
			delete(users, connectionID)
			if len(users) == 0 {
				delete(m.byUser, c.UserID)
			}
		}
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	c.requestClose(websocket.StatusNormalClosure, "")
	_ = c.socket.Close(websocket.StatusNormalClosure, "")
	telemetry.ConnectionsActive.Dec()
	telemetry.ConnectionsClosedTotal.WithLabelValues("normal").Inc()
}

// DisconnectWithCode is Disconnect followed by a close handshake carrying a
// specific WS close code (used for 4001/4002/1011 per §4.8/§6).
func (m *Manager) DisconnectWithCode(connectionID string, code websocket.StatusCode, reason string) {
	m.mu.Lock()
	c, ok := m.byID[connectionID]
	if ok {
		delete(m.byID, connectionID)
		if users := m.byUser[c.UserID]; users != nil {
			delete(users, connectionID)
			if len(users) == 0 {
				delete(m.byUser, c.UserID)
			}
		}
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	c.requestClose(code, reason)
	_ = c.socket.Close(code, reason)
	telemetry.ConnectionsActive.Dec()
	telemetry.ConnectionsClosedTotal.WithLabelValues(closeReasonLabel(code)).Inc()
}

// closeReasonLabel maps a WS close code to a low-cardinality metric label.
func closeReasonLabel(code websocket.StatusCode) string {
	switch int(code) {
	case wire.CloseInvalidToken:
		return "invalid_token"
	case wire.CloseExpiredToken:
		return "expired_token"
	case int(websocket.StatusInternalError):
		return "internal_error"
	default:
		return "other"
	}
}

// HasOpen reports whether connectionID identifies a live connection on this
// pod (§4.2 has_open). Used by the Fan-out Engine's local-subscriber filter.
func (m *Manager) HasOpen(connectionID string) bool {
	m.mu.RLock()
	c, ok := m.byID[connectionID]
	m.mu.RUnlock()
	return ok && c.isOpen()
}

// Lookup returns the Connection for connectionID, if open on this pod.
func (m *Manager) Lookup(connectionID string) (*Connection, bool) {
	m.mu.RLock()
	c, ok := m.byID[connectionID]
	m.mu.RUnlock()
	if !ok || !c.isOpen() {
		return nil, false
	}
	return c, true
}

// Send serializes v once to JSON and enqueues it on connectionID's writer
// task. Returns whether the enqueue succeeded with the connection open
// (§4.2 send) — never blocks indefinitely; a consumer whose outbox would
// exceed the byte cap is treated as stuck and closed with 1011 (§5
// Backpressure).
func (m *Manager) Send(connectionID string, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal outbound frame", "connection_id", connectionID, "error", err)
		return false
	}
	return m.sendRaw(connectionID, data)
}

func (m *Manager) sendRaw(connectionID string, data []byte) bool {
	c, ok := m.Lookup(connectionID)
	if !ok {
		return false
	}

	if m.outboundByteCap > 0 && c.queuedBytes.Load()+int64(len(data)) > int64(m.outboundByteCap) {
		slog.Warn("connection exceeded outbound byte cap, closing", "connection_id", connectionID)
		m.DisconnectWithCode(connectionID, websocket.StatusInternalError, "backpressure exceeded")
		return false
	}

	select {
	case c.outbox <- data:
		c.queuedBytes.Add(int64(len(data)))
		return true
	default:
		slog.Warn("connection outbox full, closing", "connection_id", connectionID)
		m.DisconnectWithCode(connectionID, websocket.StatusInternalError, "backpressure exceeded")
		return false
	}
}

// Broadcast serializes v once and best-effort-sends to every listed
// connection id, returning the number of successful enqueues (§4.2
// broadcast). No ordering guarantee across connections.
func (m *Manager) Broadcast(connectionIDs []string, v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal broadcast frame", "error", err)
		return 0
	}
	sent := 0
	for _, id := range connectionIDs {
		if m.sendRaw(id, data) {
			sent++
		}
	}
	return sent
}

// UpdateTokenExpiry mutates the stored expiry after a TOKEN_REFRESH (§4.2).
func (m *Manager) UpdateTokenExpiry(connectionID string, newExpiry int64) {
	if c, ok := m.Lookup(connectionID); ok {
		c.tokenExpiry.Store(newExpiry)
		c.warnedSoon.Store(false)
	}
}

// TouchPing records a PING frame from the client, for the heartbeat sweep.
func (m *Manager) TouchPing(connectionID string) {
	if c, ok := m.Lookup(connectionID); ok {
		c.touchPing()
	}
}

// ConnectionsForUser returns the set of open connection ids for userID
// (§4.2 get_connections_for_user).
func (m *Manager) ConnectionsForUser(userID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := m.byUser[userID]
	ids := make([]string, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	return ids
}

// Stats reports current connection/user counts (§4.2 stats).
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{Connections: len(m.byID), Users: len(m.byUser)}
}

// forEachStale calls fn for every connection whose token_expiry is not in
// the future, or whose last PING predates the heartbeat deadline. Used by
// the sweep in sweep.go. now is injected so tests are deterministic.
func (m *Manager) forEachStale(now time.Time, heartbeatDeadline time.Duration, fn func(c *Connection, expired bool)) {
	m.mu.RLock()
	snapshot := make([]*Connection, 0, len(m.byID))
	for _, c := range m.byID {
		snapshot = append(snapshot, c)
	}
	m.mu.RUnlock()

	for _, c := range snapshot {
		if c.TokenExpiry() <= now.Unix() {
			fn(c, true)
			continue
		}
		if heartbeatDeadline > 0 && now.Sub(time.Unix(c.lastPingAt(), 0)) > heartbeatDeadline {
			fn(c, false)
		}
	}
}
