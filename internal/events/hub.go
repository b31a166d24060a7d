// Package events pushes dock and chat notifications to connected
// presentation clients over WebSocket.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/meridianapps/chatdock/internal/dock"
	"github.com/meridianapps/chatdock/internal/metrics"
)

// Event kinds pushed to clients.
const (
	EventDock    = "dock"
	EventBlocked = "blocked"
	EventBalance = "balance"
)

// Event is one push notification. Snapshots are read-only copies; no
// client can reach back into core state through them.
type Event struct {
	Type    string         `json:"type"`
	Dock    *dock.Snapshot `json:"dock,omitempty"`
	Payload any            `json:"payload,omitempty"`
}

// Hub tracks active WebSocket connections per user and fans events out
// to them.
type Hub struct {
	mu     sync.RWMutex
	active map[string]map[*websocket.Conn]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{active: make(map[string]map[*websocket.Conn]struct{})}
}

// Register adds a connection for a user.
func (h *Hub) Register(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.active[userID]; !ok {
		h.active[userID] = make(map[*websocket.Conn]struct{})
	}
	h.active[userID][conn] = struct{}{}
	metrics.EventClients.Inc()
	slog.Info("event client connected", "user_id", userID)
}

// Unregister removes a connection for a user.
func (h *Hub) Unregister(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.active[userID]; ok {
		if _, exists := conns[conn]; exists {
			delete(conns, conn)
			metrics.EventClients.Dec()
			if len(conns) == 0 {
				delete(h.active, userID)
			}
			slog.Info("event client disconnected", "user_id", userID)
		}
	}
}

// CloseUser terminates all connections for a user.
func (h *Hub) CloseUser(userID string) {
	h.mu.Lock()
	conns := h.active[userID]
	delete(h.active, userID)
	h.mu.Unlock()

	for conn := range conns {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
		metrics.EventClients.Dec()
	}
}

// Publish sends an event to every connection of a user. Slow or failed
// connections are skipped; the write deadline keeps one stuck client from
// stalling the rest.
func (h *Hub) Publish(userID string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Warn("failed to marshal event", "type", event.Type, "error", err)
		return
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.active[userID]))
	for conn := range h.active[userID] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			slog.Debug("event write failed", "user_id", userID, "error", err)
		}
		cancel()
	}
}

// DockListener adapts the hub into a dock change listener for one user.
func (h *Hub) DockListener(userID string) dock.Listener {
	return func(snap dock.Snapshot) {
		h.Publish(userID, Event{Type: EventDock, Dock: &snap})
	}
}
