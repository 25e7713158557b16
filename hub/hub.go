package hub

import (
	"log/slog"
	"sync"

	"simbridge/domain"
)

type client struct {
	conn domain.Connection
	role domain.Role
}

// Hub is the connection registry. Every connection starts as an operator.
type Hub struct {
	clients map[string]*client
	mu      sync.RWMutex
}

func New() *Hub {
	return &Hub{
		clients: make(map[string]*client),
	}
}

func (h *Hub) Register(conn domain.Connection) {
	h.mu.Lock()
	h.clients[conn.ID()] = &client{conn: conn, role: domain.RoleOperator}
	count := len(h.clients)
	h.mu.Unlock()

	slog.Info("client connected", "clientId", conn.ID(), "clients", count)
}

// Unregister drops the connection and its role. Unknown connections are
// ignored, so calling it twice is harmless.
func (h *Hub) Unregister(conn domain.Connection) {
	h.mu.Lock()
	_, exists := h.clients[conn.ID()]
	delete(h.clients, conn.ID())
	count := len(h.clients)
	h.mu.Unlock()

	if exists {
		slog.Info("client disconnected", "clientId", conn.ID(), "clients", count)
	}
}

// SetRole overwrites the role of a registered connection and reports whether
// the connection was found.
func (h *Hub) SetRole(conn domain.Connection, role domain.Role) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, exists := h.clients[conn.ID()]
	if !exists {
		return false
	}
	c.role = role
	return true
}

func (h *Hub) Role(conn domain.Connection) (domain.Role, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c, exists := h.clients[conn.ID()]
	if !exists {
		return "", false
	}
	return c.role, true
}

// Broadcast sends data to every connection and returns how many accepted it.
// Connections whose send fails are unregistered and closed so their owner
// sees the disconnect.
func (h *Hub) Broadcast(data []byte) int {
	var failed []domain.Connection
	delivered := 0

	h.mu.RLock()
	for _, c := range h.clients {
		if err := c.conn.Send(data); err != nil {
			slog.Debug("send failed", "clientId", c.conn.ID(), "error", err)
			failed = append(failed, c.conn)
			continue
		}
		delivered++
	}
	h.mu.RUnlock()

	for _, conn := range failed {
		h.Unregister(conn)
		conn.Close()
	}
	return delivered
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns the number of live connections per role.
func (h *Hub) Stats() (operators, agents int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients {
		switch c.role {
		case domain.RoleAgent:
			agents++
		default:
			operators++
		}
	}
	return operators, agents
}
