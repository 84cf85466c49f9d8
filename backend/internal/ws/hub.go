package ws

import (
	"sync"

	"go.uber.org/zap"
)

// Hub maps sessions to their connected participants and fans events out.
// Its lock protects the rooms map only; sending happens on per-connection
// queues, so a slow participant never blocks the hub or the sequencer.
type Hub struct {
	log *zap.Logger

	mu sync.RWMutex
	// sessionID -> set of connections. A participant can hold several
	// connections (tabs, devices); fan-out is per connection.
	rooms map[string]map[*Conn]struct{}
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{log: log, rooms: make(map[string]map[*Conn]struct{})}
}

func (h *Hub) Join(sessionID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[sessionID] == nil {
		h.rooms[sessionID] = make(map[*Conn]struct{})
	}
	h.rooms[sessionID][c] = struct{}{}
}

func (h *Hub) Leave(sessionID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[sessionID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, sessionID)
		}
	}
}

// Broadcast enqueues env to every connection in the session except the one
// given (nil means everyone). Connections whose outbound queue is full are
// evicted: closing them degrades to an ordinary departure instead of
// letting one slow consumer grow unbounded memory.
func (h *Hub) Broadcast(sessionID string, env Envelope, except *Conn) {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.rooms[sessionID]))
	for c := range h.rooms[sessionID] {
		if c != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(env) {
			h.log.Warn("outbound queue full, evicting connection",
				zap.String("sessionId", sessionID),
				zap.String("userId", c.userID))
			c.evict("slow consumer")
		}
	}
}

// CloseSession evicts every connection in a session. Used when a session is
// force-closed after an invariant violation.
func (h *Hub) CloseSession(sessionID, reason string) {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.rooms[sessionID]))
	for c := range h.rooms[sessionID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.evict(reason)
	}
}
