package ws

import (
	"sync"

	"github.com/vaibhav-blitzy/task-manager-collab/internal/realtime"
)

// Hub maps resource rooms to live connections. Rooms are keyed by
// realtime.ResourceKey; one room per (resourceType, resourceID).
//
// A room holds connections, not user IDs: one user can have several tabs or
// devices open, and every connection needs its own copy of a broadcast.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Conn]struct{})}
}

func (h *Hub) Join(resourceKey string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[resourceKey] == nil {
		h.rooms[resourceKey] = make(map[*Conn]struct{})
	}
	h.rooms[resourceKey][c] = struct{}{}
}

func (h *Hub) Leave(resourceKey string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[resourceKey]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, resourceKey)
		}
	}
}

// Broadcast enqueues the envelope on every connection in the room. Slow
// consumers drop messages rather than block the hub (their dispatcher
// recovers via refetch).
func (h *Hub) Broadcast(resourceKey string, env realtime.Envelope) {
	h.broadcast(resourceKey, env, nil)
}

// BroadcastExcept is Broadcast minus the originating connection, used for
// typing fan-out where echoing to the sender is noise.
func (h *Hub) BroadcastExcept(resourceKey string, env realtime.Envelope, except *Conn) {
	h.broadcast(resourceKey, env, except)
}

func (h *Hub) broadcast(resourceKey string, env realtime.Envelope, except *Conn) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[resourceKey]))
	for c := range h.rooms[resourceKey] {
		if c != except {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.enqueue(env)
	}
}
