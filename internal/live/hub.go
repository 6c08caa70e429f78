package live

import "sync"

// Hub tracks which clients are in which note rooms and fans edits out
// to room members. It is a plain injected dependency, one instance per
// server, safe for concurrent use.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]map[*Client]struct{}),
	}
}

// Join adds the client to a note's room. Joining a room the client is
// already in is a no-op.
func (h *Hub) Join(c *Client, noteID string) {
	if noteID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[noteID]
	if !ok {
		room = make(map[*Client]struct{})
		h.rooms[noteID] = room
	}
	room[c] = struct{}{}
	c.joined[noteID] = struct{}{}
}

// LeaveAll removes the client from every room it joined and closes its
// send channel so WritePump exits. Empty rooms are dropped from the
// map. Safe to call more than once.
func (h *Hub) LeaveAll(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for noteID := range c.joined {
		room, ok := h.rooms[noteID]
		if !ok {
			continue
		}
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, noteID)
		}
	}
	c.joined = make(map[string]struct{})
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Broadcast delivers a message to every room member except the sender.
// Delivery is at-most-once: a member whose send buffer is full misses
// the message rather than blocking the room.
func (h *Hub) Broadcast(noteID string, sender *Client, msg *Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.rooms[noteID] {
		if client == sender {
			continue
		}
		select {
		case client.send <- msg:
		default:
		}
	}
}

// RoomSize returns the number of clients currently in a note's room.
func (h *Hub) RoomSize(noteID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[noteID])
}
