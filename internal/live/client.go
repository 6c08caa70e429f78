package live

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"inkwell/api/internal/util"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

// Client is one WebSocket connection. A client can sit in any number
// of note rooms at once.
type Client struct {
	ID   string
	hub  *Hub
	conn *websocket.Conn
	send chan *Envelope

	// joined is the set of rooms this client is in, guarded by hub.mu.
	joined map[string]struct{}
	// closed marks send as closed, guarded by hub.mu.
	closed bool
}

func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		ID:     util.NewID("conn_"),
		hub:    hub,
		conn:   conn,
		send:   make(chan *Envelope, 256),
		joined: make(map[string]struct{}),
	}
}

// ReadPump pumps messages from the WebSocket connection into the hub.
// It owns room membership: when the connection drops, for any reason,
// the client leaves every room it joined.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.LeaveAll(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("live: read error on %s: %v", c.ID, err)
			}
			break
		}

		var msg Envelope
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("live: malformed message on %s: %v", c.ID, err)
			continue
		}
		c.handleMessage(&msg)
	}
}

// WritePump pumps messages from the hub to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(message)
			if err != nil {
				log.Printf("live: marshal message for %s: %v", c.ID, err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(msg *Envelope) {
	switch msg.Event {
	case EventJoinNote:
		var payload JoinPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			log.Printf("live: bad join payload on %s: %v", c.ID, err)
			return
		}
		c.hub.Join(c, payload.NoteID)

	case EventEditNote:
		var payload EditPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			log.Printf("live: bad edit payload on %s: %v", c.ID, err)
			return
		}
		if payload.NoteID == "" {
			return
		}
		// Relay the payload as received to the rest of the room, never
		// back to the sender. There is no ack: the editor learns nothing
		// about delivery.
		c.hub.Broadcast(payload.NoteID, c, &Envelope{Event: EventNoteUpdated, Data: msg.Data})

	default:
		log.Printf("live: unknown event %q on %s", msg.Event, c.ID)
	}
}
