package live

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

// Handler upgrades HTTP requests to WebSocket connections and wires
// them into the hub.
//
// Known gap: the socket is not authenticated and join-note does not
// check note permissions, so any connection can join any room and
// observe its edit broadcasts. The REST API would deny those reads.
// Closing this requires a session token at upgrade time plus an
// authorization check per join.
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, allowedOrigin string) *Handler {
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if allowedOrigin == "" || allowedOrigin == "*" {
					return true
				}
				return r.Header.Get("Origin") == allowedOrigin
			},
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("live: upgrade failed: %v", err)
		return
	}

	client := NewClient(h.hub, conn)
	go client.WritePump()
	go client.ReadPump()
}
