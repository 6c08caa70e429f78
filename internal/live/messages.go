// Package live implements the realtime edit channel: WebSocket clients
// join per-note rooms and receive the edits other room members make.
package live

import "encoding/json"

const (
	// EventJoinNote subscribes the socket to a note's room.
	EventJoinNote = "join-note"
	// EventEditNote announces an edit to the other room members.
	EventEditNote = "edit-note"
	// EventNoteUpdated is the broadcast sent to everyone in the room
	// except the editing socket.
	EventNoteUpdated = "note-updated"
)

// Envelope is the wire format for every message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinPayload is the data for a join-note event.
type JoinPayload struct {
	NoteID string `json:"noteId"`
}

// EditPayload is the data for edit-note and note-updated events. It is
// relayed as received; nothing on this path touches the database.
type EditPayload struct {
	NoteID  string `json:"noteId"`
	UserID  string `json:"userId"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
}
