package store

import "time"

type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Note struct {
	ID        string
	Title     string
	Content   string
	OwnerID   string
	CreatedAt time.Time
	UpdatedAt time.Time
	// Joined field for API responses
	OwnerName string
}

// Grant is a single collaborator row on a note.
type Grant struct {
	UserID     string
	Permission string
}

// NoteAccess is everything the authorization engine needs to decide a
// request against one note.
type NoteAccess struct {
	NoteID  string
	OwnerID string
	Grants  []Grant
}

type Collaborator struct {
	ID         string
	NoteID     string
	UserID     string
	Permission string
	CreatedAt  time.Time
	// Joined fields for API responses
	UserName  string
	UserEmail string
}

type SharedLink struct {
	ID        string
	NoteID    string
	Token     string
	CreatedBy string
	CreatedAt time.Time
}

// SharedNote is the public projection served for a share token. It
// deliberately omits owner and collaborator details.
type SharedNote struct {
	ID        string
	Title     string
	Content   string
	UpdatedAt time.Time
}

type ActivityEntry struct {
	ID        int64
	UserID    string
	NoteID    string
	Action    string
	CreatedAt time.Time
	// Joined fields for API responses
	UserName  string
	NoteTitle string
}

type RefreshSession struct {
	TokenHash string
	UserID    string
	Role      string
	ExpiresAt time.Time
	RevokedAt *time.Time
}
