package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier with the given prefix, e.g.
// NewID("note_") -> "note_3f2a...". 12 random bytes keep note and share
// ids short enough for URLs while staying unguessable.
func NewID(prefix string) string {
	bytes := make([]byte, 12)
	_, _ = rand.Read(bytes)
	return prefix + hex.EncodeToString(bytes)
}
