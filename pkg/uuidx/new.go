package uuidx

import "github.com/google/uuid"

// New generates a new UUID using the version 7 format and returns it.
// It panics if the UUID generation fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString generates a new version 7 UUID as a string. Spell ids and
// process origin ids are minted with it so they sort by creation time.
func NewString() string {
	return New().String()
}
