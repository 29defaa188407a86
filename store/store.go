// Package store persists spells and the completion request log.
//
// Two backends share the same interfaces: an in-memory store for tests and
// single-process development, and a SQLite store (modernc.org/sqlite, no cgo)
// for everything else. Spells are keyed by project id and name.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/casualjim/grimoire"
	"github.com/go-openapi/strfmt"
)

var (
	// ErrNotFound is returned when no spell matches the project id and name.
	ErrNotFound = errors.New("spell not found")
	// ErrExists is returned by Create when the spell name is taken in the project.
	ErrExists = errors.New("spell already exists")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("store is closed")
	// ErrConflict is returned by UpdateIfHash when the stored spell changed.
	ErrConflict = errors.New("spell was modified concurrently")
)

// Query filters Find results. Empty fields match everything.
type Query struct {
	ProjectID string
	Name      string
	Limit     int
	Offset    int
}

// Store persists spells.
type Store interface {
	// Create stores a new spell. It assigns an id and timestamps when missing.
	Create(ctx context.Context, spell grimoire.Spell) (grimoire.Spell, error)

	// Get returns the spell with the given name in the project.
	Get(ctx context.Context, projectID, name string) (grimoire.Spell, error)

	// Find returns the spells matching q ordered by project id and name.
	Find(ctx context.Context, q Query) ([]grimoire.Spell, error)

	// Update replaces a stored spell. The creation time and id of the stored
	// spell are kept.
	Update(ctx context.Context, spell grimoire.Spell) (grimoire.Spell, error)

	// UpdateIfHash is Update guarded by the hash of the stored spell: the
	// write only happens while the stored hash is still prevHash.
	UpdateIfHash(ctx context.Context, spell grimoire.Spell, prevHash string) (grimoire.Spell, error)

	// Delete removes a spell.
	Delete(ctx context.Context, projectID, name string) error

	// Close releases resources held by the store.
	Close() error
}

// Request is one entry of the completion request log.
type Request struct {
	ID           string          `json:"id"`
	ProjectID    string          `json:"projectId"`
	RequestData  string          `json:"requestData"`
	ResponseData string          `json:"responseData"`
	Duration     int64           `json:"duration"`
	StatusCode   int             `json:"statusCode"`
	Status       string          `json:"status"`
	Model        string          `json:"model"`
	Parameters   string          `json:"parameters"`
	Type         string          `json:"type"`
	Provider     string          `json:"provider"`
	Cost         float64         `json:"cost"`
	Hidden       bool            `json:"hidden"`
	Processed    bool            `json:"processed"`
	CreatedAt    strfmt.DateTime `json:"createdAt"`
}

// RequestLog records completion requests.
type RequestLog interface {
	SaveRequest(ctx context.Context, req Request) (Request, error)
	ListRequests(ctx context.Context, projectID string) ([]Request, error)
}

func now() strfmt.DateTime {
	// strfmt encodes milliseconds; truncating keeps stored and returned values equal
	return strfmt.DateTime(time.Now().UTC().Truncate(time.Millisecond))
}

func isZero(t strfmt.DateTime) bool {
	return time.Time(t).IsZero()
}
