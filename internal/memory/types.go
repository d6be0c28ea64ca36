package memory

import (
	"context"
	"errors"
	"time"
)

// LayoutVersion is bumped whenever the persisted entry layout changes.
const LayoutVersion = 1

var ErrNotFound = errors.New("entry not found")

// Metadata is the interaction recorded with every entry.
type Metadata struct {
	Query     string    `json:"query"`
	Response  string    `json:"response"`
	State     any       `json:"state,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Entry is one immutable similarity record.
type Entry struct {
	ID        string    `json:"id"`
	Vector    []float32 `json:"vector"`
	Metadata  Metadata  `json:"metadata"`
	Timestamp time.Time `json:"timestamp"`
}

// Backend persists entries. It allows us to swap between Redis, SQLite
// and in-memory storage.
type Backend interface {
	// Put writes a new entry
	Put(ctx context.Context, entry Entry) error

	// Get returns ErrNotFound for unknown ids
	Get(ctx context.Context, id string) (Entry, error)

	// List returns every entry, oldest first
	List(ctx context.Context) ([]Entry, error)

	// Delete removes entries; unknown ids are ignored
	Delete(ctx context.Context, ids ...string) error

	Count(ctx context.Context) (int, error)

	Close() error
}
