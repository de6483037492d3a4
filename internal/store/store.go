// Package store defines the durable state store for the frame engine.
// Implementations include a local file store (temp-write-then-rename
// snapshots), PostgreSQL, SQLite, Redis (read-through cache), and in-memory
// (for testing). Repository layers typed, versioned records on top.
package store

import (
	"context"
	"errors"
)

// ErrMissing is returned when a snapshot key has never been written.
var ErrMissing = errors.New("store: missing")

// Store is the persistence interface. Snapshot writes must be atomic: a
// reader observes either the previous blob or the new one, never a partial
// write. Logs are append-only and read back in append order.
type Store interface {
	// --- Snapshots ---

	// ReadSnapshot returns the blob stored under key, or ErrMissing.
	ReadSnapshot(ctx context.Context, key string) ([]byte, error)

	// WriteSnapshot atomically replaces the blob stored under key.
	WriteSnapshot(ctx context.Context, key string, blob []byte) error

	// --- Append-only logs ---

	// AppendLog appends one line to the log named key.
	AppendLog(ctx context.Context, key string, line []byte) error

	// ReadLog returns every line of the log named key in append order.
	// A log that was never written returns an empty slice.
	ReadLog(ctx context.Context, key string) ([][]byte, error)
}

// Closer is implemented by stores holding OS or network resources.
type Closer interface {
	Close() error
}
