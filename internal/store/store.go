// Package store provides the backing-store abstraction behind
// resource loading, API key lookup, and decision caching.
//
// Absence and failure are strictly separated: Get returns ErrNotFound
// for a missing record and a *util.StoreError for an unreachable or
// misbehaving backend. Callers must never collapse the two.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist. It marks
// genuine absence, never a backend failure.
var ErrNotFound = errors.New("store: record not found")

// Document is a stored record: a flat attribute map, JSON-encodable.
type Document = map[string]any

// Store is the backing-store interface.
type Store interface {
	// Get fetches a document. Returns ErrNotFound when absent.
	Get(ctx context.Context, collection, key string) (Document, error)

	// Set writes a document. A zero ttl means no expiry.
	Set(ctx context.Context, collection, key string, doc Document, ttl time.Duration) error

	// Delete removes a document. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, collection, key string) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// IsNotFound reports whether err marks record absence.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
