// Package storage defines the durable key-value backends that hold the
// persisted session across process restarts.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when a key has no value.
var ErrNotFound = errors.New("storage: key not found")

// Backend is a small durable key-value store.
//
// Put must be all-or-nothing: either every entry is persisted or none is.
// Delete of a missing key is not an error.
type Backend interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// GetMany reads the given keys as one snapshot. Missing keys are
	// absent from the result.
	GetMany(ctx context.Context, keys ...string) (map[string]string, error)

	// Put stores every entry in a single write.
	Put(ctx context.Context, entries map[string]string) error

	// Delete removes the given keys.
	Delete(ctx context.Context, keys ...string) error

	// Close releases any connection held by the backend.
	Close() error
}

// DefaultPrefix namespaces keys in backends shared with other applications.
const DefaultPrefix = "newsdesk:"
