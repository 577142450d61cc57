// Package backend provides the byte storage beneath the blob store.
package backend

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrNotFound is returned when a key does not exist in the backend.
	ErrNotFound = errors.New("not found")

	// ErrInvalidKey is returned for keys that are empty or escape the root.
	ErrInvalidKey = errors.New("invalid key")
)

// Backend stores opaque byte streams under slash separated keys.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at key, replacing any existing value. A failed write
	// leaves no partial value visible.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read returns the data at key or ErrNotFound. The caller closes it.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// SizeAwareBackend extends Backend with size information.
type SizeAwareBackend interface {
	Backend

	// Size returns the stored size of key, or ErrNotFound.
	Size(ctx context.Context, key string) (int64, error)
}
