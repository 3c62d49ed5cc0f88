// Package kv provides the key-value store used to claim shared cloud
// resources. The in-memory store coordinates goroutines of one process; the
// Valkey/Redis store extends the same claims across processes.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("kv: key not found")

// Store is a byte-valued key-value store with per-key TTL. A TTL of 0 means
// the key never expires.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns ErrNotFound for missing or expired keys.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete is a no-op for missing keys.
	Delete(ctx context.Context, key string) error

	// SetNX sets key only if it is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// CompareAndDelete removes key only while it still holds expected. It
	// reports whether the key was removed.
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)

	Close() error
}
