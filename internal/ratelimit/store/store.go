// Package store provides counter storage backends for rate limiting.
package store

import (
	"context"
	"errors"
	"time"
)

// Store holds expiring counters.
type Store interface {
	// IncrementWithExpiry adds delta to key and returns the new value. The
	// expiration is set only when the key is created.
	IncrementWithExpiry(ctx context.Context, key string, delta int64, expiration time.Duration) (int64, error)

	// Get retrieves the value for key.
	Get(ctx context.Context, key string) (int64, error)

	// Delete removes key.
	Delete(ctx context.Context, key string) error

	// Close releases resources.
	Close() error
}

// ErrKeyNotFound is returned when a key is absent or expired.
var ErrKeyNotFound = errors.New("key not found")
