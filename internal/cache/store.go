// Package cache provides the shared key-value store used for access tokens,
// the token refresh lock and per-second rate buckets.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotInteger is returned by Incr when the stored value is not a counter.
var ErrNotInteger = errors.New("cache: value is not an integer")

// Store is a key-value store with per-entry expiry. Implementations never
// return an entry at or after its expiry time.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value under key, replacing any previous value. A ttl of
	// zero or less keeps the entry until it is overwritten or deleted.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Add stores value only when key is absent or expired and reports
	// whether it did.
	Add(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Incr atomically increments the counter at key and returns the new
	// value. The ttl is applied only when the increment creates the key.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Purger is implemented by stores whose expired entries linger until
// removed.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}
