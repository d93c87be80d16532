// Package cache provides the TTL key-value store used for device flag
// caching, secret caching, and nonce tracking. Two implementations
// exist: Redis for deployment and an in-memory store for tests and
// single-node development.
package cache

import (
	"context"
	"time"
)

// Store is a key-value cache with per-key expiry.
type Store interface {
	// Get returns the value for key. The bool reports whether the key
	// was present and unexpired; a miss is not an error.
	Get(ctx context.Context, key string) (string, bool, error)

	// Put stores value under key for ttl, replacing any existing entry.
	Put(ctx context.Context, key, value string, ttl time.Duration) error

	// Forget removes key. Removing an absent key is not an error.
	Forget(ctx context.Context, key string) error

	// Add stores value under key only if the key is absent, returning
	// true when the insert happened. Callers that need once-only
	// semantics (nonce tracking) must use Add, never Get-then-Put:
	// Add is atomic with respect to concurrent callers.
	Add(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}
