// Package cache defines the generic caching interface shared by the Mesh Store's
// read-through Cache Tier and the Circuit Breaker's optional state storage.
//
// A cache is an optimization, never a source of truth: readers must tolerate
// entries that lag behind the backend after an external mutation.
package cache

import (
	"context"
	"time"
)

// Cache stores opaque byte values with optional per-entry TTLs.
type Cache interface {
	// Get returns the cached value for key and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set caches value for key. A ttl of zero uses the cache's default TTL;
	// a negative ttl stores the entry without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete evicts key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Has reports whether key is cached and unexpired.
	Has(ctx context.Context, key string) (bool, error)

	// ClearPattern evicts every key matching a glob pattern and returns how many were evicted.
	ClearPattern(ctx context.Context, pattern string) (int, error)
}
