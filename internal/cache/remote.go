package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/rmacdonaldsmith/semanticmesh-go/pkg/backend"
	cachepkg "github.com/rmacdonaldsmith/semanticmesh-go/pkg/cache"
)

// BackendCache stores cache entries in the shared backend under a key prefix,
// making them visible to every process using the same backend.
type BackendCache struct {
	backend    backend.Backend
	prefix     string
	defaultTTL time.Duration
}

// NewBackendCache creates a cache whose keys are stored as prefix+key.
func NewBackendCache(b backend.Backend, prefix string, defaultTTL time.Duration) *BackendCache {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &BackendCache{backend: b, prefix: prefix, defaultTTL: defaultTTL}
}

// Get returns the cached value for key.
func (c *BackendCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, ok, err := c.backend.Get(ctx, c.prefix+key)
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	return value, ok, nil
}

// Set stores value for key. Zero ttl uses the default; negative ttl never expires.
func (c *BackendCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	switch {
	case ttl == 0:
		ttl = c.defaultTTL
	case ttl < 0:
		ttl = 0
	}
	if err := c.backend.Set(ctx, c.prefix+key, value, ttl); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Delete evicts key.
func (c *BackendCache) Delete(ctx context.Context, key string) error {
	if _, err := c.backend.Del(ctx, c.prefix+key); err != nil {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}

// Has reports whether key is cached.
func (c *BackendCache) Has(ctx context.Context, key string) (bool, error) {
	ok, err := c.backend.Exists(ctx, c.prefix+key)
	if err != nil {
		return false, fmt.Errorf("cache has %s: %w", key, err)
	}
	return ok, nil
}

// ClearPattern evicts all keys matching pattern within the prefix.
func (c *BackendCache) ClearPattern(ctx context.Context, pattern string) (int, error) {
	keys, err := c.backend.Keys(ctx, c.prefix+pattern)
	if err != nil {
		return 0, fmt.Errorf("cache clear %s: %w", pattern, err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	removed, err := c.backend.Del(ctx, keys...)
	if err != nil {
		return 0, fmt.Errorf("cache clear %s: %w", pattern, err)
	}
	return int(removed), nil
}

// Verify that BackendCache implements the Cache interface at compile time
var _ cachepkg.Cache = (*BackendCache)(nil)
