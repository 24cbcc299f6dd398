// Package cache provides implementations of the cache.Cache interface:
// a process-local TTL cache and a cache stored in the shared mesh backend.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gobwas/glob"

	cachepkg "github.com/rmacdonaldsmith/semanticmesh-go/pkg/cache"
)

const (
	// DefaultTTL is the lifetime of an entry stored without an explicit TTL
	DefaultTTL = 300 * time.Second
	// DefaultMaxEntries bounds the number of cached entries
	DefaultMaxEntries = 10000
)

// MemoryConfig configures a MemoryCache
type MemoryConfig struct {
	DefaultTTL time.Duration
	MaxEntries int
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *MemoryConfig) SetDefaults() {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = DefaultTTL
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = DefaultMaxEntries
	}
}

type entry struct {
	key       string
	value     []byte
	expiresAt time.Time // zero => no TTL
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryCache is a process-local cache with per-entry TTLs and
// least-recently-used eviction once MaxEntries is reached.
// It is safe for concurrent use.
type MemoryCache struct {
	mu      sync.Mutex
	config  MemoryConfig
	entries map[string]*list.Element
	lru     *list.List // front = most recently used
	now     func() time.Time
}

// NewMemoryCache creates a MemoryCache. A nil config uses defaults.
func NewMemoryCache(config *MemoryConfig) *MemoryCache {
	var cfg MemoryConfig
	if config != nil {
		cfg = *config
	}
	cfg.SetDefaults()

	return &MemoryCache{
		config:  cfg,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		now:     time.Now,
	}
}

// Get returns the value for key if present and unexpired.
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	e := elem.Value.(*entry)
	if e.expired(c.now()) {
		c.removeLocked(elem)
		return nil, false, nil
	}
	c.lru.MoveToFront(elem)
	return copyBytes(e.value), true, nil
}

// Set stores value under key, evicting the least recently used entry when full.
func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl == 0 {
		ttl = c.config.DefaultTTL
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}

	if elem, ok := c.entries[key]; ok {
		e := elem.Value.(*entry)
		e.value = copyBytes(value)
		e.expiresAt = expiresAt
		c.lru.MoveToFront(elem)
		return nil
	}

	for c.lru.Len() >= c.config.MaxEntries {
		c.removeLocked(c.lru.Back())
	}

	elem := c.lru.PushFront(&entry{key: key, value: copyBytes(value), expiresAt: expiresAt})
	c.entries[key] = elem
	return nil
}

// Delete evicts key.
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}
	return nil
}

// Has reports whether key is cached and unexpired.
func (c *MemoryCache) Has(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	if elem.Value.(*entry).expired(c.now()) {
		c.removeLocked(elem)
		return false, nil
	}
	return true, nil
}

// ClearPattern evicts all entries whose key matches pattern.
func (c *MemoryCache) ClearPattern(ctx context.Context, pattern string) (int, error) {
	matcher, err := glob.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("invalid cache pattern %q: %w", pattern, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cleared := 0
	for key, elem := range c.entries {
		if matcher.Match(key) {
			c.removeLocked(elem)
			cleared++
		}
	}
	return cleared, nil
}

// Len returns the number of entries, including expired ones not yet evicted.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Purge removes expired entries and returns how many were removed.
func (c *MemoryCache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for _, elem := range c.entries {
		if elem.Value.(*entry).expired(now) {
			c.removeLocked(elem)
			removed++
		}
	}
	return removed
}

func (c *MemoryCache) removeLocked(elem *list.Element) {
	e := elem.Value.(*entry)
	delete(c.entries, e.key)
	c.lru.Remove(elem)
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Verify that MemoryCache implements the Cache interface at compile time
var _ cachepkg.Cache = (*MemoryCache)(nil)
