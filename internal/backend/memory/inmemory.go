// Package memory provides an in-process implementation of the mesh backend.
// It follows Redis semantics closely enough that the Mesh Store behaves the
// same against it as against a real Redis server.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/rmacdonaldsmith/semanticmesh-go/pkg/backend"
)

// ErrNotInteger is returned by IncrBy when the stored value is not an integer
var ErrNotInteger = errors.New("value is not an integer")

const subscriptionBuffer = 256

type item struct {
	value     []byte
	expiresAt time.Time // zero => no TTL
}

func (it item) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && now.After(it.expiresAt)
}

// InMemoryBackend implements backend.Backend inside the current process.
// Every mutation bumps a per-key revision, which is what Watch compares at
// commit time to detect a conflicting writer. It is safe for concurrent use.
type InMemoryBackend struct {
	mu        sync.RWMutex
	data      map[string]item
	revisions map[string]uint64 // key -> mutation counter
	epoch     uint64            // bumped by FlushDB
	subs      map[*subscription]struct{}
	closed    bool
	now       func() time.Time
}

// NewInMemoryBackend creates an empty in-memory backend.
func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{
		data:      make(map[string]item),
		revisions: make(map[string]uint64),
		subs:      make(map[*subscription]struct{}),
		now:       time.Now,
	}
}

// Get returns the value at key, dropping it if its TTL has passed.
func (b *InMemoryBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, false, backend.ErrClosed
	}
	return b.getLocked(key)
}

func (b *InMemoryBackend) getLocked(key string) ([]byte, bool, error) {
	it, ok := b.data[key]
	if !ok || it.expired(b.now()) {
		return nil, false, nil
	}
	return copyBytes(it.value), true, nil
}

// Set stores value at key with an optional TTL.
func (b *InMemoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return backend.ErrClosed
	}
	b.setLocked(key, value, ttl)
	return nil
}

func (b *InMemoryBackend) setLocked(key string, value []byte, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = b.now().Add(ttl)
	}
	b.data[key] = item{value: copyBytes(value), expiresAt: expiresAt}
	b.revisions[key]++
}

// Del removes keys and returns the number of live keys removed.
func (b *InMemoryBackend) Del(ctx context.Context, keys ...string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, backend.ErrClosed
	}

	now := b.now()
	var removed int64
	for _, key := range keys {
		it, ok := b.data[key]
		if !ok {
			continue
		}
		delete(b.data, key)
		b.revisions[key]++
		if !it.expired(now) {
			removed++
		}
	}
	return removed, nil
}

// Exists reports whether a live value is stored at key.
func (b *InMemoryBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := b.Get(ctx, key)
	return ok, err
}

// Keys returns the live keys matching pattern.
func (b *InMemoryBackend) Keys(ctx context.Context, pattern string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	matcher, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid key pattern %q: %w", pattern, err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, backend.ErrClosed
	}

	now := b.now()
	keys := make([]string, 0)
	for key, it := range b.data {
		if it.expired(now) {
			continue
		}
		if matcher.Match(key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// FlushDB removes every key. In-flight transactions will fail to commit.
func (b *InMemoryBackend) FlushDB(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return backend.ErrClosed
	}
	b.data = make(map[string]item)
	b.revisions = make(map[string]uint64)
	b.epoch++
	return nil
}

// IncrBy adds delta to the integer at key, treating a missing key as zero.
func (b *InMemoryBackend) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, backend.ErrClosed
	}

	var current int64
	if raw, ok, _ := b.getLocked(key); ok {
		n, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("incrby %s: %w", key, ErrNotInteger)
		}
		current = n
	}

	next := current + delta
	expiresAt := b.data[key].expiresAt
	b.data[key] = item{value: []byte(strconv.FormatInt(next, 10)), expiresAt: expiresAt}
	b.revisions[key]++
	return next, nil
}

// Watch runs fn in an optimistic transaction on key.
func (b *InMemoryBackend) Watch(ctx context.Context, key string, fn func(tx backend.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return backend.ErrClosed
	}
	watchedRevision := b.revisions[key]
	watchedEpoch := b.epoch
	b.mu.RUnlock()

	tx := &memoryTx{backend: b}
	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.writes) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return backend.ErrClosed
	}
	if b.revisions[key] != watchedRevision || b.epoch != watchedEpoch {
		return backend.ErrTxConflict
	}
	for _, w := range tx.writes {
		b.setLocked(w.key, w.value, w.ttl)
	}
	return nil
}

// Publish delivers payload to matching subscriptions without blocking.
// Messages for a subscriber whose buffer is full are dropped, as Redis does
// for slow pub/sub clients.
func (b *InMemoryBackend) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0, backend.ErrClosed
	}

	var receivers int64
	for sub := range b.subs {
		for i, matcher := range sub.matchers {
			if !matcher.Match(channel) {
				continue
			}
			msg := backend.Message{Channel: channel, Pattern: sub.patterns[i], Payload: copyBytes(payload)}
			select {
			case sub.messages <- msg:
				receivers++
			default:
			}
		}
	}
	return receivers, nil
}

// PSubscribe registers a subscription for the given patterns.
func (b *InMemoryBackend) PSubscribe(ctx context.Context, patterns ...string) (backend.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(patterns) == 0 {
		return nil, fmt.Errorf("at least one pattern is required")
	}

	matchers := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		m, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid channel pattern %q: %w", p, err)
		}
		matchers = append(matchers, m)
	}

	sub := &subscription{
		backend:  b,
		patterns: append([]string(nil), patterns...),
		matchers: matchers,
		messages: make(chan backend.Message, subscriptionBuffer),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, backend.ErrClosed
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Ping reports whether the backend is open.
func (b *InMemoryBackend) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return backend.ErrClosed
	}
	return ctx.Err()
}

// Close closes all subscriptions and rejects further operations.
func (b *InMemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil // Already closed, idempotent
	}
	for sub := range b.subs {
		sub.closeLocked()
	}
	b.subs = make(map[*subscription]struct{})
	b.closed = true
	return nil
}

type pendingWrite struct {
	key   string
	value []byte
	ttl   time.Duration
}

type memoryTx struct {
	backend *InMemoryBackend
	writes  []pendingWrite
}

func (tx *memoryTx) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return tx.backend.Get(ctx, key)
}

func (tx *memoryTx) Set(key string, value []byte, ttl time.Duration) {
	tx.writes = append(tx.writes, pendingWrite{key: key, value: copyBytes(value), ttl: ttl})
}

type subscription struct {
	backend  *InMemoryBackend
	patterns []string
	matchers []glob.Glob
	messages chan backend.Message
	once     sync.Once
}

func (s *subscription) Messages() <-chan backend.Message {
	return s.messages
}

func (s *subscription) Close() error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	delete(s.backend.subs, s)
	s.closeLocked()
	return nil
}

func (s *subscription) closeLocked() {
	s.once.Do(func() { close(s.messages) })
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Verify that InMemoryBackend implements the Backend interface at compile time
var _ backend.Backend = (*InMemoryBackend)(nil)
