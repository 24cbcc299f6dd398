// Package mesh implements the Mesh Store: a networked, versioned, namespaced
// key-value store shared by many workers.
//
// Every operation is gated by the Access Controller, reads go through the
// Cache Tier, backend calls are retried with a fixed backoff and optionally
// guarded by a circuit breaker, and successful writes publish change events
// through the Subscription Manager. CompareAndSet is the only strongly
// consistent operation; every other write is last-writer-wins.
package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/rmacdonaldsmith/semanticmesh-go/internal/access"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/breaker"
	localcache "github.com/rmacdonaldsmith/semanticmesh-go/internal/cache"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/pubsub"
	"github.com/rmacdonaldsmith/semanticmesh-go/pkg/backend"
	"github.com/rmacdonaldsmith/semanticmesh-go/pkg/cache"
	"github.com/rmacdonaldsmith/semanticmesh-go/pkg/codec"
)

// Operation names used in errors, logs and metrics.
const (
	opGet         = "get"
	opSet         = "set"
	opDelete      = "delete"
	opExists      = "exists"
	opCAS         = "compare_and_set"
	opSnapshot    = "snapshot"
	opGetVersion  = "get_version"
	opClear       = "clear"
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
	opPublish     = "publish"
)

// Entry is a decoded mesh value.
type Entry struct {
	Key       string          `json:"key"`
	Namespace string          `json:"namespace"`
	FullKey   string          `json:"full_key"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// Decode unmarshals the entry's data into v.
func (e Entry) Decode(v any) error {
	return codec.Unmarshal(e.Data, v)
}

// Store is the Mesh Store. It is safe for concurrent use.
type Store struct {
	backend   backend.Backend
	config    Config
	validator codec.Validator

	cache    cache.Cache
	access   *access.Controller
	subs     *pubsub.Manager
	ownsSubs bool
	observer Observer
	breaker  *breaker.Breaker
	limiter  Limiter
	logger   zerolog.Logger
	baseLog  zerolog.Logger
	now      func() time.Time

	reads singleflight.Group

	// cacheGen advances on every cache write or eviction; backend reads only
	// populate the cache if it has not moved since the read began
	cacheMu  sync.Mutex
	cacheGen uint64

	closed atomic.Bool
}

// NewStore creates a Store over b. A nil config uses defaults.
func NewStore(b backend.Backend, config *Config, opts ...Option) (*Store, error) {
	if b == nil {
		return nil, errors.New("backend cannot be nil")
	}

	var cfg Config
	if config != nil {
		cfg = *config
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.SetDefaults()

	s := &Store{
		backend: b,
		config:  cfg,
		validator: codec.Validator{
			Separator:    cfg.Separator,
			MaxKeyLength: cfg.MaxKeyLength,
			MaxValueSize: cfg.MaxValueSize,
		},
		cache:    localcache.NewMemoryCache(&localcache.MemoryConfig{DefaultTTL: cfg.CacheTTL}),
		observer: nopObserver{},
		logger:   zerolog.Nop(),
		baseLog:  zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.subs == nil {
		s.subs = pubsub.NewManager(b, s.baseLog)
		s.ownsSubs = true
	}
	return s, nil
}

// Config returns the effective configuration.
func (s *Store) Config() Config {
	return s.config
}

// Get returns the entry for key in namespace and whether it exists.
// When the backend stays unreachable after all retries the entry is reported
// absent together with an ErrOperation error.
func (s *Store) Get(ctx context.Context, key, namespace string) (entry Entry, found bool, err error) {
	start := s.begin(opGet, key, namespace)
	defer func() { s.finish(opGet, key, namespace, start, err) }()

	if err := s.prepare(ctx, opGet, key, namespace, access.Read); err != nil {
		return Entry{}, false, err
	}

	fullKey := s.FullKey(key, namespace)
	if raw, ok := s.cacheGet(ctx, fullKey); ok {
		env, err := codec.Decode(raw)
		if err == nil {
			s.observer.RecordCacheHit()
			return s.entry(key, namespace, fullKey, env), true, nil
		}
		s.cacheDelete(ctx, fullKey)
	}
	s.observer.RecordCacheMiss()

	// Concurrent misses for the same key share one backend read. Reads that
	// begin after an invalidation never join a flight started before it.
	gen := s.cacheGeneration()
	result, err, _ := s.reads.Do(strconv.FormatUint(gen, 10)+"/"+fullKey, func() (any, error) {
		read, err := call(ctx, s, opGet, func(ctx context.Context) (readResult, error) {
			raw, ok, err := s.backend.Get(ctx, fullKey)
			return readResult{raw: raw, found: ok}, err
		})
		if err != nil {
			return readResult{}, err
		}
		if !read.found {
			return readResult{}, nil
		}
		if _, err := codec.Decode(read.raw); err != nil {
			return readResult{}, newError(ErrCorrupted, opGet, key, namespace, err)
		}
		s.cacheFill(ctx, fullKey, read.raw, gen)
		return read, nil
	})
	if err != nil {
		var meshErr *Error
		if errors.As(err, &meshErr) {
			return Entry{}, false, meshErr
		}
		return Entry{}, false, opError(opGet, key, namespace, err)
	}

	read := result.(readResult)
	if !read.found {
		return Entry{}, false, nil
	}
	env, err := codec.Decode(read.raw)
	if err != nil {
		return Entry{}, false, newError(ErrCorrupted, opGet, key, namespace, err)
	}
	return s.entry(key, namespace, fullKey, env), true, nil
}

type readResult struct {
	raw   []byte
	found bool
}

// Set writes value under key in namespace with the configured default TTL.
// The stored version is one more than the previous version; the read of the
// previous version is not atomic with the write.
func (s *Store) Set(ctx context.Context, key string, value any, namespace string) (ok bool, err error) {
	start := s.begin(opSet, key, namespace)
	defer func() { s.finish(opSet, key, namespace, start, err) }()

	if err := s.prepare(ctx, opSet, key, namespace, access.Write); err != nil {
		return false, err
	}

	data, err := codec.Marshal(value)
	if err != nil {
		return false, newError(ErrInvalid, opSet, key, namespace, err)
	}
	if err := s.checkSize(opSet, key, namespace, data); err != nil {
		return false, err
	}

	fullKey := s.FullKey(key, namespace)
	version := s.currentVersion(ctx, fullKey) + 1

	raw, err := codec.Encode(data, version, s.now())
	if err != nil {
		return false, newError(ErrInvalid, opSet, key, namespace, err)
	}
	if err := s.checkSize(opSet, key, namespace, raw); err != nil {
		return false, err
	}

	_, err = call(ctx, s, opSet, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.backend.Set(ctx, fullKey, raw, s.config.DefaultTTL)
	})
	if err != nil {
		return false, opError(opSet, key, namespace, err)
	}

	s.cacheSet(ctx, fullKey, raw)
	s.publishChange(ctx, OpSet, key, namespace, version)
	return true, nil
}

// Delete removes key from namespace and reports whether it existed.
// A change event is published only when a key was removed.
func (s *Store) Delete(ctx context.Context, key, namespace string) (deleted bool, err error) {
	start := s.begin(opDelete, key, namespace)
	defer func() { s.finish(opDelete, key, namespace, start, err) }()

	if err := s.prepare(ctx, opDelete, key, namespace, access.Delete); err != nil {
		return false, err
	}

	fullKey := s.FullKey(key, namespace)
	removed, err := call(ctx, s, opDelete, func(ctx context.Context) (int64, error) {
		return s.backend.Del(ctx, fullKey)
	})
	if err != nil {
		return false, opError(opDelete, key, namespace, err)
	}

	s.cacheDelete(ctx, fullKey)
	if removed > 0 {
		s.publishChange(ctx, OpDelete, key, namespace, 0)
	}
	return removed > 0, nil
}

// Exists reports whether key is present in namespace. A cached entry
// answers without a backend round-trip.
func (s *Store) Exists(ctx context.Context, key, namespace string) (exists bool, err error) {
	start := s.begin(opExists, key, namespace)
	defer func() { s.finish(opExists, key, namespace, start, err) }()

	if err := s.prepare(ctx, opExists, key, namespace, access.Read); err != nil {
		return false, err
	}

	fullKey := s.FullKey(key, namespace)
	if has, err := s.cache.Has(ctx, fullKey); err == nil && has {
		s.observer.RecordCacheHit()
		return true, nil
	}
	s.observer.RecordCacheMiss()

	exists, err = call(ctx, s, opExists, func(ctx context.Context) (bool, error) {
		return s.backend.Exists(ctx, fullKey)
	})
	if err != nil {
		return false, opError(opExists, key, namespace, err)
	}
	return exists, nil
}

// CompareAndSet atomically replaces the value of key with value if its
// current value equals expected. A nil expected matches an absent key.
//
// The read and the conditional write run inside one backend transaction that
// watches the key. A mismatch or a concurrent writer committing first yields
// false with no error; the store never retries a lost race.
func (s *Store) CompareAndSet(ctx context.Context, key string, expected, value any, namespace string) (swapped bool, err error) {
	start := s.begin(opCAS, key, namespace)
	defer func() { s.finish(opCAS, key, namespace, start, err) }()

	if err := s.prepare(ctx, opCAS, key, namespace, access.Write); err != nil {
		return false, err
	}

	var expectedData json.RawMessage
	if expected != nil {
		if expectedData, err = codec.Marshal(expected); err != nil {
			return false, newError(ErrInvalid, opCAS, key, namespace, err)
		}
	}
	data, err := codec.Marshal(value)
	if err != nil {
		return false, newError(ErrInvalid, opCAS, key, namespace, err)
	}

	// Size the largest envelope the transaction could write
	worstCase, err := codec.Encode(data, math.MaxInt64, s.now())
	if err != nil {
		return false, newError(ErrInvalid, opCAS, key, namespace, err)
	}
	if err := s.checkSize(opCAS, key, namespace, worstCase); err != nil {
		return false, err
	}

	fullKey := s.FullKey(key, namespace)
	var written []byte
	var version int64

	swapped, err = call(ctx, s, opCAS, func(ctx context.Context) (bool, error) {
		written = nil
		err := s.backend.Watch(ctx, fullKey, func(tx backend.Tx) error {
			raw, found, err := tx.Get(ctx, fullKey)
			if err != nil {
				return err
			}

			var current int64
			if !found {
				if expected != nil {
					return backend.ErrTxAborted
				}
			} else {
				env, err := codec.Decode(raw)
				if err != nil || expected == nil || !codec.Equal(env.Data, expectedData) {
					return backend.ErrTxAborted
				}
				current = env.Version
			}

			next, err := codec.Encode(data, current+1, s.now())
			if err != nil {
				return err
			}
			tx.Set(fullKey, next, s.config.DefaultTTL)
			written, version = next, current+1
			return nil
		})

		switch {
		case err == nil:
			return written != nil, nil
		case errors.Is(err, backend.ErrTxAborted):
			return false, nil
		case errors.Is(err, backend.ErrTxConflict):
			s.logger.Debug().Str("key", fullKey).Msg("compare-and-set lost to a concurrent writer")
			return false, nil
		}
		return false, err
	})
	if err != nil {
		return false, opError(opCAS, key, namespace, err)
	}
	if !swapped {
		return false, nil
	}

	s.cacheSet(ctx, fullKey, written)
	s.publishChange(ctx, OpSet, key, namespace, version)
	return true, nil
}

// Snapshot reads every entry matching the glob patterns (default "*"),
// relative to the mesh key prefix. The result is keyed by full backend key.
// Entries that fail to decode or that the caller may not read are skipped,
// and the view is not atomic across keys.
func (s *Store) Snapshot(ctx context.Context, patterns ...string) (result map[string]Entry, err error) {
	start := s.begin(opSnapshot, "", "")
	defer func() { s.finish(opSnapshot, "", "", start, err) }()

	if s.closed.Load() {
		return nil, newError(ErrClosed, opSnapshot, "", "", nil)
	}
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}

	seen := make(map[string]struct{})
	keys := make([]string, 0)
	for _, pattern := range patterns {
		matched, err := call(ctx, s, opSnapshot, func(ctx context.Context) ([]string, error) {
			return s.backend.Keys(ctx, s.namespacePrefix("")+pattern)
		})
		if err != nil {
			return nil, newError(ErrOperation, opSnapshot, pattern, "", err)
		}
		for _, k := range matched {
			if _, dup := seen[k]; !dup {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}

	if s.limiter != nil {
		if err := s.limiter.CheckMeshKeysLimit(keys); err != nil {
			return nil, newError(ErrCapacity, opSnapshot, "", "", err)
		}
	}

	result = make(map[string]Entry, len(keys))
	for _, fullKey := range keys {
		namespace, key, ok := s.splitKey(fullKey)
		if !ok {
			continue
		}
		if s.access != nil && !s.access.Allowed(ctx, namespace, access.Read) {
			continue
		}

		read, err := call(ctx, s, opSnapshot, func(ctx context.Context) (readResult, error) {
			raw, ok, err := s.backend.Get(ctx, fullKey)
			return readResult{raw: raw, found: ok}, err
		})
		if err != nil {
			s.logger.Debug().Err(err).Str("key", fullKey).Msg("snapshot skipped unreadable key")
			continue
		}
		if !read.found {
			continue
		}
		env, err := codec.Decode(read.raw)
		if err != nil {
			s.logger.Debug().Err(err).Str("key", fullKey).Msg("snapshot skipped corrupted key")
			continue
		}
		result[fullKey] = s.entry(key, namespace, fullKey, env)
	}
	return result, nil
}

// GetVersion returns the stored version of key: 1 for envelopes without a
// version field and 0 if the key is missing or cannot be read.
func (s *Store) GetVersion(ctx context.Context, key, namespace string) int64 {
	start := s.begin(opGetVersion, key, namespace)
	var err error
	defer func() { s.finish(opGetVersion, key, namespace, start, err) }()

	if err = s.prepare(ctx, opGetVersion, key, namespace, access.Read); err != nil {
		return 0
	}
	return s.currentVersion(ctx, s.FullKey(key, namespace))
}

// Clear removes every key of namespace and evicts them from the Cache Tier.
// The root namespace ("") flushes the whole backend database, including any
// shared breaker state and shared safety counter stored in it.
func (s *Store) Clear(ctx context.Context, namespace string) (ok bool, err error) {
	start := s.begin(opClear, "", namespace)
	defer func() { s.finish(opClear, "", namespace, start, err) }()

	if s.closed.Load() {
		return false, newError(ErrClosed, opClear, "", namespace, nil)
	}
	if err := s.validator.ValidateNamespace(namespace); err != nil {
		return false, newError(ErrInvalid, opClear, "", namespace, err)
	}
	if err := s.checkAccess(ctx, opClear, "", namespace, access.Delete); err != nil {
		return false, err
	}

	if namespace == "" {
		_, err := call(ctx, s, opClear, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.backend.FlushDB(ctx)
		})
		if err != nil {
			return false, opError(opClear, "", namespace, err)
		}
		s.cacheClear(ctx, "*")
		return true, nil
	}

	pattern := s.namespacePrefix(namespace) + "*"
	keys, err := call(ctx, s, opClear, func(ctx context.Context) ([]string, error) {
		return s.backend.Keys(ctx, pattern)
	})
	if err != nil {
		return false, opError(opClear, "", namespace, err)
	}
	if len(keys) > 0 {
		_, err = call(ctx, s, opClear, func(ctx context.Context) (int64, error) {
			return s.backend.Del(ctx, keys...)
		})
		if err != nil {
			return false, opError(opClear, "", namespace, err)
		}
	}

	s.cacheClear(ctx, pattern)
	return true, nil
}

// Subscribe registers handler for channels matching pattern and returns the
// subscription ID. Change events are delivered only for namespaces the
// principal in ctx may read, and subscribing to the change channel of an
// unreadable namespace is denied.
func (s *Store) Subscribe(ctx context.Context, pattern string, handler pubsub.Handler) (string, error) {
	if s.access != nil && handler != nil {
		if namespace, ok := changeNamespace(pattern); ok && !strings.ContainsAny(pattern, globMeta) {
			if err := s.checkAccess(ctx, opSubscribe, pattern, namespace, access.Read); err != nil {
				return "", err
			}
		}
		deliver := handler
		handler = func(msg backend.Message) {
			if namespace, ok := changeNamespace(msg.Channel); ok && !s.access.Allowed(ctx, namespace, access.Read) {
				return
			}
			deliver(msg)
		}
	}

	id, err := s.subs.Subscribe(ctx, pattern, handler)
	if err != nil {
		return "", newError(ErrSubscription, opSubscribe, pattern, "", err)
	}
	return id, nil
}

// SubscribeChanges registers fn for change events of namespace.
func (s *Store) SubscribeChanges(ctx context.Context, namespace string, fn func(ChangeEvent)) (string, error) {
	return s.Subscribe(ctx, ChangeChannel(namespace), func(msg backend.Message) {
		event, err := DecodeChangeEvent(msg)
		if err != nil {
			s.logger.Warn().Err(err).Msg("dropping malformed change event")
			return
		}
		fn(event)
	})
}

// Unsubscribe removes a subscription.
func (s *Store) Unsubscribe(id string) error {
	if err := s.subs.Unsubscribe(id); err != nil {
		return newError(ErrSubscription, opUnsubscribe, id, "", err)
	}
	return nil
}

// Publish JSON-encodes data and publishes it on channel.
func (s *Store) Publish(ctx context.Context, channel string, data any) error {
	payload, err := codec.Marshal(data)
	if err != nil {
		return newError(ErrPublish, opPublish, channel, "", err)
	}
	if _, err := s.subs.Publish(ctx, channel, payload); err != nil {
		return newError(ErrPublish, opPublish, channel, "", err)
	}
	return nil
}

// Ping checks the backend.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Close releases the store's subscriptions. The backend is owned by the caller.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil // Already closed, idempotent
	}
	if s.ownsSubs {
		return s.subs.Close()
	}
	return nil
}

// prepare runs the checks shared by single-key operations.
func (s *Store) prepare(ctx context.Context, op, key, namespace string, perm access.Permission) error {
	if s.closed.Load() {
		return newError(ErrClosed, op, key, namespace, nil)
	}
	if err := s.validator.ValidateKey(key); err != nil {
		return newError(ErrInvalid, op, key, namespace, err)
	}
	if err := s.validator.ValidateNamespace(namespace); err != nil {
		return newError(ErrInvalid, op, key, namespace, err)
	}
	return s.checkAccess(ctx, op, key, namespace, perm)
}

func (s *Store) checkAccess(ctx context.Context, op, key, namespace string, perm access.Permission) error {
	if s.access == nil {
		return nil
	}
	if err := s.access.Check(ctx, namespace, perm); err != nil {
		return newError(ErrAccessDenied, op, key, namespace, err)
	}
	return nil
}

func (s *Store) checkSize(op, key, namespace string, raw []byte) error {
	if err := s.validator.ValidateSize(raw); err != nil {
		return newError(ErrCapacity, op, key, namespace, err)
	}
	if s.limiter != nil {
		if err := s.limiter.CheckMeshValueSize(raw); err != nil {
			return newError(ErrCapacity, op, key, namespace, err)
		}
	}
	return nil
}

// currentVersion reads the stored version, returning 0 when absent or unreadable.
func (s *Store) currentVersion(ctx context.Context, fullKey string) int64 {
	read, err := call(ctx, s, opGetVersion, func(ctx context.Context) (readResult, error) {
		raw, ok, err := s.backend.Get(ctx, fullKey)
		return readResult{raw: raw, found: ok}, err
	})
	if err != nil || !read.found {
		return 0
	}
	env, err := codec.Decode(read.raw)
	if err != nil {
		return 0
	}
	return env.Version
}

func (s *Store) entry(key, namespace, fullKey string, env codec.Envelope) Entry {
	e := Entry{
		Key:       key,
		Namespace: namespace,
		FullKey:   fullKey,
		Version:   env.Version,
		Data:      env.Data,
	}
	if env.UpdatedAt > 0 {
		e.UpdatedAt = time.UnixMilli(env.UpdatedAt)
	}
	return e
}

func (s *Store) publishChange(ctx context.Context, operation, key, namespace string, version int64) {
	payload, err := json.Marshal(ChangeEvent{
		Operation: operation,
		Key:       key,
		Namespace: namespace,
		Timestamp: s.now().Unix(),
		Version:   version,
	})
	if err != nil {
		return
	}
	if _, err := s.subs.Publish(ctx, ChangeChannel(namespace), payload); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Str("namespace", namespace).Msg("failed to publish change event")
	}
}

func (s *Store) cacheGet(ctx context.Context, fullKey string) ([]byte, bool) {
	raw, ok, err := s.cache.Get(ctx, fullKey)
	if err != nil {
		s.logger.Debug().Err(err).Str("key", fullKey).Msg("cache read failed")
		return nil, false
	}
	return raw, ok
}

func (s *Store) cacheGeneration() uint64 {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return s.cacheGen
}

// cacheFill stores a value read from the backend at generation gen. It is
// dropped if a write, delete or clear touched the cache since then.
func (s *Store) cacheFill(ctx context.Context, fullKey string, raw []byte, gen uint64) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheGen != gen {
		return
	}
	s.cachePut(ctx, fullKey, raw)
}

func (s *Store) cacheSet(ctx context.Context, fullKey string, raw []byte) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cacheGen++
	s.cachePut(ctx, fullKey, raw)
}

func (s *Store) cachePut(ctx context.Context, fullKey string, raw []byte) {
	if err := s.cache.Set(ctx, fullKey, raw, s.config.CacheTTL); err != nil {
		s.logger.Debug().Err(err).Str("key", fullKey).Msg("cache write failed")
	}
}

func (s *Store) cacheDelete(ctx context.Context, fullKey string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cacheGen++
	if err := s.cache.Delete(ctx, fullKey); err != nil {
		s.logger.Debug().Err(err).Str("key", fullKey).Msg("cache delete failed")
	}
}

func (s *Store) cacheClear(ctx context.Context, pattern string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cacheGen++
	if _, err := s.cache.ClearPattern(ctx, pattern); err != nil {
		s.logger.Warn().Err(err).Str("pattern", pattern).Msg("cache clear failed")
	}
}

func (s *Store) begin(op, key, namespace string) time.Time {
	s.logger.Debug().Str("op", op).Str("key", key).Str("namespace", namespace).Msg("mesh operation started")
	return time.Now()
}

func (s *Store) finish(op, key, namespace string, start time.Time, err error) {
	duration := time.Since(start)
	s.observer.RecordOperation(op, duration, err)

	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("op", op).
			Str("key", key).
			Str("namespace", namespace).
			Dur("duration", duration).
			Msg("mesh operation failed")
		return
	}
	s.logger.Debug().
		Str("op", op).
		Str("key", key).
		Str("namespace", namespace).
		Dur("duration", duration).
		Msg("mesh operation completed")
}

// call runs fn with the retry policy, inside the circuit breaker when one is attached.
func call[T any](ctx context.Context, s *Store, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	attempt := func(ctx context.Context) (T, error) {
		var out T
		err := s.retry(ctx, op, func() error {
			v, err := fn(ctx)
			if err == nil {
				out = v
			}
			return err
		})
		return out, err
	}

	if s.breaker == nil {
		return attempt(ctx)
	}
	return breaker.Execute(ctx, s.breaker, s.config.BreakerServiceID, attempt, nil)
}

func (s *Store) retry(ctx context.Context, op string, fn func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(s.config.RetryBackoff),
			uint64(s.config.RetryAttempts-1),
		),
		ctx,
	)

	return backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && permanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		s.logger.Debug().Err(err).Str("op", op).Dur("retry_in", wait).Msg("backend call failed, retrying")
	})
}

// permanent reports errors that another attempt cannot fix.
func permanent(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, backend.ErrClosed)
}
