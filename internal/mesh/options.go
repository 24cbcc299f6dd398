package mesh

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/semanticmesh-go/internal/access"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/breaker"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/pubsub"
	"github.com/rmacdonaldsmith/semanticmesh-go/pkg/cache"
)

// Observer receives per-operation measurements.
type Observer interface {
	RecordOperation(op string, duration time.Duration, err error)
	RecordCacheHit()
	RecordCacheMiss()
}

// Limiter is the subset of the Safety Limits Enforcer consulted by the store.
type Limiter interface {
	CheckMeshValueSize(value any) error
	CheckMeshKeysLimit(keys []string) error
}

type nopObserver struct{}

func (nopObserver) RecordOperation(string, time.Duration, error) {}
func (nopObserver) RecordCacheHit()                              {}
func (nopObserver) RecordCacheMiss()                             {}

// Option configures a Store.
type Option func(*Store)

// WithCache replaces the default in-process Cache Tier.
func WithCache(c cache.Cache) Option {
	return func(s *Store) { s.cache = c }
}

// WithAccessController sets the Access Controller. Without one every caller is allowed.
func WithAccessController(c *access.Controller) Option {
	return func(s *Store) { s.access = c }
}

// WithSubscriptions shares an existing Subscription Manager. The store does
// not close a manager it did not create.
func WithSubscriptions(m *pubsub.Manager) Option {
	return func(s *Store) {
		s.subs = m
		s.ownsSubs = false
	}
}

// WithObserver reports operation metrics to o.
func WithObserver(o Observer) Option {
	return func(s *Store) { s.observer = o }
}

// WithBreaker wraps backend calls in the given circuit breaker.
func WithBreaker(b *breaker.Breaker) Option {
	return func(s *Store) { s.breaker = b }
}

// WithLimiter checks writes and snapshots against safety limits.
func WithLimiter(l Limiter) Option {
	return func(s *Store) { s.limiter = l }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.baseLog = logger
		s.logger = logger.With().Str("component", "mesh").Logger()
	}
}

// WithClock replaces time.Now for envelope timestamps and change events.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}
