package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/semanticmesh-go/pkg/faults"
)

const (
	// DefaultFailureThreshold is the consecutive failure count that opens a closed circuit
	DefaultFailureThreshold = 5
	// DefaultSuccessThreshold is the half-open success count that closes a circuit
	DefaultSuccessThreshold = 2
	// DefaultTimeout is how long an open circuit waits before admitting a probe
	DefaultTimeout = 60 * time.Second
)

// ErrOpen is matched by every OpenError
var ErrOpen = errors.New("circuit breaker is open")

// OpenError is returned when a call is short-circuited by an open circuit.
type OpenError struct {
	ServiceID  string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker is open for service %s (retry after %s)", e.ServiceID, e.RetryAfter)
}

// Is reports whether target is ErrOpen.
func (e *OpenError) Is(target error) bool {
	return target == ErrOpen
}

// FaultKind classifies open circuits as terminal for the current call.
func (e *OpenError) FaultKind() faults.Kind {
	return faults.Terminal
}

// ServiceConfig holds the thresholds for one service.
type ServiceConfig struct {
	FailureThreshold int           `toml:"failure_threshold" json:"failure_threshold"`
	SuccessThreshold int           `toml:"success_threshold" json:"success_threshold"`
	Timeout          time.Duration `toml:"timeout" json:"timeout"`
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *ServiceConfig) SetDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultSuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
}

// Validate checks the configuration
func (c *ServiceConfig) Validate() error {
	if c.FailureThreshold < 0 {
		return errors.New("failure threshold cannot be negative")
	}
	if c.SuccessThreshold < 0 {
		return errors.New("success threshold cannot be negative")
	}
	if c.Timeout < 0 {
		return errors.New("timeout cannot be negative")
	}
	return nil
}

// Config holds the global defaults and per-service overrides.
type Config struct {
	Defaults ServiceConfig
	Services map[string]ServiceConfig
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if err := c.Defaults.Validate(); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	for id, svc := range c.Services {
		if err := svc.Validate(); err != nil {
			return fmt.Errorf("service %s: %w", id, err)
		}
	}
	return nil
}

// Operation is the protected call.
type Operation func(ctx context.Context) (any, error)

// Fallback produces an alternate result. It receives the operation's error,
// or an *OpenError when the circuit short-circuited the call.
type Fallback func(ctx context.Context, err error) (any, error)

// Observer is notified of state transitions.
type Observer interface {
	RecordBreakerTransition(service, from, to string)
}

// Stats describes one circuit.
type Stats struct {
	ServiceID            string        `json:"service_id"`
	Status               Status        `json:"status"`
	FailureCount         int           `json:"failure_count"`
	HalfOpenSuccessCount int           `json:"half_open_success_count"`
	OpenedAt             *time.Time    `json:"opened_at,omitempty"`
	Config               ServiceConfig `json:"config"`
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithStateStore replaces the in-memory state store.
func WithStateStore(store StateStore) Option {
	return func(b *Breaker) { b.store = store }
}

// WithObserver reports state transitions to o.
func WithObserver(o Observer) Option {
	return func(b *Breaker) { b.observer = o }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Breaker) { b.logger = logger.With().Str("component", "breaker").Logger() }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// Breaker guards calls per service ID. It is safe for concurrent use.
// Operations run outside the breaker's lock, so concurrent calls to the same
// service proceed in parallel and each outcome is applied to the latest state.
type Breaker struct {
	mu       sync.Mutex
	defaults ServiceConfig
	services map[string]ServiceConfig
	store    StateStore
	observer Observer
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates a Breaker. A nil config uses the documented defaults for every service.
func New(config *Config, opts ...Option) (*Breaker, error) {
	var cfg Config
	if config != nil {
		cfg = *config
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.Defaults.SetDefaults()

	services := make(map[string]ServiceConfig, len(cfg.Services))
	for id, svc := range cfg.Services {
		// Unset per-service fields inherit the global defaults
		if svc.FailureThreshold == 0 {
			svc.FailureThreshold = cfg.Defaults.FailureThreshold
		}
		if svc.SuccessThreshold == 0 {
			svc.SuccessThreshold = cfg.Defaults.SuccessThreshold
		}
		if svc.Timeout == 0 {
			svc.Timeout = cfg.Defaults.Timeout
		}
		services[id] = svc
	}

	b := &Breaker{
		defaults: cfg.Defaults,
		services: services,
		store:    NewMemoryStateStore(),
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// ConfigFor returns the effective configuration for serviceID.
func (b *Breaker) ConfigFor(serviceID string) ServiceConfig {
	if svc, ok := b.services[serviceID]; ok {
		return svc
	}
	return b.defaults
}

// Call runs op under the circuit for serviceID.
//
// When the circuit is open and its timeout has not elapsed, op is not run:
// fallback (if any) is invoked with an *OpenError, otherwise the *OpenError is
// returned. When op fails, fallback (if any) supplies the result; if the
// fallback fails too, op's original error is returned.
func (b *Breaker) Call(ctx context.Context, serviceID string, op Operation, fallback Fallback) (any, error) {
	if openErr := b.admit(ctx, serviceID); openErr != nil {
		if fallback == nil {
			return nil, openErr
		}
		result, err := fallback(ctx, openErr)
		if err != nil {
			b.logger.Debug().Err(err).Str("service_id", serviceID).Msg("fallback failed while open")
			return nil, openErr
		}
		return result, nil
	}

	result, err := op(ctx)
	if err == nil {
		b.recordSuccess(ctx, serviceID)
		return result, nil
	}

	b.recordFailure(ctx, serviceID, err)
	if fallback == nil {
		return nil, err
	}
	fallbackResult, fallbackErr := fallback(ctx, err)
	if fallbackErr != nil {
		b.logger.Debug().Err(fallbackErr).Str("service_id", serviceID).Msg("fallback failed")
		return nil, err
	}
	return fallbackResult, nil
}

// Execute is the typed form of Breaker.Call.
func Execute[T any](ctx context.Context, b *Breaker, serviceID string,
	op func(ctx context.Context) (T, error),
	fallback func(ctx context.Context, err error) (T, error),
) (T, error) {
	var fb Fallback
	if fallback != nil {
		fb = func(ctx context.Context, err error) (any, error) { return fallback(ctx, err) }
	}

	result, err := b.Call(ctx, serviceID, func(ctx context.Context) (any, error) { return op(ctx) }, fb)
	if err != nil {
		var zero T
		return zero, err
	}
	typed, _ := result.(T)
	return typed, nil
}

// IsAvailable reports whether a call to serviceID would currently be attempted.
func (b *Breaker) IsAvailable(ctx context.Context, serviceID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.loadLocked(ctx, serviceID)
	if state.Status != StatusOpen {
		return true
	}
	return b.remainingLocked(state) <= 0
}

// ForceOpen opens the circuit for serviceID regardless of its state.
func (b *Breaker) ForceOpen(ctx context.Context, serviceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.loadLocked(ctx, serviceID)
	from := state.Status
	now := b.now()
	state.Status = StatusOpen
	state.OpenedAt = &now
	state.HalfOpenSuccessCount = 0
	b.logger.Warn().Str("service_id", serviceID).Msg("circuit forced open")
	return b.saveLocked(ctx, state, from)
}

// ForceClose closes the circuit for serviceID and resets its counters.
func (b *Breaker) ForceClose(ctx context.Context, serviceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.loadLocked(ctx, serviceID)
	from := state.Status
	closed := newState(serviceID)
	b.logger.Info().Str("service_id", serviceID).Msg("circuit forced closed")
	return b.saveLocked(ctx, closed, from)
}

// GetStats returns the current state and effective configuration of serviceID.
func (b *Breaker) GetStats(ctx context.Context, serviceID string) Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.loadLocked(ctx, serviceID)
	return Stats{
		ServiceID:            serviceID,
		Status:               state.Status,
		FailureCount:         state.FailureCount,
		HalfOpenSuccessCount: state.HalfOpenSuccessCount,
		OpenedAt:             state.OpenedAt,
		Config:               b.ConfigFor(serviceID),
	}
}

// admit returns an *OpenError if the call must be short-circuited, moving an
// expired open circuit to half-open otherwise.
func (b *Breaker) admit(ctx context.Context, serviceID string) *OpenError {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.loadLocked(ctx, serviceID)
	if state.Status != StatusOpen {
		return nil
	}

	if remaining := b.remainingLocked(state); remaining > 0 {
		return &OpenError{ServiceID: serviceID, RetryAfter: remaining}
	}

	state.Status = StatusHalfOpen
	state.HalfOpenSuccessCount = 0
	if err := b.saveLocked(ctx, state, StatusOpen); err != nil {
		b.logger.Warn().Err(err).Str("service_id", serviceID).Msg("failed to persist half-open transition")
	}
	return nil
}

func (b *Breaker) recordSuccess(ctx context.Context, serviceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.loadLocked(ctx, serviceID)
	from := state.Status

	switch state.Status {
	case StatusHalfOpen:
		state.HalfOpenSuccessCount++
		if state.HalfOpenSuccessCount >= b.ConfigFor(serviceID).SuccessThreshold {
			state = newState(serviceID)
		}
	case StatusClosed:
		if state.FailureCount == 0 {
			return
		}
		state.FailureCount = 0
	default:
		// A call admitted before another caller reopened the circuit
		return
	}

	if err := b.saveLocked(ctx, state, from); err != nil {
		b.logger.Warn().Err(err).Str("service_id", serviceID).Msg("failed to persist circuit state")
	}
}

func (b *Breaker) recordFailure(ctx context.Context, serviceID string, cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.loadLocked(ctx, serviceID)
	from := state.Status
	now := b.now()

	switch state.Status {
	case StatusHalfOpen:
		state.Status = StatusOpen
		state.OpenedAt = &now
		state.HalfOpenSuccessCount = 0
	case StatusClosed:
		state.FailureCount++
		if state.FailureCount >= b.ConfigFor(serviceID).FailureThreshold {
			state.Status = StatusOpen
			state.OpenedAt = &now
		}
	default:
		return
	}

	b.logger.Debug().Err(cause).Str("service_id", serviceID).Int("failures", state.FailureCount).Msg("call failed")
	if err := b.saveLocked(ctx, state, from); err != nil {
		b.logger.Warn().Err(err).Str("service_id", serviceID).Msg("failed to persist circuit state")
	}
}

func (b *Breaker) remainingLocked(state State) time.Duration {
	if state.OpenedAt == nil {
		return 0
	}
	timeout := b.ConfigFor(state.ServiceID).Timeout
	return timeout - b.now().Sub(*state.OpenedAt)
}

// loadLocked returns the stored state, or a fresh closed state if none exists
// or the store fails.
func (b *Breaker) loadLocked(ctx context.Context, serviceID string) State {
	state, ok, err := b.store.Load(ctx, serviceID)
	if err != nil {
		b.logger.Warn().Err(err).Str("service_id", serviceID).Msg("failed to load circuit state")
	}
	if err != nil || !ok {
		return newState(serviceID)
	}
	if state.ServiceID == "" {
		state.ServiceID = serviceID
	}
	// An open circuit without a timestamp would never recover
	if state.Status == StatusOpen && state.OpenedAt == nil {
		now := b.now()
		state.OpenedAt = &now
	}
	return state
}

func (b *Breaker) saveLocked(ctx context.Context, state State, from Status) error {
	if err := b.store.Save(ctx, state); err != nil {
		return fmt.Errorf("failed to save circuit state for %s: %w", state.ServiceID, err)
	}
	if from != state.Status {
		b.logger.Info().
			Str("service_id", state.ServiceID).
			Str("from", string(from)).
			Str("to", string(state.Status)).
			Msg("circuit state changed")
		if b.observer != nil {
			b.observer.RecordBreakerTransition(state.ServiceID, string(from), string(state.Status))
		}
	}
	return nil
}
