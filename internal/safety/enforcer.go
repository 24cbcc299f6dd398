// Package safety implements the Safety Limits Enforcer, an admission-control
// gate for units of work that use the Mesh Store.
//
// Every check is cooperative: callers invoke the checks at well-defined
// points (before starting a unit, periodically while it runs, before mesh
// writes) and abort the unit when a check returns a *LimitError. Nothing here
// preempts a running unit.
package safety

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"runtime"
	"runtime/debug"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/semanticmesh-go/pkg/backend"
)

// LimitObserver is notified of every limit breach.
type LimitObserver interface {
	RecordLimitExceeded(limit string)
}

type unitRecord struct {
	unitID         string
	startTime      time.Time
	memoryBaseline uint64
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithBackend sets the backend holding the shared concurrency counter.
func WithBackend(b backend.Backend) Option {
	return func(e *Enforcer) { e.backend = b }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Enforcer) { e.logger = logger.With().Str("component", "safety").Logger() }
}

// WithObserver reports limit breaches to o.
func WithObserver(o LimitObserver) Option {
	return func(e *Enforcer) { e.observer = o }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Enforcer) { e.now = now }
}

// WithMemoryReader replaces the heap usage reader.
func WithMemoryReader(read func() uint64) Option {
	return func(e *Enforcer) { e.readMemory = read }
}

// WithMemoryLimit replaces the reader of the process memory limit.
// A limit of math.MaxInt64 or less than 1 means no limit.
func WithMemoryLimit(limit func() int64) Option {
	return func(e *Enforcer) { e.memoryLimit = limit }
}

// Enforcer tracks running units and enforces the configured limits.
// It is safe for concurrent use.
type Enforcer struct {
	config Config

	mu      sync.Mutex
	units   map[string]unitRecord
	current int64 // local concurrency counter

	backend     backend.Backend
	observer    LimitObserver
	logger      zerolog.Logger
	now         func() time.Time
	readMemory  func() uint64
	memoryLimit func() int64
}

// NewEnforcer creates an Enforcer. A nil config uses the default limits.
func NewEnforcer(config *Config, opts ...Option) (*Enforcer, error) {
	var cfg Config
	if config != nil {
		cfg = *config
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.SetDefaults()

	e := &Enforcer{
		config:      cfg,
		units:       make(map[string]unitRecord),
		logger:      zerolog.Nop(),
		now:         time.Now,
		readMemory:  heapInUse,
		memoryLimit: runtimeMemoryLimit,
	}
	for _, opt := range opts {
		opt(e)
	}

	if cfg.Scope == ScopeShared && e.backend == nil {
		return nil, errors.New("shared concurrency scope requires a backend")
	}
	return e, nil
}

// Limits returns the effective limits.
func (e *Enforcer) Limits() Limits {
	return e.config.Limits
}

// CheckExecutionStart admits a unit, failing if the concurrency ceiling is
// reached. Starting a unit that is already tracked refreshes its start time
// and memory baseline without counting it twice.
func (e *Enforcer) CheckExecutionStart(ctx context.Context, unitID string) error {
	if unitID == "" {
		return errors.New("unit ID cannot be empty")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	record := unitRecord{unitID: unitID, startTime: e.now(), memoryBaseline: e.readMemory()}
	if _, tracked := e.units[unitID]; tracked {
		e.units[unitID] = record
		return nil
	}

	switch e.config.Scope {
	case ScopeShared:
		n, err := e.backend.IncrBy(ctx, e.config.SharedCounterKey, 1)
		if err != nil {
			return fmt.Errorf("failed to increment shared unit counter: %w", err)
		}
		if n > e.config.MaxConcurrentUnits {
			if _, err := e.backend.IncrBy(ctx, e.config.SharedCounterKey, -1); err != nil {
				e.logger.Error().Err(err).Msg("failed to release shared unit counter")
			}
			return e.exceeded(LimitConcurrency, unitID, n, e.config.MaxConcurrentUnits)
		}
	default:
		if e.current >= e.config.MaxConcurrentUnits {
			return e.exceeded(LimitConcurrency, unitID, e.current+1, e.config.MaxConcurrentUnits)
		}
	}

	e.current++
	e.units[unitID] = record
	e.logger.Debug().Str("unit_id", unitID).Int64("active", e.current).Msg("unit started")
	return nil
}

// CheckExecutionTime fails if the unit has run longer than the limit.
// Units without a recorded start pass.
func (e *Enforcer) CheckExecutionTime(unitID string) error {
	e.mu.Lock()
	record, ok := e.units[unitID]
	e.mu.Unlock()
	if !ok {
		return nil
	}

	elapsed := e.now().Sub(record.startTime)
	if elapsed > e.config.MaxUnitExecutionTime {
		return e.exceeded(LimitExecutionTime, unitID, elapsed.Milliseconds(), e.config.MaxUnitExecutionTime.Milliseconds())
	}
	return nil
}

// CheckMemoryUsage fails if heap growth since the unit started exceeds the limit.
// Units without a recorded start pass.
func (e *Enforcer) CheckMemoryUsage(unitID string) error {
	e.mu.Lock()
	record, ok := e.units[unitID]
	e.mu.Unlock()
	if !ok {
		return nil
	}

	current := e.readMemory()
	if current <= record.memoryBaseline {
		return nil
	}
	used := current - record.memoryBaseline
	if used > e.config.MaxMemoryPerUnit {
		return e.exceeded(LimitMemory, unitID, clampInt64(used), clampInt64(e.config.MaxMemoryPerUnit))
	}
	return nil
}

// CheckMeshKeysLimit fails if more keys are requested than one unit may touch.
func (e *Enforcer) CheckMeshKeysLimit(keys []string) error {
	if len(keys) > e.config.MaxMeshKeysPerUnit {
		return e.exceeded(LimitMeshKeys, "", int64(len(keys)), int64(e.config.MaxMeshKeysPerUnit))
	}
	return nil
}

// CheckMeshValueSize fails if the serialized value exceeds the size limit.
// Byte slices and strings are measured as-is; other values are JSON encoded.
func (e *Enforcer) CheckMeshValueSize(value any) error {
	var size int
	switch v := value.(type) {
	case []byte:
		size = len(v)
	case json.RawMessage:
		size = len(v)
	case string:
		size = len(v)
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to measure value: %w", err)
		}
		size = len(data)
	}

	if size > e.config.MaxMeshValueSize {
		return e.exceeded(LimitValueSize, "", int64(size), int64(e.config.MaxMeshValueSize))
	}
	return nil
}

// CheckRecursionDepth fails if depth exceeds the limit.
func (e *Enforcer) CheckRecursionDepth(depth int) error {
	if depth > e.config.MaxRecursionDepth {
		return e.exceeded(LimitRecursion, "", int64(depth), int64(e.config.MaxRecursionDepth))
	}
	return nil
}

// RecordExecutionEnd releases a unit. Ending an unknown unit is a no-op, so
// the counter never goes below zero.
func (e *Enforcer) RecordExecutionEnd(ctx context.Context, unitID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.units[unitID]; !ok {
		return nil
	}
	delete(e.units, unitID)
	if e.current > 0 {
		e.current--
	}

	if e.config.Scope == ScopeShared {
		n, err := e.backend.IncrBy(ctx, e.config.SharedCounterKey, -1)
		if err != nil {
			return fmt.Errorf("failed to decrement shared unit counter: %w", err)
		}
		if n < 0 {
			// Another process reset the counter while this unit ran
			if err := e.backend.Set(ctx, e.config.SharedCounterKey, []byte("0"), 0); err != nil {
				return fmt.Errorf("failed to reset shared unit counter: %w", err)
			}
		}
	}

	e.logger.Debug().Str("unit_id", unitID).Int64("active", e.current).Msg("unit ended")
	return nil
}

// EmergencyBrake forgets every tracked unit and resets the counter to zero.
// Under ScopeShared the shared counter is reset for all processes.
func (e *Enforcer) EmergencyBrake(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	dropped := len(e.units)
	e.units = make(map[string]unitRecord)
	e.current = 0

	e.logger.Warn().Int("dropped_units", dropped).Msg("emergency brake engaged")

	if e.config.Scope == ScopeShared {
		if err := e.backend.Set(ctx, e.config.SharedCounterKey, []byte("0"), 0); err != nil {
			return fmt.Errorf("failed to reset shared unit counter: %w", err)
		}
	}
	return nil
}

// Run admits unitID, runs fn and releases the unit when fn returns.
func (e *Enforcer) Run(ctx context.Context, unitID string, fn func(ctx context.Context) error) error {
	if err := e.CheckExecutionStart(ctx, unitID); err != nil {
		return err
	}
	defer func() {
		// The caller's context may already be cancelled; release regardless
		if err := e.RecordExecutionEnd(context.WithoutCancel(ctx), unitID); err != nil {
			e.logger.Error().Err(err).Str("unit_id", unitID).Msg("failed to release unit")
		}
	}()
	return fn(ctx)
}

// IsWithinSafetyLimits reports whether there is concurrency headroom and the
// process is below its memory pressure threshold.
func (e *Enforcer) IsWithinSafetyLimits(ctx context.Context) bool {
	concurrent, err := e.concurrentUnits(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed to read concurrent unit count")
		return false
	}
	if concurrent >= e.config.MaxConcurrentUnits {
		return false
	}
	return !e.underMemoryPressure()
}

// Status is a snapshot of the enforcer for operators.
type Status struct {
	Scope           Scope    `json:"scope"`
	ActiveUnits     int      `json:"active_units"`
	ConcurrentUnits int64    `json:"concurrent_units"`
	HeapInUse       uint64   `json:"heap_in_use"`
	MemoryLimit     int64    `json:"memory_limit,omitempty"`
	WithinLimits    bool     `json:"within_limits"`
	Limits          Limits   `json:"limits"`
	Units           []string `json:"units,omitempty"`
}

// Status returns the current enforcer state.
func (e *Enforcer) Status(ctx context.Context) Status {
	e.mu.Lock()
	units := make([]string, 0, len(e.units))
	for id := range e.units {
		units = append(units, id)
	}
	e.mu.Unlock()
	sort.Strings(units)

	concurrent, err := e.concurrentUnits(ctx)
	if err != nil {
		concurrent = -1
	}

	status := Status{
		Scope:           e.config.Scope,
		ActiveUnits:     len(units),
		ConcurrentUnits: concurrent,
		HeapInUse:       e.readMemory(),
		WithinLimits:    e.IsWithinSafetyLimits(ctx),
		Limits:          e.config.Limits,
		Units:           units,
	}
	if limit := e.memoryLimit(); limit > 0 && limit != math.MaxInt64 {
		status.MemoryLimit = limit
	}
	return status
}

func (e *Enforcer) concurrentUnits(ctx context.Context) (int64, error) {
	if e.config.Scope != ScopeShared {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.current, nil
	}

	raw, ok, err := e.backend.Get(ctx, e.config.SharedCounterKey)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("shared unit counter is not an integer: %w", err)
	}
	return n, nil
}

func (e *Enforcer) underMemoryPressure() bool {
	limit := e.memoryLimit()
	if limit <= 0 || limit == math.MaxInt64 {
		return false
	}
	threshold := uint64(float64(limit) * e.config.MemoryPressureRatio)
	return e.readMemory() > threshold
}

func (e *Enforcer) exceeded(limit, unitID string, actual, max int64) error {
	e.logger.Warn().
		Str("limit", limit).
		Str("unit_id", unitID).
		Int64("actual", actual).
		Int64("max", max).
		Msg("safety limit exceeded")
	if e.observer != nil {
		e.observer.RecordLimitExceeded(limit)
	}
	return &LimitError{Limit: limit, UnitID: unitID, Actual: actual, Max: max}
}

func heapInUse() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.HeapAlloc
}

// runtimeMemoryLimit reads the soft memory limit without changing it.
func runtimeMemoryLimit() int64 {
	return debug.SetMemoryLimit(-1)
}

func clampInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}
