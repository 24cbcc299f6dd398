package safety

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/semanticmesh-go/internal/backend/memory"
	"github.com/rmacdonaldsmith/semanticmesh-go/pkg/faults"
)

type countingObserver struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *countingObserver) RecordLimitExceeded(limit string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = make(map[string]int)
	}
	o.counts[limit]++
}

func newTestEnforcer(t *testing.T, cfg *Config, opts ...Option) *Enforcer {
	t.Helper()
	e, err := NewEnforcer(cfg, opts...)
	require.NoError(t, err)
	return e
}

func TestConfig_Defaults(t *testing.T) {
	e := newTestEnforcer(t, nil)
	limits := e.Limits()

	assert.Equal(t, 30*time.Second, limits.MaxUnitExecutionTime)
	assert.Equal(t, uint64(256*1024*1024), limits.MaxMemoryPerUnit)
	assert.Equal(t, 1000, limits.MaxMeshKeysPerUnit)
	assert.Equal(t, int64(20000), limits.MaxConcurrentUnits)
	assert.Equal(t, 1024*1024, limits.MaxMeshValueSize)
	assert.Equal(t, 5, limits.MaxRecursionDepth)
}

func TestConfig_ZeroLimit(t *testing.T) {
	e := newTestEnforcer(t, &Config{Limits: Limits{
		MaxRecursionDepth:  ZeroLimit,
		MaxMeshKeysPerUnit: ZeroLimit,
	}})
	limits := e.Limits()
	assert.Equal(t, 0, limits.MaxRecursionDepth)
	assert.Equal(t, 0, limits.MaxMeshKeysPerUnit)
	assert.Equal(t, int64(20000), limits.MaxConcurrentUnits)

	assert.NoError(t, e.CheckRecursionDepth(0))
	assert.ErrorIs(t, e.CheckRecursionDepth(1), ErrLimitExceeded)
	assert.NoError(t, e.CheckMeshKeysLimit(nil))
	assert.ErrorIs(t, e.CheckMeshKeysLimit([]string{"mesh.k"}), ErrLimitExceeded)

	_, err := NewEnforcer(&Config{Limits: Limits{MaxRecursionDepth: -2}})
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"unknown scope", Config{Scope: "global"}},
		{"negative time", Config{Limits: Limits{MaxUnitExecutionTime: -time.Second}}},
		{"negative keys", Config{Limits: Limits{MaxMeshKeysPerUnit: -1}}},
		{"ratio above one", Config{MemoryPressureRatio: 1.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEnforcer(&tt.cfg)
			assert.Error(t, err)
		})
	}

	_, err := NewEnforcer(&Config{Scope: ScopeShared})
	assert.Error(t, err, "shared scope without backend")
}

func TestEnforcer_ConcurrencyCeiling(t *testing.T) {
	const max = 20000
	e := newTestEnforcer(t, &Config{Limits: Limits{MaxConcurrentUnits: max}})
	ctx := context.Background()

	for i := 0; i < max; i++ {
		require.NoError(t, e.CheckExecutionStart(ctx, fmt.Sprintf("unit-%d", i)))
	}

	err := e.CheckExecutionStart(ctx, "unit-overflow")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLimitExceeded)
	var limitErr *LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, LimitConcurrency, limitErr.Limit)
	assert.True(t, faults.IsTerminal(err))

	require.NoError(t, e.RecordExecutionEnd(ctx, "unit-0"))
	assert.NoError(t, e.CheckExecutionStart(ctx, "unit-overflow"))
}

func TestEnforcer_RestartDoesNotDoubleCount(t *testing.T) {
	e := newTestEnforcer(t, &Config{Limits: Limits{MaxConcurrentUnits: 1}})
	ctx := context.Background()

	require.NoError(t, e.CheckExecutionStart(ctx, "a"))
	require.NoError(t, e.CheckExecutionStart(ctx, "a"))
	assert.Equal(t, int64(1), e.Status(ctx).ConcurrentUnits)
}

func TestEnforcer_CounterNeverNegative(t *testing.T) {
	e := newTestEnforcer(t, nil)
	ctx := context.Background()

	require.NoError(t, e.RecordExecutionEnd(ctx, "never-started"))
	require.NoError(t, e.CheckExecutionStart(ctx, "a"))
	require.NoError(t, e.RecordExecutionEnd(ctx, "a"))
	require.NoError(t, e.RecordExecutionEnd(ctx, "a"))

	assert.Equal(t, int64(0), e.Status(ctx).ConcurrentUnits)
}

func TestEnforcer_ExecutionTime(t *testing.T) {
	now := time.Now()
	e := newTestEnforcer(t, &Config{Limits: Limits{MaxUnitExecutionTime: time.Second}},
		WithClock(func() time.Time { return now }))
	ctx := context.Background()

	assert.NoError(t, e.CheckExecutionTime("unknown"), "no recorded start is a no-op")

	require.NoError(t, e.CheckExecutionStart(ctx, "u"))
	now = now.Add(500 * time.Millisecond)
	assert.NoError(t, e.CheckExecutionTime("u"))

	now = now.Add(time.Second)
	err := e.CheckExecutionTime("u")
	var limitErr *LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, LimitExecutionTime, limitErr.Limit)
	assert.Equal(t, "u", limitErr.UnitID)

	require.NoError(t, e.RecordExecutionEnd(ctx, "u"))
	assert.NoError(t, e.CheckExecutionTime("u"), "ended units pass")
}

func TestEnforcer_MemoryUsage(t *testing.T) {
	var heap atomic.Uint64
	heap.Store(100)
	e := newTestEnforcer(t, &Config{Limits: Limits{MaxMemoryPerUnit: 1000}},
		WithMemoryReader(heap.Load))
	ctx := context.Background()

	require.NoError(t, e.CheckExecutionStart(ctx, "u"))

	heap.Store(1000)
	assert.NoError(t, e.CheckMemoryUsage("u"))

	heap.Store(50)
	assert.NoError(t, e.CheckMemoryUsage("u"), "heap shrink is not usage")

	heap.Store(1200)
	err := e.CheckMemoryUsage("u")
	var limitErr *LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, LimitMemory, limitErr.Limit)
	assert.Equal(t, int64(1100), limitErr.Actual)
}

func TestEnforcer_StatelessChecks(t *testing.T) {
	observer := &countingObserver{}
	e := newTestEnforcer(t, &Config{Limits: Limits{
		MaxMeshKeysPerUnit: 2,
		MaxMeshValueSize:   10,
		MaxRecursionDepth:  3,
	}}, WithObserver(observer))

	assert.NoError(t, e.CheckMeshKeysLimit([]string{"a", "b"}))
	assert.ErrorIs(t, e.CheckMeshKeysLimit([]string{"a", "b", "c"}), ErrLimitExceeded)

	assert.NoError(t, e.CheckMeshValueSize([]byte("0123456789")))
	assert.ErrorIs(t, e.CheckMeshValueSize(strings.Repeat("x", 11)), ErrLimitExceeded)
	assert.NoError(t, e.CheckMeshValueSize(map[string]int{"a": 1}))
	assert.ErrorIs(t, e.CheckMeshValueSize(map[string]string{"key": "value"}), ErrLimitExceeded)
	assert.Error(t, e.CheckMeshValueSize(make(chan int)), "unencodable values cannot be measured")

	assert.NoError(t, e.CheckRecursionDepth(3))
	assert.ErrorIs(t, e.CheckRecursionDepth(4), ErrLimitExceeded)

	assert.Equal(t, 1, observer.counts[LimitMeshKeys])
	assert.Equal(t, 2, observer.counts[LimitValueSize])
	assert.Equal(t, 1, observer.counts[LimitRecursion])
}

func TestEnforcer_EmergencyBrake(t *testing.T) {
	e := newTestEnforcer(t, &Config{Limits: Limits{MaxConcurrentUnits: 2}})
	ctx := context.Background()

	require.NoError(t, e.CheckExecutionStart(ctx, "a"))
	require.NoError(t, e.CheckExecutionStart(ctx, "b"))
	assert.False(t, e.IsWithinSafetyLimits(ctx))

	require.NoError(t, e.EmergencyBrake(ctx))
	status := e.Status(ctx)
	assert.Zero(t, status.ActiveUnits)
	assert.Zero(t, status.ConcurrentUnits)
	assert.True(t, e.IsWithinSafetyLimits(ctx))
	assert.NoError(t, e.CheckExecutionTime("a"), "braked units are forgotten")
}

func TestEnforcer_MemoryPressure(t *testing.T) {
	var heap atomic.Uint64
	heap.Store(500)
	e := newTestEnforcer(t, nil,
		WithMemoryReader(heap.Load),
		WithMemoryLimit(func() int64 { return 1000 }))
	ctx := context.Background()

	assert.True(t, e.IsWithinSafetyLimits(ctx))
	heap.Store(950)
	assert.False(t, e.IsWithinSafetyLimits(ctx))

	status := e.Status(ctx)
	assert.Equal(t, int64(1000), status.MemoryLimit)
	assert.False(t, status.WithinLimits)
}

func TestEnforcer_Run(t *testing.T) {
	e := newTestEnforcer(t, &Config{Limits: Limits{MaxConcurrentUnits: 1}})
	ctx := context.Background()

	errWork := errors.New("work failed")
	err := e.Run(ctx, "job", func(ctx context.Context) error {
		assert.Equal(t, 1, e.Status(ctx).ActiveUnits)
		assert.ErrorIs(t, e.CheckExecutionStart(ctx, "other"), ErrLimitExceeded)
		return errWork
	})
	assert.ErrorIs(t, err, errWork)
	assert.Zero(t, e.Status(ctx).ActiveUnits, "unit released after fn returns")

	require.NoError(t, e.Run(ctx, "job-2", func(ctx context.Context) error { return nil }))
}

func TestEnforcer_SharedScope(t *testing.T) {
	b := memory.NewInMemoryBackend()
	defer b.Close()
	ctx := context.Background()

	cfg := &Config{Limits: Limits{MaxConcurrentUnits: 2}, Scope: ScopeShared}
	first := newTestEnforcer(t, cfg, WithBackend(b))
	second := newTestEnforcer(t, cfg, WithBackend(b))

	require.NoError(t, first.CheckExecutionStart(ctx, "a"))
	require.NoError(t, second.CheckExecutionStart(ctx, "b"))

	err := first.CheckExecutionStart(ctx, "c")
	assert.ErrorIs(t, err, ErrLimitExceeded, "ceiling spans both processes")

	raw, _, err := b.Get(ctx, DefaultSharedCounterKey)
	require.NoError(t, err)
	assert.Equal(t, "2", string(raw), "rejected start is rolled back")

	require.NoError(t, second.RecordExecutionEnd(ctx, "b"))
	require.NoError(t, first.CheckExecutionStart(ctx, "c"))
	assert.Equal(t, int64(2), first.Status(ctx).ConcurrentUnits)

	require.NoError(t, second.EmergencyBrake(ctx))
	assert.Equal(t, int64(0), first.Status(ctx).ConcurrentUnits)

	// Ending a unit after a brake reset keeps the counter at zero
	require.NoError(t, first.RecordExecutionEnd(ctx, "a"))
	raw, _, err = b.Get(ctx, DefaultSharedCounterKey)
	require.NoError(t, err)
	assert.Equal(t, "0", string(raw))
}
