package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/semanticmesh-go/internal/backend/memory"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/cache"
	"github.com/rmacdonaldsmith/semanticmesh-go/pkg/faults"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions []string
}

func (o *recordingObserver) RecordBreakerTransition(service, from, to string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, from+"->"+to)
}

var errBoom = errors.New("boom")

func failing(ctx context.Context) (any, error)   { return nil, errBoom }
func succeeding(ctx context.Context) (any, error) { return "ok", nil }

func newTestBreaker(t *testing.T, clock *fakeClock, opts ...Option) *Breaker {
	t.Helper()
	cfg := &Config{
		Services: map[string]ServiceConfig{
			"svc": {FailureThreshold: 3, SuccessThreshold: 2, Timeout: 10 * time.Second},
		},
	}
	b, err := New(cfg, append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	return b
}

func TestBreaker_Lifecycle(t *testing.T) {
	clock := newFakeClock()
	observer := &recordingObserver{}
	b := newTestBreaker(t, clock, WithObserver(observer))
	ctx := context.Background()

	// Three consecutive failures open the circuit
	for i := 0; i < 3; i++ {
		_, err := b.Call(ctx, "svc", failing, nil)
		assert.ErrorIs(t, err, errBoom)
	}
	stats := b.GetStats(ctx, "svc")
	assert.Equal(t, StatusOpen, stats.Status)
	require.NotNil(t, stats.OpenedAt)
	assert.False(t, b.IsAvailable(ctx, "svc"))

	// Short-circuited while open
	ran := false
	_, err := b.Call(ctx, "svc", func(ctx context.Context) (any, error) {
		ran = true
		return nil, nil
	}, nil)
	assert.False(t, ran)
	assert.ErrorIs(t, err, ErrOpen)
	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "svc", openErr.ServiceID)
	assert.Equal(t, 10*time.Second, openErr.RetryAfter)
	assert.True(t, faults.IsTerminal(err))

	// After the timeout the next call probes in half-open
	clock.Advance(11 * time.Second)
	assert.True(t, b.IsAvailable(ctx, "svc"))
	result, err := b.Call(ctx, "svc", succeeding, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, StatusHalfOpen, b.GetStats(ctx, "svc").Status)

	// Second success closes it
	_, err = b.Call(ctx, "svc", succeeding, nil)
	require.NoError(t, err)
	stats = b.GetStats(ctx, "svc")
	assert.Equal(t, StatusClosed, stats.Status)
	assert.Zero(t, stats.FailureCount)
	assert.Nil(t, stats.OpenedAt)

	assert.Equal(t, []string{"closed->open", "open->half_open", "half_open->closed"}, observer.transitions)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = b.Call(ctx, "svc", failing, nil)
	}
	firstOpen := *b.GetStats(ctx, "svc").OpenedAt

	clock.Advance(11 * time.Second)
	_, err := b.Call(ctx, "svc", failing, nil)
	assert.ErrorIs(t, err, errBoom)

	stats := b.GetStats(ctx, "svc")
	assert.Equal(t, StatusOpen, stats.Status)
	require.NotNil(t, stats.OpenedAt)
	assert.True(t, stats.OpenedAt.After(firstOpen), "reopening sets a fresh openedAt")
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := newTestBreaker(t, newFakeClock())
	ctx := context.Background()

	_, _ = b.Call(ctx, "svc", failing, nil)
	_, _ = b.Call(ctx, "svc", failing, nil)
	assert.Equal(t, 2, b.GetStats(ctx, "svc").FailureCount)

	_, err := b.Call(ctx, "svc", succeeding, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, b.GetStats(ctx, "svc").FailureCount)

	// Not consecutive, so still closed
	_, _ = b.Call(ctx, "svc", failing, nil)
	_, _ = b.Call(ctx, "svc", failing, nil)
	assert.Equal(t, StatusClosed, b.GetStats(ctx, "svc").Status)
}

func TestBreaker_Fallbacks(t *testing.T) {
	ctx := context.Background()

	t.Run("fallback result replaces failure", func(t *testing.T) {
		b := newTestBreaker(t, newFakeClock())
		var seen error
		result, err := b.Call(ctx, "svc", failing, func(ctx context.Context, err error) (any, error) {
			seen = err
			return "cached", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "cached", result)
		assert.ErrorIs(t, seen, errBoom)
		assert.Equal(t, 1, b.GetStats(ctx, "svc").FailureCount, "failure still counted")
	})

	t.Run("failing fallback surfaces original error", func(t *testing.T) {
		b := newTestBreaker(t, newFakeClock())
		fallbackErr := errors.New("fallback broke")
		_, err := b.Call(ctx, "svc", failing, func(ctx context.Context, err error) (any, error) {
			return nil, fallbackErr
		})
		assert.ErrorIs(t, err, errBoom)
		assert.NotErrorIs(t, err, fallbackErr)
	})

	t.Run("open circuit passes OpenError to fallback", func(t *testing.T) {
		b := newTestBreaker(t, newFakeClock())
		require.NoError(t, b.ForceOpen(ctx, "svc"))

		var seen error
		result, err := b.Call(ctx, "svc", succeeding, func(ctx context.Context, err error) (any, error) {
			seen = err
			return "degraded", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "degraded", result)
		assert.ErrorIs(t, seen, ErrOpen)
	})

	t.Run("open circuit with failing fallback returns OpenError", func(t *testing.T) {
		b := newTestBreaker(t, newFakeClock())
		require.NoError(t, b.ForceOpen(ctx, "svc"))

		_, err := b.Call(ctx, "svc", succeeding, func(ctx context.Context, err error) (any, error) {
			return nil, errors.New("no")
		})
		assert.ErrorIs(t, err, ErrOpen)
	})
}

func TestBreaker_ForceOpenAndClose(t *testing.T) {
	b := newTestBreaker(t, newFakeClock())
	ctx := context.Background()

	require.NoError(t, b.ForceOpen(ctx, "svc"))
	assert.False(t, b.IsAvailable(ctx, "svc"))

	_, _ = b.Call(ctx, "other", failing, nil)
	require.NoError(t, b.ForceClose(ctx, "svc"))

	stats := b.GetStats(ctx, "svc")
	assert.Equal(t, StatusClosed, stats.Status)
	assert.Nil(t, stats.OpenedAt)
	assert.Zero(t, stats.FailureCount)
	assert.True(t, b.IsAvailable(ctx, "svc"))
}

func TestBreaker_ConfigDefaults(t *testing.T) {
	b, err := New(&Config{
		Services: map[string]ServiceConfig{"partial": {FailureThreshold: 1}},
	})
	require.NoError(t, err)

	unknown := b.GetStats(context.Background(), "unknown").Config
	assert.Equal(t, ServiceConfig{FailureThreshold: 5, SuccessThreshold: 2, Timeout: 60 * time.Second}, unknown)

	partial := b.ConfigFor("partial")
	assert.Equal(t, 1, partial.FailureThreshold)
	assert.Equal(t, 2, partial.SuccessThreshold)
	assert.Equal(t, 60*time.Second, partial.Timeout)

	_, err = New(&Config{Defaults: ServiceConfig{Timeout: -time.Second}})
	assert.Error(t, err)
}

func TestExecute(t *testing.T) {
	b := newTestBreaker(t, newFakeClock())
	ctx := context.Background()

	n, err := Execute(ctx, b, "svc", func(ctx context.Context) (int, error) { return 42, nil }, nil)
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	n, err = Execute(ctx, b, "svc",
		func(ctx context.Context) (int, error) { return 0, errBoom },
		func(ctx context.Context, err error) (int, error) { return -1, nil },
	)
	require.NoError(t, err)
	assert.Equal(t, -1, n)

	_, err = Execute(ctx, b, "svc", func(ctx context.Context) (int, error) { return 0, errBoom }, nil)
	assert.ErrorIs(t, err, errBoom)
}

func TestCacheStateStore_SharedState(t *testing.T) {
	be := memory.NewInMemoryBackend()
	defer be.Close()
	ctx := context.Background()
	clock := newFakeClock()

	shared := cache.NewBackendCache(be, "", 0)
	first := newTestBreaker(t, clock, WithStateStore(NewCacheStateStore(shared, "")))
	second := newTestBreaker(t, clock, WithStateStore(NewCacheStateStore(shared, "")))

	for i := 0; i < 3; i++ {
		_, _ = first.Call(ctx, "svc", failing, nil)
	}

	raw, ok, err := be.Get(ctx, DefaultStateKeyPrefix+"svc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, string(raw), `"status":"open"`)

	assert.False(t, second.IsAvailable(ctx, "svc"), "state is visible through the shared cache")
	_, err = second.Call(ctx, "svc", succeeding, nil)
	assert.ErrorIs(t, err, ErrOpen)
}

func TestCacheStateStore_CorruptStateStartsClosed(t *testing.T) {
	c := cache.NewMemoryCache(nil)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, DefaultStateKeyPrefix+"svc", []byte("{not json"), -1))

	b := newTestBreaker(t, newFakeClock(), WithStateStore(NewCacheStateStore(c, "")))
	assert.Equal(t, StatusClosed, b.GetStats(ctx, "svc").Status)
	assert.True(t, b.IsAvailable(ctx, "svc"))
}

func TestBreaker_ConcurrentCalls(t *testing.T) {
	b := newTestBreaker(t, newFakeClock())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = b.Call(ctx, "svc", failing, nil)
		}()
	}
	wg.Wait()

	stats := b.GetStats(ctx, "svc")
	assert.Equal(t, StatusOpen, stats.Status)
	assert.GreaterOrEqual(t, stats.FailureCount, 3)
}
