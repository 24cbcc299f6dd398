package monitor

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_Stats(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)

	start := time.Now()
	m.started = start
	m.now = func() time.Time { return start.Add(2 * time.Second) }

	m.RecordOperation("get", 2*time.Millisecond, nil)
	m.RecordOperation("get", 4*time.Millisecond, nil)
	m.RecordOperation("set", 10*time.Millisecond, errors.New("backend down"))
	m.RecordCacheHit()
	m.RecordCacheHit()
	m.RecordCacheHit()
	m.RecordCacheMiss()

	stats := m.Stats()
	assert.Equal(t, int64(3), stats.TotalOps)
	assert.Equal(t, int64(1), stats.TotalErrors)
	assert.InDelta(t, 1.5, stats.Throughput, 0.001)
	assert.InDelta(t, 0.75, stats.CacheHitRatio, 0.001)

	get := stats.Operations["get"]
	assert.Equal(t, int64(2), get.Count)
	assert.InDelta(t, 3.0, get.AvgLatencyMs, 0.001)
	assert.InDelta(t, 2.0, get.MinLatencyMs, 0.001)
	assert.InDelta(t, 4.0, get.MaxLatencyMs, 0.001)

	assert.Equal(t, int64(1), stats.Operations["set"].Errors)
	assert.Equal(t, []string{"get", "set"}, m.OperationNames())
}

func TestMonitor_Reset(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)

	m.RecordOperation("get", time.Millisecond, nil)
	m.RecordCacheMiss()
	m.Reset()

	stats := m.Stats()
	assert.Zero(t, stats.TotalOps)
	assert.Zero(t, stats.CacheMisses)
	assert.Zero(t, stats.CacheHitRatio)
	assert.Empty(t, stats.Operations)
}

func TestMonitor_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.RecordOperation("get", time.Millisecond, nil)
	m.RecordCacheHit()
	m.RecordBreakerTransition("mesh.backend", "closed", "open")
	m.RecordLimitExceeded("concurrent_units")

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"semanticmesh_mesh_operations_total",
		"semanticmesh_mesh_operation_duration_seconds",
		"semanticmesh_cache_lookups_total",
		"semanticmesh_breaker_state",
		"semanticmesh_breaker_transitions_total",
		"semanticmesh_safety_limit_exceeded_total",
	} {
		assert.True(t, names[want], "missing metric family %s", want)
	}

	// A second monitor on the same registry tolerates existing collectors
	_, err = New(reg)
	assert.NoError(t, err)
}

func TestStateLevel(t *testing.T) {
	assert.Equal(t, 0.0, stateLevel("closed"))
	assert.Equal(t, 1.0, stateLevel("half_open"))
	assert.Equal(t, 2.0, stateLevel("open"))
}
