// Package monitor implements the Performance Monitor. It aggregates latency,
// throughput and cache hit-ratio statistics from Mesh Store operations and
// exports them, together with breaker and safety events, as Prometheus
// collectors.
package monitor

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "semanticmesh"

// OperationStats summarizes one operation type.
type OperationStats struct {
	Count        int64   `json:"count"`
	Errors       int64   `json:"errors"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	MinLatencyMs float64 `json:"min_latency_ms"`
	MaxLatencyMs float64 `json:"max_latency_ms"`
}

// Stats is a point-in-time view of the aggregated statistics.
type Stats struct {
	Uptime        time.Duration             `json:"uptime"`
	TotalOps      int64                     `json:"total_ops"`
	TotalErrors   int64                     `json:"total_errors"`
	Throughput    float64                   `json:"throughput_ops_per_sec"`
	CacheHits     int64                     `json:"cache_hits"`
	CacheMisses   int64                     `json:"cache_misses"`
	CacheHitRatio float64                   `json:"cache_hit_ratio"`
	Operations    map[string]OperationStats `json:"operations"`
}

type opCounters struct {
	count  int64
	errors int64
	total  time.Duration
	min    time.Duration
	max    time.Duration
}

// Monitor records mesh activity. It is safe for concurrent use.
type Monitor struct {
	mu          sync.Mutex
	ops         map[string]*opCounters
	cacheHits   int64
	cacheMisses int64
	started     time.Time
	now         func() time.Time

	opsTotal           *prometheus.CounterVec
	opDuration         *prometheus.HistogramVec
	cacheLookups       *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	limitRejections    *prometheus.CounterVec
}

// New creates a Monitor and registers its collectors on reg.
// A nil reg keeps the collectors unregistered.
func New(reg prometheus.Registerer) (*Monitor, error) {
	m := &Monitor{
		ops:     make(map[string]*opCounters),
		started: time.Now(),
		now:     time.Now,

		opsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "mesh",
				Name:      "operations_total",
				Help:      "Total Mesh Store operations.",
			},
			[]string{"operation", "status"},
		),
		opDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "mesh",
				Name:      "operation_duration_seconds",
				Help:      "Mesh Store operation duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Cache Tier lookups by result.",
			},
			[]string{"result"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "breaker",
				Name:      "state",
				Help:      "Circuit state per service (0 closed, 1 half-open, 2 open).",
			},
			[]string{"service"},
		),
		breakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "breaker",
				Name:      "transitions_total",
				Help:      "Circuit state transitions.",
			},
			[]string{"service", "to"},
		),
		limitRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "safety",
				Name:      "limit_exceeded_total",
				Help:      "Safety limit breaches by limit.",
			},
			[]string{"limit"},
		),
	}

	if reg != nil {
		var err error
		if m.opsTotal, err = register(reg, m.opsTotal); err != nil {
			return nil, err
		}
		if m.opDuration, err = register(reg, m.opDuration); err != nil {
			return nil, err
		}
		if m.cacheLookups, err = register(reg, m.cacheLookups); err != nil {
			return nil, err
		}
		if m.breakerState, err = register(reg, m.breakerState); err != nil {
			return nil, err
		}
		if m.breakerTransitions, err = register(reg, m.breakerTransitions); err != nil {
			return nil, err
		}
		if m.limitRejections, err = register(reg, m.limitRejections); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// RecordOperation records one Mesh Store operation.
func (m *Monitor) RecordOperation(op string, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.opsTotal.WithLabelValues(op, status).Inc()
	m.opDuration.WithLabelValues(op).Observe(duration.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.ops[op]
	if !ok {
		c = &opCounters{min: duration}
		m.ops[op] = c
	}
	c.count++
	if err != nil {
		c.errors++
	}
	c.total += duration
	if duration < c.min {
		c.min = duration
	}
	if duration > c.max {
		c.max = duration
	}
}

// RecordCacheHit counts a Cache Tier hit.
func (m *Monitor) RecordCacheHit() {
	m.cacheLookups.WithLabelValues("hit").Inc()
	m.mu.Lock()
	m.cacheHits++
	m.mu.Unlock()
}

// RecordCacheMiss counts a Cache Tier miss.
func (m *Monitor) RecordCacheMiss() {
	m.cacheLookups.WithLabelValues("miss").Inc()
	m.mu.Lock()
	m.cacheMisses++
	m.mu.Unlock()
}

// RecordBreakerTransition records a circuit moving to state "closed", "half_open" or "open".
func (m *Monitor) RecordBreakerTransition(service, from, to string) {
	m.breakerTransitions.WithLabelValues(service, to).Inc()
	m.breakerState.WithLabelValues(service).Set(stateLevel(to))
}

// RecordLimitExceeded counts a safety limit breach.
func (m *Monitor) RecordLimitExceeded(limit string) {
	m.limitRejections.WithLabelValues(limit).Inc()
}

// Stats returns the aggregated statistics since creation or the last Reset.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	uptime := m.now().Sub(m.started)
	stats := Stats{
		Uptime:      uptime,
		CacheHits:   m.cacheHits,
		CacheMisses: m.cacheMisses,
		Operations:  make(map[string]OperationStats, len(m.ops)),
	}

	for name, c := range m.ops {
		stats.TotalOps += c.count
		stats.TotalErrors += c.errors
		stats.Operations[name] = OperationStats{
			Count:        c.count,
			Errors:       c.errors,
			AvgLatencyMs: millis(c.total) / float64(c.count),
			MinLatencyMs: millis(c.min),
			MaxLatencyMs: millis(c.max),
		}
	}

	if lookups := m.cacheHits + m.cacheMisses; lookups > 0 {
		stats.CacheHitRatio = float64(m.cacheHits) / float64(lookups)
	}
	if secs := uptime.Seconds(); secs > 0 {
		stats.Throughput = float64(stats.TotalOps) / secs
	}
	return stats
}

// OperationNames returns the recorded operation names in sorted order.
func (m *Monitor) OperationNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.ops))
	for name := range m.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset clears the aggregated statistics. Prometheus counters are monotonic and are not reset.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ops = make(map[string]*opCounters)
	m.cacheHits = 0
	m.cacheMisses = 0
	m.started = m.now()
}

// register adds c to reg, reusing an identical collector registered earlier.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func stateLevel(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
