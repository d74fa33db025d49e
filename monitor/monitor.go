// Package monitor keeps timings of recent operations, per-operation
// aggregates and the matching Prometheus metrics.
package monitor

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const DefaultCapacity = 256

type Timing struct {
	Operation    string
	StartedAt    time.Time
	EndedAt      time.Time
	Success      bool
	ResourceKeys []string
}

func (t Timing) Duration() time.Duration {
	return t.EndedAt.Sub(t.StartedAt)
}

type Aggregate struct {
	Operation string
	Count     int64
	Failures  int64
	Sum       time.Duration
	Min       time.Duration
	Max       time.Duration
}

func (a Aggregate) Mean() time.Duration {
	if a.Count == 0 {
		return 0
	}
	return a.Sum / time.Duration(a.Count)
}

type Stats struct {
	Recent     []Timing
	Operations []Aggregate
}

type Monitor struct {
	mu         sync.Mutex
	ring       []Timing
	next       int
	full       bool
	aggregates map[string]*Aggregate

	operations *prometheus.CounterVec
	durations  *prometheus.HistogramVec
}

// New creates a monitor holding up to capacity recent timings. Metrics are
// registered on reg; a nil reg gets a private registry.
func New(capacity int, reg prometheus.Registerer) *Monitor {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	var factory = promauto.With(reg)
	return &Monitor{
		ring:       make([]Timing, capacity),
		aggregates: make(map[string]*Aggregate),
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gws_admin_operations_total",
			Help: "Operations performed, by operation and result.",
		}, []string{"operation", "result"}),
		durations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gws_admin_operation_duration_seconds",
			Help:    "Operation duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

func (m *Monitor) Record(operation string, started, ended time.Time, success bool, keys ...string) {
	m.Add(Timing{Operation: operation, StartedAt: started, EndedAt: ended, Success: success, ResourceKeys: keys})
}

func (m *Monitor) Add(t Timing) {
	var d = t.Duration()
	m.mu.Lock()
	m.ring[m.next] = t
	m.next = (m.next + 1) % len(m.ring)
	if m.next == 0 {
		m.full = true
	}
	var agg, ok = m.aggregates[t.Operation]
	if !ok {
		agg = &Aggregate{Operation: t.Operation, Min: d, Max: d}
		m.aggregates[t.Operation] = agg
	}
	agg.Count++
	agg.Sum += d
	if !t.Success {
		agg.Failures++
	}
	if d < agg.Min {
		agg.Min = d
	}
	if d > agg.Max {
		agg.Max = d
	}
	m.mu.Unlock()

	var result = "ok"
	if !t.Success {
		result = "failed"
	}
	m.operations.WithLabelValues(t.Operation, result).Inc()
	m.durations.WithLabelValues(t.Operation).Observe(d.Seconds())
}

// Recent returns the retained timings, oldest first.
func (m *Monitor) Recent() []Timing {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.full {
		return slices.Clone(m.ring[:m.next])
	}
	return append(slices.Clone(m.ring[m.next:]), m.ring[:m.next]...)
}

// Count returns how many timings were recorded for operation.
func (m *Monitor) Count(operation string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if agg, ok := m.aggregates[operation]; ok {
		return agg.Count
	}
	return 0
}

func (m *Monitor) Stats() Stats {
	var s = Stats{Recent: m.Recent()}
	m.mu.Lock()
	for _, agg := range m.aggregates {
		s.Operations = append(s.Operations, *agg)
	}
	m.mu.Unlock()
	sort.Slice(s.Operations, func(i, j int) bool {
		return s.Operations[i].Operation < s.Operations[j].Operation
	})
	return s
}
