// Package metrics tracks per-operation latency, failure, and fallback
// counters plus per-backend stats, exposed both as a pure in-memory
// snapshot and as Prometheus series for real deployments.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/compresr/context-engine/internal/contextmodel"
)

// Op identifies an engine operation for per-op counters.
type Op string

const (
	OpStore    Op = "store"
	OpRetrieve Op = "retrieve"
	OpQuery    Op = "query"
	OpUpdate   Op = "update"
	OpDelete   Op = "delete"
)

const ringSize = 1000

// BackendStats is the per-backend subset of a Snapshot, reported by any
// backend implementing Reportable.
type BackendStats struct {
	Service          contextmodel.Service
	EntryCount       int64
	SizeBytes        int64
	CompressionRatio float64
	CacheHits        int64
	CacheMisses      int64
}

// Reportable is implemented by backends that can describe their own
// current footprint and (for Memory) cache hit/miss counters.
type Reportable interface {
	ReportMetrics() BackendStats
}

// opCounters holds the ring buffer and flat counters for one operation.
type opCounters struct {
	mu           sync.Mutex
	samples      [ringSize]time.Duration
	next         int
	filled       int
	total        int64
	failed       int64
	fallbackUsed int64
}

func (c *opCounters) record(d time.Duration, failed, usedFallback bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total++
	if failed {
		c.failed++
		return // failed ops are excluded from the latency ring
	}
	if usedFallback {
		c.fallbackUsed++
	}
	c.samples[c.next] = d
	c.next = (c.next + 1) % ringSize
	if c.filled < ringSize {
		c.filled++
	}
}

func (c *opCounters) snapshot() OpSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	var sum time.Duration
	for i := 0; i < c.filled; i++ {
		sum += c.samples[i]
	}
	var avg time.Duration
	if c.filled > 0 {
		avg = sum / time.Duration(c.filled)
	}
	var errorRate, fallbackRate float64
	if c.total > 0 {
		errorRate = float64(c.failed) / float64(c.total)
		fallbackRate = float64(c.fallbackUsed) / float64(c.total)
	}
	return OpSnapshot{
		Total:          c.total,
		Failed:         c.failed,
		FallbackUsed:   c.fallbackUsed,
		AverageLatency: avg,
		ErrorRate:      errorRate,
		FallbackRate:   fallbackRate,
	}
}

// OpSnapshot is the derived, read-only view of one operation's counters.
type OpSnapshot struct {
	Total          int64
	Failed         int64
	FallbackUsed   int64
	AverageLatency time.Duration
	ErrorRate      float64
	FallbackRate   float64
}

// Snapshot is the full metrics view returned by Collector.Snapshot.
type Snapshot struct {
	Ops          map[Op]OpSnapshot
	Backends     map[contextmodel.Service]BackendStats
	HealthVector map[contextmodel.Service]bool
}

// promMetrics holds the process-wide Prometheus series, registered once.
type promMetrics struct {
	opTotal     *prometheus.CounterVec
	opFailed    *prometheus.CounterVec
	opFallback  *prometheus.CounterVec
	opLatency   *prometheus.HistogramVec
	backendSize *prometheus.GaugeVec
}

var (
	promOnce sync.Once
	prom     *promMetrics
)

func promSingleton() *promMetrics {
	promOnce.Do(func() {
		prom = &promMetrics{
			opTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "context_engine",
				Name:      "operations_total",
				Help:      "Total engine operations by type.",
			}, []string{"op"}),
			opFailed: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "context_engine",
				Name:      "operations_failed_total",
				Help:      "Failed engine operations by type.",
			}, []string{"op"}),
			opFallback: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "context_engine",
				Name:      "operations_fallback_total",
				Help:      "Engine operations that used a fallback backend.",
			}, []string{"op"}),
			opLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "context_engine",
				Name:      "operation_latency_seconds",
				Help:      "Engine operation latency in seconds.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"op"}),
			backendSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "context_engine",
				Name:      "backend_size_bytes",
				Help:      "Estimated storage footprint per backend.",
			}, []string{"service"}),
		}
	})
	return prom
}

// Collector is the engine's metrics facade: every operation calls
// Record once, and GetMetrics merges the in-process counters with
// live backend reports into one Snapshot.
type Collector struct {
	ops  map[Op]*opCounters
	prom *promMetrics
}

// New constructs a Collector and registers the process-wide Prometheus
// series (idempotent across Collectors in the same process).
func New() *Collector {
	c := &Collector{ops: make(map[Op]*opCounters), prom: promSingleton()}
	for _, op := range []Op{OpStore, OpRetrieve, OpQuery, OpUpdate, OpDelete} {
		c.ops[op] = &opCounters{}
	}
	return c
}

// Record logs one operation's outcome against both the ring buffer and
// the Prometheus series.
func (c *Collector) Record(op Op, d time.Duration, failed, usedFallback bool) {
	counters, ok := c.ops[op]
	if !ok {
		counters = &opCounters{}
		c.ops[op] = counters
	}
	counters.record(d, failed, usedFallback)

	c.prom.opTotal.WithLabelValues(string(op)).Inc()
	if failed {
		c.prom.opFailed.WithLabelValues(string(op)).Inc()
	} else {
		c.prom.opLatency.WithLabelValues(string(op)).Observe(d.Seconds())
	}
	if usedFallback {
		c.prom.opFallback.WithLabelValues(string(op)).Inc()
	}
}

// Snapshot merges the in-process op counters with live backend reports
// and the current health vector into one point-in-time view.
func (c *Collector) Snapshot(backends []Reportable, health map[contextmodel.Service]bool) Snapshot {
	snap := Snapshot{
		Ops:          make(map[Op]OpSnapshot, len(c.ops)),
		Backends:     make(map[contextmodel.Service]BackendStats, len(backends)),
		HealthVector: health,
	}
	for op, counters := range c.ops {
		snap.Ops[op] = counters.snapshot()
	}
	for _, b := range backends {
		stats := b.ReportMetrics()
		snap.Backends[stats.Service] = stats
		c.prom.backendSize.WithLabelValues(string(stats.Service)).Set(float64(stats.SizeBytes))
	}
	return snap
}
