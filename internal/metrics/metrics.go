// Package metrics exposes engine activity as Prometheus metrics on a private
// registry: query latency, cache effectiveness, job transitions and the
// committed index version.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Aman-CERP/dicomindex/internal/cache"
	"github.com/Aman-CERP/dicomindex/internal/jobs"
	"github.com/Aman-CERP/dicomindex/internal/telemetry"
)

const namespace = "dicomindex"

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	QueriesTotal  *prometheus.CounterVec
	QueryDuration prometheus.Histogram
	JobsTotal     *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
	RecordsTotal  *prometheus.CounterVec

	mu        sync.Mutex
	gaugeSets map[string]bool
	startTime time.Time
}

// New creates all collectors on a fresh registry, including the Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		gaugeSets: make(map[string]bool),
		startTime: time.Now(),
	}

	m.QueriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Executed filter queries by cache use and result outcome",
		},
		[]string{"cached", "outcome"},
	)
	m.QueryDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Filter query latency in seconds",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		},
	)
	m.JobsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Indexing job state transitions",
		},
		[]string{"kind", "state"},
	)
	m.JobDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Run time of finished indexing jobs",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		},
		[]string{"kind", "state"},
	)
	m.RecordsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_records_total",
			Help:      "Records processed by finished indexing jobs",
		},
		[]string{"result"},
	)

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the metrics were created",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Record implements query.StatsRecorder.
func (m *Metrics) Record(e telemetry.QueryEvent) {
	outcome := "match"
	if e.IsZeroResult() {
		outcome = "empty"
	}
	cached := "false"
	if e.Cached {
		cached = "true"
	}
	m.QueriesTotal.WithLabelValues(cached, outcome).Inc()
	m.QueryDuration.Observe(e.Latency.Seconds())
}

// ObserveJob records a job transition. Register it with
// Scheduler.OnTransition.
func (m *Metrics) ObserveJob(j jobs.Job) {
	m.JobsTotal.WithLabelValues(string(j.Kind), string(j.State)).Inc()
	if !j.State.Terminal() {
		return
	}
	if !j.StartedAt.IsZero() && !j.FinishedAt.IsZero() {
		m.JobDuration.WithLabelValues(string(j.Kind), string(j.State)).
			Observe(j.FinishedAt.Sub(j.StartedAt).Seconds())
	}
	if j.State == jobs.StateCompleted {
		m.RecordsTotal.WithLabelValues("indexed").Add(float64(j.Progress.Indexed))
		m.RecordsTotal.WithLabelValues("deleted").Add(float64(j.Progress.Deleted))
		m.RecordsTotal.WithLabelValues("skipped").Add(float64(j.Progress.Skipped))
	}
}

// IndexSource reports index shape for gauges.
type IndexSource interface {
	CurrentVersion() int64
	Shape() (segments, tombstones, records int)
}

// WatchIndex registers gauges reading idx on every scrape. Calling it twice
// is a no-op.
func (m *Metrics) WatchIndex(idx IndexSource) {
	if !m.claim("index") {
		return
	}
	factory := promauto.With(m.registry)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "index_version",
		Help: "Committed index version",
	}, func() float64 { return float64(idx.CurrentVersion()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "index_segments",
		Help: "Live segments in the committed version",
	}, func() float64 { s, _, _ := idx.Shape(); return float64(s) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "index_tombstones",
		Help: "Tombstoned rows awaiting compaction",
	}, func() float64 { _, t, _ := idx.Shape(); return float64(t) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "index_records",
		Help: "Live records in the committed version",
	}, func() float64 { _, _, r := idx.Shape(); return float64(r) })
}

// WatchCache registers collectors reading stats on every scrape. Calling it
// twice is a no-op.
func (m *Metrics) WatchCache(stats func() cache.Stats) {
	if !m.claim("cache") {
		return
	}
	factory := promauto.With(m.registry)
	counter := func(name, help string, pick func(cache.Stats) uint64) {
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: name, Help: help,
		}, func() float64 { return float64(pick(stats())) })
	}
	counter("hits_total", "Cache hits", func(s cache.Stats) uint64 { return s.Hits })
	counter("misses_total", "Cache misses", func(s cache.Stats) uint64 { return s.Misses })
	counter("evictions_total", "Entries evicted by size, count or TTL", func(s cache.Stats) uint64 { return s.Evictions })
	counter("invalidations_total", "Whole-cache invalidations", func(s cache.Stats) uint64 { return s.Invalidations })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "cache", Name: "entries",
		Help: "Cached responses",
	}, func() float64 { return float64(stats().Entries) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "cache", Name: "bytes",
		Help: "Approximate bytes held by cached responses",
	}, func() float64 { return float64(stats().SizeBytes) })
}

func (m *Metrics) claim(set string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gaugeSets[set] {
		return false
	}
	m.gaugeSets[set] = true
	return true
}
