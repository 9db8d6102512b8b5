// Package telemetry records query-shape statistics for filter queries.
// All telemetry data is stored locally - no external reporting.
package telemetry

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// =============================================================================
// Latency Buckets
// =============================================================================

// LatencyBucket represents a latency histogram bucket.
type LatencyBucket string

const (
	BucketP1    LatencyBucket = "p1"    // <1ms
	BucketP10   LatencyBucket = "p10"   // 1-10ms
	BucketP50   LatencyBucket = "p50"   // 10-50ms
	BucketP100  LatencyBucket = "p100"  // 50-100ms
	BucketP500  LatencyBucket = "p500"  // 100-500ms
	BucketP1000 LatencyBucket = "p1000" // >=500ms
)

// LatencyToBucket converts a duration to its histogram bucket.
func LatencyToBucket(d time.Duration) LatencyBucket {
	switch {
	case d < time.Millisecond:
		return BucketP1
	case d < 10*time.Millisecond:
		return BucketP10
	case d < 50*time.Millisecond:
		return BucketP50
	case d < 100*time.Millisecond:
		return BucketP100
	case d < 500*time.Millisecond:
		return BucketP500
	default:
		return BucketP1000
	}
}

// =============================================================================
// Query Event
// =============================================================================

// QueryEvent is one executed filter query.
type QueryEvent struct {
	// Shape is the expression with values stripped, e.g. "and(eq:Modality,range:StudyDate)".
	Shape       string
	ResultCount int
	Latency     time.Duration
	Cached      bool
	Timestamp   time.Time
}

// IsZeroResult returns true if this query returned no results.
func (e QueryEvent) IsZeroResult() bool {
	return e.ResultCount == 0
}

// =============================================================================
// Circular Buffer
// =============================================================================

// CircularBuffer is a fixed-capacity FIFO buffer.
type CircularBuffer[T any] struct {
	items    []T
	head     int
	size     int
	capacity int
	mu       sync.RWMutex
}

// NewCircularBuffer creates a new circular buffer with the given capacity.
func NewCircularBuffer[T any](capacity int) *CircularBuffer[T] {
	if capacity <= 0 {
		capacity = 100
	}
	return &CircularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Add adds an item to the buffer. If full, the oldest item is evicted.
func (b *CircularBuffer[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.head] = item
	b.head = (b.head + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
}

// Items returns all items in the buffer oldest first.
func (b *CircularBuffer[T]) Items() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return []T{}
	}
	result := make([]T, b.size)
	if b.size < b.capacity {
		copy(result, b.items[:b.size])
	} else {
		copy(result, b.items[b.head:])
		copy(result[b.capacity-b.head:], b.items[:b.head])
	}
	return result
}

// Size returns the current number of items in the buffer.
func (b *CircularBuffer[T]) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// =============================================================================
// Shape Stats
// =============================================================================

// ShapeStat aggregates every execution of one query shape.
type ShapeStat struct {
	Shape        string        `json:"shape"`
	Count        int64         `json:"count"`
	ZeroResults  int64         `json:"zero_results"`
	CacheHits    int64         `json:"cache_hits"`
	TotalLatency time.Duration `json:"total_latency"`
}

// MeanLatency returns the average latency of the shape.
func (s ShapeStat) MeanLatency() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(s.Count)
}

// QueryMetricsSnapshot is an immutable snapshot of query metrics.
type QueryMetricsSnapshot struct {
	TopShapes           []ShapeStat             `json:"top_shapes"`
	ZeroResultShapes    []string                `json:"zero_result_shapes"`
	LatencyDistribution map[LatencyBucket]int64 `json:"latency_distribution"`
	TotalQueries        int64                   `json:"total_queries"`
	ZeroResultCount     int64                   `json:"zero_result_count"`
	CachedCount         int64                   `json:"cached_count"`
	Since               time.Time               `json:"since"`
}

// ZeroResultPercentage returns the percentage of zero-result queries.
func (s *QueryMetricsSnapshot) ZeroResultPercentage() float64 {
	if s.TotalQueries == 0 {
		return 0
	}
	return float64(s.ZeroResultCount) / float64(s.TotalQueries) * 100
}

// =============================================================================
// Query Metrics Store (Interface)
// =============================================================================

// QueryMetricsStore defines persistence operations for query metrics.
type QueryMetricsStore interface {
	// UpsertShapeStats adds per-shape deltas to the stored aggregates.
	UpsertShapeStats(date string, stats []ShapeStat) error

	// GetTopShapes retrieves the top N shapes by frequency.
	GetTopShapes(limit int) ([]ShapeStat, error)

	// AddZeroResultShape appends a shape to the zero-result buffer.
	AddZeroResultShape(shape string, timestamp time.Time) error

	// SaveLatencyCounts upserts daily latency histogram counts.
	SaveLatencyCounts(date string, counts map[LatencyBucket]int64) error

	// GetLatencyCounts retrieves latency distribution for a date range.
	GetLatencyCounts(from, to string) (map[LatencyBucket]int64, error)
}

// =============================================================================
// Query Metrics
// =============================================================================

// QueryMetricsConfig configures the query metrics collector.
type QueryMetricsConfig struct {
	ShapesCapacity      int           // Max distinct shapes tracked (default: 200)
	ZeroResultsCapacity int           // Max zero-result shapes kept (default: 100)
	FlushInterval       time.Duration // How often to flush to store (default: 60s, 0 = no auto-flush)
}

// DefaultQueryMetricsConfig returns sensible defaults.
func DefaultQueryMetricsConfig() QueryMetricsConfig {
	return QueryMetricsConfig{
		ShapesCapacity:      200,
		ZeroResultsCapacity: 100,
		FlushInterval:       60 * time.Second,
	}
}

// QueryMetrics collects query-shape telemetry. Thread-safe.
type QueryMetrics struct {
	mu sync.RWMutex

	shapes          *lru.Cache[string, *ShapeStat]
	pending         map[string]*ShapeStat // deltas since last flush
	zeroResults     *CircularBuffer[string]
	latencies       map[LatencyBucket]int64
	pendingLatency  map[LatencyBucket]int64
	totalQueries    int64
	zeroResultCount int64
	cachedCount     int64
	startTime       time.Time

	store       QueryMetricsStore
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closed      bool
}

// NewQueryMetrics creates a collector with default configuration.
// If store is nil, metrics are only kept in memory.
func NewQueryMetrics(store QueryMetricsStore) *QueryMetrics {
	return NewQueryMetricsWithConfig(store, DefaultQueryMetricsConfig())
}

// NewQueryMetricsWithConfig creates a collector with custom configuration.
func NewQueryMetricsWithConfig(store QueryMetricsStore, cfg QueryMetricsConfig) *QueryMetrics {
	if cfg.ShapesCapacity <= 0 {
		cfg.ShapesCapacity = 200
	}
	if cfg.ZeroResultsCapacity <= 0 {
		cfg.ZeroResultsCapacity = 100
	}

	shapes, _ := lru.New[string, *ShapeStat](cfg.ShapesCapacity)
	m := &QueryMetrics{
		shapes:         shapes,
		pending:        make(map[string]*ShapeStat),
		zeroResults:    NewCircularBuffer[string](cfg.ZeroResultsCapacity),
		latencies:      make(map[LatencyBucket]int64),
		pendingLatency: make(map[LatencyBucket]int64),
		startTime:      time.Now(),
		store:          store,
		stopCh:         make(chan struct{}),
	}

	if cfg.FlushInterval > 0 && store != nil {
		m.flushTicker = time.NewTicker(cfg.FlushInterval)
		go m.flushLoop()
	}
	return m
}

func (m *QueryMetrics) flushLoop() {
	for {
		select {
		case <-m.flushTicker.C:
			_ = m.Flush()
		case <-m.stopCh:
			return
		}
	}
}

// Record captures one query execution. Non-blocking.
func (m *QueryMetrics) Record(event QueryEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.totalQueries++

	stat, ok := m.shapes.Get(event.Shape)
	if !ok {
		stat = &ShapeStat{Shape: event.Shape}
		m.shapes.Add(event.Shape, stat)
	}
	delta, ok := m.pending[event.Shape]
	if !ok {
		delta = &ShapeStat{Shape: event.Shape}
		m.pending[event.Shape] = delta
	}
	for _, s := range []*ShapeStat{stat, delta} {
		s.Count++
		s.TotalLatency += event.Latency
		if event.IsZeroResult() {
			s.ZeroResults++
		}
		if event.Cached {
			s.CacheHits++
		}
	}

	if event.IsZeroResult() {
		m.zeroResults.Add(event.Shape)
		m.zeroResultCount++
		if m.store != nil {
			_ = m.store.AddZeroResultShape(event.Shape, event.Timestamp)
		}
	}
	if event.Cached {
		m.cachedCount++
	}

	bucket := LatencyToBucket(event.Latency)
	m.latencies[bucket]++
	m.pendingLatency[bucket]++
}

// Snapshot returns current metrics, shapes ordered by count descending then shape.
func (m *QueryMetrics) Snapshot() *QueryMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var shapes []ShapeStat
	for _, key := range m.shapes.Keys() {
		if s, ok := m.shapes.Peek(key); ok {
			shapes = append(shapes, *s)
		}
	}
	sort.Slice(shapes, func(i, j int) bool {
		if shapes[i].Count != shapes[j].Count {
			return shapes[i].Count > shapes[j].Count
		}
		return shapes[i].Shape < shapes[j].Shape
	})

	latencies := make(map[LatencyBucket]int64, len(m.latencies))
	for k, v := range m.latencies {
		latencies[k] = v
	}

	return &QueryMetricsSnapshot{
		TopShapes:           shapes,
		ZeroResultShapes:    m.zeroResults.Items(),
		LatencyDistribution: latencies,
		TotalQueries:        m.totalQueries,
		ZeroResultCount:     m.zeroResultCount,
		CachedCount:         m.cachedCount,
		Since:               m.startTime,
	}
}

// Flush persists the deltas recorded since the previous flush.
// Safe to call even if no store is configured.
func (m *QueryMetrics) Flush() error {
	if m.store == nil {
		return nil
	}

	m.mu.Lock()
	deltas := make([]ShapeStat, 0, len(m.pending))
	for _, s := range m.pending {
		deltas = append(deltas, *s)
	}
	latency := m.pendingLatency
	m.pending = make(map[string]*ShapeStat)
	m.pendingLatency = make(map[LatencyBucket]int64)
	m.mu.Unlock()

	today := time.Now().Format("2006-01-02")
	if err := m.store.UpsertShapeStats(today, deltas); err != nil {
		return err
	}
	return m.store.SaveLatencyCounts(today, latency)
}

// Close flushes and releases resources.
func (m *QueryMetrics) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if m.flushTicker != nil {
		m.flushTicker.Stop()
		close(m.stopCh)
	}
	return m.Flush()
}
