package ui

import (
	"sync"
	"time"

	"github.com/Aman-CERP/dicomindex/internal/jobs"
)

const (
	// speedInterval is the minimum spacing between throughput samples.
	speedInterval = 500 * time.Millisecond
	// etaSmoothing weights a new ETA estimate against the previous one.
	etaSmoothing = 0.3
	// avgSmoothing weights a new speed sample in the rolling average.
	avgSmoothing = 0.2
)

// SpeedStats is the record throughput of the current stage.
type SpeedStats struct {
	Current float64
	Avg     float64
	Peak    float64
}

// Stats is what a renderer draws for one frame.
type Stats struct {
	Snapshot jobs.ProgressSnapshot
	Fraction float64
	ETA      time.Duration
	Speed    SpeedStats
}

// Tracker turns successive job progress snapshots into throughput and ETA.
// It is safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	clock func() time.Time

	last       jobs.ProgressSnapshot
	stageStart time.Time

	sampleAt   time.Time
	sampleDone int
	speed      SpeedStats
	samples    int
	lastETA    time.Duration
	spark      *Sparkline
}

// NewTracker creates a tracker using the wall clock.
func NewTracker() *Tracker {
	return newTrackerWithClock(time.Now)
}

func newTrackerWithClock(clock func() time.Time) *Tracker {
	now := clock()
	return &Tracker{
		clock:      clock,
		last:       jobs.ProgressSnapshot{Stage: jobs.StagePending},
		stageStart: now,
		sampleAt:   now,
		spark:      NewSparkline(60),
	}
}

// Observe records a snapshot. A stage change resets throughput tracking.
func (t *Tracker) Observe(snap jobs.ProgressSnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	if snap.Stage != t.last.Stage {
		t.stageStart = now
		t.sampleAt = now
		t.sampleDone = snap.Processed
		t.speed = SpeedStats{}
		t.samples = 0
		t.lastETA = 0
		t.spark.Clear()
	}
	t.last = snap

	elapsed := now.Sub(t.sampleAt)
	if elapsed < speedInterval {
		return
	}
	if delta := snap.Processed - t.sampleDone; delta > 0 {
		v := float64(delta) / elapsed.Seconds()
		t.speed.Current = v
		t.samples++
		if t.samples == 1 {
			t.speed.Avg = v
		} else {
			t.speed.Avg = avgSmoothing*v + (1-avgSmoothing)*t.speed.Avg
		}
		t.speed.Peak = max(t.speed.Peak, v)
		t.spark.Add(v)
	}
	t.sampleAt = now
	t.sampleDone = snap.Processed
}

// Stats returns the current frame.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	return Stats{
		Snapshot: t.last,
		Fraction: fraction(t.last),
		ETA:      t.eta(),
		Speed:    t.speed,
	}
}

// Sparkline renders the throughput history of the current stage.
func (t *Tracker) Sparkline(width int) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spark.Render(width)
}

// eta must be called with the lock held.
func (t *Tracker) eta() time.Duration {
	f := fraction(t.last)
	if f <= 0 || f >= 1 {
		return 0
	}
	elapsed := t.clock().Sub(t.stageStart)
	raw := time.Duration(float64(elapsed)/f) - elapsed
	if raw < 0 {
		return 0
	}
	if t.lastETA == 0 {
		t.lastETA = raw
		return raw
	}
	t.lastETA = time.Duration(etaSmoothing*float64(raw) + (1-etaSmoothing)*float64(t.lastETA))
	return t.lastETA
}

func fraction(s jobs.ProgressSnapshot) float64 {
	if s.Total <= 0 {
		return 0
	}
	return min(float64(s.Processed)/float64(s.Total), 1)
}
