package jobs

import (
	"sync"
	"time"
)

// Stage is the phase an indexing job is in.
type Stage string

const (
	// StagePending is before the job has been dispatched.
	StagePending Stage = "pending"
	// StagePulling is fetching changes from the ingestion feed.
	StagePulling Stage = "pulling"
	// StageIndexing is preprocessing and staging records batch by batch.
	StageIndexing Stage = "indexing"
	// StageCommitting is publishing the staged segment.
	StageCommitting Stage = "committing"
	// StageDone is after the job reached a terminal state.
	StageDone Stage = "done"
)

// maxRecordedFailures bounds the per-record failures kept on a job.
const maxRecordedFailures = 20

// RecordFailure describes one record skipped by a preprocessing error.
type RecordFailure struct {
	RecordID string `json:"record_id"`
	Field    string `json:"field"`
	Error    string `json:"error"`
}

// ProgressSnapshot is an immutable copy of a job's progress.
type ProgressSnapshot struct {
	Stage          Stage           `json:"stage"`
	Total          int             `json:"total"`
	Processed      int             `json:"processed"`
	Indexed        int             `json:"indexed"`
	Deleted        int             `json:"deleted"`
	Skipped        int             `json:"skipped"`
	Batches        int             `json:"batches"`
	ProgressPct    float64         `json:"progress_pct"`
	ElapsedSeconds int             `json:"elapsed_seconds"`
	Failures       []RecordFailure `json:"failures,omitempty"`
}

// Progress is the thread-safe progress tracker of one job.
type Progress struct {
	mu sync.RWMutex

	stage     Stage
	total     int
	processed int
	indexed   int
	deleted   int
	skipped   int
	batches   int
	failures  []RecordFailure
	startTime time.Time
	endTime   time.Time
	clock     func() time.Time
}

// NewProgress creates a tracker in the pending stage.
func NewProgress(clock func() time.Time) *Progress {
	if clock == nil {
		clock = time.Now
	}
	return &Progress{stage: StagePending, clock: clock}
}

// Begin starts the elapsed-time clock.
func (p *Progress) Begin() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startTime = p.clock()
}

// SetStage updates the current stage.
func (p *Progress) SetStage(stage Stage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stage = stage
}

// SetTotal sets the number of changes the job will process.
func (p *Progress) SetTotal(total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total = total
}

// RecordIndexed counts one staged record.
func (p *Progress) RecordIndexed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processed++
	p.indexed++
}

// RecordDeleted counts one staged delete.
func (p *Progress) RecordDeleted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processed++
	p.deleted++
}

// RecordSkipped counts one record dropped by a preprocessing error.
func (p *Progress) RecordSkipped(f RecordFailure) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processed++
	p.skipped++
	if len(p.failures) < maxRecordedFailures {
		p.failures = append(p.failures, f)
	}
}

// BatchDone counts one finished batch.
func (p *Progress) BatchDone() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches++
}

// Finish stops the elapsed-time clock.
func (p *Progress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stage = StageDone
	p.endTime = p.clock()
}

// Snapshot returns an immutable copy of the current progress state.
func (p *Progress) Snapshot() ProgressSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var pct float64
	if p.total > 0 {
		pct = float64(p.processed) / float64(p.total) * 100.0
	}
	var elapsed time.Duration
	switch {
	case p.startTime.IsZero():
	case !p.endTime.IsZero():
		elapsed = p.endTime.Sub(p.startTime)
	default:
		elapsed = p.clock().Sub(p.startTime)
	}

	return ProgressSnapshot{
		Stage:          p.stage,
		Total:          p.total,
		Processed:      p.processed,
		Indexed:        p.indexed,
		Deleted:        p.deleted,
		Skipped:        p.skipped,
		Batches:        p.batches,
		ProgressPct:    pct,
		ElapsedSeconds: int(elapsed.Seconds()),
		Failures:       append([]RecordFailure(nil), p.failures...),
	}
}
