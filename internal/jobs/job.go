// Package jobs schedules the indexing jobs that feed the index store.
//
// Jobs move through queued → running → {completed | failed | cancelled}. At
// most MaxConcurrent jobs run at once; the rest wait in FIFO order. A running
// job stages its records into an uncommitted segment and checks for
// cancellation between batches, so a cancelled or failed job leaves no trace
// in the index.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Aman-CERP/dicomindex/internal/registry"
)

// Kind is the type of an indexing job.
type Kind string

const (
	KindFull        Kind = "full"
	KindIncremental Kind = "incremental"
)

// State is a job's position in its lifecycle.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Job is an immutable view of a job's status.
type Job struct {
	ID          string           `json:"id"`
	Kind        Kind             `json:"kind"`
	State       State            `json:"state"`
	SubmittedAt time.Time        `json:"submitted_at"`
	StartedAt   time.Time        `json:"started_at,omitempty"`
	FinishedAt  time.Time        `json:"finished_at,omitempty"`
	Since       time.Time        `json:"since,omitempty"`
	Fields      []string         `json:"fields,omitempty"`
	Version     int64            `json:"version,omitempty"`
	Attempts    int              `json:"attempts"`
	Error       string           `json:"error,omitempty"`
	ErrorCode   string           `json:"error_code,omitempty"`
	Progress    ProgressSnapshot `json:"progress"`
}

// job is the scheduler's mutable record of one job. State fields are guarded
// by Scheduler.mu.
type job struct {
	id          string
	kind        Kind
	since       time.Time
	fields      []registry.Field
	submittedAt time.Time

	state      State
	startedAt  time.Time
	finishedAt time.Time
	version    int64
	attempts   int
	err        error
	errCode    string

	progress  *Progress
	cancelled atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
	doneOnce  sync.Once
}

func (j *job) tags() []string {
	if j.fields == nil {
		return nil
	}
	tags := make([]string, len(j.fields))
	for i, f := range j.fields {
		tags[i] = f.Tag
	}
	return tags
}

func (j *job) finish() {
	j.doneOnce.Do(func() { close(j.done) })
}

// snapshot must be called with Scheduler.mu held.
func (j *job) snapshot() Job {
	out := Job{
		ID:          j.id,
		Kind:        j.kind,
		State:       j.state,
		SubmittedAt: j.submittedAt,
		StartedAt:   j.startedAt,
		FinishedAt:  j.finishedAt,
		Since:       j.since,
		Fields:      j.tags(),
		Version:     j.version,
		Attempts:    j.attempts,
		ErrorCode:   j.errCode,
		Progress:    j.progress.Snapshot(),
	}
	if j.err != nil {
		out.Error = j.err.Error()
	}
	return out
}

func formatJobID(seq uint64) string {
	return fmt.Sprintf("job-%06d", seq)
}

// ParseJobID returns the sequence number encoded in a job id.
func ParseJobID(id string) (uint64, bool) {
	var seq uint64
	if _, err := fmt.Sscanf(id, "job-%d", &seq); err != nil {
		return 0, false
	}
	return seq, true
}
