package watcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/Aman-CERP/dicomindex/internal/jobs"
)

// Submitter is the part of the job scheduler a Trigger needs.
type Submitter interface {
	SubmitIncremental(ctx context.Context, since time.Time) (jobs.Job, error)
	Status(id string) (jobs.Job, error)
}

// Trigger turns feed change batches into incremental jobs.
type Trigger struct {
	jobs   Submitter
	logger *slog.Logger

	pending string
}

// NewTrigger creates a trigger submitting to s.
func NewTrigger(s Submitter, logger *slog.Logger) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{jobs: s, logger: logger}
}

// Run consumes batches until the channel closes or ctx is done.
func (t *Trigger) Run(ctx context.Context, batches <-chan []FileEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-batches:
			if !ok {
				return
			}
			t.Handle(ctx, batch)
		}
	}
}

// Handle submits one incremental job for batch, or nothing when the job
// submitted for an earlier batch has not started yet. That queued job will
// read the watermark when it runs and so covers this batch too.
func (t *Trigger) Handle(ctx context.Context, batch []FileEvent) (jobs.Job, bool) {
	if len(batch) == 0 {
		return jobs.Job{}, false
	}
	if t.pending != "" {
		if j, err := t.jobs.Status(t.pending); err == nil && j.State == jobs.StateQueued {
			t.logger.Debug("incremental job already queued",
				slog.String("job", j.ID), slog.Int("files", len(batch)))
			return j, false
		}
	}

	j, err := t.jobs.SubmitIncremental(ctx, time.Time{})
	if err != nil {
		t.logger.Warn("failed to submit incremental job",
			slog.Int("files", len(batch)), slog.String("error", err.Error()))
		return jobs.Job{}, false
	}
	t.pending = j.ID
	t.logger.Info("feed changed, incremental job submitted",
		slog.String("job", j.ID), slog.Int("files", len(batch)))
	return j, true
}
