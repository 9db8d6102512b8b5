package ui

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Aman-CERP/dicomindex/internal/jobs"
)

// plainStep is the progress increment, in percent, between plain lines.
const plainStep = 10

// PlainRenderer writes one line per stage change and per progress step.
type PlainRenderer struct {
	mu       sync.Mutex
	out      io.Writer
	stage    jobs.Stage
	lastStep int
	failures int
}

// NewPlainRenderer creates a plain text renderer.
func NewPlainRenderer(cfg Config) *PlainRenderer {
	return &PlainRenderer{out: cfg.Output, lastStep: -1}
}

// Start implements Renderer.
func (r *PlainRenderer) Start(context.Context) error {
	return nil
}

// Update implements Renderer.
func (r *PlainRenderer) Update(snap jobs.ProgressSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if snap.Stage != r.stage {
		r.stage = snap.Stage
		r.lastStep = -1
		if snap.Stage != jobs.StagePending && snap.Stage != jobs.StageDone {
			_, _ = fmt.Fprintf(r.out, "[%s] started\n", snap.Stage)
		}
	}
	for _, f := range snap.Failures[min(r.failures, len(snap.Failures)):] {
		_, _ = fmt.Fprintf(r.out, "WARN: record %s field %s: %s\n", f.RecordID, f.Field, f.Error)
	}
	r.failures = max(r.failures, len(snap.Failures))

	if snap.Stage != jobs.StageIndexing || snap.Total == 0 {
		return
	}
	step := int(fraction(snap)*100) / plainStep
	if step == r.lastStep {
		return
	}
	r.lastStep = step
	_, _ = fmt.Fprintf(r.out, "[%s] %d/%d records (%d%%)\n",
		snap.Stage, snap.Processed, snap.Total, step*plainStep)
}

// Complete implements Renderer.
func (r *PlainRenderer) Complete(j jobs.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := j.Progress
	_, _ = fmt.Fprintf(r.out, "Job %s %s: %d indexed, %d deleted, %d skipped",
		j.ID, j.State, p.Indexed, p.Deleted, p.Skipped)
	if !j.StartedAt.IsZero() && !j.FinishedAt.IsZero() {
		_, _ = fmt.Fprintf(r.out, " in %s", j.FinishedAt.Sub(j.StartedAt).Round(100*time.Millisecond))
	}
	_, _ = fmt.Fprintln(r.out)
	if j.Error != "" {
		_, _ = fmt.Fprintf(r.out, "ERROR: %s\n", j.Error)
	}
}

// Stop implements Renderer.
func (r *PlainRenderer) Stop() error {
	return nil
}

var _ Renderer = (*PlainRenderer)(nil)
