package ui

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/dicomindex/internal/jobs"
)

func TestPlainRenderer_StagesAndSteps(t *testing.T) {
	// Given: a plain renderer
	var buf bytes.Buffer
	r := NewPlainRenderer(NewConfig(&buf))
	require.NoError(t, r.Start(context.Background()))

	// When: a job pulls then indexes 10 records one at a time
	r.Update(jobs.ProgressSnapshot{Stage: jobs.StagePulling})
	for i := 0; i <= 10; i++ {
		r.Update(jobs.ProgressSnapshot{Stage: jobs.StageIndexing, Total: 10, Processed: i})
	}
	r.Update(jobs.ProgressSnapshot{Stage: jobs.StageIndexing, Total: 10, Processed: 10})

	// Then: each stage and each 10% step is printed once
	out := buf.String()
	assert.Contains(t, out, "[pulling] started\n")
	assert.Contains(t, out, "[indexing] started\n")
	assert.Contains(t, out, "[indexing] 5/10 records (50%)\n")
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("10/10 records (100%)")))
}

func TestPlainRenderer_PrintsNewFailuresOnce(t *testing.T) {
	var buf bytes.Buffer
	r := NewPlainRenderer(NewConfig(&buf))
	fail := jobs.RecordFailure{RecordID: "s1", Field: "StudyDate", Error: "invalid date"}

	r.Update(jobs.ProgressSnapshot{Stage: jobs.StageIndexing, Failures: []jobs.RecordFailure{fail}})
	r.Update(jobs.ProgressSnapshot{Stage: jobs.StageIndexing, Failures: []jobs.RecordFailure{fail}})

	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("WARN: record s1 field StudyDate: invalid date")))
}

func TestPlainRenderer_Complete(t *testing.T) {
	// Given: a failed job with a duration
	var buf bytes.Buffer
	r := NewPlainRenderer(NewConfig(&buf))
	start := time.Unix(1_700_000_000, 0)

	// When: completing
	r.Complete(jobs.Job{
		ID:         "job-000007",
		State:      jobs.StateFailed,
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
		Error:      "feed unavailable",
		Progress:   jobs.ProgressSnapshot{Indexed: 3, Deleted: 1, Skipped: 2},
	})
	require.NoError(t, r.Stop())

	// Then: the summary and the error are printed
	assert.Equal(t,
		"Job job-000007 failed: 3 indexed, 1 deleted, 2 skipped in 1.5s\nERROR: feed unavailable\n",
		buf.String())
}
