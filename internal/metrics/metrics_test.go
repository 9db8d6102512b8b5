package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/dicomindex/internal/cache"
	"github.com/Aman-CERP/dicomindex/internal/jobs"
	"github.com/Aman-CERP/dicomindex/internal/telemetry"
)

type fakeIndex struct{ version int64 }

func (f *fakeIndex) CurrentVersion() int64 { return f.version }

func (f *fakeIndex) Shape() (int, int, int) { return 3, 1, 42 }

func TestRecord_CountsQueries(t *testing.T) {
	m := New()

	m.Record(telemetry.QueryEvent{Shape: "eq:Modality", ResultCount: 2, Latency: 2 * time.Millisecond})
	m.Record(telemetry.QueryEvent{Shape: "eq:Modality", ResultCount: 0, Latency: time.Millisecond})
	m.Record(telemetry.QueryEvent{Shape: "eq:Modality", ResultCount: 2, Cached: true})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueriesTotal.WithLabelValues("false", "match")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueriesTotal.WithLabelValues("false", "empty")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueriesTotal.WithLabelValues("true", "match")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.QueryDuration))
}

func TestObserveJob(t *testing.T) {
	// Given a job moving through its lifecycle
	m := New()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	j := jobs.Job{ID: "job-000001", Kind: jobs.KindFull, State: jobs.StateQueued}

	// When each transition is observed
	m.ObserveJob(j)
	j.State = jobs.StateRunning
	j.StartedAt = start
	m.ObserveJob(j)
	j.State = jobs.StateCompleted
	j.FinishedAt = start.Add(3 * time.Second)
	j.Progress = jobs.ProgressSnapshot{Indexed: 5, Deleted: 1, Skipped: 2}
	m.ObserveJob(j)

	// Then counters reflect every state and the final record counts
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsTotal.WithLabelValues("full", "queued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsTotal.WithLabelValues("full", "running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsTotal.WithLabelValues("full", "completed")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.RecordsTotal.WithLabelValues("indexed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecordsTotal.WithLabelValues("deleted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RecordsTotal.WithLabelValues("skipped")))
}

func TestHandler_ExposesWatchedGauges(t *testing.T) {
	// Given metrics watching an index and a cache
	m := New()
	idx := &fakeIndex{version: 7}
	m.WatchIndex(idx)
	m.WatchIndex(idx)
	m.WatchCache(func() cache.Stats {
		return cache.Stats{Hits: 4, Misses: 1, Entries: 2, SizeBytes: 512}
	})

	// When the endpoint is scraped
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)

	// Then the values are read at scrape time
	assert.Contains(t, text, "dicomindex_index_version 7")
	assert.Contains(t, text, "dicomindex_index_records 42")
	assert.Contains(t, text, "dicomindex_cache_hits_total 4")
	assert.Contains(t, text, "dicomindex_cache_bytes 512")
	assert.Equal(t, 1, strings.Count(text, "# TYPE dicomindex_index_version gauge"))

	idx.version = 8
	rec = httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "dicomindex_index_version 8")
}
