package engine

import (
	"context"
	"time"

	"github.com/Aman-CERP/dicomindex/internal/auth"
	"github.com/Aman-CERP/dicomindex/internal/cache"
	"github.com/Aman-CERP/dicomindex/internal/jobs"
	"github.com/Aman-CERP/dicomindex/internal/watcher"
)

// Status summarizes the engine.
type Status struct {
	IndexVersion    int64       `json:"index_version"`
	Segments        int         `json:"segments"`
	Tombstones      int         `json:"tombstones"`
	Records         int         `json:"records"`
	RegistryVersion int64       `json:"registry_version"`
	Fields          int         `json:"fields"`
	RunningJobs     int         `json:"running_jobs"`
	Watermark       time.Time   `json:"watermark"`
	CompactionRuns  int         `json:"compaction_runs"`
	AuditDropped    uint64      `json:"audit_dropped"`
	Cache           cache.Stats `json:"cache"`
}

// Status reports index shape, registry version, jobs and cache counters.
// Requires index:manage or query:basic.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	c, err := e.authorizeAny(ctx, OpStatus, "", auth.IndexManage, auth.QueryBasic)
	if err != nil {
		return Status{}, err
	}
	view := e.index.View()
	st := Status{
		IndexVersion:    view.Version(),
		Segments:        view.SegmentCount(),
		Tombstones:      view.TombstoneCount(),
		Records:         view.RecordCount(),
		RegistryVersion: e.registry.Version(),
		Fields:          len(e.registry.List()),
		RunningJobs:     e.scheduler.Running(),
		Watermark:       e.scheduler.Watermark(ctx),
		CompactionRuns:  e.compaction.Runs(),
		AuditDropped:    e.auditor.Dropped(),
		Cache:           e.cache.Stats(),
	}
	e.audit(c, OpStatus, "", nil, nil)
	return st, nil
}

// FeedSubmitter returns a watcher.Submitter that submits incremental jobs
// as the system caller, so feed-triggered jobs are audited like any other.
func (e *Engine) FeedSubmitter() watcher.Submitter {
	return feedSubmitter{e}
}

type feedSubmitter struct{ e *Engine }

func (s feedSubmitter) SubmitIncremental(ctx context.Context, since time.Time) (jobs.Job, error) {
	return s.e.SubmitIncremental(auth.WithCaller(ctx, auth.System()), since)
}

func (s feedSubmitter) Status(id string) (jobs.Job, error) {
	return s.e.scheduler.Status(id)
}
