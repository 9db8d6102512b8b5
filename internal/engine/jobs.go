package engine

import (
	"context"
	"strconv"
	"time"

	"github.com/Aman-CERP/dicomindex/internal/auth"
	"github.com/Aman-CERP/dicomindex/internal/cache"
	ierrors "github.com/Aman-CERP/dicomindex/internal/errors"
	"github.com/Aman-CERP/dicomindex/internal/jobs"
	"github.com/Aman-CERP/dicomindex/internal/registry"
)

// SubmitFull queues a full re-index using fields as the field snapshot. With
// nil fields the job uses the registry as it stands when the job starts and
// leaves the registry untouched on commit. Requires index:manage.
func (e *Engine) SubmitFull(ctx context.Context, fields []registry.Field) (jobs.Job, error) {
	c, err := e.authorize(ctx, OpSubmitFull, "", auth.IndexManage)
	if err != nil {
		return jobs.Job{}, err
	}
	detail := map[string]string{"fields": "live"}
	if fields != nil {
		detail["fields"] = strconv.Itoa(len(fields))
	}
	j, err := e.scheduler.SubmitFull(ctx, fields)
	e.audit(c, OpSubmitFull, j.ID, err, detail)
	return j, err
}

// SubmitIncremental queues an incremental job. A zero since starts from the
// stored watermark. Requires index:manage.
func (e *Engine) SubmitIncremental(ctx context.Context, since time.Time) (jobs.Job, error) {
	c, err := e.authorize(ctx, OpSubmitIncremental, "", auth.IndexManage)
	if err != nil {
		return jobs.Job{}, err
	}
	j, err := e.scheduler.SubmitIncremental(ctx, since)
	e.audit(c, OpSubmitIncremental, j.ID, err, nil)
	return j, err
}

// CancelJob cancels a queued or running job. Requires index:manage.
func (e *Engine) CancelJob(ctx context.Context, id string) (jobs.Job, error) {
	c, err := e.authorize(ctx, OpCancelJob, id, auth.IndexManage)
	if err != nil {
		return jobs.Job{}, err
	}
	j, err := e.scheduler.Cancel(ctx, id)
	e.audit(c, OpCancelJob, id, err, nil)
	return j, err
}

// JobStatus returns one job. Requires index:manage.
func (e *Engine) JobStatus(ctx context.Context, id string) (jobs.Job, error) {
	c, err := e.authorize(ctx, OpJobStatus, id, auth.IndexManage)
	if err != nil {
		return jobs.Job{}, err
	}
	j, err := e.scheduler.Status(id)
	e.audit(c, OpJobStatus, id, err, nil)
	return j, err
}

// ListJobs returns jobs of this process in submission order. A positive
// history instead returns that many of the most recent persisted jobs,
// earlier runs included, oldest first; a negative history returns all of
// them. Requires index:manage.
func (e *Engine) ListJobs(ctx context.Context, history int) ([]jobs.Job, error) {
	c, err := e.authorize(ctx, OpListJobs, "", auth.IndexManage)
	if err != nil {
		return nil, err
	}
	if history != 0 {
		out, err := e.meta.ListJobs(ctx, max(history, 0))
		if err != nil {
			err = ierrors.StorageError("failed to read job history", err)
		}
		e.audit(c, OpListJobs, "", err, nil)
		return out, err
	}
	e.audit(c, OpListJobs, "", nil, nil)
	return e.scheduler.ListJobs(), nil
}

// WaitJob blocks until the job is terminal or ctx is done. Requires index:manage.
func (e *Engine) WaitJob(ctx context.Context, id string) (jobs.Job, error) {
	c, err := e.authorize(ctx, OpWaitJob, id, auth.IndexManage)
	if err != nil {
		return jobs.Job{}, err
	}
	j, err := e.scheduler.Wait(ctx, id)
	e.audit(c, OpWaitJob, id, err, nil)
	return j, err
}

// Optimize merges segments and drops tombstones. Requires index:manage.
func (e *Engine) Optimize(ctx context.Context) (jobs.OptimizeResult, error) {
	c, err := e.authorize(ctx, OpOptimize, "", auth.IndexManage)
	if err != nil {
		return jobs.OptimizeResult{}, err
	}
	res, err := e.scheduler.Optimize(ctx)
	e.audit(c, OpOptimize, "", err, map[string]string{
		"segments_before": strconv.Itoa(res.SegmentsBefore),
		"segments_after":  strconv.Itoa(res.SegmentsAfter),
	})
	return res, err
}

// Backup writes a snapshot and returns its id. Requires index:manage.
func (e *Engine) Backup(ctx context.Context) (string, error) {
	c, err := e.authorize(ctx, OpBackup, "", auth.IndexManage)
	if err != nil {
		return "", err
	}
	id, err := e.scheduler.Backup(ctx)
	e.audit(c, OpBackup, id, err, nil)
	return id, err
}

// Restore replaces the index and registry with a snapshot. Requires index:manage.
func (e *Engine) Restore(ctx context.Context, id string) (jobs.RestoreResult, error) {
	c, err := e.authorize(ctx, OpRestore, id, auth.IndexManage)
	if err != nil {
		return jobs.RestoreResult{}, err
	}
	res, err := e.scheduler.Restore(ctx, id)
	e.audit(c, OpRestore, id, err, map[string]string{"records": strconv.Itoa(res.Records)})
	return res, err
}

// ListSnapshots returns the stored snapshot ids, oldest first. Requires index:manage.
func (e *Engine) ListSnapshots(ctx context.Context) ([]string, error) {
	c, err := e.authorize(ctx, OpListSnapshots, "", auth.IndexManage)
	if err != nil {
		return nil, err
	}
	if e.snapshots == nil {
		err = ierrors.ConfigError("no snapshot store configured", nil)
		e.audit(c, OpListSnapshots, "", err, nil)
		return nil, err
	}
	ids, err := e.snapshots.List(ctx)
	e.audit(c, OpListSnapshots, "", err, nil)
	return ids, err
}

// ClearCache drops every cached response. Requires index:manage.
func (e *Engine) ClearCache(ctx context.Context) error {
	c, err := e.authorize(ctx, OpClearCache, "", auth.IndexManage)
	if err != nil {
		return err
	}
	e.cache.InvalidateAll()
	e.audit(c, OpClearCache, "", nil, nil)
	return nil
}

// CacheStats returns cache counters. Requires index:manage or query:basic.
func (e *Engine) CacheStats(ctx context.Context) (cache.Stats, error) {
	c, err := e.authorizeAny(ctx, OpCacheStats, "", auth.IndexManage, auth.QueryBasic)
	if err != nil {
		return cache.Stats{}, err
	}
	e.audit(c, OpCacheStats, "", nil, nil)
	return e.cache.Stats(), nil
}
