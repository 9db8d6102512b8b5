package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	ierrors "github.com/Aman-CERP/dicomindex/internal/errors"
	"github.com/Aman-CERP/dicomindex/internal/feed"
	"github.com/Aman-CERP/dicomindex/internal/index"
	"github.com/Aman-CERP/dicomindex/internal/preprocess"
	"github.com/Aman-CERP/dicomindex/internal/registry"
)

// errCancelled marks a job stopped by Cancel or Close.
var errCancelled = errors.New("job cancelled")

// execute runs one ingest job and returns the committed version. Every exit
// path before a successful commit aborts the staged segment. Ingest jobs run
// one at a time from watermark read to commit.
func (s *Scheduler) execute(ctx context.Context, j *job) (int64, error) {
	j.progress.Begin()
	if err := s.ingest.Acquire(ctx, 1); err != nil {
		return 0, s.stopReason(ctx, j, err)
	}
	defer s.ingest.Release(1)

	snap := s.registry.Start(j.id)
	fields := j.fields
	if fields == nil {
		fields = snap.List()
	}

	since := time.Time{}
	if j.kind == KindIncremental {
		since = j.since
		if wm := s.watermark(ctx); wm.After(since) {
			since = wm
		}
	}

	j.progress.SetStage(StagePulling)
	changes, err := s.pull(ctx, j, since)
	if err != nil {
		return 0, s.stopReason(ctx, j, err)
	}
	changes = feed.Latest(changes)
	j.progress.SetTotal(len(changes))

	if j.kind == KindIncremental && len(changes) == 0 {
		s.logger.Debug("incremental job found no changes",
			slog.String("job", j.id),
			slog.Time("since", since))
		return s.index.CurrentVersion(), nil
	}

	var segOpts []index.SegmentOption
	if j.kind == KindFull {
		segOpts = append(segOpts, index.ReplaceAll())
	}
	h := s.index.BeginSegment(segOpts...)
	committed := false
	defer func() {
		if !committed {
			s.index.AbortSegment(h)
		}
	}()

	j.progress.SetStage(StageIndexing)
	batch := 0
	for start := 0; start < len(changes); start += s.cfg.BatchSize {
		if err := s.checkCancel(ctx, j); err != nil {
			return 0, err
		}
		end := min(start+s.cfg.BatchSize, len(changes))
		if s.limiter != nil {
			if err := s.limiter.WaitN(ctx, end-start); err != nil {
				return 0, s.stopReason(ctx, j, err)
			}
		}
		if err := s.stageBatch(h, j, fields, changes[start:end]); err != nil {
			return 0, err
		}
		j.progress.BatchDone()
		batch++
		if s.batchHook != nil {
			s.batchHook(j.id, batch)
		}
	}
	if err := s.checkCancel(ctx, j); err != nil {
		return 0, err
	}

	j.progress.SetStage(StageCommitting)
	s.adoptMu.Lock()
	defer s.adoptMu.Unlock()

	// The commit decision is final once reached; a late cancel does not interrupt it.
	version, err := s.index.CommitSegment(context.WithoutCancel(ctx), h)
	committed = true
	if err != nil {
		return 0, err
	}

	if wm := feed.Watermark(since, changes); wm.After(s.watermark(context.WithoutCancel(ctx))) {
		s.setState(context.WithoutCancel(ctx), StateWatermark, wm.UTC().Format(time.RFC3339Nano))
	}
	if j.kind == KindFull && j.fields != nil {
		if err := s.registry.Adopt(context.WithoutCancel(ctx), j.fields); err != nil {
			return version, fmt.Errorf("records committed at version %d but field snapshot not adopted: %w", version, err)
		}
	}
	return version, nil
}

// pull fetches changes, retrying transient feed failures with backoff.
func (s *Scheduler) pull(ctx context.Context, j *job, since time.Time) ([]feed.Change, error) {
	retry := s.cfg.Retry
	retry.OnRetry = func(attempt int, err error) {
		s.logger.Warn("ingestion feed unavailable, retrying",
			slog.String("job", j.id),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
	}
	changes, err := ierrors.RetryWithResult(ctx, retry, func() ([]feed.Change, error) {
		s.mu.Lock()
		j.attempts++
		s.mu.Unlock()
		return s.feed.PullChangedRecords(ctx, since)
	})
	if err != nil && ierrors.IsRetryable(err) {
		s.mu.Lock()
		attempts := j.attempts
		s.mu.Unlock()
		return nil, ierrors.Wrap(ierrors.ErrCodeIngestionUnavailable, err).
			WithDetail("attempts", fmt.Sprint(attempts))
	}
	return changes, err
}

func (s *Scheduler) stageBatch(h *index.SegmentHandle, j *job, fields []registry.Field, batch []feed.Change) error {
	for _, c := range batch {
		if c.ChangeType == feed.ChangeDeleted {
			if j.kind == KindIncremental {
				if err := s.index.DeleteRecord(h, c.RecordID); err != nil {
					return err
				}
			}
			j.progress.RecordDeleted()
			continue
		}
		rec, failure := s.buildRecord(c, fields)
		if failure != nil {
			s.logger.Debug("record skipped",
				slog.String("job", j.id),
				slog.String("record", failure.RecordID),
				slog.String("field", failure.Field),
				slog.String("error", failure.Error))
			j.progress.RecordSkipped(*failure)
			continue
		}
		if err := s.index.AppendRecord(h, rec); err != nil {
			return err
		}
		j.progress.RecordIndexed()
	}
	return nil
}

// buildRecord runs each field's chain over the change's raw values. A
// preprocessing failure on any field rejects the whole record.
func (s *Scheduler) buildRecord(c feed.Change, fields []registry.Field) (index.Record, *RecordFailure) {
	var pctx preprocess.Context
	if raw, ok := c.Values[s.cfg.ContextDateTag]; ok {
		if d, err := preprocess.ParseDate(strings.TrimSpace(raw)); err == nil {
			pctx.Date = d
		}
	}

	rec := index.Record{
		ID:            c.RecordID,
		RawValues:     maps.Clone(c.Values),
		IndexedValues: make(map[string]string, len(fields)),
	}
	if rec.RawValues == nil {
		rec.RawValues = map[string]string{}
	}
	for _, f := range fields {
		raw, ok := c.Values[f.Tag]
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		v, err := s.pipeline.Apply(f.Tag, f.Chain(), raw, pctx)
		if err != nil {
			return index.Record{}, &RecordFailure{RecordID: c.RecordID, Field: f.Tag, Error: err.Error()}
		}
		if f.DataType == registry.TypeEnum && !f.AllowsEnumValue(v) {
			return index.Record{}, &RecordFailure{
				RecordID: c.RecordID,
				Field:    f.Tag,
				Error:    fmt.Sprintf("value %q is not an allowed enum value", v),
			}
		}
		rec.IndexedValues[f.Tag] = v
	}
	return rec, nil
}

func (s *Scheduler) checkCancel(ctx context.Context, j *job) error {
	if j.cancelled.Load() {
		return errCancelled
	}
	if err := ctx.Err(); err != nil {
		return s.stopReason(ctx, j, err)
	}
	return nil
}

// stopReason maps an error seen while the job context may be done to the
// error the job finishes with.
func (s *Scheduler) stopReason(ctx context.Context, j *job, err error) error {
	if j.cancelled.Load() || ctx.Err() != nil {
		return errCancelled
	}
	return err
}
