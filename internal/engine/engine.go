// Package engine assembles the indexing and filtering components into one
// service and exposes every caller-facing operation. Each operation checks
// the caller's capabilities and is audited.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Aman-CERP/dicomindex/internal/audit"
	"github.com/Aman-CERP/dicomindex/internal/cache"
	"github.com/Aman-CERP/dicomindex/internal/config"
	ierrors "github.com/Aman-CERP/dicomindex/internal/errors"
	"github.com/Aman-CERP/dicomindex/internal/feed"
	"github.com/Aman-CERP/dicomindex/internal/index"
	"github.com/Aman-CERP/dicomindex/internal/jobs"
	"github.com/Aman-CERP/dicomindex/internal/metrics"
	"github.com/Aman-CERP/dicomindex/internal/preprocess"
	"github.com/Aman-CERP/dicomindex/internal/query"
	"github.com/Aman-CERP/dicomindex/internal/registry"
	"github.com/Aman-CERP/dicomindex/internal/snapshot"
	"github.com/Aman-CERP/dicomindex/internal/store"
	"github.com/Aman-CERP/dicomindex/internal/telemetry"
)

// Audit sink circuit breaker settings.
const (
	auditMaxFailures  = 5
	auditResetTimeout = 30 * time.Second
)

// Engine is an opened dicomindex instance.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger
	clock  func() time.Time

	dataDir    *store.DataDir
	meta       *store.SQLiteStore
	pipeline   *preprocess.Pipeline
	registry   *registry.Registry
	index      *index.Store
	cache      *cache.Cache
	query      *query.Engine
	scheduler  *jobs.Scheduler
	snapshots  *snapshot.Repository
	checkpoint *checkpoint
	compaction *jobs.CompactionPolicy
	auditor    *audit.Auditor
	queryStats *telemetry.QueryMetrics
	metrics    *metrics.Metrics
	feed       feed.Feed

	// openedVersion is the index version after Open; Close checkpoints only
	// when it moved.
	openedVersion int64

	closeOnce sync.Once
	closeErr  error
}

type options struct {
	feed      feed.Feed
	auditSink audit.Sink
	metrics   *metrics.Metrics
	logger    *slog.Logger
	clock     func() time.Time
	batchHook func(jobID string, batch int)
}

// Option configures Open.
type Option func(*options)

// WithFeed sets the ingestion feed. The default reads feed.dir, or an empty
// in-memory feed when no directory is configured.
func WithFeed(f feed.Feed) Option {
	return func(o *options) { o.feed = f }
}

// WithAuditSink sets the audit sink. The default logs events when
// server.audit_log is set and discards them otherwise.
func WithAuditSink(s audit.Sink) Option {
	return func(o *options) { o.auditSink = s }
}

// WithMetrics shares a metrics set instead of creating one.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger sets the logger for the engine and every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides the time source of every component.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithBatchHook is passed to the job scheduler. Tests use it to interleave
// operations with a running job.
func WithBatchHook(fn func(jobID string, batch int)) Option {
	return func(o *options) { o.batchHook = fn }
}

// Open builds an engine from cfg. With a data directory the directory is
// locked and the field registry, job history and query statistics persist
// in it; with an empty DataDir everything is held in memory.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Engine, err error) {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{logger: slog.Default(), clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{cfg: cfg, logger: o.logger, clock: o.clock, metrics: o.metrics}
	defer func() {
		if err != nil {
			_ = e.Close()
		}
	}()

	metaPath := ""
	if cfg.DataDir != "" {
		if e.dataDir, err = store.OpenDataDir(cfg.DataDir); err != nil {
			return nil, err
		}
		metaPath = e.dataDir.MetadataPath()
	}
	if e.meta, err = store.NewSQLiteStore(metaPath); err != nil {
		return nil, ierrors.StorageError("failed to open metadata store", err)
	}

	e.pipeline = preprocess.New()
	e.index = index.NewStore(index.WithClock(o.clock), index.WithLogger(o.logger))
	e.cache = cache.New(cache.Config{
		MaxBytes:   cfg.Cache.MaxBytes,
		MaxEntries: cfg.Cache.MaxEntries,
		DefaultTTL: config.Duration(cfg.Cache.DefaultTTL, query.DefaultCacheTTL),
	}, cache.WithClock(o.clock), cache.WithLogger(o.logger))

	e.registry = registry.New(e.pipeline,
		registry.WithPersister(e.meta),
		registry.WithCacheReferences(e.cache),
		registry.WithIndexReferences(e.index),
		registry.WithLogger(o.logger))
	if err = e.registry.Load(ctx); err != nil {
		return nil, err
	}
	if err = e.seedFields(ctx); err != nil {
		return nil, err
	}

	if e.metrics == nil {
		e.metrics = metrics.New()
	}
	e.metrics.WatchIndex(indexShape{e.index})
	e.metrics.WatchCache(e.cache.Stats)

	if err = e.openQuery(); err != nil {
		return nil, err
	}
	if err = e.openScheduler(ctx, o); err != nil {
		return nil, err
	}

	e.compaction = jobs.NewCompactionPolicy(jobs.CompactionConfig{
		Enabled:     cfg.Compaction.Enabled,
		MinSegments: cfg.Compaction.MinSegments,
		IdleTimeout: config.Duration(cfg.Compaction.IdleTimeout, jobs.DefaultIdleTimeout),
		Cooldown:    config.Duration(cfg.Compaction.Cooldown, jobs.DefaultCooldown),
	}, e.scheduler, func() int { return e.index.View().SegmentCount() }, o.logger)
	e.compaction.Start(context.Background())

	e.index.OnVersion(func(version int64) {
		e.cache.InvalidateAll()
		e.compaction.OnCommit(version)
	})

	sink := o.auditSink
	if sink == nil {
		if cfg.Server.AuditLog {
			sink = audit.NewLogSink(o.logger)
		} else {
			sink = discardSink{}
		}
	}
	e.auditor = audit.New(sink,
		audit.WithBreaker(ierrors.NewCircuitBreaker("audit",
			ierrors.WithMaxFailures(auditMaxFailures),
			ierrors.WithResetTimeout(auditResetTimeout))),
		audit.WithClock(o.clock),
		audit.WithLogger(o.logger))

	if err = e.loadIndex(ctx); err != nil {
		return nil, err
	}
	e.openedVersion = e.index.CurrentVersion()

	e.logger.Info("engine opened",
		slog.String("data_dir", cfg.DataDir),
		slog.Int("fields", len(e.registry.List())),
		slog.Int64("version", e.index.CurrentVersion()))
	return e, nil
}

// seedFields defines the configured fields when the registry is empty.
func (e *Engine) seedFields(ctx context.Context) error {
	if len(e.registry.List()) > 0 || len(e.cfg.Fields) == 0 {
		return nil
	}
	for _, f := range e.cfg.Fields {
		if _, err := e.registry.Define(ctx, f); err != nil {
			return fmt.Errorf("failed to define configured field %s: %w", f.Tag, err)
		}
	}
	e.logger.Info("defined configured fields", slog.Int("count", len(e.cfg.Fields)))
	return nil
}

func (e *Engine) openQuery() error {
	metricsStore, err := telemetry.NewSQLiteMetricsStore(e.meta.DB())
	if err != nil {
		return ierrors.StorageError("failed to open query statistics", err)
	}
	e.queryStats = telemetry.NewQueryMetrics(metricsStore)

	templates := query.NewTemplateSet(query.BuiltinTemplates()...)
	for _, t := range e.cfg.Templates {
		if err := templates.Add(t); err != nil {
			return err
		}
	}

	qc := e.cfg.Query
	e.query = query.NewEngine(e.registry, e.index, e.pipeline,
		query.WithCache(e.cache),
		query.WithStats(statsFanout{e.queryStats, e.metrics}),
		query.WithTemplates(templates),
		query.WithConfig(query.Config{
			Limits:       query.Limits{MaxDepth: qc.MaxDepth, MaxLeaves: qc.MaxLeaves},
			DefaultLimit: qc.DefaultLimit,
			MaxLimit:     qc.MaxLimit,
			SuggestTopN:  qc.SuggestTopN,
			CacheTTL:     config.Duration(qc.CacheTTL, query.DefaultCacheTTL),
		}),
		query.WithClock(e.clock),
		query.WithLogger(e.logger))
	return nil
}

func (e *Engine) openScheduler(ctx context.Context, o options) error {
	e.feed = o.feed
	if e.feed == nil {
		if e.cfg.Feed.Dir != "" {
			e.feed = feed.NewDirFeed(e.cfg.Feed.Dir, e.logger)
		} else {
			e.feed = feed.NewMemoryFeed(e.clock)
		}
	}

	if e.cfg.DataDir != "" || e.cfg.Backup.Dir != "" || e.cfg.Backup.Backend != snapshot.BackendLocal {
		codec, err := snapshot.ParseCompression(e.cfg.Backup.Compression)
		if err != nil {
			return ierrors.ConfigError(err.Error(), err)
		}
		st, err := snapshot.Open(ctx, snapshot.BackendConfig{
			Kind:      e.cfg.Backup.Backend,
			Dir:       e.cfg.SnapshotDir(),
			Bucket:    e.cfg.Backup.Bucket,
			Prefix:    e.cfg.Backup.Prefix,
			Endpoint:  e.cfg.Backup.Endpoint,
			Region:    e.cfg.Backup.Region,
			AccessKey: e.cfg.Backup.AccessKey,
			SecretKey: e.cfg.Backup.SecretKey,
			Secure:    e.cfg.Backup.Secure,
		})
		if err != nil {
			return ierrors.ConfigError("failed to open snapshot store", err).
				WithSuggestion("check the backup section of " + config.FileName)
		}
		e.snapshots = snapshot.NewRepository(st, snapshot.NewCodec(codec), e.logger)
	}

	ec := e.cfg.Engine
	retry := ierrors.DefaultRetryConfig()
	retry.MaxRetries = ec.IngestRetryAttempts
	retry.InitialDelay = config.Duration(ec.IngestRetryDelay, retry.InitialDelay)

	schedOpts := []jobs.Option{
		jobs.WithConfig(jobs.Config{
			MaxConcurrent:  ec.MaxConcurrentIndexing,
			BatchSize:      ec.BatchSize,
			Retry:          retry,
			RateLimit:      ec.IngestRateLimit,
			ContextDateTag: ec.ContextDateTag,
			HistoryLimit:   ec.HistoryLimit,
		}),
		jobs.WithStateStore(e.meta),
		jobs.WithHistory(e.meta),
		jobs.WithClock(e.clock),
		jobs.WithLogger(e.logger),
	}
	if e.snapshots != nil {
		schedOpts = append(schedOpts, jobs.WithSnapshots(e.snapshots))
	}
	if o.batchHook != nil {
		schedOpts = append(schedOpts, jobs.WithBatchHook(o.batchHook))
	}
	last, err := e.meta.ListJobs(ctx, 1)
	if err != nil {
		return ierrors.StorageError("failed to read job history", err)
	}
	if len(last) == 1 {
		if seq, ok := jobs.ParseJobID(last[0].ID); ok {
			schedOpts = append(schedOpts, jobs.WithFirstSequence(seq))
		}
	}
	e.scheduler = jobs.NewScheduler(e.index, e.registry, e.feed, e.pipeline, schedOpts...)
	e.scheduler.OnTransition(e.metrics.ObserveJob)
	return nil
}

// loadIndex fills the in-memory index from the data directory checkpoint,
// else from the last backup when backup.restore_on_open is set. When neither
// applies the index starts empty and the watermark is reset so the next
// incremental job pulls the whole feed.
func (e *Engine) loadIndex(ctx context.Context) error {
	loaded := false
	if e.dataDir != nil {
		cp, err := openCheckpoint(e.dataDir.Path(), e.logger)
		if err != nil {
			return err
		}
		e.checkpoint = cp
		if loaded, err = cp.load(ctx, e); err != nil {
			return err
		}
	}
	if !loaded && e.cfg.Backup.RestoreOnOpen {
		var err error
		if loaded, err = e.restoreLast(ctx); err != nil {
			return err
		}
	}
	if loaded {
		return nil
	}
	if err := e.meta.SetState(ctx, jobs.StateWatermark, time.Time{}.Format(time.RFC3339Nano)); err != nil {
		return ierrors.StorageError("failed to reset watermark", err)
	}
	return nil
}

func (e *Engine) restoreLast(ctx context.Context) (bool, error) {
	id, ok, err := e.meta.GetState(ctx, jobs.StateLastSnapshot)
	if err != nil {
		return false, ierrors.StorageError("failed to read last snapshot id", err)
	}
	if !ok || id == "" {
		e.logger.Info("no snapshot recorded, starting empty")
		return false, nil
	}
	res, err := e.scheduler.Restore(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to restore snapshot %s: %w", id, err)
	}
	e.logger.Info("restored last snapshot",
		slog.String("snapshot", res.SnapshotID),
		slog.Int("records", res.Records),
		slog.Int64("version", res.Version))
	return true, nil
}

// Config returns the configuration the engine was opened with.
func (e *Engine) Config() *config.Config { return e.cfg }

// Metrics returns the engine's Prometheus collectors.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// AuditWarnings reports audit sink failures.
func (e *Engine) AuditWarnings() <-chan audit.Warning { return e.auditor.Warnings() }

// Close stops background work and releases the data directory. Running jobs
// are cancelled. Safe to call twice.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		var errs []error
		if e.compaction != nil {
			e.compaction.Stop()
		}
		if e.scheduler != nil {
			errs = append(errs, e.scheduler.Close())
		}
		if e.checkpoint != nil && e.index.CurrentVersion() != e.openedVersion {
			errs = append(errs, e.checkpoint.save(context.Background(), e))
		}
		if e.queryStats != nil {
			errs = append(errs, e.queryStats.Close())
		}
		if e.auditor != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			errs = append(errs, e.auditor.Close(ctx))
			cancel()
		}
		if e.meta != nil {
			errs = append(errs, e.meta.Close())
		}
		if e.dataDir != nil {
			errs = append(errs, e.dataDir.Close())
		}
		for _, err := range errs {
			if err != nil && e.closeErr == nil {
				e.closeErr = err
			}
		}
	})
	return e.closeErr
}

// indexShape adapts index.Store to metrics.IndexSource.
type indexShape struct{ s *index.Store }

func (a indexShape) CurrentVersion() int64 { return a.s.CurrentVersion() }

func (a indexShape) Shape() (segments, tombstones, records int) {
	v := a.s.View()
	return v.SegmentCount(), v.TombstoneCount(), v.RecordCount()
}

// statsFanout delivers each query event to several recorders.
type statsFanout []query.StatsRecorder

func (f statsFanout) Record(ev telemetry.QueryEvent) {
	for _, r := range f {
		r.Record(ev)
	}
}

type discardSink struct{}

func (discardSink) Record(context.Context, audit.Event) error { return nil }
