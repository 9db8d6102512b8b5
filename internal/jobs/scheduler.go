package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	ierrors "github.com/Aman-CERP/dicomindex/internal/errors"
	"github.com/Aman-CERP/dicomindex/internal/feed"
	"github.com/Aman-CERP/dicomindex/internal/index"
	"github.com/Aman-CERP/dicomindex/internal/preprocess"
	"github.com/Aman-CERP/dicomindex/internal/registry"
	"github.com/Aman-CERP/dicomindex/internal/snapshot"
)

// Defaults for Config.
const (
	DefaultMaxConcurrent  = 2
	DefaultBatchSize      = 500
	DefaultContextDateTag = "StudyDate"
	DefaultHistoryLimit   = 200
)

// State store keys.
const (
	StateWatermark    = "watermark"
	StateLastSnapshot = "last_snapshot"
)

// Config tunes the scheduler.
type Config struct {
	// MaxConcurrent bounds the number of running jobs.
	MaxConcurrent int
	// BatchSize is the number of changes staged between cancellation checks.
	BatchSize int
	// Retry governs feed pulls that fail with a TransientIngestionError.
	Retry ierrors.RetryConfig
	// RateLimit caps ingestion in records per second. Zero is unlimited.
	RateLimit float64
	// ContextDateTag names the raw value used as the preprocessing context date.
	ContextDateTag string
	// HistoryLimit is the number of terminal jobs kept for ListJobs.
	HistoryLimit int
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  DefaultMaxConcurrent,
		BatchSize:      DefaultBatchSize,
		Retry:          ierrors.DefaultRetryConfig(),
		ContextDateTag: DefaultContextDateTag,
		HistoryLimit:   DefaultHistoryLimit,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.ContextDateTag == "" {
		c.ContextDateTag = DefaultContextDateTag
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.Retry.ShouldRetry == nil {
		c.Retry.ShouldRetry = ierrors.IsRetryable
	}
	return c
}

// Index is the part of the index store the scheduler drives.
type Index interface {
	CurrentVersion() int64
	View() *index.View
	BeginSegment(opts ...index.SegmentOption) *index.SegmentHandle
	AppendRecord(h *index.SegmentHandle, rec index.Record) error
	DeleteRecord(h *index.SegmentHandle, recordID string) error
	AbortSegment(h *index.SegmentHandle)
	CommitSegment(ctx context.Context, h *index.SegmentHandle) (int64, error)
	Compact(ctx context.Context) (int64, bool, error)
	Export() (index.Dump, error)
	Import(d index.Dump) (int64, error)
}

// Registry is the part of the field registry the scheduler coordinates with.
type Registry interface {
	Acquire(jobID string, tags []string)
	Start(jobID string) registry.Snapshot
	Release(jobID string)
	Adopt(ctx context.Context, fields []registry.Field) error
	Restore(ctx context.Context, fields []registry.Field, version int64) error
	Snapshot() registry.Snapshot
}

// StateStore persists small scheduler state such as the watermark.
type StateStore interface {
	GetState(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error
}

// History persists job records.
type History interface {
	SaveJob(ctx context.Context, j Job) error
}

// Snapshots saves and loads backups.
type Snapshots interface {
	Save(ctx context.Context, snap snapshot.Snapshot) error
	Load(ctx context.Context, id string) (snapshot.Snapshot, error)
}

// OptimizeResult describes one optimize run.
type OptimizeResult struct {
	SegmentsBefore   int   `json:"segments_before"`
	TombstonesBefore int   `json:"tombstones_before"`
	SegmentsAfter    int   `json:"segments_after"`
	Compacted        bool  `json:"compacted"`
	Version          int64 `json:"version"`
}

// RestoreResult describes one restore.
type RestoreResult struct {
	SnapshotID      string `json:"snapshot_id"`
	Version         int64  `json:"version"`
	RegistryVersion int64  `json:"registry_version"`
	Records         int    `json:"records"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithConfig sets the scheduler configuration.
func WithConfig(cfg Config) Option {
	return func(s *Scheduler) { s.cfg = cfg }
}

// WithStateStore persists the watermark and last snapshot id.
func WithStateStore(st StateStore) Option {
	return func(s *Scheduler) { s.state = st }
}

// WithHistory persists every job transition.
func WithHistory(h History) Option {
	return func(s *Scheduler) { s.history = h }
}

// WithFirstSequence makes the next job id follow seq, so ids stay unique
// across processes sharing one job history.
func WithFirstSequence(seq uint64) Option {
	return func(s *Scheduler) { s.seq = seq }
}

// WithSnapshots enables Backup and Restore.
func WithSnapshots(snaps Snapshots) Option {
	return func(s *Scheduler) { s.snapshots = snaps }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithBatchHook installs fn to run after every staged batch. Tests use it to
// interleave cancellation with a running job.
func WithBatchHook(fn func(jobID string, batch int)) Option {
	return func(s *Scheduler) { s.batchHook = fn }
}

// Scheduler runs indexing jobs with bounded concurrency.
type Scheduler struct {
	cfg       Config
	index     Index
	registry  Registry
	feed      feed.Feed
	pipeline  *preprocess.Pipeline
	state     StateStore
	history   History
	snapshots Snapshots
	limiter   *rate.Limiter
	clock     func() time.Time
	logger    *slog.Logger
	batchHook func(jobID string, batch int)

	// slots holds one unit per running job. Optimize and Restore take every unit.
	slots *semaphore.Weighted

	// ingest is held by an ingest job from its watermark read to its commit,
	// so commits land in pull order.
	ingest *semaphore.Weighted

	// adoptMu makes a commit and its registry adoption atomic with respect to Backup.
	adoptMu sync.RWMutex

	mu        sync.Mutex
	seq       uint64
	jobs      map[string]*job
	order     []*job
	queue     []*job
	paused    int
	closed    bool
	observers []func(Job)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler pulling from f into idx.
func NewScheduler(idx Index, reg Registry, f feed.Feed, pipeline *preprocess.Pipeline, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:      DefaultConfig(),
		index:    idx,
		registry: reg,
		feed:     f,
		pipeline: pipeline,
		clock:    time.Now,
		logger:   slog.Default(),
		jobs:     make(map[string]*job),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cfg = s.cfg.withDefaults()
	s.slots = semaphore.NewWeighted(int64(s.cfg.MaxConcurrent))
	s.ingest = semaphore.NewWeighted(1)
	if s.cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), max(s.cfg.BatchSize, int(s.cfg.RateLimit)))
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// OnTransition registers fn to receive every job state change. Observers run
// outside the scheduler lock.
func (s *Scheduler) OnTransition(fn func(Job)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// SubmitFull queues a full re-index. A nil fields uses the registry's
// definitions at job start; a non-nil fields is validated now, used for the
// whole job and adopted by the registry when the job commits.
func (s *Scheduler) SubmitFull(ctx context.Context, fields []registry.Field) (Job, error) {
	if fields != nil {
		if err := s.checkFields(fields); err != nil {
			return Job{}, err
		}
		cloned := make([]registry.Field, len(fields))
		for i, f := range fields {
			cloned[i] = f.Clone()
		}
		fields = cloned
	}
	return s.submit(ctx, &job{kind: KindFull, fields: fields})
}

// SubmitIncremental queues an ingest of the changes after since. The
// effective lower bound is the later of since and the stored watermark.
func (s *Scheduler) SubmitIncremental(ctx context.Context, since time.Time) (Job, error) {
	return s.submit(ctx, &job{kind: KindIncremental, since: since.UTC()})
}

func (s *Scheduler) checkFields(fields []registry.Field) error {
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if f.Tag == "" {
			return ierrors.ValidationError("field snapshot contains a field without a tag", nil)
		}
		if _, dup := seen[f.Tag]; dup {
			return ierrors.DuplicateFieldError(f.Tag)
		}
		seen[f.Tag] = struct{}{}
		if !f.DataType.Valid() {
			return ierrors.New(ierrors.ErrCodeInvalidField,
				fmt.Sprintf("field %s: unknown data type %q", f.Tag, f.DataType), nil)
		}
		if s.pipeline != nil {
			if err := s.pipeline.Validate(f.Preprocessing); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Scheduler) submit(_ context.Context, j *job) (Job, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Job{}, ierrors.InternalError("scheduler is closed", nil)
	}
	s.seq++
	j.id = formatJobID(s.seq)
	j.state = StateQueued
	j.submittedAt = s.clock().UTC()
	j.progress = NewProgress(s.clock)
	j.done = make(chan struct{})
	s.jobs[j.id] = j
	s.order = append(s.order, j)
	s.queue = append(s.queue, j)
	s.registry.Acquire(j.id, j.tags())
	snap := j.snapshot()
	s.mu.Unlock()

	s.logger.Info("job submitted",
		slog.String("job", j.id),
		slog.String("kind", string(j.kind)))
	s.publish(snap)
	s.dispatch()

	s.mu.Lock()
	defer s.mu.Unlock()
	return j.snapshot(), nil
}

// dispatch starts queued jobs in FIFO order while worker slots are free.
func (s *Scheduler) dispatch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.paused == 0 && !s.closed && len(s.queue) > 0 {
		if !s.slots.TryAcquire(1) {
			return
		}
		j := s.queue[0]
		s.queue = s.queue[1:]
		s.startLocked(j)
	}
}

func (s *Scheduler) startLocked(j *job) {
	ctx, cancel := context.WithCancel(s.ctx)
	j.state = StateRunning
	j.startedAt = s.clock().UTC()
	j.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx, j)
}

func (s *Scheduler) run(ctx context.Context, j *job) {
	defer s.wg.Done()
	defer j.cancel()

	s.mu.Lock()
	snap := j.snapshot()
	s.mu.Unlock()
	s.publish(snap)

	s.logger.Info("job started",
		slog.String("job", j.id),
		slog.String("kind", string(j.kind)))
	version, err := s.execute(ctx, j)

	s.registry.Release(j.id)
	s.slots.Release(1)
	s.complete(j, version, err)
	s.dispatch()
}

func (s *Scheduler) complete(j *job, version int64, err error) {
	s.mu.Lock()
	switch {
	case err == nil:
		j.state = StateCompleted
		j.version = version
	case errors.Is(err, errCancelled) || errors.Is(err, context.Canceled):
		j.state = StateCancelled
	default:
		j.state = StateFailed
		j.err = err
		j.errCode = ierrors.GetCode(err)
		if j.errCode == "" {
			j.errCode = ierrors.ErrCodeJobFailed
		}
	}
	j.finishedAt = s.clock().UTC()
	j.progress.Finish()
	snap := j.snapshot()
	s.trimHistoryLocked()
	s.mu.Unlock()

	attrs := []any{
		slog.String("job", j.id),
		slog.String("state", string(snap.State)),
		slog.Int("indexed", snap.Progress.Indexed),
		slog.Int("skipped", snap.Progress.Skipped),
		slog.Int64("version", snap.Version),
	}
	if snap.State == StateFailed {
		s.logger.Warn("job finished", append(attrs, ierrors.LogAttrs(err)...)...)
	} else {
		s.logger.Info("job finished", attrs...)
	}
	s.publish(snap)
	j.finish()
}

// trimHistoryLocked drops the oldest terminal jobs beyond HistoryLimit.
func (s *Scheduler) trimHistoryLocked() {
	terminal := 0
	for _, j := range s.order {
		if j.state.Terminal() {
			terminal++
		}
	}
	if terminal <= s.cfg.HistoryLimit {
		return
	}
	drop := terminal - s.cfg.HistoryLimit
	kept := s.order[:0]
	for _, j := range s.order {
		if drop > 0 && j.state.Terminal() {
			delete(s.jobs, j.id)
			drop--
			continue
		}
		kept = append(kept, j)
	}
	s.order = kept
}

func (s *Scheduler) publish(snap Job) {
	s.mu.Lock()
	observers := append([]func(Job){}, s.observers...)
	s.mu.Unlock()
	for _, fn := range observers {
		fn(snap)
	}
	if s.history != nil {
		if err := s.history.SaveJob(context.Background(), snap); err != nil {
			s.logger.Warn("failed to persist job",
				slog.String("job", snap.ID),
				slog.String("error", err.Error()))
		}
	}
}

// Cancel stops a job. A queued job moves straight to cancelled; a running job
// is flagged and stops at its next batch boundary. Cancelling a finished job
// fails with ErrJobFinished.
func (s *Scheduler) Cancel(_ context.Context, id string) (Job, error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return Job{}, ierrors.NotFoundError(ierrors.ErrCodeJobNotFound, "job", id)
	}
	switch j.state {
	case StateQueued:
		for i, q := range s.queue {
			if q == j {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
		j.state = StateCancelled
		j.finishedAt = s.clock().UTC()
		j.progress.Finish()
		snap := j.snapshot()
		s.trimHistoryLocked()
		s.mu.Unlock()

		s.registry.Release(j.id)
		s.logger.Info("queued job cancelled", slog.String("job", id))
		s.publish(snap)
		j.finish()
		return snap, nil
	case StateRunning:
		j.cancelled.Store(true)
		j.cancel()
		snap := j.snapshot()
		s.mu.Unlock()
		s.logger.Info("job cancellation requested", slog.String("job", id))
		return snap, nil
	default:
		state := j.state
		s.mu.Unlock()
		return Job{}, ierrors.New(ierrors.ErrCodeJobFinished,
			fmt.Sprintf("job %s already finished", id), nil).
			WithDetail("job", id).
			WithDetail("state", string(state))
	}
}

// Status returns the current status of a job.
func (s *Scheduler) Status(id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, ierrors.NotFoundError(ierrors.ErrCodeJobNotFound, "job", id)
	}
	return j.snapshot(), nil
}

// ListJobs returns every known job in submission order.
func (s *Scheduler) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.order))
	for _, j := range s.order {
		out = append(out, j.snapshot())
	}
	return out
}

// Running returns the number of running jobs.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.order {
		if j.state == StateRunning {
			n++
		}
	}
	return n
}

// Wait blocks until job id is terminal or ctx is done.
func (s *Scheduler) Wait(ctx context.Context, id string) (Job, error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return Job{}, ierrors.NotFoundError(ierrors.ErrCodeJobNotFound, "job", id)
	}
	select {
	case <-j.done:
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return j.snapshot(), nil
}

// Optimize compacts the index into a single segment. It stops dispatching
// queued jobs, waits for running jobs to drain, compacts, then resumes
// dispatch. Submissions are accepted throughout.
func (s *Scheduler) Optimize(ctx context.Context) (OptimizeResult, error) {
	s.mu.Lock()
	s.paused++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.paused--
		s.mu.Unlock()
		s.dispatch()
	}()

	s.logger.Info("optimize waiting for running jobs")
	if err := s.slots.Acquire(ctx, int64(s.cfg.MaxConcurrent)); err != nil {
		return OptimizeResult{}, err
	}
	defer s.slots.Release(int64(s.cfg.MaxConcurrent))

	before := s.index.View()
	res := OptimizeResult{
		SegmentsBefore:   before.SegmentCount(),
		TombstonesBefore: before.TombstoneCount(),
	}
	version, changed, err := s.index.Compact(ctx)
	if err != nil {
		return OptimizeResult{}, err
	}
	res.Compacted = changed
	res.Version = version
	res.SegmentsAfter = s.index.View().SegmentCount()

	s.logger.Info("optimize finished",
		slog.Bool("compacted", changed),
		slog.Int("segments_before", res.SegmentsBefore),
		slog.Int("tombstones_before", res.TombstonesBefore),
		slog.Int64("version", version))
	return res, nil
}

// Backup saves the committed index and registry as a snapshot and returns its id.
func (s *Scheduler) Backup(ctx context.Context) (string, error) {
	if s.snapshots == nil {
		return "", ierrors.ConfigError("no snapshot store configured", nil).
			WithSuggestion("set backup.backend in .dicomindex.yaml")
	}

	s.adoptMu.RLock()
	dump, err := s.index.Export()
	reg := s.registry.Snapshot()
	s.adoptMu.RUnlock()
	if err != nil {
		return "", err
	}

	now := s.clock().UTC()
	snap := snapshot.Snapshot{
		ID:              "snap-" + now.Format("20060102-150405.000000000"),
		CreatedAt:       now,
		RegistryVersion: reg.Version,
		Fields:          reg.List(),
		Index:           dump,
		Watermark:       s.watermark(ctx),
	}
	if err := s.snapshots.Save(ctx, snap); err != nil {
		return "", err
	}
	s.setState(ctx, StateLastSnapshot, snap.ID)
	return snap.ID, nil
}

// Restore replaces the index and the registry with snapshot id. It fails with
// JobInProgressError while any job runs. If the registry cannot be restored
// the index is rolled back.
func (s *Scheduler) Restore(ctx context.Context, id string) (RestoreResult, error) {
	if s.snapshots == nil {
		return RestoreResult{}, ierrors.ConfigError("no snapshot store configured", nil)
	}
	snap, err := s.snapshots.Load(ctx, id)
	if err != nil {
		return RestoreResult{}, err
	}

	if !s.slots.TryAcquire(int64(s.cfg.MaxConcurrent)) {
		return RestoreResult{}, ierrors.JobInProgressError("restore")
	}
	defer func() {
		s.slots.Release(int64(s.cfg.MaxConcurrent))
		s.dispatch()
	}()

	s.adoptMu.Lock()
	defer s.adoptMu.Unlock()

	previous, err := s.index.Export()
	if err != nil {
		return RestoreResult{}, err
	}
	prevReg := s.registry.Snapshot()

	version, err := s.index.Import(snap.Index)
	if err != nil {
		return RestoreResult{}, err
	}
	regVersion := max(prevReg.Version, snap.RegistryVersion) + 1
	if err := s.registry.Restore(ctx, snap.Fields, regVersion); err != nil {
		if _, rbErr := s.index.Import(previous); rbErr != nil {
			s.logger.Error("index rollback failed after registry restore error",
				slog.String("snapshot", id),
				slog.String("error", rbErr.Error()))
		}
		return RestoreResult{}, err
	}
	if !snap.Watermark.IsZero() {
		s.setState(ctx, StateWatermark, snap.Watermark.Format(time.RFC3339Nano))
	}

	records := 0
	for _, seg := range snap.Index.Segments {
		records += len(seg.Records)
	}
	s.logger.Info("snapshot restored",
		slog.String("snapshot", id),
		slog.Int64("version", version),
		slog.Int64("registry_version", regVersion))
	return RestoreResult{
		SnapshotID:      id,
		Version:         version,
		RegistryVersion: regVersion,
		Records:         records,
	}, nil
}

// Watermark returns the stored incremental watermark.
func (s *Scheduler) Watermark(ctx context.Context) time.Time {
	return s.watermark(ctx)
}

func (s *Scheduler) watermark(ctx context.Context) time.Time {
	if s.state == nil {
		return time.Time{}
	}
	raw, ok, err := s.state.GetState(ctx, StateWatermark)
	if err != nil {
		s.logger.Warn("failed to read watermark", slog.String("error", err.Error()))
		return time.Time{}
	}
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		s.logger.Warn("ignoring malformed watermark", slog.String("value", raw))
		return time.Time{}
	}
	return t
}

func (s *Scheduler) setState(ctx context.Context, key, value string) {
	if s.state == nil {
		return
	}
	if err := s.state.SetState(ctx, key, value); err != nil {
		s.logger.Warn("failed to persist scheduler state",
			slog.String("key", key),
			slog.String("error", err.Error()))
	}
}

// Close cancels running jobs, drops queued ones and waits for workers to exit.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	queued := s.queue
	s.queue = nil
	var snaps []Job
	for _, j := range queued {
		j.state = StateCancelled
		j.finishedAt = s.clock().UTC()
		j.progress.Finish()
		snaps = append(snaps, j.snapshot())
	}
	s.mu.Unlock()

	for i, j := range queued {
		s.registry.Release(j.id)
		s.publish(snaps[i])
		j.finish()
	}
	s.cancel()
	s.wg.Wait()
	return nil
}
