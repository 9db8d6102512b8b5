package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ierrors "github.com/Aman-CERP/dicomindex/internal/errors"
	"github.com/Aman-CERP/dicomindex/internal/index"
	"github.com/Aman-CERP/dicomindex/internal/registry"
	"github.com/Aman-CERP/dicomindex/internal/snapshot"
)

func TestFullJob_IndexesThroughFieldChains(t *testing.T) {
	// Given a feed with three records
	fx := newFixture(t)
	fx.seed()
	s := fx.scheduler(t, nil, Config{})

	// When a full job runs
	j, err := s.SubmitFull(context.Background(), nil)
	require.NoError(t, err)
	done := wait(t, s, j.ID)

	// Then every record is visible with preprocessed values
	require.Equal(t, StateCompleted, done.State, done.Error)
	assert.Equal(t, 3, done.Progress.Indexed)
	assert.Equal(t, int64(1), done.Version)
	assert.Equal(t, []string{"1", "2"}, fx.ids(t, index.Contains("PatientName", "doe")))
	assert.Equal(t, []string{"2"}, fx.ids(t, index.Eq("Modality", "MR")))

	rec, ok := fx.store.Get("1")
	require.True(t, ok)
	assert.Equal(t, "2024-01-10", rec.IndexedValues["StudyDate"])
	assert.Equal(t, "Doe^John", rec.RawValues["PatientName"])
}

func TestAdmissionControl_LeavesExcessJobsQueued(t *testing.T) {
	// Given two worker slots and a feed that blocks
	fx := newFixture(t)
	fx.seed()
	gated := newGatedFeed(fx.feed)
	s := fx.scheduler(t, gated, Config{MaxConcurrent: 2})

	// When three jobs are submitted
	var ids []string
	for i := 0; i < 3; i++ {
		j, err := s.SubmitIncremental(context.Background(), time.Time{})
		require.NoError(t, err)
		ids = append(ids, j.ID)
	}

	// Then exactly two run and the third waits
	assert.Equal(t, StateRunning, state(t, s, ids[0]))
	assert.Equal(t, StateRunning, state(t, s, ids[1]))
	assert.Equal(t, StateQueued, state(t, s, ids[2]))
	assert.Equal(t, 2, s.Running())

	// When the queued job is cancelled
	cancelled, err := s.Cancel(context.Background(), ids[2])
	require.NoError(t, err)

	// Then it never enters running
	assert.Equal(t, StateCancelled, cancelled.State)
	assert.True(t, cancelled.StartedAt.IsZero())

	gated.open()
	for _, id := range ids[:2] {
		assert.Equal(t, StateCompleted, wait(t, s, id).State)
	}
	final, err := s.Status(ids[2])
	require.NoError(t, err)
	assert.True(t, final.StartedAt.IsZero())
}

func TestSingleSlot_RunsJobsInSubmissionOrder(t *testing.T) {
	// Given one worker slot
	fx := newFixture(t)
	fx.seed()
	gated := newGatedFeed(fx.feed)
	s := fx.scheduler(t, gated, Config{MaxConcurrent: 1})

	// When full job A then incremental job B are submitted
	a, err := s.SubmitFull(context.Background(), nil)
	require.NoError(t, err)
	b, err := s.SubmitIncremental(context.Background(), time.Time{})
	require.NoError(t, err)

	// Then B stays queued while A runs
	<-gated.entered
	assert.Equal(t, StateRunning, state(t, s, a.ID))
	assert.Equal(t, StateQueued, state(t, s, b.ID))

	// And B starts only after A is terminal
	gated.open()
	doneA := wait(t, s, a.ID)
	doneB := wait(t, s, b.ID)
	assert.Equal(t, StateCompleted, doneA.State)
	assert.Equal(t, StateCompleted, doneB.State)
	assert.False(t, doneB.StartedAt.Before(doneA.FinishedAt))
}

func TestIncremental_IsIdempotentWithoutNewChanges(t *testing.T) {
	// Given an indexed feed
	fx := newFixture(t)
	fx.seed()
	s := fx.scheduler(t, nil, Config{})
	first, err := s.SubmitIncremental(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Equal(t, StateCompleted, wait(t, s, first.ID).State)
	version := fx.store.CurrentVersion()

	// When the same incremental job runs again
	second, err := s.SubmitIncremental(context.Background(), time.Time{})
	require.NoError(t, err)
	done := wait(t, s, second.ID)

	// Then it processes nothing and the version is unchanged
	assert.Equal(t, StateCompleted, done.State)
	assert.Equal(t, 0, done.Progress.Processed)
	assert.Equal(t, version, fx.store.CurrentVersion())
}

func TestIncremental_AppliesUpdatesAndDeletes(t *testing.T) {
	fx := newFixture(t)
	fx.seed()
	s := fx.scheduler(t, nil, Config{})
	j, err := s.SubmitFull(context.Background(), nil)
	require.NoError(t, err)
	wait(t, s, j.ID)

	// Given an update to record 1 and a delete of record 3
	fx.feed.Upsert("1", map[string]string{"PatientName": "Doe^John", "Modality": "MR", "StudyDate": "20240110"})
	fx.feed.Delete("3")

	// When an incremental job runs
	inc, err := s.SubmitIncremental(context.Background(), time.Time{})
	require.NoError(t, err)
	done := wait(t, s, inc.ID)

	// Then only the changed records are touched
	assert.Equal(t, StateCompleted, done.State)
	assert.Equal(t, 1, done.Progress.Indexed)
	assert.Equal(t, 1, done.Progress.Deleted)
	assert.Equal(t, []string{"1", "2"}, fx.ids(t, index.Eq("Modality", "MR")))
	assert.Equal(t, []string{"1", "2"}, fx.ids(t, index.All()))
}

func TestIncremental_OverlappingJobsCommitInPullOrder(t *testing.T) {
	// Given two worker slots and job A held after pulling record 1 as CT
	fx := newFixture(t)
	fx.feed.Upsert("1", map[string]string{"PatientName": "Doe^John", "Modality": "CT"})
	counted := &countingFeed{inner: fx.feed}
	held := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	s := fx.scheduler(t, counted, Config{MaxConcurrent: 2}, WithBatchHook(func(string, int) {
		once.Do(func() {
			close(held)
			<-release
		})
	}))
	a, err := s.SubmitIncremental(context.Background(), time.Time{})
	require.NoError(t, err)
	<-held

	// When record 1 changes to MR and job B is submitted
	fx.feed.Upsert("1", map[string]string{"PatientName": "Doe^John", "Modality": "MR"})
	b, err := s.SubmitIncremental(context.Background(), time.Time{})
	require.NoError(t, err)

	// Then B does not pull before A commits
	assert.Equal(t, StateRunning, state(t, s, b.ID))
	assert.Never(t, func() bool { return counted.pulls() > 1 }, 100*time.Millisecond, 10*time.Millisecond)

	close(release)
	require.Equal(t, StateCompleted, wait(t, s, a.ID).State)
	doneB := wait(t, s, b.ID)
	require.Equal(t, StateCompleted, doneB.State, doneB.Error)

	// And the newer value wins with the watermark at its change time
	assert.Equal(t, 1, doneB.Progress.Indexed)
	assert.Equal(t, []string{"1"}, fx.ids(t, index.Eq("Modality", "MR")))
	assert.Empty(t, fx.ids(t, index.Eq("Modality", "CT")))
	first, ok, err := fx.state.GetState(context.Background(), StateWatermark)
	require.NoError(t, err)
	require.True(t, ok)

	// When a later job finds nothing new
	c, err := s.SubmitIncremental(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Equal(t, StateCompleted, wait(t, s, c.ID).State)

	// Then the watermark does not move
	last, _, err := fx.state.GetState(context.Background(), StateWatermark)
	require.NoError(t, err)
	assert.Equal(t, first, last)
}

func TestCancel_RunningJobLeavesNoTrace(t *testing.T) {
	// Given an indexed store and a second batch of changes
	fx := newFixture(t)
	fx.seed()
	base := fx.scheduler(t, nil, Config{})
	j, err := base.SubmitFull(context.Background(), nil)
	require.NoError(t, err)
	wait(t, base, j.ID)
	require.NoError(t, base.Close())

	before := fx.ids(t, index.All())
	version := fx.store.CurrentVersion()
	for _, id := range []string{"4", "5", "6"} {
		fx.feed.Upsert(id, map[string]string{"PatientName": "New^Patient", "Modality": "CT"})
	}

	// When the job is cancelled after its first batch
	var s *Scheduler
	var once sync.Once
	s = fx.scheduler(t, nil, Config{BatchSize: 1}, WithBatchHook(func(jobID string, batch int) {
		once.Do(func() {
			_, err := s.Cancel(context.Background(), jobID)
			assert.NoError(t, err)
		})
	}))
	inc, err := s.SubmitIncremental(context.Background(), time.Time{})
	require.NoError(t, err)
	done := wait(t, s, inc.ID)

	// Then the job is cancelled and the index is unchanged
	assert.Equal(t, StateCancelled, done.State)
	assert.Equal(t, 1, done.Progress.Batches)
	assert.Equal(t, version, fx.store.CurrentVersion())
	assert.Equal(t, before, fx.ids(t, index.All()))
}

func TestCancel_Errors(t *testing.T) {
	fx := newFixture(t)
	s := fx.scheduler(t, nil, Config{})

	_, err := s.Cancel(context.Background(), "job-999999")
	assert.True(t, errors.Is(err, ierrors.ErrJobNotFound))

	j, err := s.SubmitFull(context.Background(), nil)
	require.NoError(t, err)
	wait(t, s, j.ID)
	_, err = s.Cancel(context.Background(), j.ID)
	assert.True(t, errors.Is(err, ierrors.ErrJobFinished))
}

func TestTransientFeedFailures_AreRetried(t *testing.T) {
	// Given a feed failing twice
	fx := newFixture(t)
	fx.seed()
	fx.feed.FailNext(2)
	s := fx.scheduler(t, nil, Config{})

	// When a job runs
	j, err := s.SubmitFull(context.Background(), nil)
	require.NoError(t, err)
	done := wait(t, s, j.ID)

	// Then it succeeds on the third attempt
	assert.Equal(t, StateCompleted, done.State)
	assert.Equal(t, 3, done.Attempts)
}

func TestTransientFeedFailures_ExhaustRetries(t *testing.T) {
	fx := newFixture(t)
	fx.seed()
	fx.feed.FailNext(100)
	s := fx.scheduler(t, nil, Config{})

	j, err := s.SubmitFull(context.Background(), nil)
	require.NoError(t, err)
	done := wait(t, s, j.ID)

	assert.Equal(t, StateFailed, done.State)
	assert.Equal(t, ierrors.ErrCodeIngestionUnavailable, done.ErrorCode)
	assert.Equal(t, 4, done.Attempts)
	assert.Equal(t, int64(0), fx.store.CurrentVersion())
}

func TestPreprocessingFailure_SkipsRecord(t *testing.T) {
	// Given one record with an unparseable date
	fx := newFixture(t)
	fx.seed()
	fx.feed.Upsert("bad", map[string]string{"PatientName": "Bad^Date", "StudyDate": "not-a-date"})
	s := fx.scheduler(t, nil, Config{BatchSize: 2})

	// When a full job runs
	j, err := s.SubmitFull(context.Background(), nil)
	require.NoError(t, err)
	done := wait(t, s, j.ID)

	// Then the record is skipped and the job still completes
	assert.Equal(t, StateCompleted, done.State)
	assert.Equal(t, 1, done.Progress.Skipped)
	assert.Equal(t, 3, done.Progress.Indexed)
	require.Len(t, done.Progress.Failures, 1)
	assert.Equal(t, "bad", done.Progress.Failures[0].RecordID)
	assert.Equal(t, "StudyDate", done.Progress.Failures[0].Field)
	_, ok := fx.store.Get("bad")
	assert.False(t, ok)
}

func TestSubmitFull_FieldSnapshot(t *testing.T) {
	fx := newFixture(t)
	fx.seed()
	s := fx.scheduler(t, nil, Config{})

	// Given a snapshot with an unknown preprocessor
	_, err := s.SubmitFull(context.Background(), []registry.Field{
		{Tag: "PatientName", DataType: registry.TypeString, Preprocessing: []string{"nope"}},
	})
	assert.True(t, errors.Is(err, ierrors.ErrUnknownPreprocessor))

	// When a full job runs with a snapshot that changes Modality to string
	fields := testFields()
	fields[1].DataType = registry.TypeString
	fields[1].Preprocessing = nil
	j, err := s.SubmitFull(context.Background(), fields)
	require.NoError(t, err)
	done := wait(t, s, j.ID)

	// Then the registry adopts the snapshot after the commit
	require.Equal(t, StateCompleted, done.State, done.Error)
	f, err := fx.registry.Get("Modality")
	require.NoError(t, err)
	assert.Equal(t, registry.TypeString, f.DataType)
	assert.Equal(t, []string{"2"}, fx.ids(t, index.Eq("Modality", "MRI")))
}

func TestBackupRestore_RoundTrip(t *testing.T) {
	// Given an indexed store and a snapshot repository
	fx := newFixture(t)
	fx.seed()
	local, err := snapshot.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	repo := snapshot.NewRepository(local, snapshot.NewCodec(snapshot.CompressionZSTD), nil)
	s := fx.scheduler(t, nil, Config{}, WithSnapshots(repo))

	j, err := s.SubmitFull(context.Background(), nil)
	require.NoError(t, err)
	wait(t, s, j.ID)

	checks := []index.Predicate{
		index.All(),
		index.Contains("PatientName", "doe"),
		index.Eq("Modality", "CT"),
	}
	var before [][]string
	for _, p := range checks {
		before = append(before, fx.ids(t, p))
	}

	// When a backup is taken, the state changes, and the backup is restored
	id, err := s.Backup(context.Background())
	require.NoError(t, err)

	fx.feed.Upsert("9", map[string]string{"PatientName": "Doe^Later", "Modality": "CT"})
	inc, err := s.SubmitIncremental(context.Background(), time.Time{})
	require.NoError(t, err)
	wait(t, s, inc.ID)
	_, err = fx.registry.Define(context.Background(), registry.Field{Tag: "BodyPart", DataType: registry.TypeString})
	require.NoError(t, err)
	versionBefore := fx.store.CurrentVersion()

	res, err := s.Restore(context.Background(), id)
	require.NoError(t, err)

	// Then queries match the pre-backup state and versions move forward
	for i, p := range checks {
		assert.Equal(t, before[i], fx.ids(t, p))
	}
	assert.Greater(t, res.Version, versionBefore)
	_, err = fx.registry.Get("BodyPart")
	assert.True(t, errors.Is(err, ierrors.ErrFieldNotFound))

	last, ok, err := fx.state.GetState(context.Background(), StateLastSnapshot)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, last)

	_, err = s.Restore(context.Background(), "snap-missing")
	assert.True(t, errors.Is(err, ierrors.ErrSnapshotNotFound))
}

func TestRestore_RejectedWhileJobRuns(t *testing.T) {
	fx := newFixture(t)
	fx.seed()
	local, err := snapshot.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	repo := snapshot.NewRepository(local, snapshot.NewCodec(snapshot.CompressionNone), nil)
	gated := newGatedFeed(fx.feed)
	s := fx.scheduler(t, gated, Config{}, WithSnapshots(repo))

	id, err := s.Backup(context.Background())
	require.NoError(t, err)

	// Given a running job
	j, err := s.SubmitFull(context.Background(), nil)
	require.NoError(t, err)
	<-gated.entered

	// When a restore is attempted
	_, err = s.Restore(context.Background(), id)

	// Then it is refused
	assert.True(t, errors.Is(err, ierrors.ErrJobInProgress))
	gated.open()
	assert.Equal(t, StateCompleted, wait(t, s, j.ID).State)
}

func TestBackup_RequiresStore(t *testing.T) {
	fx := newFixture(t)
	s := fx.scheduler(t, nil, Config{})
	_, err := s.Backup(context.Background())
	assert.Equal(t, ierrors.ErrCodeConfigInvalid, ierrors.GetCode(err))
}

func TestOptimize_CompactsSegments(t *testing.T) {
	// Given several incremental commits
	fx := newFixture(t)
	s := fx.scheduler(t, nil, Config{})
	for i, name := range []string{"Doe^A", "Doe^B", "Roe^C"} {
		fx.feed.Upsert(string(rune('a'+i)), map[string]string{"PatientName": name})
		j, err := s.SubmitIncremental(context.Background(), time.Time{})
		require.NoError(t, err)
		wait(t, s, j.ID)
	}
	fx.feed.Upsert("a", map[string]string{"PatientName": "Doe^A2"})
	j, err := s.SubmitIncremental(context.Background(), time.Time{})
	require.NoError(t, err)
	wait(t, s, j.ID)
	before := fx.ids(t, index.Contains("PatientName", "doe"))

	// When optimize runs
	res, err := s.Optimize(context.Background())
	require.NoError(t, err)

	// Then one segment remains and results are unchanged
	assert.True(t, res.Compacted)
	assert.Equal(t, 4, res.SegmentsBefore)
	assert.Equal(t, 1, res.TombstonesBefore)
	assert.Equal(t, 1, res.SegmentsAfter)
	assert.Equal(t, before, fx.ids(t, index.Contains("PatientName", "doe")))
}

func TestOptimize_WaitsForDrainAndHoldsQueue(t *testing.T) {
	// Given one slot held by a running job
	fx := newFixture(t)
	fx.seed()
	gated := newGatedFeed(fx.feed)
	s := fx.scheduler(t, gated, Config{MaxConcurrent: 1})
	a, err := s.SubmitFull(context.Background(), nil)
	require.NoError(t, err)
	<-gated.entered

	// When optimize is requested
	optimized := make(chan OptimizeResult, 1)
	go func() {
		res, err := s.Optimize(context.Background())
		assert.NoError(t, err)
		optimized <- res
	}()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.paused == 1
	}, time.Second, 5*time.Millisecond)

	// Then new submissions are accepted but not dispatched
	b, err := s.SubmitIncremental(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, StateQueued, state(t, s, b.ID))
	select {
	case <-optimized:
		t.Fatal("optimize ran while a job was running")
	default:
	}

	// And once the job drains, optimize runs and dispatch resumes
	gated.open()
	assert.Equal(t, StateCompleted, wait(t, s, a.ID).State)
	select {
	case <-optimized:
	case <-time.After(5 * time.Second):
		t.Fatal("optimize did not finish")
	}
	assert.Equal(t, StateCompleted, wait(t, s, b.ID).State)
}

func TestListJobs_KeepsSubmissionOrderAndBoundsHistory(t *testing.T) {
	fx := newFixture(t)
	s := fx.scheduler(t, nil, Config{HistoryLimit: 2})

	var ids []string
	for i := 0; i < 4; i++ {
		j, err := s.SubmitIncremental(context.Background(), time.Time{})
		require.NoError(t, err)
		wait(t, s, j.ID)
		ids = append(ids, j.ID)
	}

	list := s.ListJobs()
	require.Len(t, list, 2)
	assert.Equal(t, ids[2], list[0].ID)
	assert.Equal(t, ids[3], list[1].ID)
	_, err := s.Status(ids[0])
	assert.True(t, errors.Is(err, ierrors.ErrJobNotFound))
}

func TestOnTransition_ReportsEveryState(t *testing.T) {
	fx := newFixture(t)
	fx.seed()
	s := fx.scheduler(t, nil, Config{})

	var mu sync.Mutex
	var states []State
	s.OnTransition(func(j Job) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, j.State)
	})

	j, err := s.SubmitFull(context.Background(), nil)
	require.NoError(t, err)
	wait(t, s, j.ID)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateQueued, StateRunning, StateCompleted}, states)
}

func TestClose_CancelsQueuedJobs(t *testing.T) {
	fx := newFixture(t)
	fx.seed()
	gated := newGatedFeed(fx.feed)
	s := fx.scheduler(t, gated, Config{MaxConcurrent: 1})

	a, err := s.SubmitFull(context.Background(), nil)
	require.NoError(t, err)
	b, err := s.SubmitIncremental(context.Background(), time.Time{})
	require.NoError(t, err)
	<-gated.entered

	require.NoError(t, s.Close())

	assert.Equal(t, StateCancelled, state(t, s, a.ID))
	assert.Equal(t, StateCancelled, state(t, s, b.ID))
	_, err = s.SubmitFull(context.Background(), nil)
	assert.Error(t, err)
}

func TestJobIDs_FollowFirstSequence(t *testing.T) {
	// Given a scheduler resuming after job-000041
	fx := newFixture(t)
	seq, ok := ParseJobID("job-000041")
	require.True(t, ok)
	s := fx.scheduler(t, nil, Config{}, WithFirstSequence(seq))

	// When a job is submitted
	j, err := s.SubmitIncremental(context.Background(), time.Time{})
	require.NoError(t, err)

	// Then its id continues the sequence
	assert.Equal(t, "job-000042", j.ID)
	_, ok = ParseJobID("snap-1")
	assert.False(t, ok)
}
