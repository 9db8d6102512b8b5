package jobs

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ierrors "github.com/Aman-CERP/dicomindex/internal/errors"
	"github.com/Aman-CERP/dicomindex/internal/feed"
	"github.com/Aman-CERP/dicomindex/internal/index"
	"github.com/Aman-CERP/dicomindex/internal/preprocess"
	"github.com/Aman-CERP/dicomindex/internal/registry"
)

func testFields() []registry.Field {
	return []registry.Field{
		{Tag: "PatientName", DataType: registry.TypeString, Searchable: true,
			Preprocessing: []string{preprocess.FuncPersonName}},
		{Tag: "Modality", DataType: registry.TypeEnum, Searchable: true, Facetable: true,
			Preprocessing: []string{preprocess.FuncModality}},
		{Tag: "StudyDate", DataType: registry.TypeDate, Searchable: true},
	}
}

// tickClock advances one second per call.
func tickClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

// memState is an in-memory StateStore.
type memState struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemState() *memState { return &memState{values: make(map[string]string)} }

func (m *memState) GetState(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memState) SetState(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

// gatedFeed blocks every pull until the gate opens.
type gatedFeed struct {
	inner   feed.Feed
	gate    chan struct{}
	once    sync.Once
	entered chan struct{}
}

func newGatedFeed(inner feed.Feed) *gatedFeed {
	return &gatedFeed{inner: inner, gate: make(chan struct{}), entered: make(chan struct{}, 64)}
}

func (g *gatedFeed) open() { g.once.Do(func() { close(g.gate) }) }

func (g *gatedFeed) PullChangedRecords(ctx context.Context, since time.Time) ([]feed.Change, error) {
	g.entered <- struct{}{}
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.inner.PullChangedRecords(ctx, since)
}

// countingFeed counts pulls.
type countingFeed struct {
	inner feed.Feed
	mu    sync.Mutex
	n     int
}

func (c *countingFeed) PullChangedRecords(ctx context.Context, since time.Time) ([]feed.Change, error) {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
	return c.inner.PullChangedRecords(ctx, since)
}

func (c *countingFeed) pulls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type fixture struct {
	pipeline *preprocess.Pipeline
	registry *registry.Registry
	store    *index.Store
	feed     *feed.MemoryFeed
	state    *memState
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	p := preprocess.New()
	reg := registry.New(p)
	for _, f := range testFields() {
		_, err := reg.Define(context.Background(), f)
		require.NoError(t, err)
	}
	return &fixture{
		pipeline: p,
		registry: reg,
		store:    index.NewStore(index.WithClock(tickClock())),
		feed:     feed.NewMemoryFeed(tickClock()),
		state:    newMemState(),
	}
}

func fastRetry() ierrors.RetryConfig {
	return ierrors.RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		ShouldRetry:  ierrors.IsRetryable,
	}
}

func (fx *fixture) scheduler(t *testing.T, f feed.Feed, cfg Config, opts ...Option) *Scheduler {
	t.Helper()
	if f == nil {
		f = fx.feed
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.InitialDelay == 0 {
		cfg.Retry = fastRetry()
	}
	opts = append([]Option{WithConfig(cfg), WithStateStore(fx.state)}, opts...)
	s := NewScheduler(fx.store, fx.registry, f, fx.pipeline, opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func (fx *fixture) seed() {
	fx.feed.Upsert("1", map[string]string{"PatientName": "Doe^John", "Modality": "CT", "StudyDate": "20240110"})
	fx.feed.Upsert("2", map[string]string{"PatientName": "Doe^Jane", "Modality": "MRI", "StudyDate": "20240215"})
	fx.feed.Upsert("3", map[string]string{"PatientName": "Roe^Richard", "Modality": "US", "StudyDate": "20240301"})
}

func (fx *fixture) ids(t *testing.T, pred index.Predicate) []string {
	t.Helper()
	res, err := fx.store.Query(context.Background(), pred, index.Page{}, index.Sort{})
	require.NoError(t, err)
	out := make([]string, 0, len(res.Records))
	for _, r := range res.Records {
		out = append(out, r.ID)
	}
	sort.Strings(out)
	return out
}

func wait(t *testing.T, s *Scheduler, id string) Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	j, err := s.Wait(ctx, id)
	require.NoError(t, err)
	return j
}

func state(t *testing.T, s *Scheduler, id string) State {
	t.Helper()
	j, err := s.Status(id)
	require.NoError(t, err)
	return j.State
}
