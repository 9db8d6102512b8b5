package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blob struct {
	size   int64
	fields []string
}

func (b blob) SizeBytes() int64           { return b.size }
func (b blob) ReferencedFields() []string { return b.fields }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestGetPut_HitsAndMisses(t *testing.T) {
	c := New(Config{})

	_, ok := c.Get("q1")
	assert.False(t, ok)

	c.Put("q1", blob{size: 10}, 0)
	v, ok := c.Get("q1")

	require.True(t, ok)
	assert.Equal(t, int64(10), v.SizeBytes())
	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, int64(10), stats.SizeBytes)
	assert.InDelta(t, 0.5, stats.HitRatio(), 0.0001)
}

func TestPut_EvictsLeastRecentlyUsedAtByteCeiling(t *testing.T) {
	c := New(Config{MaxBytes: 100})

	c.Put("a", blob{size: 40}, 0)
	c.Put("b", blob{size: 40}, 0)
	// Touch a so b becomes the eviction candidate.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Put("c", blob{size: 40}, 0)

	_, okA := c.Get("a")
	_, okB := c.Get("b")
	_, okC := c.Get("c")
	assert.True(t, okA)
	assert.False(t, okB)
	assert.True(t, okC)
	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Evictions)
	assert.Equal(t, int64(80), stats.SizeBytes)
}

func TestPut_EntryCountBound(t *testing.T) {
	c := New(Config{MaxEntries: 3})
	for i := 0; i < 5; i++ {
		c.Put(fmt.Sprintf("k%d", i), blob{size: 1}, 0)
	}
	stats := c.Stats()
	assert.Equal(t, 3, stats.Entries)
	assert.Equal(t, uint64(2), stats.Evictions)
}

func TestPut_OversizedValueIsSkipped(t *testing.T) {
	c := New(Config{MaxBytes: 10})
	c.Put("huge", blob{size: 11}, 0)

	_, ok := c.Get("huge")
	assert.False(t, ok)
	assert.Zero(t, c.Stats().SizeBytes)
}

func TestPut_ReplacingKeyAdjustsSize(t *testing.T) {
	c := New(Config{MaxBytes: 100})
	c.Put("a", blob{size: 30}, 0)
	c.Put("a", blob{size: 50}, 0)

	assert.Equal(t, int64(50), c.Stats().SizeBytes)
	assert.Equal(t, 1, c.Stats().Entries)
}

func TestTTL_ExpiresIndependentlyOfLRU(t *testing.T) {
	clock := newClock()
	c := New(Config{}, WithClock(clock.Now))

	c.Put("short", blob{size: 1}, time.Second)
	c.Put("long", blob{size: 1}, time.Hour)

	clock.Advance(2 * time.Second)

	_, ok := c.Get("short")
	assert.False(t, ok)
	_, ok = c.Get("long")
	assert.True(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Evictions)
	assert.Equal(t, int64(1), c.Stats().SizeBytes)
}

func TestInvalidateAll(t *testing.T) {
	c := New(Config{})
	c.Put("a", blob{size: 5, fields: []string{"Modality"}}, 0)
	c.Put("b", blob{size: 5, fields: []string{"Modality", "PatientName"}}, 0)
	require.True(t, c.ReferencesField("PatientName"))

	c.InvalidateAll()

	_, ok := c.Get("a")
	assert.False(t, ok)
	stats := c.Stats()
	assert.Zero(t, stats.Entries)
	assert.Zero(t, stats.SizeBytes)
	assert.Equal(t, uint64(1), stats.Invalidations)
	assert.False(t, c.ReferencesField("Modality"))
}

func TestReferencesField_TracksEvictions(t *testing.T) {
	c := New(Config{MaxBytes: 10})
	c.Put("a", blob{size: 10, fields: []string{"PatientName"}}, 0)
	assert.True(t, c.ReferencesField("PatientName"))

	c.Put("b", blob{size: 10, fields: []string{"Modality"}}, 0)

	assert.False(t, c.ReferencesField("PatientName"))
	assert.True(t, c.ReferencesField("Modality"))
}

func TestReferencesField_IgnoresExpiredEntries(t *testing.T) {
	clock := newClock()
	c := New(Config{}, WithClock(clock.Now))

	// Given: an entry derived from PatientName that nobody reads again
	c.Put("a", blob{size: 4, fields: []string{"PatientName"}}, time.Second)
	c.Put("b", blob{size: 4, fields: []string{"Modality"}}, time.Hour)
	require.True(t, c.ReferencesField("PatientName"))

	// When: its TTL passes
	clock.Advance(2 * time.Second)

	// Then: it no longer pins the field and is evicted
	assert.False(t, c.ReferencesField("PatientName"))
	assert.True(t, c.ReferencesField("Modality"))
	stats := c.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(4), stats.SizeBytes)
	assert.Equal(t, uint64(1), stats.Evictions)
}

func TestEntries_ExposeBookkeeping(t *testing.T) {
	clock := newClock()
	c := New(Config{}, WithClock(clock.Now))
	c.Put("a", blob{size: 3}, time.Minute)

	entries := c.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].Key)
	assert.Equal(t, int64(3), entries[0].SizeBytes)
	assert.Equal(t, time.Minute, entries[0].TTL)
	assert.Equal(t, clock.Now(), entries[0].CreatedAt)
}

func TestConcurrentAccess(t *testing.T) {
	c := New(Config{MaxBytes: 1000})
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", (w*i)%50)
				c.Put(key, blob{size: 7}, 0)
				c.Get(key)
				if i%50 == 0 {
					c.InvalidateAll()
				}
			}
		}(w)
	}
	wg.Wait()
	stats := c.Stats()
	assert.LessOrEqual(t, stats.SizeBytes, int64(1000))
	assert.Equal(t, int64(stats.Entries)*7, stats.SizeBytes)
}
