package telemetry

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func TestSQLiteMetricsStore_UpsertShapeStats_Incremental(t *testing.T) {
	store, err := NewSQLiteMetricsStore(setupTestDB(t))
	require.NoError(t, err)

	// Given: two flushes on the same day
	require.NoError(t, store.UpsertShapeStats("2026-01-06", []ShapeStat{
		{Shape: "eq:Modality", Count: 3, ZeroResults: 1, TotalLatency: 3 * time.Millisecond},
		{Shape: "contains:PatientName", Count: 1},
	}))
	require.NoError(t, store.UpsertShapeStats("2026-01-06", []ShapeStat{
		{Shape: "eq:Modality", Count: 2, CacheHits: 2, TotalLatency: 2 * time.Millisecond},
	}))

	// When: reading the top shapes
	top, err := store.GetTopShapes(10)
	require.NoError(t, err)

	// Then: deltas were summed
	require.Len(t, top, 2)
	assert.Equal(t, "eq:Modality", top[0].Shape)
	assert.Equal(t, int64(5), top[0].Count)
	assert.Equal(t, int64(1), top[0].ZeroResults)
	assert.Equal(t, int64(2), top[0].CacheHits)
	assert.Equal(t, 5*time.Millisecond, top[0].TotalLatency)
	assert.Equal(t, time.Millisecond, top[0].MeanLatency())
}

func TestSQLiteMetricsStore_GetTopShapes_Limit(t *testing.T) {
	store, err := NewSQLiteMetricsStore(setupTestDB(t))
	require.NoError(t, err)

	var stats []ShapeStat
	for i := 0; i < 5; i++ {
		stats = append(stats, ShapeStat{Shape: fmt.Sprintf("eq:F%d", i), Count: int64(i + 1)})
	}
	require.NoError(t, store.UpsertShapeStats("2026-01-06", stats))

	top, err := store.GetTopShapes(2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "eq:F4", top[0].Shape)
	assert.Equal(t, "eq:F3", top[1].Shape)
}

func TestSQLiteMetricsStore_ZeroResultShapes_CircularBuffer(t *testing.T) {
	store, err := NewSQLiteMetricsStore(setupTestDB(t))
	require.NoError(t, err)

	for i := 0; i < maxZeroResultRows+10; i++ {
		require.NoError(t, store.AddZeroResultShape(fmt.Sprintf("shape-%d", i), time.Now()))
	}

	shapes, err := store.GetZeroResultShapes(1000)
	require.NoError(t, err)
	assert.Len(t, shapes, maxZeroResultRows)
	assert.Equal(t, fmt.Sprintf("shape-%d", maxZeroResultRows+9), shapes[0])
}

func TestSQLiteMetricsStore_LatencyCounts_DateRange(t *testing.T) {
	store, err := NewSQLiteMetricsStore(setupTestDB(t))
	require.NoError(t, err)

	require.NoError(t, store.SaveLatencyCounts("2026-01-05", map[LatencyBucket]int64{BucketP1: 2}))
	require.NoError(t, store.SaveLatencyCounts("2026-01-06", map[LatencyBucket]int64{BucketP1: 3, BucketP50: 1}))
	require.NoError(t, store.SaveLatencyCounts("2026-01-07", map[LatencyBucket]int64{BucketP1: 100}))

	counts, err := store.GetLatencyCounts("2026-01-05", "2026-01-06")
	require.NoError(t, err)
	assert.Equal(t, int64(5), counts[BucketP1])
	assert.Equal(t, int64(1), counts[BucketP50])
}

func TestNewSQLiteMetricsStore_NilDB(t *testing.T) {
	_, err := NewSQLiteMetricsStore(nil)
	assert.Error(t, err)
}

func TestSQLiteMetricsStore_EmptyInputsAreNoops(t *testing.T) {
	store, err := NewSQLiteMetricsStore(setupTestDB(t))
	require.NoError(t, err)

	assert.NoError(t, store.UpsertShapeStats("2026-01-06", nil))
	assert.NoError(t, store.SaveLatencyCounts("2026-01-06", nil))
}
