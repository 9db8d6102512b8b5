package telemetry

import (
	"database/sql"
	"fmt"
	"time"
)

// maxZeroResultRows bounds the zero_result_shapes table.
const maxZeroResultRows = 100

// SQLiteMetricsStore implements QueryMetricsStore using SQLite.
type SQLiteMetricsStore struct {
	db *sql.DB
}

// NewSQLiteMetricsStore creates a SQLite-backed metrics store over a shared
// connection and makes sure its tables exist.
func NewSQLiteMetricsStore(db *sql.DB) (*SQLiteMetricsStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if err := InitTelemetrySchema(db); err != nil {
		return nil, err
	}
	return &SQLiteMetricsStore{db: db}, nil
}

// InitTelemetrySchema creates the telemetry tables if they don't exist.
func InitTelemetrySchema(db *sql.DB) error {
	schema := `
	-- Per-shape aggregates (daily)
	CREATE TABLE IF NOT EXISTS query_shape_stats (
		date TEXT NOT NULL,
		shape TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		zero_results INTEGER NOT NULL DEFAULT 0,
		cache_hits INTEGER NOT NULL DEFAULT 0,
		total_latency_us INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (date, shape)
	);

	-- Zero-result shapes (circular buffer)
	CREATE TABLE IF NOT EXISTS zero_result_shapes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		shape TEXT NOT NULL,
		timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	-- Latency histogram
	CREATE TABLE IF NOT EXISTS query_latency_stats (
		date TEXT NOT NULL,
		bucket TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (date, bucket)
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create telemetry schema: %w", err)
	}
	return nil
}

// UpsertShapeStats adds per-shape deltas to the stored daily aggregates.
func (s *SQLiteMetricsStore) UpsertShapeStats(date string, stats []ShapeStat) error {
	if len(stats) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO query_shape_stats (date, shape, count, zero_results, cache_hits, total_latency_us)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(date, shape) DO UPDATE SET
			count = count + excluded.count,
			zero_results = zero_results + excluded.zero_results,
			cache_hits = cache_hits + excluded.cache_hits,
			total_latency_us = total_latency_us + excluded.total_latency_us
	`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, st := range stats {
		if _, err := stmt.Exec(date, st.Shape, st.Count, st.ZeroResults, st.CacheHits,
			st.TotalLatency.Microseconds()); err != nil {
			return fmt.Errorf("upsert shape stats: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetTopShapes retrieves the top N shapes across all days by frequency.
func (s *SQLiteMetricsStore) GetTopShapes(limit int) ([]ShapeStat, error) {
	rows, err := s.db.Query(`
		SELECT shape, SUM(count), SUM(zero_results), SUM(cache_hits), SUM(total_latency_us)
		FROM query_shape_stats
		GROUP BY shape
		ORDER BY SUM(count) DESC, shape ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query top shapes: %w", err)
	}
	defer rows.Close()

	var out []ShapeStat
	for rows.Next() {
		var st ShapeStat
		var latencyUS int64
		if err := rows.Scan(&st.Shape, &st.Count, &st.ZeroResults, &st.CacheHits, &latencyUS); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		st.TotalLatency = time.Duration(latencyUS) * time.Microsecond
		out = append(out, st)
	}
	return out, rows.Err()
}

// AddZeroResultShape appends a shape to the zero-result buffer, keeping the
// newest maxZeroResultRows entries.
func (s *SQLiteMetricsStore) AddZeroResultShape(shape string, timestamp time.Time) error {
	if _, err := s.db.Exec(`
		INSERT INTO zero_result_shapes (shape, timestamp)
		VALUES (?, ?)
	`, shape, timestamp); err != nil {
		return fmt.Errorf("insert zero-result shape: %w", err)
	}

	if _, err := s.db.Exec(`
		DELETE FROM zero_result_shapes
		WHERE id NOT IN (
			SELECT id FROM zero_result_shapes
			ORDER BY id DESC
			LIMIT ?
		)
	`, maxZeroResultRows); err != nil {
		return fmt.Errorf("trim zero-result shapes: %w", err)
	}
	return nil
}

// GetZeroResultShapes retrieves recent zero-result shapes, newest first.
func (s *SQLiteMetricsStore) GetZeroResultShapes(limit int) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT shape
		FROM zero_result_shapes
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query zero-result shapes: %w", err)
	}
	defer rows.Close()

	var shapes []string
	for rows.Next() {
		var shape string
		if err := rows.Scan(&shape); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		shapes = append(shapes, shape)
	}
	return shapes, rows.Err()
}

// SaveLatencyCounts upserts daily latency histogram counts.
func (s *SQLiteMetricsStore) SaveLatencyCounts(date string, counts map[LatencyBucket]int64) error {
	if len(counts) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO query_latency_stats (date, bucket, count)
		VALUES (?, ?, ?)
		ON CONFLICT(date, bucket) DO UPDATE SET count = count + excluded.count
	`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for bucket, count := range counts {
		if _, err := stmt.Exec(date, string(bucket), count); err != nil {
			return fmt.Errorf("insert latency count: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetLatencyCounts retrieves latency distribution for a date range.
func (s *SQLiteMetricsStore) GetLatencyCounts(from, to string) (map[LatencyBucket]int64, error) {
	rows, err := s.db.Query(`
		SELECT bucket, SUM(count) as total
		FROM query_latency_stats
		WHERE date >= ? AND date <= ?
		GROUP BY bucket
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query latency counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[LatencyBucket]int64)
	for rows.Next() {
		var bucket string
		var count int64
		if err := rows.Scan(&bucket, &count); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		counts[LatencyBucket(bucket)] = count
	}
	return counts, rows.Err()
}
