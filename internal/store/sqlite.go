// Package store persists engine metadata in SQLite: field definitions, job
// history, scheduler state and query-shape statistics. Index segments are
// not stored here; they are rebuilt by indexing jobs or restored from
// snapshots.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/Aman-CERP/dicomindex/internal/jobs"
	"github.com/Aman-CERP/dicomindex/internal/registry"
)

// schemaVersion is bumped on incompatible schema changes.
const schemaVersion = 1

// registryVersionKey holds the registry version counter in the state table.
const registryVersionKey = "registry_version"

// SQLiteStore is the metadata store.
type SQLiteStore struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	closed bool
}

// validateIntegrity runs SQLite's integrity check on an existing database file.
func validateIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check: %s", result)
	}
	return nil
}

// NewSQLiteStore opens or creates the metadata database at path. An empty
// path opens an in-memory database for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != "" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		if err := validateIntegrity(path); err != nil {
			return nil, fmt.Errorf("metadata database %s is corrupted: %w", path, err)
		}
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer; an in-memory database also lives on exactly one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	slog.Debug("metadata store opened", slog.String("path", path))
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	-- Field registry: one row per tag, definition as JSON
	CREATE TABLE IF NOT EXISTS fields (
		tag TEXT PRIMARY KEY,
		definition TEXT NOT NULL,
		version INTEGER NOT NULL
	);

	-- Job history, latest status per job
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		state TEXT NOT NULL,
		submitted_at TEXT NOT NULL,
		record TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_submitted ON jobs(submitted_at);

	-- Small key/value state (watermark, registry version, last snapshot)
	CREATE TABLE IF NOT EXISTS state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT OR IGNORE INTO schema_version (version) VALUES (?)`, schemaVersion)
	return err
}

// DB returns the shared connection for components keeping their own tables.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Path returns the database path, empty for in-memory stores.
func (s *SQLiteStore) Path() string { return s.path }

func setRegistryVersion(ctx context.Context, tx *sql.Tx, version int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		registryVersionKey, strconv.FormatInt(version, 10))
	return err
}

func upsertField(ctx context.Context, tx *sql.Tx, f registry.Field) error {
	def, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode field %s: %w", f.Tag, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO fields (tag, definition, version) VALUES (?, ?, ?)
		ON CONFLICT(tag) DO UPDATE SET definition = excluded.definition, version = excluded.version`,
		f.Tag, string(def), f.Version)
	return err
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("metadata store is closed")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveField implements registry.Persister.
func (s *SQLiteStore) SaveField(ctx context.Context, f registry.Field, version int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := upsertField(ctx, tx, f); err != nil {
			return err
		}
		return setRegistryVersion(ctx, tx, version)
	})
}

// DeleteField implements registry.Persister.
func (s *SQLiteStore) DeleteField(ctx context.Context, tag string, version int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM fields WHERE tag = ?`, tag); err != nil {
			return err
		}
		return setRegistryVersion(ctx, tx, version)
	})
}

// ReplaceFields implements registry.Persister.
func (s *SQLiteStore) ReplaceFields(ctx context.Context, fields []registry.Field, version int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM fields`); err != nil {
			return err
		}
		for _, f := range fields {
			if err := upsertField(ctx, tx, f); err != nil {
				return err
			}
		}
		return setRegistryVersion(ctx, tx, version)
	})
}

// LoadFields implements registry.Persister.
func (s *SQLiteStore) LoadFields(ctx context.Context) ([]registry.Field, int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT definition FROM fields ORDER BY tag`)
	if err != nil {
		return nil, 0, fmt.Errorf("query fields: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var fields []registry.Field
	for rows.Next() {
		var def string
		if err := rows.Scan(&def); err != nil {
			return nil, 0, err
		}
		var f registry.Field
		if err := json.Unmarshal([]byte(def), &f); err != nil {
			return nil, 0, fmt.Errorf("decode field: %w", err)
		}
		fields = append(fields, f)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	raw, ok, err := s.GetState(ctx, registryVersionKey)
	if err != nil {
		return nil, 0, err
	}
	var version int64
	if ok {
		version, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("decode registry version %q: %w", raw, err)
		}
	}
	return fields, version, nil
}

// SaveJob implements jobs.History.
func (s *SQLiteStore) SaveJob(ctx context.Context, j jobs.Job) error {
	record, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, kind, state, submitted_at, record) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET state = excluded.state, record = excluded.record`,
			j.ID, string(j.Kind), string(j.State), j.SubmittedAt.UTC().Format(time.RFC3339Nano), string(record))
		return err
	})
}

// ListJobs returns the most recent jobs, newest last. Limit <= 0 returns all.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit int) ([]jobs.Job, error) {
	query := `SELECT record FROM (SELECT record, submitted_at, id FROM jobs ORDER BY submitted_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	query += `) ORDER BY submitted_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []jobs.Job
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		var j jobs.Job
		if err := json.Unmarshal([]byte(record), &j); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// GetState implements jobs.StateStore.
func (s *SQLiteStore) GetState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read state %s: %w", key, err)
	}
	return value, true, nil
}

// SetState implements jobs.StateStore.
func (s *SQLiteStore) SetState(ctx context.Context, key, value string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO state (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
		return err
	})
}

// Close checkpoints the WAL and closes the database. Safe to call twice.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}
