package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	ierrors "github.com/Aman-CERP/dicomindex/internal/errors"
)

// Layout of a data directory.
const (
	LockFile     = ".dicomindex.lock"
	MetadataFile = "metadata.db"
	SnapshotDir  = "snapshots"
)

// DataDir is an exclusively held data directory. Only one process may use a
// data directory at a time.
type DataDir struct {
	path  string
	flock *flock.Flock
}

// OpenDataDir creates dir if needed and takes its lock without blocking. It
// fails with ErrCodeDataDirLocked when another process holds it.
func OpenDataDir(dir string) (*DataDir, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ierrors.StorageError(fmt.Sprintf("failed to create data directory %s", dir), err)
	}
	lock := flock.New(filepath.Join(dir, LockFile))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, ierrors.StorageError("failed to lock data directory", err)
	}
	if !ok {
		return nil, ierrors.New(ierrors.ErrCodeDataDirLocked,
			fmt.Sprintf("data directory %s is in use by another process", dir), nil).
			WithDetail("path", dir).
			WithSuggestion("stop the other dicomindex process or use a different --data-dir")
	}
	return &DataDir{path: dir, flock: lock}, nil
}

// Path returns the directory path.
func (d *DataDir) Path() string { return d.path }

// MetadataPath returns the SQLite metadata database path.
func (d *DataDir) MetadataPath() string { return filepath.Join(d.path, MetadataFile) }

// SnapshotPath returns the default local snapshot directory.
func (d *DataDir) SnapshotPath() string { return filepath.Join(d.path, SnapshotDir) }

// Close releases the lock.
func (d *DataDir) Close() error {
	if err := d.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release data directory lock: %w", err)
	}
	return nil
}
