// Package snapshot persists backups of the index and field registry. A
// snapshot is encoded by a Codec and stored as one blob in a Store: a local
// directory, a MinIO bucket or an S3 bucket.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	ierrors "github.com/Aman-CERP/dicomindex/internal/errors"
	"github.com/Aman-CERP/dicomindex/internal/index"
	"github.com/Aman-CERP/dicomindex/internal/registry"
)

// ErrNotFound is returned by stores for a missing blob.
var ErrNotFound = errors.New("snapshot blob not found")

// blobSuffix is appended to snapshot ids to form blob names.
const blobSuffix = ".snap"

// Snapshot is the full backed-up state.
type Snapshot struct {
	ID              string           `json:"id"`
	CreatedAt       time.Time        `json:"created_at"`
	RegistryVersion int64            `json:"registry_version"`
	Fields          []registry.Field `json:"fields"`
	Index           index.Dump       `json:"index"`
	Watermark       time.Time        `json:"watermark"`
}

// Store keeps snapshot blobs by name.
type Store interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// Repository saves and loads snapshots through a Store and a Codec.
type Repository struct {
	store  Store
	codec  *Codec
	logger *slog.Logger
}

// NewRepository creates a repository.
func NewRepository(store Store, codec *Codec, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{store: store, codec: codec, logger: logger}
}

// Save encodes and stores snap under snap.ID.
func (r *Repository) Save(ctx context.Context, snap Snapshot) error {
	if snap.ID == "" {
		return ierrors.InternalError("snapshot id is required", nil)
	}
	data, err := r.codec.Encode(snap)
	if err != nil {
		return err
	}
	if err := r.store.Put(ctx, snap.ID+blobSuffix, data); err != nil {
		return ierrors.StorageError(fmt.Sprintf("failed to store snapshot %s", snap.ID), err)
	}
	r.logger.Info("snapshot saved",
		slog.String("id", snap.ID),
		slog.Int("bytes", len(data)),
		slog.String("compression", string(r.codec.Compression())))
	return nil
}

// Load fetches and decodes snapshot id.
func (r *Repository) Load(ctx context.Context, id string) (Snapshot, error) {
	data, err := r.store.Get(ctx, id+blobSuffix)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Snapshot{}, ierrors.NotFoundError(ierrors.ErrCodeSnapshotNotFound, "snapshot", id)
		}
		return Snapshot{}, ierrors.StorageError(fmt.Sprintf("failed to read snapshot %s", id), err)
	}
	return r.codec.Decode(data)
}

// List returns the stored snapshot ids in lexical order.
func (r *Repository) List(ctx context.Context) ([]string, error) {
	names, err := r.store.List(ctx)
	if err != nil {
		return nil, ierrors.StorageError("failed to list snapshots", err)
	}
	var ids []string
	for _, name := range names {
		if len(name) > len(blobSuffix) && name[len(name)-len(blobSuffix):] == blobSuffix {
			ids = append(ids, name[:len(name)-len(blobSuffix)])
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes snapshot id. Deleting a missing snapshot is not an error.
func (r *Repository) Delete(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, id+blobSuffix); err != nil && !errors.Is(err, ErrNotFound) {
		return ierrors.StorageError(fmt.Sprintf("failed to delete snapshot %s", id), err)
	}
	return nil
}
