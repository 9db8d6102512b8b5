package engine

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	ierrors "github.com/Aman-CERP/dicomindex/internal/errors"
	"github.com/Aman-CERP/dicomindex/internal/jobs"
	"github.com/Aman-CERP/dicomindex/internal/snapshot"
)

// Checkpoint layout inside the data directory.
const (
	checkpointDir  = "checkpoint"
	checkpointName = "index.snap"
)

// checkpoint carries the committed index between processes sharing a data
// directory. It is written on Close when the version moved and loaded on Open.
type checkpoint struct {
	store  *snapshot.LocalStore
	codec  *snapshot.Codec
	logger *slog.Logger
}

func openCheckpoint(dataDir string, logger *slog.Logger) (*checkpoint, error) {
	st, err := snapshot.NewLocalStore(filepath.Join(dataDir, checkpointDir))
	if err != nil {
		return nil, ierrors.StorageError("failed to open checkpoint directory", err)
	}
	return &checkpoint{store: st, codec: snapshot.NewCodec(snapshot.CompressionZSTD), logger: logger}, nil
}

// load imports the checkpoint into the engine. It reports false when there
// is none.
func (c *checkpoint) load(ctx context.Context, e *Engine) (bool, error) {
	data, err := c.store.Get(ctx, checkpointName)
	if errors.Is(err, snapshot.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, ierrors.StorageError("failed to read checkpoint", err)
	}
	snap, err := c.codec.Decode(data)
	if err != nil {
		return false, err
	}
	version, err := e.index.Import(snap.Index)
	if err != nil {
		return false, err
	}
	if err := e.meta.SetState(ctx, jobs.StateWatermark, snap.Watermark.UTC().Format(time.RFC3339Nano)); err != nil {
		return false, ierrors.StorageError("failed to restore watermark", err)
	}
	c.logger.Debug("checkpoint loaded",
		slog.Int("segments", len(snap.Index.Segments)),
		slog.Int64("version", version))
	return true, nil
}

// save writes the committed index and watermark.
func (c *checkpoint) save(ctx context.Context, e *Engine) error {
	dump, err := e.index.Export()
	if err != nil {
		return err
	}
	data, err := c.codec.Encode(snapshot.Snapshot{
		ID:              checkpointName,
		CreatedAt:       e.clock().UTC(),
		RegistryVersion: e.registry.Version(),
		Fields:          e.registry.List(),
		Index:           dump,
		Watermark:       e.scheduler.Watermark(ctx),
	})
	if err != nil {
		return err
	}
	if err := c.store.Put(ctx, checkpointName, data); err != nil {
		return ierrors.StorageError("failed to write checkpoint", err)
	}
	c.logger.Debug("checkpoint written", slog.Int("bytes", len(data)), slog.Int64("version", dump.Version))
	return nil
}
