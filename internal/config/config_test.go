package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ierrors "github.com/Aman-CERP/dicomindex/internal/errors"
	"github.com/Aman-CERP/dicomindex/internal/registry"
)

// isolate points the user config at an empty directory.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
}

func TestNewConfig_ReturnsDefaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, CurrentVersion, cfg.Version)
	assert.Equal(t, 2, cfg.Engine.MaxConcurrentIndexing)
	assert.Equal(t, 500, cfg.Engine.BatchSize)
	assert.Equal(t, "StudyDate", cfg.Engine.ContextDateTag)
	assert.Equal(t, 8, cfg.Query.MaxDepth)
	assert.Equal(t, 64, cfg.Query.MaxLeaves)
	assert.Equal(t, int64(64<<20), cfg.Cache.MaxBytes)
	assert.False(t, cfg.Compaction.Enabled)
	assert.Equal(t, "local", cfg.Backup.Backend)
	assert.Equal(t, "zstd", cfg.Backup.Compression)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	require.NoError(t, cfg.Validate())
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	isolate(t)
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, ".dicomindex"), cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, ".dicomindex", "snapshots"), cfg.SnapshotDir())
}

func TestLoad_ProjectFileOverridesDefaults(t *testing.T) {
	// Given a project config touching a few keys
	isolate(t)
	dir := t.TempDir()
	content := `
engine:
  max_concurrent_indexing: 4
  batch_size: 100
compaction:
  enabled: true
feed:
  dir: incoming
fields:
  - tag: PatientName
    data_type: string
    searchable: true
    preprocessing: [person_name]
  - tag: Modality
    data_type: enum
    facetable: true
    enum_values: [CT, MR]
templates:
  - name: ct-only
    expression:
      field: Modality
      operator: eq
      value: CT
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o644))

	// When loading
	cfg, err := Load(dir)
	require.NoError(t, err)

	// Then set keys change and the rest keep their defaults
	assert.Equal(t, 4, cfg.Engine.MaxConcurrentIndexing)
	assert.Equal(t, 100, cfg.Engine.BatchSize)
	assert.Equal(t, 3, cfg.Engine.IngestRetryAttempts)
	assert.True(t, cfg.Compaction.Enabled)
	assert.Equal(t, 8, cfg.Compaction.MinSegments)
	assert.Equal(t, filepath.Join(dir, "incoming"), cfg.Feed.Dir)
	require.Len(t, cfg.Fields, 2)
	assert.Equal(t, registry.TypeEnum, cfg.Fields[1].DataType)
	assert.Equal(t, []string{"CT", "MR"}, cfg.Fields[1].EnumValues)
	require.Len(t, cfg.Templates, 1)
	assert.Equal(t, "ct-only", cfg.Templates[0].Name)
}

func TestLoad_UserConfigBelowProjectConfig(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	require.NoError(t, os.MkdirAll(filepath.Join(xdg, "dicomindex"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(xdg, "dicomindex", "config.yaml"),
		[]byte("engine:\n  batch_size: 50\n  history_limit: 10\n"), 0o644))

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, altFileName), []byte("engine:\n  batch_size: 75\n"), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 75, cfg.Engine.BatchSize)
	assert.Equal(t, 10, cfg.Engine.HistoryLimit)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("server:\n  log_level: warn\n"), 0o644))

	t.Setenv("DICOMINDEX_LOG_LEVEL", "debug")
	t.Setenv("DICOMINDEX_BATCH_SIZE", "42")
	t.Setenv("DICOMINDEX_BATCH_SIZE_IGNORED", "x")
	t.Setenv("DICOMINDEX_COMPACTION_ENABLED", "1")
	t.Setenv("DICOMINDEX_BACKUP_ACCESS_KEY", "AKIA")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, 42, cfg.Engine.BatchSize)
	assert.True(t, cfg.Compaction.Enabled)
	assert.Equal(t, "AKIA", cfg.Backup.AccessKey)
}

func TestLoad_InvalidEnvValueIgnored(t *testing.T) {
	isolate(t)
	t.Setenv("DICOMINDEX_MAX_CONCURRENT_INDEXING", "zero")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Engine.MaxConcurrentIndexing)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown key", "engine:\n  max_concurent_indexing: 3\n"},
		{"malformed yaml", "engine: [unclosed\n"},
		{"bad backend", "backup:\n  backend: ftp\n"},
		{"bucket required", "backup:\n  backend: s3\n"},
		{"bad compression", "backup:\n  compression: gzip\n"},
		{"bad duration", "query:\n  cache_ttl: soon\n"},
		{"zero batch", "engine:\n  batch_size: 0\n"},
		{"bad granularity", "engine:\n  granularity: patient\n"},
		{"duplicate field", "fields:\n  - {tag: A, data_type: string}\n  - {tag: A, data_type: date}\n"},
		{"bad data type", "fields:\n  - {tag: A, data_type: blob}\n"},
		{"default above max", "query:\n  default_limit: 2000\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(tt.content), 0o644))

			_, err := Load(dir)
			require.Error(t, err)
			assert.Equal(t, ierrors.ErrCodeConfigInvalid, ierrors.GetCode(err))
		})
	}
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 30*time.Second, Duration("30s", time.Minute))
	assert.Equal(t, time.Minute, Duration("", time.Minute))
	assert.Equal(t, time.Minute, Duration("bogus", time.Minute))
}

func TestWriteYAML_RoundTrip(t *testing.T) {
	// Given a customised config written to disk
	isolate(t)
	dir := t.TempDir()
	cfg := NewConfig()
	cfg.Engine.BatchSize = 250
	cfg.Backup.SecretKey = "never-written"
	cfg.Fields = []registry.Field{{Tag: "StudyDate", DataType: registry.TypeDate}}
	path := filepath.Join(dir, FileName)
	require.NoError(t, cfg.WriteYAML(path))

	// Then credentials are not persisted
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "never-written")

	// And loading gives back the same settings
	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 250, loaded.Engine.BatchSize)
	require.Len(t, loaded.Fields, 1)
	assert.Equal(t, registry.TypeDate, loaded.Fields[0].DataType)
}

func TestBackupFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)

	// No file, no backup
	backup, err := BackupFile(path)
	require.NoError(t, err)
	assert.Empty(t, backup)

	require.NoError(t, os.WriteFile(path, []byte("version: 1\n"), 0o644))
	for i := 0; i < MaxBackups+2; i++ {
		backup, err = BackupFile(path)
		require.NoError(t, err)
		require.NotEmpty(t, backup)
	}

	backups, err := ListBackups(path)
	require.NoError(t, err)
	assert.Len(t, backups, MaxBackups)
	assert.Equal(t, backup, backups[0])
}

func TestRestoreFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  batch_size: 1\n"), 0o644))
	backup, err := BackupFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  batch_size: 2\n"), 0o644))

	require.NoError(t, RestoreFile(path, backup))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "engine:\n  batch_size: 1\n", string(data))
	backups, err := ListBackups(path)
	require.NoError(t, err)
	assert.Len(t, backups, 2)
}
