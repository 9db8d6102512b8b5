// Package config loads dicomindex configuration from defaults, the user
// config file, the project's .dicomindex.yaml and DICOMINDEX_* environment
// variables, in that order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	ierrors "github.com/Aman-CERP/dicomindex/internal/errors"
	"github.com/Aman-CERP/dicomindex/internal/query"
	"github.com/Aman-CERP/dicomindex/internal/registry"
)

// FileName is the project configuration file.
const FileName = ".dicomindex.yaml"

// altFileName is accepted when FileName is absent.
const altFileName = ".dicomindex.yml"

// CurrentVersion is the config schema version written by WriteYAML.
const CurrentVersion = 1

// Config is the complete dicomindex configuration.
type Config struct {
	Version int `yaml:"version" json:"version"`
	// DataDir holds the metadata database, lock file and local snapshots.
	// Relative paths resolve against the project directory.
	DataDir    string           `yaml:"data_dir" json:"data_dir"`
	Engine     EngineConfig     `yaml:"engine" json:"engine"`
	Query      QueryConfig      `yaml:"query" json:"query"`
	Cache      CacheConfig      `yaml:"cache" json:"cache"`
	Compaction CompactionConfig `yaml:"compaction" json:"compaction"`
	Backup     BackupConfig     `yaml:"backup" json:"backup"`
	Feed       FeedConfig       `yaml:"feed" json:"feed"`
	Server     ServerConfig     `yaml:"server" json:"server"`

	// Fields are defined on first open when the registry is empty.
	Fields []registry.Field `yaml:"fields,omitempty" json:"fields,omitempty"`
	// Templates are added next to the built-in filter templates.
	Templates []query.Template `yaml:"templates,omitempty" json:"templates,omitempty"`
}

// EngineConfig tunes indexing jobs.
type EngineConfig struct {
	MaxConcurrentIndexing int    `yaml:"max_concurrent_indexing" json:"max_concurrent_indexing"`
	BatchSize             int    `yaml:"batch_size" json:"batch_size"`
	IngestRetryAttempts   int    `yaml:"ingest_retry_attempts" json:"ingest_retry_attempts"`
	IngestRetryDelay      string `yaml:"ingest_retry_delay" json:"ingest_retry_delay"`
	// IngestRateLimit caps records per second; 0 disables the limit.
	IngestRateLimit float64 `yaml:"ingest_rate_limit" json:"ingest_rate_limit"`
	// Granularity names what one record describes: study, series or instance.
	Granularity    string `yaml:"granularity" json:"granularity"`
	ContextDateTag string `yaml:"context_date_tag" json:"context_date_tag"`
	HistoryLimit   int    `yaml:"history_limit" json:"history_limit"`
}

// QueryConfig tunes the filter query engine.
type QueryConfig struct {
	MaxDepth     int    `yaml:"max_depth" json:"max_depth"`
	MaxLeaves    int    `yaml:"max_leaves" json:"max_leaves"`
	SuggestTopN  int    `yaml:"suggest_top_n" json:"suggest_top_n"`
	DefaultLimit int    `yaml:"default_limit" json:"default_limit"`
	MaxLimit     int    `yaml:"max_limit" json:"max_limit"`
	CacheTTL     string `yaml:"cache_ttl" json:"cache_ttl"`
}

// CacheConfig bounds the response cache.
type CacheConfig struct {
	MaxBytes   int64  `yaml:"max_bytes" json:"max_bytes"`
	MaxEntries int    `yaml:"max_entries" json:"max_entries"`
	DefaultTTL string `yaml:"default_ttl" json:"default_ttl"`
}

// CompactionConfig configures automatic background compaction.
type CompactionConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	MinSegments int    `yaml:"min_segments" json:"min_segments"`
	IdleTimeout string `yaml:"idle_timeout" json:"idle_timeout"`
	Cooldown    string `yaml:"cooldown" json:"cooldown"`
}

// BackupConfig selects where snapshots are written.
type BackupConfig struct {
	// Backend is local, minio or s3.
	Backend string `yaml:"backend" json:"backend"`
	// Dir is the local snapshot directory; empty means <data_dir>/snapshots.
	Dir         string `yaml:"dir,omitempty" json:"dir,omitempty"`
	Bucket      string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Prefix      string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Endpoint    string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Region      string `yaml:"region,omitempty" json:"region,omitempty"`
	Secure      bool   `yaml:"secure" json:"secure"`
	Compression string `yaml:"compression" json:"compression"`
	// RestoreOnOpen restores the last recorded snapshot when the engine opens.
	RestoreOnOpen bool `yaml:"restore_on_open" json:"restore_on_open"`

	// Credentials come from the environment only.
	AccessKey string `yaml:"-" json:"-"`
	SecretKey string `yaml:"-" json:"-"`
}

// FeedConfig configures the directory ingestion feed.
type FeedConfig struct {
	Dir string `yaml:"dir,omitempty" json:"dir,omitempty"`
	// Watch submits an incremental job when feed files change (serve only).
	Watch    bool   `yaml:"watch" json:"watch"`
	Debounce string `yaml:"debounce" json:"debounce"`
}

// ServerConfig configures the long-running serve command.
type ServerConfig struct {
	LogLevel string `yaml:"log_level" json:"log_level"`
	// MetricsAddr enables the Prometheus endpoint, e.g. ":9464".
	MetricsAddr string `yaml:"metrics_addr,omitempty" json:"metrics_addr,omitempty"`
	// AuditLog writes audit events to the log.
	AuditLog bool `yaml:"audit_log" json:"audit_log"`
}

// NewConfig returns a Config with defaults.
func NewConfig() *Config {
	return &Config{
		Version: CurrentVersion,
		DataDir: ".dicomindex",
		Engine: EngineConfig{
			MaxConcurrentIndexing: 2,
			BatchSize:             500,
			IngestRetryAttempts:   3,
			IngestRetryDelay:      "500ms",
			Granularity:           "study",
			ContextDateTag:        "StudyDate",
			HistoryLimit:          200,
		},
		Query: QueryConfig{
			MaxDepth:     query.DefaultMaxDepth,
			MaxLeaves:    query.DefaultMaxLeaves,
			SuggestTopN:  query.DefaultSuggestTopN,
			DefaultLimit: query.DefaultPageLimit,
			MaxLimit:     query.DefaultMaxLimit,
			CacheTTL:     "5m",
		},
		Cache: CacheConfig{
			MaxBytes:   64 << 20,
			MaxEntries: 10000,
			DefaultTTL: "5m",
		},
		Compaction: CompactionConfig{
			Enabled:     false,
			MinSegments: 8,
			IdleTimeout: "30s",
			Cooldown:    "1h",
		},
		Backup: BackupConfig{
			Backend:     "local",
			Prefix:      "dicomindex",
			Secure:      true,
			Compression: "zstd",
		},
		Feed: FeedConfig{
			Debounce: "500ms",
		},
		Server: ServerConfig{
			LogLevel: "info",
		},
	}
}

// GetUserConfigPath returns the user configuration file:
// $XDG_CONFIG_HOME/dicomindex/config.yaml or ~/.config/dicomindex/config.yaml.
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "dicomindex", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "dicomindex", "config.yaml")
}

// ProjectConfigPath returns the config file dir would load, or the default
// location when none exists.
func ProjectConfigPath(dir string) string {
	alt := filepath.Join(dir, altFileName)
	if _, err := os.Stat(filepath.Join(dir, FileName)); err != nil {
		if _, err := os.Stat(alt); err == nil {
			return alt
		}
	}
	return filepath.Join(dir, FileName)
}

// Load builds the configuration for the project in dir:
//  1. Defaults
//  2. User config (GetUserConfigPath)
//  3. Project config (.dicomindex.yaml in dir)
//  4. Environment variables (DICOMINDEX_*)
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if path := GetUserConfigPath(); path != "" {
		if err := cfg.loadYAML(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	if err := cfg.loadYAML(ProjectConfigPath(dir)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if cfg.DataDir != "" && !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(dir, cfg.DataDir)
	}
	if cfg.Feed.Dir != "" && !filepath.IsAbs(cfg.Feed.Dir) {
		cfg.Feed.Dir = filepath.Join(dir, cfg.Feed.Dir)
	}
	if cfg.Backup.Dir != "" && !filepath.IsAbs(cfg.Backup.Dir) {
		cfg.Backup.Dir = filepath.Join(dir, cfg.Backup.Dir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadYAML decodes path over the current values. Keys absent from the file
// keep their value; unknown keys are rejected.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return err
		}
		return ierrors.ConfigError(fmt.Sprintf("failed to read config file %s", path), err)
	}
	if err := c.decode(data); err != nil {
		return ierrors.ConfigError(fmt.Sprintf("failed to parse config file %s", path), err).
			WithDetail("path", path)
	}
	return nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// applyEnvOverrides applies DICOMINDEX_* environment variables.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DICOMINDEX_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("DICOMINDEX_MAX_CONCURRENT_INDEXING"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Engine.MaxConcurrentIndexing = n
		}
	}
	if v := os.Getenv("DICOMINDEX_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Engine.BatchSize = n
		}
	}
	if v := os.Getenv("DICOMINDEX_INGEST_RATE_LIMIT"); v != "" {
		if r, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && r >= 0 {
			c.Engine.IngestRateLimit = r
		}
	}
	if v := os.Getenv("DICOMINDEX_CACHE_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Cache.MaxBytes = n
		}
	}
	if v := os.Getenv("DICOMINDEX_COMPACTION_ENABLED"); v != "" {
		c.Compaction.Enabled = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv("DICOMINDEX_FEED_DIR"); v != "" {
		c.Feed.Dir = v
	}
	if v := os.Getenv("DICOMINDEX_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	if v := os.Getenv("DICOMINDEX_METRICS_ADDR"); v != "" {
		c.Server.MetricsAddr = v
	}

	// Snapshot backend
	if v := os.Getenv("DICOMINDEX_BACKUP_BACKEND"); v != "" {
		c.Backup.Backend = v
	}
	if v := os.Getenv("DICOMINDEX_BACKUP_BUCKET"); v != "" {
		c.Backup.Bucket = v
	}
	if v := os.Getenv("DICOMINDEX_BACKUP_ENDPOINT"); v != "" {
		c.Backup.Endpoint = v
	}
	if v := os.Getenv("DICOMINDEX_BACKUP_REGION"); v != "" {
		c.Backup.Region = v
	}
	if v := os.Getenv("DICOMINDEX_BACKUP_ACCESS_KEY"); v != "" {
		c.Backup.AccessKey = v
	}
	if v := os.Getenv("DICOMINDEX_BACKUP_SECRET_KEY"); v != "" {
		c.Backup.SecretKey = v
	}
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return ierrors.ConfigError(fmt.Sprintf("invalid configuration: "+format, args...), nil)
	}

	if c.Engine.MaxConcurrentIndexing < 1 {
		return invalid("engine.max_concurrent_indexing must be at least 1, got %d", c.Engine.MaxConcurrentIndexing)
	}
	if c.Engine.BatchSize < 1 {
		return invalid("engine.batch_size must be at least 1, got %d", c.Engine.BatchSize)
	}
	if c.Engine.IngestRetryAttempts < 0 {
		return invalid("engine.ingest_retry_attempts must be non-negative, got %d", c.Engine.IngestRetryAttempts)
	}
	if c.Engine.IngestRateLimit < 0 {
		return invalid("engine.ingest_rate_limit must be non-negative, got %g", c.Engine.IngestRateLimit)
	}
	switch c.Engine.Granularity {
	case "study", "series", "instance":
	default:
		return invalid("engine.granularity must be 'study', 'series' or 'instance', got %q", c.Engine.Granularity)
	}

	if c.Query.MaxDepth < 1 || c.Query.MaxLeaves < 1 {
		return invalid("query.max_depth and query.max_leaves must be at least 1")
	}
	if c.Query.DefaultLimit < 1 || c.Query.MaxLimit < c.Query.DefaultLimit {
		return invalid("query.default_limit must be between 1 and query.max_limit (%d), got %d",
			c.Query.MaxLimit, c.Query.DefaultLimit)
	}
	if c.Cache.MaxBytes <= 0 {
		return invalid("cache.max_bytes must be positive, got %d", c.Cache.MaxBytes)
	}
	if c.Compaction.MinSegments < 2 {
		return invalid("compaction.min_segments must be at least 2, got %d", c.Compaction.MinSegments)
	}

	for name, value := range map[string]string{
		"engine.ingest_retry_delay": c.Engine.IngestRetryDelay,
		"query.cache_ttl":           c.Query.CacheTTL,
		"cache.default_ttl":         c.Cache.DefaultTTL,
		"compaction.idle_timeout":   c.Compaction.IdleTimeout,
		"compaction.cooldown":       c.Compaction.Cooldown,
		"feed.debounce":             c.Feed.Debounce,
	} {
		if value == "" {
			continue
		}
		if d, err := time.ParseDuration(value); err != nil || d < 0 {
			return invalid("%s must be a non-negative duration, got %q", name, value)
		}
	}

	switch c.Backup.Backend {
	case "local":
	case "minio", "s3":
		if c.Backup.Bucket == "" {
			return invalid("backup.bucket is required for the %s backend", c.Backup.Backend)
		}
	default:
		return invalid("backup.backend must be 'local', 'minio' or 's3', got %q", c.Backup.Backend)
	}
	switch c.Backup.Compression {
	case "zstd", "lz4", "none":
	default:
		return invalid("backup.compression must be 'zstd', 'lz4' or 'none', got %q", c.Backup.Compression)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Server.LogLevel)] {
		return invalid("server.log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.Server.LogLevel)
	}

	seen := make(map[string]bool, len(c.Fields))
	for _, f := range c.Fields {
		if f.Tag == "" {
			return invalid("fields: every field needs a tag")
		}
		if seen[f.Tag] {
			return invalid("fields: duplicate tag %s", f.Tag)
		}
		seen[f.Tag] = true
		if !f.DataType.Valid() {
			return invalid("fields: %s has unknown data_type %q", f.Tag, f.DataType)
		}
	}
	return nil
}

// Duration parses a duration setting, returning fallback when empty or invalid.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// SnapshotDir returns the local snapshot directory.
func (c *Config) SnapshotDir() string {
	if c.Backup.Dir != "" {
		return c.Backup.Dir
	}
	return filepath.Join(c.DataDir, "snapshots")
}

// WriteYAML writes the configuration to path.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
