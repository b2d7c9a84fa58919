// Package loader handles configuration file loading and validation.
//
// This package is responsible for:
//   - Loading YAML configuration files
//   - Expanding environment variables
//   - Validating the result against the daemon's requirements
package loader

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/corral/config"
)

// =============================================================================
// Config Types
// =============================================================================

// Config is the daemon's full configuration tree.
type Config struct {
	// Listen is the admin HTTP listen address.
	Listen string `yaml:"listen"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`

	Log     LogConfig     `yaml:"log"`
	Catalog CatalogConfig `yaml:"catalog"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Store   StoreConfig   `yaml:"store"`
	WAL     WALConfig     `yaml:"wal"`
	Archive ArchiveConfig `yaml:"archive"`
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is one of text, json, console.
	Format string `yaml:"format"`
}

// CatalogConfig configures the bucket catalog.
type CatalogConfig struct {
	MaxMeasurementsPerBucket int `yaml:"max_measurements_per_bucket"`
}

// IngestConfig configures the ingest service.
type IngestConfig struct {
	// Parallelism bounds concurrent inserts per batch request.
	Parallelism int `yaml:"parallelism"`
}

// StoreConfig configures the DuckDB store.
type StoreConfig struct {
	// DSN is the database path. Empty means in-memory.
	DSN string `yaml:"dsn"`

	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    Duration `yaml:"query_timeout"`
}

// WALConfig configures the measurement journal.
type WALConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Dir            string   `yaml:"dir"`
	MaxSegmentSize ByteSize `yaml:"max_segment_size"`
	SyncEveryWrite bool     `yaml:"sync_every_write"`
}

// ArchiveConfig configures the cold-row archiver.
type ArchiveConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Dir         string   `yaml:"dir"`
	ColdAfter   Duration `yaml:"cold_after"`
	Interval    Duration `yaml:"interval"`
	Retention   Duration `yaml:"retention"`
	BatchLimit  int      `yaml:"batch_limit"`
	Compression string   `yaml:"compression"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:          config.DefaultListenAddress,
		ShutdownTimeout: Duration(config.DefaultShutdownTimeout),

		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},

		Catalog: CatalogConfig{
			MaxMeasurementsPerBucket: config.DefaultMaxMeasurementsPerBucket,
		},

		Ingest: IngestConfig{
			Parallelism: config.DefaultInsertParallelism,
		},

		Store: StoreConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: Duration(5 * time.Minute),
			QueryTimeout:    Duration(30 * time.Second),
		},

		WAL: WALConfig{
			Enabled:        true,
			Dir:            config.DefaultWALDir,
			MaxSegmentSize: ByteSize(config.DefaultWALMaxSegmentSize),
		},

		Archive: ArchiveConfig{
			Enabled:     true,
			Dir:         config.DefaultArchiveDir,
			ColdAfter:   Duration(config.DefaultArchiveColdAfter),
			Interval:    Duration(config.DefaultArchiveInterval),
			Retention:   Duration(config.DefaultArchiveRetention),
			Compression: "zstd",
		},
	}
}

// =============================================================================
// Load
// =============================================================================

// Load loads configuration from a YAML file, expanding environment
// variables and filling unset fields with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// =============================================================================
// Validate
// =============================================================================

// Validate checks the configuration for values the daemon cannot run with.
func Validate(cfg *Config) error {
	if cfg.Listen == "" {
		return fmt.Errorf("listen: cannot be empty")
	}
	if cfg.Catalog.MaxMeasurementsPerBucket < 0 {
		return fmt.Errorf("catalog.max_measurements_per_bucket: cannot be negative")
	}
	if cfg.Ingest.Parallelism < 0 {
		return fmt.Errorf("ingest.parallelism: cannot be negative")
	}
	if cfg.WAL.Enabled && cfg.WAL.Dir == "" {
		return fmt.Errorf("wal.dir: cannot be empty when enabled")
	}
	if cfg.Archive.Enabled && cfg.Archive.Dir == "" {
		return fmt.Errorf("archive.dir: cannot be empty when enabled")
	}
	if cfg.Archive.Enabled && cfg.Archive.ColdAfter.Duration() <= 0 {
		return fmt.Errorf("archive.cold_after: must be positive when enabled")
	}
	switch cfg.Log.Format {
	case "", "text", "json", "console":
	default:
		return fmt.Errorf("log.format: unknown format %q", cfg.Log.Format)
	}
	return nil
}
