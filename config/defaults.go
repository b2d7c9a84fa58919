// Package config provides configuration defaults and utilities
// for the corral daemon.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or environment variables.
package config

import "time"

// =============================================================================
// Network Defaults
// =============================================================================

const (
	// DefaultListenAddress is the default admin HTTP listen address,
	// serving /metrics, /stats, and /healthz.
	// Override via config: listen
	DefaultListenAddress = "0.0.0.0:9266"

	// DefaultShutdownTimeout is how long to wait for in-flight inserts and
	// the admin server during shutdown. Follows the Kubernetes convention
	// (terminationGracePeriodSeconds = 30s).
	// Override via config: shutdown_timeout
	DefaultShutdownTimeout = 30 * time.Second
)

// =============================================================================
// Catalog Defaults
// =============================================================================

const (
	// DefaultMaxMeasurementsPerBucket caps measurements per bucket before
	// the bucket is retired and a fresh one opens for the same series.
	// Override via config: catalog.max_measurements_per_bucket
	DefaultMaxMeasurementsPerBucket = 1000

	// DefaultInsertParallelism bounds concurrent inserts per InsertMany
	// call.
	// Override via config: ingest.parallelism
	DefaultInsertParallelism = 4
)

// =============================================================================
// Storage Defaults
// =============================================================================

const (
	// DefaultWALDir is where journal segments are written.
	// Override via config: wal.dir
	DefaultWALDir = "/var/lib/corral/wal"

	// DefaultWALMaxSegmentSize is the segment rotation threshold.
	// Override via config: wal.max_segment_size
	DefaultWALMaxSegmentSize = 64 * 1024 * 1024

	// DefaultArchiveDir is where cold Parquet files land.
	// Override via config: archive.dir
	DefaultArchiveDir = "/var/lib/corral/archive"

	// DefaultArchiveColdAfter is the age at which committed rows move from
	// DuckDB to Parquet.
	// Override via config: archive.cold_after
	DefaultArchiveColdAfter = 24 * time.Hour

	// DefaultArchiveInterval is the sweep cadence.
	// Override via config: archive.interval
	DefaultArchiveInterval = time.Hour

	// DefaultArchiveRetention is how long archive files are kept.
	// Override via config: archive.retention
	DefaultArchiveRetention = 90 * 24 * time.Hour
)
