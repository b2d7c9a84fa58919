// Package types defines the core data types used throughout the storage system.
//
// Key types:
//   - Namespace: Database-qualified collection identity
//   - Measurement: A single time-series record destined for a bucket
package types
