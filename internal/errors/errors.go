// Package errors provides sentinel errors and classification helpers
// shared across the corral codebase.
//
// The bucket catalog distinguishes three failure classes: protocol
// violations (panics, never errors), concurrent invalidation
// (ErrBucketCleared, delivered through a batch's shared result), and
// external write failures (relayed verbatim from the committer).
package errors

import "errors"

var (
	// ErrBucketCleared is the distinguished failure delivered to every
	// contributor of a batch that was aborted because its bucket was
	// cleared while the batch was still open.
	ErrBucketCleared = errors.New("time-series bucket was cleared")

	// ErrInvalidMeasurement is returned for measurements that fail
	// validation before reaching the catalog.
	ErrInvalidMeasurement = errors.New("invalid measurement")

	// ErrInvalidNamespace is returned for malformed namespace identifiers.
	ErrInvalidNamespace = errors.New("invalid namespace")

	// ErrNotRunning is returned by services that received work after Stop.
	ErrNotRunning = errors.New("service is not running")

	// ErrAlreadyRunning is returned by Start on a running service.
	ErrAlreadyRunning = errors.New("service is already running")

	// ErrClosed is returned by operations on a closed store or writer.
	ErrClosed = errors.New("already closed")
)

// IsBucketCleared reports whether err signals that the target bucket was
// concurrently cleared. This is the caller-visible classification the
// catalog's collaborators use to decide whether to re-issue an insert.
func IsBucketCleared(err error) bool {
	return errors.Is(err, ErrBucketCleared)
}

// Is, As, and New re-export the stdlib helpers so callers need only one
// errors import.
var (
	Is  = errors.Is
	As  = errors.As
	New = errors.New
)
