package catalog

import (
	"context"
	"sort"

	"github.com/xtxerr/corral/internal/errors"
	"github.com/xtxerr/corral/internal/metadata"
	"github.com/xtxerr/corral/internal/storage/types"
	csync "github.com/xtxerr/corral/internal/sync"
)

// CommitInfo is the shared outcome of a batch's physical write. Every
// contributor to the batch observes the same CommitInfo once the batch
// finishes.
type CommitInfo struct {
	// Err is nil on success; ErrBucketCleared when the batch was aborted
	// by a concurrent clear; otherwise the committer's error verbatim.
	Err error
}

// WriteBatch is the unit of coordinated commit: all measurements inserted
// into one bucket while the batch was open are written together by the
// single contributor that wins the commit-rights election.
//
// Lifecycle: open (accepting contributors) -> prepared (membership frozen,
// rights holder performing the external write) -> finished (result visible
// to all). A clear aborts an open batch straight to finished.
//
// Mutable state is guarded by the owning bucket's mutex; the rights claim
// and completion latch are lock-free so contributors never contend on the
// bucket lock just to learn the outcome.
type WriteBatch struct {
	bucket *bucket

	rights csync.Claim
	done   csync.Latch

	// Guarded by bucket.mu until the done latch trips, immutable after.
	measurements []types.Measurement
	active       bool
	prepared     bool

	numPreviouslyCommitted int
	newFieldNames          []string

	result CommitInfo
}

func newWriteBatch(b *bucket) *WriteBatch {
	return &WriteBatch{bucket: b, active: true}
}

// ClaimCommitRights elects the physical-write performer: it returns true
// to exactly one caller over the batch's lifetime. Losers must wait on the
// batch's completion signal instead.
func (w *WriteBatch) ClaimCommitRights() bool {
	return w.rights.Acquire()
}

// BucketID returns the identifier of the batch's target bucket.
func (w *WriteBatch) BucketID() BucketID {
	return w.bucket.id
}

// Namespace returns the namespace of the batch's target bucket.
func (w *WriteBatch) Namespace() types.Namespace {
	return w.bucket.ns
}

// Metadata returns the normalized metadata group of the batch's target
// bucket.
func (w *WriteBatch) Metadata() metadata.Metadata {
	return w.bucket.meta
}

// Active reports whether the batch is still accepting contributors.
func (w *WriteBatch) Active() bool {
	w.bucket.mu.Lock()
	defer w.bucket.mu.Unlock()
	return w.active
}

// Finished reports whether the batch's result is available.
func (w *WriteBatch) Finished() bool {
	return w.done.Tripped()
}

// Done returns a channel closed once the batch finishes.
func (w *WriteBatch) Done() <-chan struct{} {
	return w.done.Done()
}

// Wait blocks until the batch finishes or the context is cancelled, then
// returns the batch's shared result.
func (w *WriteBatch) Wait(ctx context.Context) (CommitInfo, error) {
	if err := w.done.Wait(ctx); err != nil {
		return CommitInfo{}, err
	}
	return w.result, nil
}

// Result returns the shared outcome. ok is false until the batch finishes.
func (w *WriteBatch) Result() (info CommitInfo, ok bool) {
	if !w.done.Tripped() {
		return CommitInfo{}, false
	}
	return w.result, true
}

// Measurements returns the frozen batch membership. Valid only after
// PrepareCommit; the returned slice must not be mutated.
func (w *WriteBatch) Measurements() []types.Measurement {
	w.bucket.mu.Lock()
	defer w.bucket.mu.Unlock()
	return w.measurements
}

// NumPreviouslyCommitted returns the bucket's committed count snapshotted
// at prepare time. Valid only after PrepareCommit.
func (w *WriteBatch) NumPreviouslyCommitted() int {
	w.bucket.mu.Lock()
	defer w.bucket.mu.Unlock()
	return w.numPreviouslyCommitted
}

// NewFieldNames returns the sorted set of field names this batch introduces
// to its bucket, computed once at prepare time. The external storage layer
// uses it for schema registration.
func (w *WriteBatch) NewFieldNames() []string {
	w.bucket.mu.Lock()
	defer w.bucket.mu.Unlock()
	return w.newFieldNames
}

// appendLocked adds a measurement while the batch is open.
// Callers must hold bucket.mu.
func (w *WriteBatch) appendLocked(m types.Measurement) {
	w.measurements = append(w.measurements, m)
}

// prepareLocked freezes membership and snapshots commit accounting.
// Callers must hold bucket.mu.
func (w *WriteBatch) prepareLocked() {
	b := w.bucket

	w.active = false
	w.prepared = true
	if b.open == w {
		b.open = nil
	}

	w.numPreviouslyCommitted = b.numCommitted

	var newFields []string
	for _, m := range w.measurements {
		for _, name := range m.FieldNames() {
			if _, known := b.fieldNames[name]; !known {
				b.fieldNames[name] = struct{}{}
				newFields = append(newFields, name)
			}
		}
	}
	sort.Strings(newFields)
	w.newFieldNames = newFields

	b.prepared = w
}

// abortLocked finishes the batch with the bucket-cleared failure, waking
// all waiters. Callers must hold bucket.mu; the batch must not be prepared.
func (w *WriteBatch) abortLocked() {
	w.active = false
	if w.bucket.open == w {
		w.bucket.open = nil
	}
	w.result = CommitInfo{Err: errors.ErrBucketCleared}
	w.done.Trip()
}
