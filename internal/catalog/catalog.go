// Package catalog implements the in-memory bucket catalog: it coalesces
// concurrent single-measurement inserts into shared buckets, elects exactly
// one writer per coalesced batch, and orders destructive clears against
// in-flight commits.
//
// The catalog owns no storage. The contributor that wins a batch's commit
// rights performs the physical write through whatever committer the caller
// wired up and reports the outcome back via Finish, which fans it out to
// every contributor.
package catalog

import (
	"fmt"
	"sync"

	"github.com/xtxerr/corral/internal/errors"
	"github.com/xtxerr/corral/internal/metadata"
	"github.com/xtxerr/corral/internal/storage/types"
)

// Config holds catalog configuration options.
type Config struct {
	// MaxMeasurementsPerBucket caps committed-plus-pending measurements per
	// bucket; reaching it retires the bucket so the next insert for the
	// same key opens a fresh one.
	MaxMeasurementsPerBucket int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxMeasurementsPerBucket: DefaultMaxMeasurementsPerBucket,
	}
}

// DefaultMaxMeasurementsPerBucket mirrors the classic time-series bucket
// capacity of 1000 measurements.
const DefaultMaxMeasurementsPerBucket = 1000

// Catalog is the process-wide registry mapping (namespace, normalized
// metadata group) to the currently-active bucket.
//
// Locking: mu guards only the two lookup maps. Per-bucket state lives
// behind each bucket's own mutex, so unrelated buckets' commit and finish
// paths never contend. mu is never acquired while a bucket mutex is held.
type Catalog struct {
	cfg Config

	mu sync.Mutex
	// open maps lookup key -> bucket currently accepting inserts.
	open map[string]*bucket
	// all maps bucket ID -> bucket, for metadata lookup and targeted clear.
	// Entries live until the bucket is cleared or fully committed.
	all map[BucketID]*bucket

	stats statsRegistry
}

// New creates a Catalog. Zero or negative MaxMeasurementsPerBucket falls
// back to the default.
func New(cfg Config) *Catalog {
	if cfg.MaxMeasurementsPerBucket <= 0 {
		cfg.MaxMeasurementsPerBucket = DefaultMaxMeasurementsPerBucket
	}
	return &Catalog{
		cfg:  cfg,
		open: make(map[string]*bucket),
		all:  make(map[BucketID]*bucket),
	}
}

func lookupKey(ns types.Namespace, meta metadata.Metadata) string {
	return ns.String() + "\x00" + meta.Key()
}

// Insert routes a measurement to the bucket for (ns, meta), joining the
// bucket's open batch or opening a new one, and returns the batch handle
// the caller will later commit or wait on.
//
// The metadata group is normalized before lookup; absent metadata
// (metadata.None) is its own group. When the insert fills the bucket, the
// bucket is retired so the next insert for the same key starts a new one
// with empty field tracking.
func (c *Catalog) Insert(ns types.Namespace, meta metadata.Metadata, m types.Measurement) (*WriteBatch, error) {
	if ns.IsZero() {
		return nil, errors.ErrInvalidNamespace
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidMeasurement, err)
	}

	key := lookupKey(ns, meta)

	for {
		b := c.lookupOrCreate(ns, key, meta)

		b.mu.Lock()
		if !b.acceptingLocked() {
			// Raced with a clear or a concurrent fill; drop the stale
			// map entry and retry with a fresh bucket.
			b.mu.Unlock()
			c.forget(key, b)
			continue
		}

		if b.open == nil || !b.open.active {
			b.open = newWriteBatch(b)
		}
		batch := b.open
		batch.appendLocked(m)
		b.numMeasurements++

		filled := b.numMeasurements >= c.cfg.MaxMeasurementsPerBucket
		if filled {
			b.full = true
		}
		b.mu.Unlock()

		if filled {
			c.forget(key, b)
		}
		return batch, nil
	}
}

// lookupOrCreate returns the active bucket for key, creating and
// registering one if none exists.
func (c *Catalog) lookupOrCreate(ns types.Namespace, key string, meta metadata.Metadata) *bucket {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.open[key]
	if b == nil {
		b = newBucket(ns, key, meta)
		c.open[key] = b
		c.all[b.id] = b
	}
	return b
}

// forget removes b from the active lookup map if it is still the mapped
// bucket for key. The ID map entry stays until the bucket finishes or is
// cleared, so metadata lookups keep working for in-flight batches.
func (c *Catalog) forget(key string, b *bucket) {
	c.mu.Lock()
	if c.open[key] == b {
		delete(c.open, key)
	}
	c.mu.Unlock()
}

// PrepareCommit freezes the batch's membership and snapshots its commit
// accounting. The caller must hold the batch's commit rights; calling
// without rights, or preparing the same batch twice, is a protocol bug and
// panics.
//
// If another batch on the same bucket is already prepared but unfinished,
// PrepareCommit blocks until it finishes, so committed-count snapshots are
// taken in commit order. If the batch was aborted by a concurrent clear
// before it could be prepared, PrepareCommit returns ErrBucketCleared.
func (c *Catalog) PrepareCommit(batch *WriteBatch) error {
	if !batch.rights.Taken() {
		panic("catalog: PrepareCommit called without commit rights")
	}

	b := batch.bucket
	b.mu.Lock()
	for b.prepared != nil && b.prepared != batch {
		pending := b.prepared
		b.mu.Unlock()
		<-pending.Done()
		b.mu.Lock()
	}

	if batch.prepared {
		// Even after Finish: a second prepare is a protocol bug, not a
		// clear race.
		b.mu.Unlock()
		panic("catalog: PrepareCommit called twice on the same batch")
	}
	if batch.done.Tripped() {
		// Aborted by a clear while we were still open or waiting.
		b.mu.Unlock()
		return batch.result.Err
	}

	batch.prepareLocked()
	b.mu.Unlock()
	return nil
}

// Finish records the physical write's outcome on the batch, advances the
// bucket's committed count on success, and wakes every contributor waiting
// on the batch. Exactly one Finish per batch; finishing an unprepared or
// already-finished batch is a protocol bug and panics.
func (c *Catalog) Finish(batch *WriteBatch, info CommitInfo) {
	b := batch.bucket

	b.mu.Lock()
	if batch.done.Tripped() {
		b.mu.Unlock()
		panic("catalog: Finish called twice on the same batch")
	}
	if !batch.prepared {
		b.mu.Unlock()
		panic("catalog: Finish called on an unprepared batch")
	}

	if b.prepared == batch {
		b.prepared = nil
	}
	committed := len(batch.measurements)
	if info.Err == nil {
		b.numCommitted += committed
	}
	retire := b.full && b.open == nil
	batch.result = info
	batch.done.Trip()
	b.mu.Unlock()

	ns := b.ns
	st := c.stats.get(ns)
	if info.Err == nil {
		st.recordCommit(committed)
	} else {
		st.recordFailedCommit()
	}

	if retire {
		// The last batch of a full bucket finished: drop the ID map entry
		// so the bucket can be released.
		c.mu.Lock()
		delete(c.all, b.id)
		c.mu.Unlock()
	}
}

// ClearBucket invalidates a single bucket. If the bucket has a batch that
// is prepared but unfinished, ClearBucket blocks until that batch's write
// completes (counted in the namespace's numWaits stat); any still-open
// batch is then aborted with ErrBucketCleared and the bucket is removed
// from the catalog. Clearing an unknown bucket is a no-op.
func (c *Catalog) ClearBucket(id BucketID) {
	c.mu.Lock()
	b := c.all[id]
	c.mu.Unlock()
	if b != nil {
		c.clearBucket(b)
	}
}

// ClearNamespace clears every bucket belonging to ns.
func (c *Catalog) ClearNamespace(ns types.Namespace) {
	c.clearMatching(func(b *bucket) bool { return b.ns == ns })
}

// ClearDatabase clears every bucket in every namespace of db.
func (c *Catalog) ClearDatabase(db string) {
	c.clearMatching(func(b *bucket) bool { return b.ns.DB == db })
}

func (c *Catalog) clearMatching(match func(*bucket) bool) {
	c.mu.Lock()
	targets := make([]*bucket, 0, len(c.all))
	for _, b := range c.all {
		if match(b) {
			targets = append(targets, b)
		}
	}
	c.mu.Unlock()

	for _, b := range targets {
		c.clearBucket(b)
	}
}

func (c *Catalog) clearBucket(b *bucket) {
	b.mu.Lock()
	for b.prepared != nil {
		// A prepared batch represents a physical write in flight; its
		// bucket state cannot be torn down underneath it.
		pending := b.prepared
		c.stats.get(b.ns).recordWait()
		b.mu.Unlock()
		<-pending.Done()
		b.mu.Lock()
	}

	if !b.cleared {
		b.cleared = true
		if open := b.open; open != nil {
			open.abortLocked()
			c.stats.get(b.ns).recordAbort()
		}
	}
	b.mu.Unlock()

	c.mu.Lock()
	if c.open[b.key] == b {
		delete(c.open, b.key)
	}
	delete(c.all, b.id)
	c.mu.Unlock()
}

// GetMetadata returns the metadata-group value stored for a bucket. ok is
// false when the bucket no longer exists; clear races are expected, so a
// missing bucket is not an error.
func (c *Catalog) GetMetadata(id BucketID) (meta metadata.Metadata, ok bool) {
	c.mu.Lock()
	b := c.all[id]
	c.mu.Unlock()
	if b == nil {
		return metadata.None(), false
	}
	return b.meta, true
}

// AppendExecutionStats writes the namespace's execution counters into out.
func (c *Catalog) AppendExecutionStats(ns types.Namespace, out map[string]any) {
	c.stats.get(ns).appendTo(out)
}

// ExecutionStats returns a snapshot of the namespace's execution counters.
func (c *Catalog) ExecutionStats(ns types.Namespace) ExecutionStats {
	return c.stats.get(ns).snapshot()
}

// AllExecutionStats returns snapshots for every namespace the catalog has
// touched.
func (c *Catalog) AllExecutionStats() map[types.Namespace]ExecutionStats {
	return c.stats.all()
}

// MaxMeasurementsPerBucket returns the configured bucket capacity.
func (c *Catalog) MaxMeasurementsPerBucket() int {
	return c.cfg.MaxMeasurementsPerBucket
}

// NumOpenBuckets returns the number of buckets currently accepting inserts,
// for diagnostics.
func (c *Catalog) NumOpenBuckets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.open)
}
