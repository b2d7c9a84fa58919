package catalog

import (
	"sync"

	"github.com/google/uuid"

	"github.com/xtxerr/corral/internal/metadata"
	"github.com/xtxerr/corral/internal/storage/types"
)

// BucketID uniquely identifies a bucket for its whole lifetime.
type BucketID = uuid.UUID

// bucket is the accumulation unit for one (namespace, metadata-group) pair.
//
// A bucket accepts new measurements into its open batch while it is neither
// cleared nor full. Once the committed-plus-pending count reaches the
// configured maximum, the bucket is retired from the catalog's lookup map;
// batches already referencing it stay valid until they finish.
//
// All mutable fields are guarded by mu. The catalog's map mutex is never
// acquired while holding mu.
type bucket struct {
	mu sync.Mutex

	id   BucketID
	ns   types.Namespace
	key  string
	meta metadata.Metadata

	// fieldNames is the set of field names already registered for this
	// bucket. New-field diffs at prepare time are computed against it.
	fieldNames map[string]struct{}

	// numCommitted counts measurements whose commit has finished
	// successfully. Only Finish advances it.
	numCommitted int

	// numMeasurements counts committed plus pending measurements across
	// all batches; reaching the maximum retires the bucket.
	numMeasurements int

	// open is the batch currently accepting contributors, if any.
	open *WriteBatch

	// prepared is the batch between PrepareCommit and Finish, if any.
	// At most one batch per bucket is in that window at a time.
	prepared *WriteBatch

	full    bool
	cleared bool
}

func newBucket(ns types.Namespace, key string, meta metadata.Metadata) *bucket {
	return &bucket{
		id:         uuid.New(),
		ns:         ns,
		key:        key,
		meta:       meta,
		fieldNames: make(map[string]struct{}),
	}
}

// acceptingLocked reports whether the bucket can take new measurements.
// Callers must hold mu.
func (b *bucket) acceptingLocked() bool {
	return !b.cleared && !b.full
}
