package catalog

import (
	"sync"
	"sync/atomic"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/corral/internal/storage/types"
)

// batchSizeSketchAccuracy is the DDSketch relative accuracy for the
// per-namespace batch-size distribution.
const batchSizeSketchAccuracy = 0.01

// ExecutionStats is a point-in-time snapshot of a namespace's catalog
// counters.
type ExecutionStats struct {
	// NumWaits counts clear operations that had to block on a prepared
	// but unfinished commit.
	NumWaits int64

	// NumCommits counts successfully finished batches.
	NumCommits int64

	// NumFailedCommits counts batches finished with a committer error.
	NumFailedCommits int64

	// NumAbortedBatches counts batches aborted by a clear.
	NumAbortedBatches int64

	// NumMeasurementsCommitted is the total measurements across all
	// successful commits.
	NumMeasurementsCommitted int64

	// BatchSizeP50 and BatchSizeP99 describe the coalescing behavior:
	// measurements per successful commit. Zero until the first commit.
	BatchSizeP50 float64
	BatchSizeP99 float64
}

// nsStats holds live counters for one namespace. Counters are atomic for
// lock-free updates on the commit path; the batch-size sketch has its own
// mutex since DDSketch is not safe for concurrent use.
type nsStats struct {
	numWaits                 atomic.Int64
	numCommits               atomic.Int64
	numFailedCommits         atomic.Int64
	numAbortedBatches        atomic.Int64
	numMeasurementsCommitted atomic.Int64

	mu     sync.Mutex
	sketch *ddsketch.DDSketch
}

func newNSStats() *nsStats {
	s := &nsStats{}
	if sketch, err := ddsketch.NewDefaultDDSketch(batchSizeSketchAccuracy); err == nil {
		s.sketch = sketch
	}
	return s
}

func (s *nsStats) recordWait() {
	s.numWaits.Add(1)
}

func (s *nsStats) recordAbort() {
	s.numAbortedBatches.Add(1)
}

func (s *nsStats) recordFailedCommit() {
	s.numFailedCommits.Add(1)
}

func (s *nsStats) recordCommit(batchSize int) {
	s.numCommits.Add(1)
	s.numMeasurementsCommitted.Add(int64(batchSize))

	s.mu.Lock()
	if s.sketch != nil {
		_ = s.sketch.Add(float64(batchSize))
	}
	s.mu.Unlock()
}

func (s *nsStats) quantile(q float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sketch == nil || s.sketch.GetCount() == 0 {
		return 0
	}
	v, err := s.sketch.GetValueAtQuantile(q)
	if err != nil {
		return 0
	}
	return v
}

func (s *nsStats) snapshot() ExecutionStats {
	return ExecutionStats{
		NumWaits:                 s.numWaits.Load(),
		NumCommits:               s.numCommits.Load(),
		NumFailedCommits:         s.numFailedCommits.Load(),
		NumAbortedBatches:        s.numAbortedBatches.Load(),
		NumMeasurementsCommitted: s.numMeasurementsCommitted.Load(),
		BatchSizeP50:             s.quantile(0.5),
		BatchSizeP99:             s.quantile(0.99),
	}
}

func (s *nsStats) appendTo(out map[string]any) {
	snap := s.snapshot()
	out["numWaits"] = snap.NumWaits
	out["numCommits"] = snap.NumCommits
	out["numFailedCommits"] = snap.NumFailedCommits
	out["numBatchesAborted"] = snap.NumAbortedBatches
	out["numMeasurementsCommitted"] = snap.NumMeasurementsCommitted
	if snap.NumCommits > 0 {
		out["batchSizeP50"] = snap.BatchSizeP50
		out["batchSizeP99"] = snap.BatchSizeP99
	}
}

// statsRegistry maps namespaces to their live counters. Entries are created
// on first touch and live for the catalog's lifetime.
type statsRegistry struct {
	mu sync.RWMutex
	m  map[types.Namespace]*nsStats
}

func (r *statsRegistry) get(ns types.Namespace) *nsStats {
	r.mu.RLock()
	s := r.m[ns]
	r.mu.RUnlock()
	if s != nil {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.m == nil {
		r.m = make(map[types.Namespace]*nsStats)
	}
	if s = r.m[ns]; s == nil {
		s = newNSStats()
		r.m[ns] = s
	}
	return s
}

func (r *statsRegistry) all() map[types.Namespace]ExecutionStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[types.Namespace]ExecutionStats, len(r.m))
	for ns, s := range r.m {
		out[ns] = s.snapshot()
	}
	return out
}
