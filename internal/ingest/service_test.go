package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xtxerr/corral/internal/catalog"
	corralerrors "github.com/xtxerr/corral/internal/errors"
	"github.com/xtxerr/corral/internal/metadata"
	"github.com/xtxerr/corral/internal/storage/types"
)

var testNS = types.NewNamespace("ingest_test", "metrics")

// memCommitter records committed batches in memory.
type memCommitter struct {
	mu      sync.Mutex
	commits []Commit
	delay   time.Duration
	err     error
}

func (m *memCommitter) CommitBatch(ctx context.Context, c Commit) error {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.commits = append(m.commits, c)
	return nil
}

func (m *memCommitter) totalMeasurements() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.commits {
		n += len(c.Measurements)
	}
	return n
}

func (m *memCommitter) numCommits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.commits)
}

// memJournal records journaled measurements.
type memJournal struct {
	mu      sync.Mutex
	entries int
	err     error
}

func (j *memJournal) Append(ctx context.Context, ns types.Namespace, meta metadata.Metadata, m types.Measurement) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.entries++
	return nil
}

func newTestService(t *testing.T, committer Committer, journal Journal) *Service {
	t.Helper()
	s := New(catalog.New(catalog.DefaultConfig()), committer, journal)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func testMeasurement() types.Measurement {
	return types.NewMeasurement(time.Now()).Set("value", 1.0)
}

func TestServiceInsertCommits(t *testing.T) {
	committer := &memCommitter{}
	s := newTestService(t, committer, nil)

	if err := s.Insert(context.Background(), testNS, metadata.None(), testMeasurement()); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if got := committer.numCommits(); got != 1 {
		t.Errorf("commits = %d, want 1", got)
	}
	c := committer.commits[0]
	if c.Namespace != testNS {
		t.Errorf("commit namespace = %v, want %v", c.Namespace, testNS)
	}
	if c.NumPreviouslyCommitted != 0 {
		t.Errorf("NumPreviouslyCommitted = %d, want 0", c.NumPreviouslyCommitted)
	}
	if len(c.NewFields) != 2 { // "time" and "value"
		t.Errorf("NewFields = %v, want time+value", c.NewFields)
	}

	stats := s.Stats()
	if stats.Received != 1 || stats.Committed != 1 || stats.CommitsLed != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestServiceCoalescesConcurrentInserts(t *testing.T) {
	const inserts = 32

	committer := &memCommitter{delay: 5 * time.Millisecond}
	s := newTestService(t, committer, nil)

	var wg sync.WaitGroup
	var failed atomic.Int32
	start := make(chan struct{})
	for i := 0; i < inserts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if err := s.Insert(context.Background(), testNS, metadata.None(), testMeasurement()); err != nil {
				failed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if failed.Load() != 0 {
		t.Fatalf("%d inserts failed", failed.Load())
	}
	if got := committer.totalMeasurements(); got != inserts {
		t.Errorf("committed measurements = %d, want %d", got, inserts)
	}
	// With a slow committer, at least some inserts must have shared a batch.
	if got := committer.numCommits(); got >= inserts {
		t.Logf("no coalescing observed (%d commits for %d inserts); timing dependent, not fatal", got, inserts)
	}

	stats := s.Stats()
	if stats.CommitsLed+stats.CommitsJoined != inserts {
		t.Errorf("led=%d joined=%d, want sum %d", stats.CommitsLed, stats.CommitsJoined, inserts)
	}
}

func TestServiceCommitterErrorPropagates(t *testing.T) {
	writeErr := errors.New("write refused")
	committer := &memCommitter{err: writeErr}
	s := newTestService(t, committer, nil)

	if err := s.Insert(context.Background(), testNS, metadata.None(), testMeasurement()); !errors.Is(err, writeErr) {
		t.Errorf("Insert = %v, want committer error", err)
	}
	if s.Stats().Errors == 0 {
		t.Error("error counter should have advanced")
	}
}

func TestServiceJournalInvoked(t *testing.T) {
	journal := &memJournal{}
	s := newTestService(t, &memCommitter{}, journal)

	if err := s.Insert(context.Background(), testNS, metadata.None(), testMeasurement()); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if journal.entries != 1 {
		t.Errorf("journal entries = %d, want 1", journal.entries)
	}
}

func TestServiceJournalErrorBlocksInsert(t *testing.T) {
	journalErr := errors.New("disk full")
	committer := &memCommitter{}
	s := newTestService(t, committer, &memJournal{err: journalErr})

	if err := s.Insert(context.Background(), testNS, metadata.None(), testMeasurement()); !errors.Is(err, journalErr) {
		t.Errorf("Insert = %v, want journal error", err)
	}
	if committer.numCommits() != 0 {
		t.Error("nothing should be committed when journaling fails")
	}
}

func TestServiceNotRunning(t *testing.T) {
	s := New(catalog.New(catalog.DefaultConfig()), &memCommitter{}, nil)

	err := s.Insert(context.Background(), testNS, metadata.None(), testMeasurement())
	if !errors.Is(err, corralerrors.ErrNotRunning) {
		t.Errorf("Insert before Start = %v, want ErrNotRunning", err)
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(); !errors.Is(err, corralerrors.ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}
	s.Stop()
	s.Stop() // idempotent
}

func TestServiceInsertMany(t *testing.T) {
	committer := &memCommitter{}
	s := newTestService(t, committer, nil)

	ms := make([]types.Measurement, 20)
	for i := range ms {
		ms[i] = testMeasurement()
	}
	if err := s.InsertMany(context.Background(), testNS, metadata.MustFromValue("host-7"), ms, 8); err != nil {
		t.Fatalf("InsertMany: %v", err)
	}
	if got := committer.totalMeasurements(); got != len(ms) {
		t.Errorf("committed measurements = %d, want %d", got, len(ms))
	}

	// All of them targeted the same metadata group, i.e. the same bucket
	// until rollover; with the default capacity there is exactly one.
	buckets := make(map[catalog.BucketID]struct{})
	for _, c := range committer.commits {
		buckets[c.Bucket] = struct{}{}
	}
	if len(buckets) != 1 {
		t.Errorf("measurements spread over %d buckets, want 1", len(buckets))
	}
}
