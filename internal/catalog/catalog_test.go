package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	corralerrors "github.com/xtxerr/corral/internal/errors"
	"github.com/xtxerr/corral/internal/metadata"
	"github.com/xtxerr/corral/internal/storage/types"
)

var (
	ns1 = types.NewNamespace("catalog_test_1", "t_1")
	ns2 = types.NewNamespace("catalog_test_1", "t_2")
	ns3 = types.NewNamespace("catalog_test_2", "t_1")
)

func testMeasurement(fields ...string) types.Measurement {
	m := types.NewMeasurement(time.Now())
	for i, f := range fields {
		m = m.Set(f, float64(i))
	}
	return m
}

// commitOne claims rights, prepares, checks the committed-count snapshot,
// and finishes with success.
func commitOne(t *testing.T, c *Catalog, batch *WriteBatch, wantPrev int) {
	t.Helper()

	if !batch.ClaimCommitRights() {
		t.Fatal("expected to win commit rights")
	}
	if err := c.PrepareCommit(batch); err != nil {
		t.Fatalf("PrepareCommit: %v", err)
	}
	if got := batch.NumPreviouslyCommitted(); got != wantPrev {
		t.Errorf("NumPreviouslyCommitted() = %d, want %d", got, wantPrev)
	}
	c.Finish(batch, CommitInfo{})
}

func insertOneAndCommit(t *testing.T, c *Catalog, ns types.Namespace, wantPrev int) *WriteBatch {
	t.Helper()

	batch, err := c.Insert(ns, metadata.None(), testMeasurement())
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	commitOne(t, c, batch, wantPrev)
	return batch
}

func TestInsertIntoSameBucket(t *testing.T) {
	c := New(DefaultConfig())

	// The first insert can take commit rights, but the batch stays active.
	batch1, err := c.Insert(ns1, metadata.None(), testMeasurement())
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if !batch1.ClaimCommitRights() {
		t.Fatal("first contributor should win commit rights")
	}
	if !batch1.Active() {
		t.Error("batch should still be active before prepare")
	}

	// A second insert for the same key lands in the same batch but cannot
	// claim rights.
	batch2, err := c.Insert(ns1, metadata.None(), testMeasurement())
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if batch1 != batch2 {
		t.Fatal("inserts into the same bucket should coalesce into one batch")
	}
	if batch2.ClaimCommitRights() {
		t.Error("second contributor must not win commit rights")
	}

	if batch1.Finished() {
		t.Error("batch should not be finished before commit")
	}

	if err := c.PrepareCommit(batch1); err != nil {
		t.Fatalf("PrepareCommit: %v", err)
	}
	if batch1.Finished() {
		t.Error("batch should not be finished after prepare")
	}
	if batch1.Active() {
		t.Error("batch should no longer be active after prepare")
	}

	if got := len(batch1.Measurements()); got != 2 {
		t.Errorf("len(Measurements()) = %d, want 2", got)
	}
	if got := batch1.NumPreviouslyCommitted(); got != 0 {
		t.Errorf("NumPreviouslyCommitted() = %d, want 0", got)
	}

	c.Finish(batch1, CommitInfo{})

	if !batch2.Finished() {
		t.Error("all contributors should observe the finish")
	}
	info, ok := batch2.Result()
	if !ok {
		t.Fatal("Result() should be available after finish")
	}
	if info.Err != nil {
		t.Errorf("Result().Err = %v, want nil", info.Err)
	}
}

func TestGetMetadataMissingBucket(t *testing.T) {
	c := New(DefaultConfig())

	batch, err := c.Insert(ns1, metadata.MustFromValue("123"), testMeasurement())
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	c.ClearBucket(batch.BucketID())

	if _, ok := c.GetMetadata(batch.BucketID()); ok {
		t.Error("GetMetadata should report a cleared bucket as missing")
	}
}

func TestInsertIntoDifferentBuckets(t *testing.T) {
	c := New(DefaultConfig())

	batch1, err := c.Insert(ns1, metadata.MustFromValue("123"), testMeasurement())
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	batch2, err := c.Insert(ns1, metadata.MustFromValue(map[string]any{}), testMeasurement())
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	batch3, err := c.Insert(ns2, metadata.None(), testMeasurement())
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// Three distinct groups, three distinct buckets and batches.
	if batch1 == batch2 || batch1 == batch3 || batch2 == batch3 {
		t.Fatal("distinct metadata groups should produce distinct batches")
	}

	meta1, ok := c.GetMetadata(batch1.BucketID())
	if !ok || !meta1.Equal(metadata.MustFromValue("123")) {
		t.Errorf("GetMetadata(bucket1) = %v, %v", meta1, ok)
	}
	meta2, ok := c.GetMetadata(batch2.BucketID())
	if !ok || !meta2.Equal(metadata.MustFromValue(map[string]any{})) {
		t.Errorf("GetMetadata(bucket2) = %v, %v", meta2, ok)
	}
	meta3, ok := c.GetMetadata(batch3.BucketID())
	if !ok || !meta3.IsAbsent() {
		t.Errorf("GetMetadata(bucket3) = %v, %v, want the absent group", meta3, ok)
	}

	// Committing one bucket must not affect the others.
	for _, batch := range []*WriteBatch{batch1, batch2, batch3} {
		commitOne(t, c, batch, 0)
	}
}

func TestNumCommittedAccumulates(t *testing.T) {
	c := New(DefaultConfig())

	insertOneAndCommit(t, c, ns1, 0)
	insertOneAndCommit(t, c, ns1, 1)
	insertOneAndCommit(t, c, ns1, 2)
}

func TestClearNamespace(t *testing.T) {
	c := New(DefaultConfig())

	insertOneAndCommit(t, c, ns1, 0)
	insertOneAndCommit(t, c, ns2, 0)

	c.ClearNamespace(ns1)

	// ns1 restarts from zero; ns2 is untouched.
	insertOneAndCommit(t, c, ns1, 0)
	insertOneAndCommit(t, c, ns2, 1)
}

func TestClearDatabase(t *testing.T) {
	c := New(DefaultConfig())

	insertOneAndCommit(t, c, ns1, 0)
	insertOneAndCommit(t, c, ns2, 0)
	insertOneAndCommit(t, c, ns3, 0)

	c.ClearDatabase(ns1.DB)

	insertOneAndCommit(t, c, ns1, 0)
	insertOneAndCommit(t, c, ns2, 0)
	insertOneAndCommit(t, c, ns3, 1)
}

func TestClearMissingKeyIsNoop(t *testing.T) {
	c := New(DefaultConfig())

	c.ClearBucket(BucketID{})
	c.ClearNamespace(types.NewNamespace("nope", "nothing"))
	c.ClearDatabase("nope")
}

func TestInsertBetweenPrepareAndFinish(t *testing.T) {
	c := New(DefaultConfig())

	batch1, err := c.Insert(ns1, metadata.None(), testMeasurement())
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if !batch1.ClaimCommitRights() {
		t.Fatal("expected commit rights")
	}
	if err := c.PrepareCommit(batch1); err != nil {
		t.Fatalf("PrepareCommit: %v", err)
	}
	if got := batch1.NumPreviouslyCommitted(); got != 0 {
		t.Errorf("NumPreviouslyCommitted() = %d, want 0", got)
	}

	// An insert between prepare and finish opens a second batch on the
	// same bucket.
	batch2, err := c.Insert(ns1, metadata.None(), testMeasurement())
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if batch1 == batch2 {
		t.Fatal("insert after prepare should open a new batch")
	}

	c.Finish(batch1, CommitInfo{})
	if !batch1.Finished() {
		t.Error("batch1 should be finished")
	}

	// The second batch commits its single measurement on top of the first.
	commitOne(t, c, batch2, 1)
}

func TestPrepareWithoutRightsPanics(t *testing.T) {
	c := New(DefaultConfig())

	batch, err := c.Insert(ns1, metadata.None(), testMeasurement())
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Error("PrepareCommit without rights should panic")
		}
	}()
	_ = c.PrepareCommit(batch)
}

func TestFinishUnpreparedPanics(t *testing.T) {
	c := New(DefaultConfig())

	batch, err := c.Insert(ns1, metadata.None(), testMeasurement())
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if !batch.ClaimCommitRights() {
		t.Fatal("expected commit rights")
	}

	defer func() {
		if recover() == nil {
			t.Error("Finish on an unprepared batch should panic")
		}
	}()
	c.Finish(batch, CommitInfo{})
}

func TestDoublePreparePanics(t *testing.T) {
	c := New(DefaultConfig())

	batch, err := c.Insert(ns1, metadata.None(), testMeasurement())
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if !batch.ClaimCommitRights() {
		t.Fatal("expected commit rights")
	}
	if err := c.PrepareCommit(batch); err != nil {
		t.Fatalf("PrepareCommit: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Error("preparing the same batch twice should panic")
		}
	}()
	_ = c.PrepareCommit(batch)
}

func TestPrepareAfterFinishPanics(t *testing.T) {
	c := New(DefaultConfig())

	batch, err := c.Insert(ns1, metadata.None(), testMeasurement())
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	commitOne(t, c, batch, 0)

	// A finished batch must not look like a clear-aborted one: re-preparing
	// it is still a protocol bug.
	defer func() {
		if recover() == nil {
			t.Error("preparing an already-finished batch should panic")
		}
	}()
	_ = c.PrepareCommit(batch)
}

func TestDoubleFinishPanics(t *testing.T) {
	c := New(DefaultConfig())

	batch, err := c.Insert(ns1, metadata.None(), testMeasurement())
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	commitOne(t, c, batch, 0)

	defer func() {
		if recover() == nil {
			t.Error("finishing the same batch twice should panic")
		}
	}()
	c.Finish(batch, CommitInfo{})
}

func TestCommitReturnsNewFields(t *testing.T) {
	const maxPerBucket = 5
	c := New(Config{MaxMeasurementsPerBucket: maxPerBucket})

	// The first commit reports every field, including the time field.
	batch, err := c.Insert(ns1, metadata.None(), testMeasurement("a"))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	commitOne(t, c, batch, 0)
	assertNewFields(t, batch, "a", "time")

	// Same fields again: nothing new.
	batch, err = c.Insert(ns1, metadata.None(), testMeasurement("a"))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	commitOne(t, c, batch, 1)
	assertNewFields(t, batch)

	// A measurement with an extra field reports only the extra field.
	batch, err = c.Insert(ns1, metadata.None(), testMeasurement("a", "b"))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	commitOne(t, c, batch, 2)
	assertNewFields(t, batch, "b")

	// Fill the bucket to capacity.
	for i := 3; i < maxPerBucket; i++ {
		batch, err = c.Insert(ns1, metadata.None(), testMeasurement("a"))
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		commitOne(t, c, batch, i)
		assertNewFields(t, batch)
	}
	fullBucket := batch.BucketID()

	// The overflow insert opens a fresh bucket whose field tracking
	// restarts from empty.
	batch2, err := c.Insert(ns1, metadata.None(), testMeasurement("a"))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if batch2.BucketID() == fullBucket {
		t.Fatal("overflow insert should open a new bucket")
	}
	commitOne(t, c, batch2, 0)
	assertNewFields(t, batch2, "a", "time")
}

func assertNewFields(t *testing.T, batch *WriteBatch, want ...string) {
	t.Helper()

	got := batch.NewFieldNames()
	if len(got) != len(want) {
		t.Fatalf("NewFieldNames() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("NewFieldNames()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestClearBucketWithOutstandingInserts(t *testing.T) {
	c := New(DefaultConfig())

	batch1, err := c.Insert(ns1, metadata.None(), testMeasurement())
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if !batch1.ClaimCommitRights() {
		t.Fatal("expected commit rights")
	}
	if err := c.PrepareCommit(batch1); err != nil {
		t.Fatalf("PrepareCommit: %v", err)
	}

	// A second batch opens on the same bucket while batch1 is in flight.
	batch2, err := c.Insert(ns1, metadata.None(), testMeasurement())
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if batch1 == batch2 {
		t.Fatal("expected a second batch")
	}

	if waits := c.ExecutionStats(ns1).NumWaits; waits != 0 {
		t.Fatalf("NumWaits = %d before clear, want 0", waits)
	}

	// The clear must block until batch1's commit finishes.
	cleared := make(chan struct{})
	go func() {
		c.ClearBucket(batch1.BucketID())
		close(cleared)
	}()

	select {
	case <-cleared:
		t.Fatal("clear finished before the prepared batch did")
	case <-time.After(20 * time.Millisecond):
	}

	c.Finish(batch1, CommitInfo{})

	select {
	case <-cleared:
	case <-time.After(2 * time.Second):
		t.Fatal("clear did not complete after finish")
	}

	if waits := c.ExecutionStats(ns1).NumWaits; waits != 1 {
		t.Errorf("NumWaits = %d after clear, want 1", waits)
	}

	// The clear aborted the still-open batch2 with the distinguished error.
	if !batch2.Finished() {
		t.Fatal("batch2 should be finished after the clear")
	}
	info, _ := batch2.Result()
	if !corralerrors.IsBucketCleared(info.Err) {
		t.Errorf("batch2 result = %v, want ErrBucketCleared", info.Err)
	}
}

func TestPrepareAfterClearReturnsBucketCleared(t *testing.T) {
	c := New(DefaultConfig())

	batch, err := c.Insert(ns1, metadata.None(), testMeasurement())
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if !batch.ClaimCommitRights() {
		t.Fatal("expected commit rights")
	}

	c.ClearBucket(batch.BucketID())

	if err := c.PrepareCommit(batch); !corralerrors.IsBucketCleared(err) {
		t.Errorf("PrepareCommit after clear = %v, want ErrBucketCleared", err)
	}
}

func TestCommitterErrorReachesAllContributors(t *testing.T) {
	c := New(DefaultConfig())

	batch1, err := c.Insert(ns1, metadata.None(), testMeasurement())
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	batch2, err := c.Insert(ns1, metadata.None(), testMeasurement())
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if batch1 != batch2 {
		t.Fatal("expected one coalesced batch")
	}

	if !batch1.ClaimCommitRights() {
		t.Fatal("expected commit rights")
	}
	if err := c.PrepareCommit(batch1); err != nil {
		t.Fatalf("PrepareCommit: %v", err)
	}

	writeErr := errors.New("disk on fire")
	c.Finish(batch1, CommitInfo{Err: writeErr})

	info, err := batch2.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !errors.Is(info.Err, writeErr) {
		t.Errorf("contributor saw %v, want the committer error", info.Err)
	}

	// A failed commit does not advance the committed count.
	insertOneAndCommit(t, c, ns1, 0)
}

func TestWaitContextCancel(t *testing.T) {
	c := New(DefaultConfig())

	batch, err := c.Insert(ns1, metadata.None(), testMeasurement())
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := batch.Wait(ctx); err != context.Canceled {
		t.Errorf("Wait() = %v, want context.Canceled", err)
	}
}

func TestConcurrentContributorsOneWinner(t *testing.T) {
	const contributors = 32

	c := New(DefaultConfig())

	var wg sync.WaitGroup
	batches := make([]*WriteBatch, contributors)
	winners := make(chan int, contributors)

	start := make(chan struct{})
	for i := 0; i < contributors; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			batch, err := c.Insert(ns1, metadata.None(), testMeasurement())
			if err != nil {
				t.Errorf("Insert: %v", err)
				return
			}
			batches[i] = batch
			if batch.ClaimCommitRights() {
				if err := c.PrepareCommit(batch); err != nil {
					t.Errorf("PrepareCommit: %v", err)
					return
				}
				c.Finish(batch, CommitInfo{})
				winners <- i
			} else {
				if _, err := batch.Wait(context.Background()); err != nil {
					t.Errorf("Wait: %v", err)
				}
			}
		}(i)
	}
	close(start)
	wg.Wait()
	close(winners)

	// Each distinct batch had exactly one winner, and every contributor
	// observed a successful result.
	winnersByBatch := make(map[*WriteBatch]int)
	for i := range winners {
		winnersByBatch[batches[i]]++
	}
	distinct := make(map[*WriteBatch]struct{})
	for _, b := range batches {
		distinct[b] = struct{}{}
	}
	if len(winnersByBatch) != len(distinct) {
		t.Errorf("winning batches = %d, distinct batches = %d", len(winnersByBatch), len(distinct))
	}
	for b, n := range winnersByBatch {
		if n != 1 {
			t.Errorf("batch %p had %d winners, want 1", b, n)
		}
	}
	for i, b := range batches {
		if b == nil {
			continue
		}
		info, ok := b.Result()
		if !ok || info.Err != nil {
			t.Errorf("contributor %d result = (%v, %v), want success", i, info, ok)
		}
	}

	stats := c.ExecutionStats(ns1)
	if stats.NumMeasurementsCommitted != contributors {
		t.Errorf("NumMeasurementsCommitted = %d, want %d", stats.NumMeasurementsCommitted, contributors)
	}
}

func TestBucketRolloverUnderSmallCapacity(t *testing.T) {
	const maxPerBucket = 3
	c := New(Config{MaxMeasurementsPerBucket: maxPerBucket})

	seen := make(map[BucketID]int)
	for i := 0; i < maxPerBucket*4; i++ {
		batch, err := c.Insert(ns1, metadata.None(), testMeasurement())
		if err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
		seen[batch.BucketID()]++
		commitOne(t, c, batch, i%maxPerBucket)
	}

	if len(seen) != 4 {
		t.Errorf("rollover produced %d buckets, want 4", len(seen))
	}
	for id, n := range seen {
		if n != maxPerBucket {
			t.Errorf("bucket %s received %d measurements, want %d", id, n, maxPerBucket)
		}
	}
}

func TestInsertValidation(t *testing.T) {
	c := New(DefaultConfig())

	if _, err := c.Insert(types.Namespace{}, metadata.None(), testMeasurement()); !errors.Is(err, corralerrors.ErrInvalidNamespace) {
		t.Errorf("Insert with zero namespace = %v, want ErrInvalidNamespace", err)
	}
	if _, err := c.Insert(ns1, metadata.None(), types.Measurement{}); !errors.Is(err, corralerrors.ErrInvalidMeasurement) {
		t.Errorf("Insert with invalid measurement = %v, want ErrInvalidMeasurement", err)
	}
}

func TestAppendExecutionStats(t *testing.T) {
	c := New(DefaultConfig())

	insertOneAndCommit(t, c, ns1, 0)
	insertOneAndCommit(t, c, ns1, 1)

	out := make(map[string]any)
	c.AppendExecutionStats(ns1, out)

	if out["numWaits"] != int64(0) {
		t.Errorf("numWaits = %v, want 0", out["numWaits"])
	}
	if out["numCommits"] != int64(2) {
		t.Errorf("numCommits = %v, want 2", out["numCommits"])
	}
	if out["numMeasurementsCommitted"] != int64(2) {
		t.Errorf("numMeasurementsCommitted = %v, want 2", out["numMeasurementsCommitted"])
	}
	if _, ok := out["batchSizeP50"]; !ok {
		t.Error("batchSizeP50 should be present after commits")
	}
}

func TestCatalogContext(t *testing.T) {
	c := New(DefaultConfig())

	ctx := WithCatalog(context.Background(), c)
	if FromContext(ctx) != c {
		t.Error("FromContext should return the attached catalog")
	}
	if FromContext(context.Background()) != nil {
		t.Error("FromContext without attachment should return nil")
	}
}

func ExampleCatalog() {
	c := New(DefaultConfig())
	ns := types.NewNamespace("prod", "cpu")

	batch, _ := c.Insert(ns, metadata.MustFromValue("host-1"), testMeasurementForExample())
	if batch.ClaimCommitRights() {
		_ = c.PrepareCommit(batch)
		// ... perform the physical write ...
		c.Finish(batch, CommitInfo{})
	}
	info, _ := batch.Result()
	fmt.Println(info.Err)
	// Output: <nil>
}

func testMeasurementForExample() types.Measurement {
	return types.NewMeasurement(time.Unix(0, 0).Add(time.Hour)).Set("usage", 0.42)
}
