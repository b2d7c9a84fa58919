// Package ingest drives the bucket catalog's commit protocol.
//
// Service.Insert is the caller-facing loop: journal the measurement, insert
// it into the catalog, and either perform the election-winning commit or
// wait for the winner's result. Every contributor to a coalesced batch
// observes the same outcome.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/corral/internal/catalog"
	"github.com/xtxerr/corral/internal/errors"
	"github.com/xtxerr/corral/internal/logging"
	"github.com/xtxerr/corral/internal/metadata"
	"github.com/xtxerr/corral/internal/storage/types"
)

// Commit carries everything the storage layer needs to persist one batch:
// the frozen membership, the committed count before this batch, and the
// field names the batch introduces (for schema registration).
type Commit struct {
	Namespace              types.Namespace
	Bucket                 catalog.BucketID
	Meta                   metadata.Metadata
	Measurements           []types.Measurement
	NumPreviouslyCommitted int
	NewFields              []string
}

// Committer is the consumed "physically persist a batch" capability.
// The catalog never calls it; the contributor holding commit rights does.
type Committer interface {
	CommitBatch(ctx context.Context, c Commit) error
}

// Journal is an optional crash-safety hook invoked before a measurement
// enters the catalog.
type Journal interface {
	Append(ctx context.Context, ns types.Namespace, meta metadata.Metadata, m types.Measurement) error
}

// Stats holds ingestion statistics.
type Stats struct {
	Received       atomic.Int64
	Committed      atomic.Int64
	CommitsLed     atomic.Int64
	CommitsJoined  atomic.Int64
	BucketsCleared atomic.Int64
	Errors         atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Received       int64
	Committed      int64
	CommitsLed     int64
	CommitsJoined  int64
	BucketsCleared int64
	Errors         int64
}

// Service coordinates inserts against the catalog and the committer.
type Service struct {
	catalog   *catalog.Catalog
	committer Committer
	journal   Journal // may be nil

	log *slog.Logger

	running atomic.Bool
	wg      sync.WaitGroup

	stats Stats
}

// New creates an ingest service. journal may be nil to disable journaling.
func New(cat *catalog.Catalog, committer Committer, journal Journal) *Service {
	return &Service{
		catalog:   cat,
		committer: committer,
		journal:   journal,
		log:       logging.Component("ingest"),
	}
}

// Start marks the service ready to accept inserts.
func (s *Service) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}
	s.log.Info("ingest service started")
	return nil
}

// Stop rejects new inserts and waits for in-flight ones to drain.
func (s *Service) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.wg.Wait()
	s.log.Info("ingest service stopped")
}

// Insert routes one measurement through the catalog's commit protocol and
// blocks until the measurement's batch finishes. The returned error is the
// batch's shared result: nil on success, ErrBucketCleared if a clear
// aborted the batch, or the committer's error verbatim. Retrying is the
// caller's decision.
func (s *Service) Insert(ctx context.Context, ns types.Namespace, meta metadata.Metadata, m types.Measurement) error {
	if !s.running.Load() {
		return errors.ErrNotRunning
	}
	s.wg.Add(1)
	defer s.wg.Done()

	s.stats.Received.Add(1)

	if s.journal != nil {
		if err := s.journal.Append(ctx, ns, meta, m); err != nil {
			s.stats.Errors.Add(1)
			return fmt.Errorf("journal append: %w", err)
		}
	}

	batch, err := s.catalog.Insert(ns, meta, m)
	if err != nil {
		s.stats.Errors.Add(1)
		return err
	}

	if batch.ClaimCommitRights() {
		return s.lead(ctx, batch)
	}
	return s.follow(ctx, batch)
}

// lead runs the commit as the batch's elected writer.
func (s *Service) lead(ctx context.Context, batch *catalog.WriteBatch) error {
	s.stats.CommitsLed.Add(1)

	if err := s.catalog.PrepareCommit(batch); err != nil {
		// Aborted by a concurrent clear before we could prepare.
		s.stats.BucketsCleared.Add(1)
		return err
	}

	commit := Commit{
		Namespace:              batch.Namespace(),
		Bucket:                 batch.BucketID(),
		Meta:                   batch.Metadata(),
		Measurements:           batch.Measurements(),
		NumPreviouslyCommitted: batch.NumPreviouslyCommitted(),
		NewFields:              batch.NewFieldNames(),
	}

	// The rights holder must always reach Finish, success or failure;
	// anything else strands the batch's waiters.
	err := s.committer.CommitBatch(ctx, commit)
	s.catalog.Finish(batch, catalog.CommitInfo{Err: err})

	if err != nil {
		s.stats.Errors.Add(1)
		s.log.Warn("batch commit failed",
			"namespace", commit.Namespace,
			"bucket", commit.Bucket,
			"measurements", len(commit.Measurements),
			"error", err)
		return err
	}

	s.stats.Committed.Add(int64(len(commit.Measurements)))
	s.log.Debug("batch committed",
		"namespace", commit.Namespace,
		"bucket", commit.Bucket,
		"measurements", len(commit.Measurements),
		"new_fields", len(commit.NewFields))
	return nil
}

// follow waits on the result of the contributor that won the election.
func (s *Service) follow(ctx context.Context, batch *catalog.WriteBatch) error {
	s.stats.CommitsJoined.Add(1)

	info, err := batch.Wait(ctx)
	if err != nil {
		return err
	}
	if errors.IsBucketCleared(info.Err) {
		s.stats.BucketsCleared.Add(1)
	}
	return info.Err
}

// InsertMany inserts measurements concurrently through a bounded worker
// pool, coalescing same-group measurements into shared batches. It returns
// the first error encountered; remaining inserts still run to completion
// of their started workers.
func (s *Service) InsertMany(ctx context.Context, ns types.Namespace, meta metadata.Metadata, ms []types.Measurement, parallelism int) error {
	if parallelism <= 0 {
		parallelism = 4
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, m := range ms {
		m := m
		g.Go(func() error {
			return s.Insert(ctx, ns, meta, m)
		})
	}
	return g.Wait()
}

// Stats returns a snapshot of ingestion statistics.
func (s *Service) Stats() StatsSnapshot {
	return StatsSnapshot{
		Received:       s.stats.Received.Load(),
		Committed:      s.stats.Committed.Load(),
		CommitsLed:     s.stats.CommitsLed.Load(),
		CommitsJoined:  s.stats.CommitsJoined.Load(),
		BucketsCleared: s.stats.BucketsCleared.Load(),
		Errors:         s.stats.Errors.Load(),
	}
}

// Catalog exposes the underlying catalog for admin operations.
func (s *Service) Catalog() *catalog.Catalog {
	return s.catalog
}
