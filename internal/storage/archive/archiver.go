package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/xtxerr/corral/internal/errors"
	"github.com/xtxerr/corral/internal/logging"
	"github.com/xtxerr/corral/internal/store"
)

// archiveFileLayout is the timestamp layout embedded in archive filenames.
const archiveFileLayout = "2006-01-02_15-04-05"

// Config configures the archiver.
type Config struct {
	// Dir is the directory archive files are written to.
	Dir string

	// ColdAfter is the age at which committed rows move from DuckDB to
	// Parquet.
	ColdAfter time.Duration

	// Interval between archive sweeps.
	Interval time.Duration

	// Retention is how long archive files are kept. Zero disables pruning.
	Retention time.Duration

	// BatchLimit caps the rows exported per sweep. Zero means no cap.
	BatchLimit int

	// Parquet holds the file format options.
	Parquet Options
}

// DefaultConfig returns archiver defaults.
func DefaultConfig() Config {
	return Config{
		ColdAfter: 24 * time.Hour,
		Interval:  time.Hour,
		Retention: 90 * 24 * time.Hour,
		Parquet:   DefaultOptions(),
	}
}

// Stats holds archiver statistics.
type Stats struct {
	SweepsRun     int64
	RowsArchived  int64
	FilesWritten  int64
	FilesPruned   int64
	BytesFreed    int64
	Errors        int64
	LastSweepTime time.Time
}

// Archiver periodically moves cold measurement rows out of the database
// into dated Parquet files, and prunes archive files past retention.
type Archiver struct {
	store  *store.Store
	config Config
	log    *slog.Logger

	mu      sync.Mutex
	stats   Stats
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// now is swappable for tests.
	now func() time.Time
}

// New creates an archiver draining cold rows from st.
func New(st *store.Store, cfg Config) *Archiver {
	if cfg.ColdAfter <= 0 {
		cfg.ColdAfter = DefaultConfig().ColdAfter
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Archiver{
		store:  st,
		config: cfg,
		log:    logging.Component("archive"),
		now:    time.Now,
	}
}

// Start launches the sweep loop.
func (a *Archiver) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return errors.ErrAlreadyRunning
	}
	a.running = true

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.wg.Add(1)
	go a.loop(ctx)

	a.log.Info("archiver started",
		"dir", a.config.Dir,
		"cold_after", a.config.ColdAfter,
		"interval", a.config.Interval)
	return nil
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (a *Archiver) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel := a.cancel
	a.mu.Unlock()

	cancel()
	a.wg.Wait()
	a.log.Info("archiver stopped")
}

func (a *Archiver) loop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Sweep(ctx); err != nil && ctx.Err() == nil {
				a.log.Error("archive sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one archive pass: export rows older than ColdAfter to a
// Parquet file, delete them from the database, then prune expired files.
func (a *Archiver) Sweep(ctx context.Context) error {
	a.mu.Lock()
	a.stats.SweepsRun++
	a.stats.LastSweepTime = a.now()
	a.mu.Unlock()

	cutoff := a.now().Add(-a.config.ColdAfter)

	if err := a.export(ctx, cutoff); err != nil {
		a.recordError()
		return err
	}

	if a.config.Retention > 0 {
		if err := a.prune(); err != nil {
			a.recordError()
			return err
		}
	}
	return nil
}

func (a *Archiver) export(ctx context.Context, cutoff time.Time) error {
	cutoffMs := cutoff.UnixMilli()

	rows, err := a.store.RowsBefore(ctx, cutoffMs, a.config.BatchLimit)
	if err != nil {
		return fmt.Errorf("load cold rows: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	// Deletion is by timestamp, so a capped page must not split rows that
	// tie at its boundary timestamp: hold the tied tail back for the next
	// sweep. If the whole page ties at one timestamp it cannot be split at
	// all; it is then the oldest timestamp present, so widen to the full
	// tied group instead.
	deleteBefore := cutoffMs
	if a.config.BatchLimit > 0 && len(rows) == a.config.BatchLimit {
		lastTs := rows[len(rows)-1].TimestampMs
		split := len(rows)
		for split > 0 && rows[split-1].TimestampMs == lastTs {
			split--
		}
		if split > 0 {
			rows = rows[:split]
			deleteBefore = lastTs
		} else {
			rows, err = a.store.RowsBefore(ctx, lastTs+1, 0)
			if err != nil {
				return fmt.Errorf("load tied rows: %w", err)
			}
			deleteBefore = lastTs + 1
		}
	}

	path := filepath.Join(a.config.Dir,
		a.now().UTC().Format(archiveFileLayout)+".parquet")

	w, err := NewWriter(path, a.config.Parquet)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	if err := w.Write(rows); err != nil {
		w.Close()
		os.Remove(path)
		return fmt.Errorf("write archive file: %w", err)
	}
	if err := w.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("close archive file: %w", err)
	}

	// Only drop rows from the database once the file is durable.
	deleted, err := a.store.DeleteRowsBefore(ctx, deleteBefore)
	if err != nil {
		return fmt.Errorf("delete archived rows: %w", err)
	}

	a.mu.Lock()
	a.stats.RowsArchived += int64(len(rows))
	a.stats.FilesWritten++
	a.mu.Unlock()

	a.log.Info("archived cold rows",
		"file", path,
		"rows", len(rows),
		"deleted", deleted)
	return nil
}

// prune deletes archive files whose embedded timestamp is past retention.
func (a *Archiver) prune() error {
	cutoff := a.now().UTC().Add(-a.config.Retention)

	entries, err := os.ReadDir(a.config.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("list archive dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".parquet" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		base := name[:len(name)-len(".parquet")]
		fileTime, err := time.Parse(archiveFileLayout, base)
		if err != nil {
			continue
		}
		if fileTime.After(cutoff) {
			continue
		}

		path := filepath.Join(a.config.Dir, name)
		info, statErr := os.Stat(path)
		if err := os.Remove(path); err != nil {
			a.recordError()
			a.log.Warn("prune archive file failed", "file", path, "error", err)
			continue
		}

		a.mu.Lock()
		a.stats.FilesPruned++
		if statErr == nil {
			a.stats.BytesFreed += info.Size()
		}
		a.mu.Unlock()
	}
	return nil
}

func (a *Archiver) recordError() {
	a.mu.Lock()
	a.stats.Errors++
	a.mu.Unlock()
}

// Stats returns a snapshot of archiver statistics.
func (a *Archiver) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}
