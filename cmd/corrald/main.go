// Command corrald is the corral time-series ingestion daemon.
//
// It coalesces concurrent measurement inserts into shared buckets through
// the catalog, persists committed batches to DuckDB, journals inserts to a
// write-ahead log, and archives cold rows to Parquet. An admin HTTP server
// exposes Prometheus metrics, a stats snapshot, and a health check.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/xtxerr/corral/internal/catalog"
	"github.com/xtxerr/corral/internal/ingest"
	"github.com/xtxerr/corral/internal/loader"
	"github.com/xtxerr/corral/internal/logging"
	"github.com/xtxerr/corral/internal/server"
	"github.com/xtxerr/corral/internal/storage/archive"
	"github.com/xtxerr/corral/internal/storage/wal"
	"github.com/xtxerr/corral/internal/store"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	var (
		configPath = flag.String("config", "/etc/corral/config.yaml", "path to config file")
		listenAddr = flag.String("listen", "", "override listen address")
		dsn        = flag.String("db", "", "override database DSN")
		showVer    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVer {
		fmt.Printf("corrald %s\n", Version)
		return
	}

	log.SetFlags(log.LstdFlags)
	log.Printf("corrald %s starting...", Version)

	// =========================================================================
	// Configuration
	// =========================================================================

	cfg, err := loader.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Printf("config file %s not found, using defaults", *configPath)
			cfg = loader.DefaultConfig()
		} else {
			log.Fatalf("load config: %v", err)
		}
	}

	// CLI overrides
	if *listenAddr != "" {
		cfg.Listen = *listenAddr
	}
	if *dsn != "" {
		cfg.Store.DSN = *dsn
	}

	logging.Init(logging.ParseLevel(cfg.Log.Level), logging.Format(cfg.Log.Format))
	logger := logging.Component("main")

	// =========================================================================
	// Store
	// =========================================================================

	st, err := store.New(store.Config{
		DSN:             cfg.Store.DSN,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		ConnMaxLifetime: cfg.Store.ConnMaxLifetime.Duration(),
		QueryTimeout:    cfg.Store.QueryTimeout.Duration(),
	})
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	logger.Info("store opened", "dsn", cfg.Store.DSN)

	// =========================================================================
	// Write-Ahead Log
	// =========================================================================

	var journal *wal.Writer
	if cfg.WAL.Enabled {
		opts := wal.DefaultOptions()
		if v := cfg.WAL.MaxSegmentSize.Bytes(); v > 0 {
			opts.MaxSegmentSize = v
		}
		opts.SyncEveryWrite = cfg.WAL.SyncEveryWrite

		journal, err = wal.NewWriter(cfg.WAL.Dir, opts)
		if err != nil {
			logger.Error("open wal", "error", err)
			os.Exit(1)
		}
		logger.Info("wal opened", "dir", cfg.WAL.Dir)
	}

	// =========================================================================
	// Catalog and Ingest Service
	// =========================================================================

	cat := catalog.New(catalog.Config{
		MaxMeasurementsPerBucket: cfg.Catalog.MaxMeasurementsPerBucket,
	})

	svc := ingest.New(cat, st, journalOrNil(journal))
	if err := svc.Start(); err != nil {
		logger.Error("start ingest service", "error", err)
		os.Exit(1)
	}

	// Replay journaled measurements from before the last shutdown. Replayed
	// entries go through the normal insert path, so they are re-committed
	// and re-journaled into the active segment; the scan stops below that
	// segment so replay never reads its own output. The old segments are
	// dropped afterwards.
	if journal != nil {
		if n, err := replayJournal(cfg.WAL.Dir, journal.ActiveSegmentSeq(), svc); err != nil {
			logger.Error("wal replay", "error", err)
			os.Exit(1)
		} else if n > 0 {
			logger.Info("wal replay complete", "entries", n)
			if err := journal.Truncate(); err != nil {
				logger.Warn("wal truncate after replay", "error", err)
			}
		}
	}

	// =========================================================================
	// Archiver
	// =========================================================================

	var archiver *archive.Archiver
	if cfg.Archive.Enabled {
		acfg := archive.DefaultConfig()
		acfg.Dir = cfg.Archive.Dir
		if v := cfg.Archive.ColdAfter.Duration(); v > 0 {
			acfg.ColdAfter = v
		}
		if v := cfg.Archive.Interval.Duration(); v > 0 {
			acfg.Interval = v
		}
		acfg.Retention = cfg.Archive.Retention.Duration()
		acfg.BatchLimit = cfg.Archive.BatchLimit
		acfg.Parquet.Compression = archive.ParseCompressionType(cfg.Archive.Compression)

		archiver = archive.New(st, acfg)
		if err := archiver.Start(); err != nil {
			logger.Error("start archiver", "error", err)
			os.Exit(1)
		}
	}

	// =========================================================================
	// Admin HTTP Server
	// =========================================================================

	srv := server.New(&server.Config{
		Service:         svc,
		Store:           st,
		Archiver:        archiver,
		Listen:          cfg.Listen,
		ShutdownTimeout: cfg.ShutdownTimeout.Duration(),
	})

	// Shutdown order: stop accepting admin traffic, drain in-flight inserts,
	// stop the archiver, then close the journal and the store.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())

		srv.Shutdown()
		svc.Stop()
		if archiver != nil {
			archiver.Stop()
		}
		if journal != nil {
			if err := journal.Close(); err != nil {
				logger.Warn("close wal", "error", err)
			}
		}
		if err := st.Close(); err != nil {
			logger.Warn("close store", "error", err)
		}
	}()

	if err := srv.Run(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// journalOrNil avoids storing a typed nil *wal.Writer in the service's
// Journal interface field.
func journalOrNil(w *wal.Writer) ingest.Journal {
	if w == nil {
		return nil
	}
	return w
}

// replayJournal feeds WAL entries journaled before the active segment back
// through the ingest service and returns how many were replayed.
func replayJournal(dir string, beforeSeq int64, svc *ingest.Service) (int, error) {
	n := 0
	err := wal.ReplayBefore(dir, beforeSeq, func(e wal.Entry) error {
		if err := svc.Insert(context.Background(), e.Namespace, e.Meta, e.M); err != nil {
			return fmt.Errorf("replay insert %s: %w", e.Namespace, err)
		}
		n++
		return nil
	})
	return n, err
}
