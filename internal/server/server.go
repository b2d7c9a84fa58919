// Package server provides the corral admin HTTP server.
//
// The server exposes operational endpoints: Prometheus metrics, a JSON
// stats snapshot, and a health check backed by the store.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/xtxerr/corral/internal/catalog"
	"github.com/xtxerr/corral/internal/ingest"
	"github.com/xtxerr/corral/internal/logging"
	"github.com/xtxerr/corral/internal/storage/archive"
	"github.com/xtxerr/corral/internal/store"
	"github.com/xtxerr/corral/internal/telemetry"
)

var log = logging.Component("server")

// =============================================================================
// Server Configuration
// =============================================================================

// Config holds server configuration.
type Config struct {
	// Service is the ingest service (required).
	Service *ingest.Service

	// Store backs the health check (required).
	Store *store.Store

	// Archiver is optional; when set its stats appear in /stats.
	Archiver *archive.Archiver

	// Listen is the address to listen on (e.g., "0.0.0.0:9266").
	Listen string

	// ShutdownTimeout bounds graceful shutdown of in-flight requests.
	ShutdownTimeout time.Duration
}

// =============================================================================
// Server
// =============================================================================

// Server is the corral admin HTTP server.
type Server struct {
	cfg  *Config
	http *http.Server
}

// New creates a new server.
func New(cfg *Config) *Server {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	mux := http.NewServeMux()
	s := &Server{cfg: cfg}

	mux.Handle("/metrics", telemetry.Handler(cfg.Service))
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/healthz", s.handleHealth)

	s.http = &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	log.Info("listening", "address", s.cfg.Listen)

	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully, waiting for in-flight requests up
// to the configured shutdown timeout.
func (s *Server) Shutdown() {
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		log.Warn("shutdown did not complete cleanly", "error", err)
	}

	log.Info("shutdown complete")
}

// =============================================================================
// Handlers
// =============================================================================

// statsResponse is the /stats payload.
type statsResponse struct {
	Ingest      ingest.StatsSnapshot              `json:"ingest"`
	Namespaces  map[string]catalog.ExecutionStats `json:"namespaces"`
	OpenBuckets int                               `json:"open_buckets"`
	Archive     *archive.Stats                    `json:"archive,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cat := s.cfg.Service.Catalog()

	resp := statsResponse{
		Ingest:      s.cfg.Service.Stats(),
		Namespaces:  make(map[string]catalog.ExecutionStats),
		OpenBuckets: cat.NumOpenBuckets(),
	}
	for ns, es := range cat.AllExecutionStats() {
		resp.Namespaces[ns.String()] = es
	}
	if s.cfg.Archiver != nil {
		st := s.cfg.Archiver.Stats()
		resp.Archive = &st
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error("encode stats response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.cfg.Store.Health(ctx); err != nil {
		log.Warn("health check failed", "error", err)
		http.Error(w, "unhealthy: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}
