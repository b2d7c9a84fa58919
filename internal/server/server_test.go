package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/corral/internal/catalog"
	"github.com/xtxerr/corral/internal/ingest"
	"github.com/xtxerr/corral/internal/metadata"
	"github.com/xtxerr/corral/internal/storage/types"
	"github.com/xtxerr/corral/internal/store"
)

func newTestServer(t *testing.T) (*Server, *ingest.Service) {
	t.Helper()

	st, err := store.New(store.DefaultConfig())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cat := catalog.New(catalog.Config{})
	svc := ingest.New(cat, st, nil)
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(svc.Stop)

	srv := New(&Config{
		Service:         svc,
		Store:           st,
		Listen:          "127.0.0.1:0",
		ShutdownTimeout: time.Second,
	})
	return srv, svc
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.http.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.HasPrefix(string(body), "ok") {
		t.Fatalf("body = %q, want ok", body)
	}
}

func TestStatsReportsInserts(t *testing.T) {
	srv, svc := newTestServer(t)
	ts := httptest.NewServer(srv.http.Handler)
	defer ts.Close()

	ns := types.NewNamespace("metrics", "cpu")
	meta := metadata.MustFromValue(map[string]any{"host": "a"})
	m := types.Measurement{
		Time:   time.Now(),
		Fields: map[string]any{"load": 0.5},
	}
	if err := svc.Insert(context.Background(), ns, meta, m); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	resp, err := http.Get(ts.URL + "/stats")
	if err != nil {
		t.Fatalf("GET /stats: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}

	var got statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Ingest.Received != 1 {
		t.Errorf("received = %d, want 1", got.Ingest.Received)
	}
	if got.Ingest.Committed != 1 {
		t.Errorf("committed = %d, want 1", got.Ingest.Committed)
	}
	es, ok := got.Namespaces["metrics.cpu"]
	if !ok {
		t.Fatalf("namespaces = %v, want metrics.cpu entry", got.Namespaces)
	}
	if es.NumCommits != 1 {
		t.Errorf("commits = %d, want 1", es.NumCommits)
	}
}

func TestStatsRejectsNonGet(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.http.Handler)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/stats", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /stats: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}
