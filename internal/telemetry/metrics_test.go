package telemetry

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xtxerr/corral/internal/catalog"
	"github.com/xtxerr/corral/internal/ingest"
	"github.com/xtxerr/corral/internal/metadata"
	"github.com/xtxerr/corral/internal/storage/types"
)

type nopCommitter struct{}

func (nopCommitter) CommitBatch(context.Context, ingest.Commit) error { return nil }

func newTestService(t *testing.T) *ingest.Service {
	t.Helper()
	cat := catalog.New(catalog.Config{})
	svc := ingest.New(cat, nopCommitter{}, nil)
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(svc.Stop)
	return svc
}

func TestCollectorRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector(newTestService(t))); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather: %v", err)
	}
}

func TestHandlerServesCatalogCounters(t *testing.T) {
	svc := newTestService(t)

	ns := types.NewNamespace("metrics", "cpu")
	meta := metadata.MustFromValue("host-a")
	m := types.NewMeasurement(time.Now()).Set("load", 0.5)
	if err := svc.Insert(context.Background(), ns, meta, m); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	rec := httptest.NewRecorder()
	Handler(svc).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()

	for _, want := range []string{
		`corral_catalog_commits_total{coll="cpu",db="metrics"} 1`,
		`corral_catalog_measurements_committed_total{coll="cpu",db="metrics"} 1`,
		`corral_ingest_received_total 1`,
		`corral_ingest_commits_led_total 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
