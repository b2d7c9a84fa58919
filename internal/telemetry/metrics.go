// Package telemetry exposes catalog and ingest counters as Prometheus
// metrics.
//
// The collector pulls from the live stats registries at scrape time, so no
// hot-path code pays for metric updates beyond its own atomic counters.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtxerr/corral/internal/ingest"
)

var (
	descClearWaits = prometheus.NewDesc(
		"corral_catalog_clear_waits_total",
		"Clear operations that blocked on a prepared but unfinished commit",
		[]string{"db", "coll"}, nil)
	descCommits = prometheus.NewDesc(
		"corral_catalog_commits_total",
		"Successfully finished batches",
		[]string{"db", "coll"}, nil)
	descFailedCommits = prometheus.NewDesc(
		"corral_catalog_failed_commits_total",
		"Batches finished with a committer error",
		[]string{"db", "coll"}, nil)
	descAbortedBatches = prometheus.NewDesc(
		"corral_catalog_aborted_batches_total",
		"Batches aborted by a clear",
		[]string{"db", "coll"}, nil)
	descMeasurementsCommitted = prometheus.NewDesc(
		"corral_catalog_measurements_committed_total",
		"Measurements across all successful commits",
		[]string{"db", "coll"}, nil)
	descBatchSize = prometheus.NewDesc(
		"corral_catalog_batch_size",
		"Measurements per successful commit",
		[]string{"db", "coll", "quantile"}, nil)
	descOpenBuckets = prometheus.NewDesc(
		"corral_catalog_open_buckets",
		"Buckets currently accepting inserts",
		nil, nil)

	descIngestReceived = prometheus.NewDesc(
		"corral_ingest_received_total",
		"Measurements received by the ingest service",
		nil, nil)
	descIngestCommitted = prometheus.NewDesc(
		"corral_ingest_committed_total",
		"Measurements committed by election winners",
		nil, nil)
	descIngestLed = prometheus.NewDesc(
		"corral_ingest_commits_led_total",
		"Inserts that won the commit-rights election",
		nil, nil)
	descIngestJoined = prometheus.NewDesc(
		"corral_ingest_commits_joined_total",
		"Inserts that waited on another contributor's commit",
		nil, nil)
	descIngestCleared = prometheus.NewDesc(
		"corral_ingest_buckets_cleared_total",
		"Inserts that observed a bucket-cleared abort",
		nil, nil)
	descIngestErrors = prometheus.NewDesc(
		"corral_ingest_errors_total",
		"Inserts that failed",
		nil, nil)
)

// Collector implements prometheus.Collector over the catalog's and ingest
// service's live counters.
type Collector struct {
	service *ingest.Service
}

// NewCollector creates a collector reading from svc and its catalog.
func NewCollector(svc *ingest.Service) *Collector {
	return &Collector{service: svc}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descClearWaits
	ch <- descCommits
	ch <- descFailedCommits
	ch <- descAbortedBatches
	ch <- descMeasurementsCommitted
	ch <- descBatchSize
	ch <- descOpenBuckets
	ch <- descIngestReceived
	ch <- descIngestCommitted
	ch <- descIngestLed
	ch <- descIngestJoined
	ch <- descIngestCleared
	ch <- descIngestErrors
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	cat := c.service.Catalog()

	for ns, stats := range cat.AllExecutionStats() {
		ch <- prometheus.MustNewConstMetric(descClearWaits,
			prometheus.CounterValue, float64(stats.NumWaits), ns.DB, ns.Coll)
		ch <- prometheus.MustNewConstMetric(descCommits,
			prometheus.CounterValue, float64(stats.NumCommits), ns.DB, ns.Coll)
		ch <- prometheus.MustNewConstMetric(descFailedCommits,
			prometheus.CounterValue, float64(stats.NumFailedCommits), ns.DB, ns.Coll)
		ch <- prometheus.MustNewConstMetric(descAbortedBatches,
			prometheus.CounterValue, float64(stats.NumAbortedBatches), ns.DB, ns.Coll)
		ch <- prometheus.MustNewConstMetric(descMeasurementsCommitted,
			prometheus.CounterValue, float64(stats.NumMeasurementsCommitted), ns.DB, ns.Coll)

		if stats.NumCommits > 0 {
			ch <- prometheus.MustNewConstMetric(descBatchSize,
				prometheus.GaugeValue, stats.BatchSizeP50, ns.DB, ns.Coll, "0.5")
			ch <- prometheus.MustNewConstMetric(descBatchSize,
				prometheus.GaugeValue, stats.BatchSizeP99, ns.DB, ns.Coll, "0.99")
		}
	}

	ch <- prometheus.MustNewConstMetric(descOpenBuckets,
		prometheus.GaugeValue, float64(cat.NumOpenBuckets()))

	snap := c.service.Stats()
	ch <- prometheus.MustNewConstMetric(descIngestReceived,
		prometheus.CounterValue, float64(snap.Received))
	ch <- prometheus.MustNewConstMetric(descIngestCommitted,
		prometheus.CounterValue, float64(snap.Committed))
	ch <- prometheus.MustNewConstMetric(descIngestLed,
		prometheus.CounterValue, float64(snap.CommitsLed))
	ch <- prometheus.MustNewConstMetric(descIngestJoined,
		prometheus.CounterValue, float64(snap.CommitsJoined))
	ch <- prometheus.MustNewConstMetric(descIngestCleared,
		prometheus.CounterValue, float64(snap.BucketsCleared))
	ch <- prometheus.MustNewConstMetric(descIngestErrors,
		prometheus.CounterValue, float64(snap.Errors))
}

// Handler returns an HTTP handler serving metrics from a fresh registry
// holding the collector plus the standard Go runtime collectors.
func Handler(svc *ingest.Service) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(svc),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

var _ prometheus.Collector = (*Collector)(nil)
