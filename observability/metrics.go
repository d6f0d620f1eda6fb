package observability

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics holds the ingestion collectors on a private registry, served by
// "gscload serve" at /metrics and pushed to a Pushgateway after one-shot runs.
type Metrics struct {
	Registry *prometheus.Registry

	pages     *prometheus.CounterVec
	fetched   *prometheus.CounterVec
	newRows   *prometheus.CounterVec
	inserted  *prometheus.CounterVec
	retries   *prometheus.CounterVec
	failures  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	lastRunOK prometheus.Gauge
}

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		pages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gscload_pages_fetched_total",
			Help: "Upstream pages fetched.",
		}, []string{"batch"}),
		fetched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gscload_rows_fetched_total",
			Help: "Rows returned by upstream.",
		}, []string{"batch"}),
		newRows: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gscload_rows_new_total",
			Help: "Rows whose identity key was not yet stored.",
		}, []string{"batch"}),
		inserted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gscload_rows_inserted_total",
			Help: "Rows committed to the warehouse.",
		}, []string{"batch"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gscload_page_retries_total",
			Help: "Page requests retried, by error class.",
		}, []string{"batch", "class"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gscload_batch_failures_total",
			Help: "Batches abandoned after an error.",
		}, []string{"batch"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gscload_run_duration_seconds",
			Help:    "Wall time of ingestion runs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"kind", "status"}),
		lastRunOK: f.NewGauge(prometheus.GaugeOpts{
			Name: "gscload_last_success_timestamp_seconds",
			Help: "Unix time of the last run without failed batches.",
		}),
	}
}

func (m *Metrics) PageFetched(batch string, rows int) {
	m.pages.WithLabelValues(batch).Inc()
	m.fetched.WithLabelValues(batch).Add(float64(rows))
}

func (m *Metrics) PageRetried(batch, class string) {
	m.retries.WithLabelValues(batch, class).Inc()
}

// BatchDone records the new/inserted counts of a batch and whether it failed.
func (m *Metrics) BatchDone(batch string, newRows, inserted int, failed bool) {
	m.newRows.WithLabelValues(batch).Add(float64(newRows))
	m.inserted.WithLabelValues(batch).Add(float64(inserted))
	if failed {
		m.failures.WithLabelValues(batch).Inc()
	}
}

// RunDone observes a finished run.
func (m *Metrics) RunDone(kind, status string, seconds float64, finishedUnix int64) {
	m.duration.WithLabelValues(kind, status).Observe(seconds)
	if status == StatusCompleted {
		m.lastRunOK.Set(float64(finishedUnix))
	}
}

// Push sends the registry to a Pushgateway under job.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	if err := push.New(url, job).Gatherer(m.Registry).PushContext(ctx); err != nil {
		return fmt.Errorf("observability: push metrics: %w", err)
	}
	return nil
}
