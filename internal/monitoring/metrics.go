package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	RunsTotal           *prometheus.CounterVec
	RunDuration         prometheus.Histogram
	ActiveRuns          prometheus.Gauge
	OutputLinesTotal    *prometheus.CounterVec
	BundleFiles         prometheus.Histogram
	WatchReadErrors     prometheus.Counter
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers the metrics on reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scrape_runs_total",
			Help: "The total number of finished scrape runs",
		}, []string{"status", "kind"}), // kind: exit, spawn, setup, watch, canceled
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "scrape_run_duration_seconds",
			Help:    "Wall time of scrape runs from setup to exit",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		ActiveRuns: f.NewGauge(prometheus.GaugeOpts{
			Name: "scrape_runs_active",
			Help: "Number of scrape runs currently supervised",
		}),
		OutputLinesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scrape_worker_lines_total",
			Help: "Lines read from worker output streams",
		}, []string{"stream"}),
		BundleFiles: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "scrape_bundle_files",
			Help:    "Number of files in the final bundle of a run",
			Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000},
		}),
		WatchReadErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "scrape_watch_read_errors_total",
			Help: "Watched files that could not be read on a change event",
		}),
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

func (m *Metrics) RunStarted() {
	m.ActiveRuns.Inc()
}

func (m *Metrics) RunFinished(status, kind string, files int, d time.Duration) {
	m.ActiveRuns.Dec()
	m.RunsTotal.WithLabelValues(status, kind).Inc()
	m.RunDuration.Observe(d.Seconds())
	m.BundleFiles.Observe(float64(files))
}

func (m *Metrics) IncOutputLine(stream string) {
	m.OutputLinesTotal.WithLabelValues(stream).Inc()
}

func (m *Metrics) IncWatchReadError() {
	m.WatchReadErrors.Inc()
}

func (m *Metrics) ObserveHTTP(method, route, status string, d time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route, status).Observe(d.Seconds())
}
