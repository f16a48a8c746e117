package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the daemon.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Image cache metrics
	DownloadsTotal   *prometheus.CounterVec
	DownloadDuration prometheus.Histogram
	DownloadQueue    prometheus.Gauge
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter

	// Bridge metrics
	BridgeOps       *prometheus.CounterVec
	BridgeDuration  *prometheus.HistogramVec
	SessionsActive  prometheus.Gauge
	UpdateRunsTotal *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector with its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		startTime: time.Now(),
		registry:  reg,

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchard_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchard_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		DownloadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchard_image_downloads_total",
				Help: "Image downloads by outcome",
			},
			[]string{"outcome"},
		),
		DownloadDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "orchard_image_download_duration_seconds",
				Help:    "Image download duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		DownloadQueue: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchard_image_download_queue_depth",
				Help: "Waiting image downloads",
			},
		),
		CacheHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "orchard_image_cache_hits_total",
				Help: "Image cache hits",
			},
		),
		CacheMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "orchard_image_cache_misses_total",
				Help: "Image cache misses",
			},
		),

		BridgeOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchard_bridge_operations_total",
				Help: "Package manager operations by kind and outcome",
			},
			[]string{"operation", "outcome"},
		),
		BridgeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchard_bridge_operation_duration_seconds",
				Help:    "Package manager operation duration in seconds",
				Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"operation"},
		),
		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchard_bridge_sessions_active",
				Help: "Live interactive bridge sessions",
			},
		),
		UpdateRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchard_update_runs_total",
				Help: "Update-all runs by terminal state",
			},
			[]string{"state"},
		),

		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchard_uptime_seconds",
				Help: "Daemon uptime in seconds",
			},
		),
	}

	return m
}

// Registry returns the underlying Prometheus registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// UpdateUptime refreshes the uptime gauge.
func (m *Metrics) UpdateUptime() {
	m.Uptime.Set(time.Since(m.startTime).Seconds())
}

// Timer measures one operation's duration.
type Timer struct {
	metrics   *Metrics
	operation string
	start     time.Time
}

// NewTimer starts timing a bridge operation.
func NewTimer(m *Metrics, operation string) *Timer {
	return &Timer{metrics: m, operation: operation, start: time.Now()}
}

// Stop records the duration and outcome.
func (t *Timer) Stop(outcome string) {
	if t.metrics == nil {
		return
	}
	t.metrics.BridgeDuration.WithLabelValues(t.operation).Observe(time.Since(t.start).Seconds())
	t.metrics.BridgeOps.WithLabelValues(t.operation, outcome).Inc()
}
