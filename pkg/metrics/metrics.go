package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ciforge_jobs_total",
			Help: "Total number of jobs by status",
		},
		[]string{"status"},
	)

	JobsSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ciforge_jobs_submitted_total",
			Help: "Total number of jobs submitted",
		},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ciforge_job_duration_seconds",
			Help:    "Time from job start to finish in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ciforge_api_requests_total",
			Help: "Total number of API requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ciforge_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	SSEConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ciforge_sse_connections_active",
			Help: "Number of currently open job log streams",
		},
	)

	// Sandbox metrics
	SandboxCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ciforge_sandbox_create_duration_seconds",
			Help:    "Time taken to create a sandbox in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SandboxStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ciforge_sandbox_start_duration_seconds",
			Help:    "Time taken to start a sandbox in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SandboxesOrphanedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ciforge_sandboxes_orphaned_total",
			Help: "Total number of orphaned sandboxes removed by the controller's orphan sweep",
		},
	)

	// Controller metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ciforge_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ciforge_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	ReconciliationErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ciforge_reconciliation_errors_total",
			Help: "Total number of per-job errors encountered during reconciliation",
		},
		[]string{"reason"},
	)

	// Auth metrics
	AuthFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ciforge_auth_failures_total",
			Help: "Total number of failed authentication attempts by reason",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(SSEConnectionsActive)
	prometheus.MustRegister(SandboxCreateDuration)
	prometheus.MustRegister(SandboxStartDuration)
	prometheus.MustRegister(SandboxesOrphanedTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ReconciliationErrorsTotal)
	prometheus.MustRegister(AuthFailuresTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
