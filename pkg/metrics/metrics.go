package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics
	WebhooksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhooks_received_total",
			Help: "Inbound provider webhooks by source and ingress outcome",
		},
		[]string{"source", "outcome"},
	)

	EventsNormalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_normalized_total",
			Help: "Canonical events produced by normalizers",
		},
		[]string{"source", "event_type"},
	)

	// Detection metrics
	DetectorRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detector_runs_total",
			Help: "Detector invocations by detector, mode and outcome",
		},
		[]string{"detector_id", "mode", "outcome"},
	)

	IssuesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "issues_created_total",
			Help: "Issues persisted by type and severity",
		},
		[]string{"issue_type", "severity"},
	)

	// Alert metrics
	AlertDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_deliveries_total",
			Help: "Outbound alert delivery attempts by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	// Queue metrics
	QueueJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_total",
			Help: "Queue job completions by queue and outcome",
		},
		[]string{"queue", "outcome"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Jobs waiting in each named queue",
		},
		[]string{"queue"},
	)

	// Circuit breaker state: 0 closed, 1 half-open, 2 open
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state per downstream target (0=closed, 1=half-open, 2=open)",
		},
		[]string{"target"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	DependencyUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dependency_up",
			Help: "Status of dependencies (1 = up, 0 = down)",
		},
		[]string{"service"},
	)
)

// RecordJob records a queue job completion outcome.
func RecordJob(queue, outcome string) {
	QueueJobs.WithLabelValues(queue, outcome).Inc()
}

// SetQueueDepth updates the waiting-job gauge for a queue.
func SetQueueDepth(queue string, depth int64) {
	QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// SetCircuitState updates the breaker-state gauge for a downstream target.
func SetCircuitState(target string, state float64) {
	CircuitState.WithLabelValues(target).Set(state)
}

// SetDependencyUp flips the health gauge for a dependency.
func SetDependencyUp(service string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	DependencyUp.WithLabelValues(service).Set(v)
}
