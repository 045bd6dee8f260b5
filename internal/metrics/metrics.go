package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// URL issuance
	URLsIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_callbacks_urls_issued_total",
			Help: "Total number of callback URLs issued",
		},
		[]string{"type", "encrypted"},
	)

	CreateRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_callbacks_create_requests_total",
			Help: "Total number of URL creation requests",
		},
		[]string{"status"},
	)

	// Callback resolution
	Resolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_callbacks_resolutions_total",
			Help: "Total number of callback resolutions by outcome",
		},
		[]string{"type", "outcome"},
	)

	ResolutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shannon_callbacks_resolution_duration_seconds",
			Help:    "Callback resolution latency in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		},
		[]string{"type"},
	)

	ParametersApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shannon_callbacks_parameters_applied_total",
			Help: "Callbacks whose caller output parameters were merged",
		},
	)

	OrchestrationAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shannon_callbacks_orchestration_attempts",
			Help:    "Engine calls made per resolved callback",
			Buckets: []float64{1, 2, 3},
		},
	)

	// Security
	IntegrityFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shannon_callbacks_integrity_failures_total",
			Help: "Credentials rejected by the authenticated encryption check",
		},
	)

	// Webhook delivery from the activity worker
	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_callbacks_webhook_deliveries_total",
			Help: "Callback URL webhook deliveries by status",
		},
		[]string{"status"},
	)
)

// RecordResolution records one resolve attempt. actionType is empty when the
// credential could not be decoded.
func RecordResolution(actionType, outcome string, seconds float64) {
	if actionType == "" {
		actionType = "unknown"
	}
	Resolutions.WithLabelValues(actionType, outcome).Inc()
	ResolutionDuration.WithLabelValues(actionType).Observe(seconds)
}
