package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the service level prometheus collectors.  A nil registerer
// creates unregistered collectors, useful in tests.
type Metrics struct {
	// Requests counts completed requests by operation and outcome
	Requests *prometheus.CounterVec
	// Duration observes end to end request latency by operation
	Duration *prometheus.HistogramVec
	// StageErrors counts failures by the pipeline stage they occurred at
	StageErrors *prometheus.CounterVec
}

// NewMetrics creates and registers the service collectors
func NewMetrics(reg prometheus.Registerer) *Metrics {

	factory := promauto.With(reg)

	return &Metrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "detserve",
			Subsystem: "service",
			Name:      "requests_total",
			Help:      "Completed detection requests.",
		}, []string{"op", "outcome"}),
		Duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "detserve",
			Subsystem: "service",
			Name:      "request_duration_seconds",
			Help:      "End to end request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		StageErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "detserve",
			Subsystem: "service",
			Name:      "stage_errors_total",
			Help:      "Request failures by pipeline stage.",
		}, []string{"stage"}),
	}
}
