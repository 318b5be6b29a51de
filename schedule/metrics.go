package schedule

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the scheduler's prometheus collectors.  A nil registerer
// creates unregistered collectors, useful in tests.
type Metrics struct {
	// QueueDepth is the number of currently pending requests
	QueueDepth prometheus.Gauge
	// BatchSize observes the tensor count of each flushed batch
	BatchSize prometheus.Histogram
	// InferDuration observes model adapter call latency in seconds
	InferDuration prometheus.Histogram
	// Flushes counts batch flushes
	Flushes prometheus.Counter
	// Rejected counts submissions failed with OverloadedError
	Rejected prometheus.Counter
	// Expired counts requests that timed out in the queue
	Expired prometheus.Counter
}

// NewMetrics creates and registers the scheduler collectors
func NewMetrics(reg prometheus.Registerer) *Metrics {

	factory := promauto.With(reg)

	return &Metrics{
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "detserve",
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Number of requests pending in the batch queue.",
		}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "detserve",
			Subsystem: "scheduler",
			Name:      "batch_size",
			Help:      "Tensor count per flushed batch.",
			Buckets:   prometheus.LinearBuckets(1, 1, 16),
		}),
		InferDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "detserve",
			Subsystem: "scheduler",
			Name:      "infer_duration_seconds",
			Help:      "Model adapter call latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		Flushes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "detserve",
			Subsystem: "scheduler",
			Name:      "flushes_total",
			Help:      "Number of batch flushes.",
		}),
		Rejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "detserve",
			Subsystem: "scheduler",
			Name:      "rejected_total",
			Help:      "Submissions rejected due to a full queue.",
		}),
		Expired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "detserve",
			Subsystem: "scheduler",
			Name:      "expired_total",
			Help:      "Requests that timed out before their batch flushed.",
		}),
	}
}
