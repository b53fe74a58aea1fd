package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Provider metrics
	providerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "copyforge_provider_request_duration_seconds",
			Help:    "Provider request duration in seconds by provider and outcome",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
		},
		[]string{"provider", "status"},
	)

	rateLimiterWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "copyforge_rate_limiter_wait_duration_seconds",
			Help:    "Rate limiter wait duration in seconds by provider",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"provider"},
	)

	providerRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copyforge_provider_retries_total",
			Help: "Retries scheduled after a transient provider failure",
		},
		[]string{"provider", "kind"},
	)

	// Circuit breaker metrics
	circuitOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "copyforge_circuit_open",
			Help: "1 while a provider's circuit is open",
		},
		[]string{"provider"},
	)

	circuitTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copyforge_circuit_trips_total",
			Help: "Number of times a provider's circuit opened",
		},
		[]string{"provider"},
	)

	// Task metrics
	taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "copyforge_task_duration_seconds",
			Help:    "Task processing duration breakdown by stage",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~400s
		},
		[]string{"stage"}, // "generate", "write", "total"
	)

	taskOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copyforge_task_outcomes_total",
			Help: "Records processed by checkpoint status",
		},
		[]string{"status"},
	)

	validationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copyforge_validation_failures_total",
			Help: "Generated texts rejected by the validator, by rule",
		},
		[]string{"rule"},
	)

	uniquenessRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copyforge_uniqueness_rejections_total",
			Help: "Generated texts rejected as duplicates, by reason",
		},
		[]string{"reason"}, // "sentence", "similarity"
	)

	checkpointFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copyforge_checkpoint_flushes_total",
			Help: "Checkpoint flushes by result",
		},
		[]string{"result"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "copyforge_active_workers",
			Help: "Number of workers currently processing a task",
		},
	)
)

// Collector provides convenience methods for recording metrics.
// A nil *Collector is valid and records nothing.
type Collector struct{}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{}
}

// RecordProviderCall records a provider call duration
func (c *Collector) RecordProviderCall(provider string, duration time.Duration, status string) {
	if c == nil {
		return
	}
	providerRequestDuration.WithLabelValues(provider, status).Observe(duration.Seconds())
}

// RecordRateLimiterWait records rate limiter wait time
func (c *Collector) RecordRateLimiterWait(provider string, duration time.Duration) {
	if c == nil {
		return
	}
	rateLimiterWaitDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// IncrementRetry counts a scheduled retry
func (c *Collector) IncrementRetry(provider, kind string) {
	if c == nil {
		return
	}
	providerRetries.WithLabelValues(provider, kind).Inc()
}

// CircuitOpened implements breaker.Observer
func (c *Collector) CircuitOpened(provider string) {
	if c == nil {
		return
	}
	circuitOpen.WithLabelValues(provider).Set(1)
	circuitTrips.WithLabelValues(provider).Inc()
}

// CircuitClosed implements breaker.Observer
func (c *Collector) CircuitClosed(provider string) {
	if c == nil {
		return
	}
	circuitOpen.WithLabelValues(provider).Set(0)
}

// RecordTaskStage records task processing duration by stage
func (c *Collector) RecordTaskStage(stage string, duration time.Duration) {
	if c == nil {
		return
	}
	taskDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// IncrementOutcome counts a record outcome
func (c *Collector) IncrementOutcome(status string) {
	if c == nil {
		return
	}
	taskOutcomes.WithLabelValues(status).Inc()
}

// IncrementValidationFailure counts a validator rejection
func (c *Collector) IncrementValidationFailure(rule string) {
	if c == nil {
		return
	}
	validationFailures.WithLabelValues(rule).Inc()
}

// IncrementUniquenessRejection counts a uniqueness rejection
func (c *Collector) IncrementUniquenessRejection(reason string) {
	if c == nil {
		return
	}
	uniquenessRejections.WithLabelValues(reason).Inc()
}

// RecordCheckpointFlush counts a checkpoint flush
func (c *Collector) RecordCheckpointFlush(success bool) {
	if c == nil {
		return
	}
	result := "success"
	if !success {
		result = "error"
	}
	checkpointFlushes.WithLabelValues(result).Inc()
}

// WorkerStarted and WorkerFinished track busy workers
func (c *Collector) WorkerStarted() {
	if c == nil {
		return
	}
	activeWorkers.Inc()
}

func (c *Collector) WorkerFinished() {
	if c == nil {
		return
	}
	activeWorkers.Dec()
}
