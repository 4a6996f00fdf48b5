// Package metrics provides Prometheus metrics for the spawngate admission subsystem.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Label cardinality stays bounded: priorities, pressure levels, breaker
// states, phases and failure reasons are all small closed sets. Request IDs
// never appear in labels.

var (
	// Counters

	// SpawnAttemptsTotal counts spawn attempts handed to the owner, by priority.
	SpawnAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spawngate_spawn_attempts_total",
		Help: "Total number of spawn attempts handed to the owner, by priority.",
	}, []string{"priority"})

	// SpawnSuccessTotal counts spawn outcomes reported as successful.
	SpawnSuccessTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spawngate_spawn_success_total",
		Help: "Total number of successful spawn outcomes, by priority.",
	}, []string{"priority"})

	// SpawnFailureTotal counts spawn outcomes reported as failed.
	SpawnFailureTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spawngate_spawn_failure_total",
		Help: "Total number of failed spawn outcomes, by priority and reason.",
	}, []string{"priority", "reason"})

	// BatchesReleasedTotal counts admission batches released through the gate.
	BatchesReleasedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spawngate_batches_released_total",
		Help: "Total number of spawn batches released through the throttle gate.",
	})

	// ThrottleRejectTotal counts gate rejections by reason.
	ThrottleRejectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spawngate_throttle_reject_total",
		Help: "Total number of throttle gate rejections, by reason.",
	}, []string{"reason"})

	// BreakerTransitionsTotal counts circuit breaker state transitions.
	BreakerTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spawngate_breaker_transitions_total",
		Help: "Total number of circuit breaker transitions, by cause.",
	}, []string{"cause"})

	// SampleFailuresTotal counts resource counter reads that failed.
	SampleFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spawngate_sample_failures_total",
		Help: "Total number of failed resource counter reads, by counter.",
	}, []string{"counter"})

	// StarvationWarningsTotal counts starvation diagnostics emitted.
	StarvationWarningsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spawngate_starvation_warnings_total",
		Help: "Total number of low-tier starvation warnings emitted.",
	})

	// Gauges

	// QueueDepth tracks queued requests by priority.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spawngate_queue_depth",
		Help: "Current number of queued spawn requests, by priority.",
	}, []string{"priority"})

	// PressureLevel tracks the current resource pressure classification
	// (0=normal, 1=elevated, 2=high, 3=critical).
	PressureLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spawngate_pressure_level",
		Help: "Current resource pressure level (0=normal, 1=elevated, 2=high, 3=critical).",
	})

	// BreakerState tracks the circuit breaker state (0=closed, 1=half-open, 2=open).
	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spawngate_breaker_state",
		Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open).",
	})

	// StartupPhase tracks the orchestrator phase
	// (0=immediate, 1=rapid, 2=steady, 3=background, 4=steady-state).
	StartupPhase = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spawngate_startup_phase",
		Help: "Current startup orchestrator phase (0=immediate through 4=steady-state).",
	})

	// InflightRequests tracks dequeued requests awaiting an outcome report.
	InflightRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spawngate_inflight_requests",
		Help: "Current number of dispatched spawn requests awaiting an outcome.",
	})

	// BatchSize observes released batch sizes.
	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "spawngate_batch_size",
		Help:    "Sizes of released spawn batches.",
		Buckets: prometheus.LinearBuckets(1, 5, 10),
	})
)

// RecordAttempt increments the attempt counter.
func RecordAttempt(priority string) {
	SpawnAttemptsTotal.WithLabelValues(priority).Inc()
}

// RecordSuccess increments the success counter.
func RecordSuccess(priority string) {
	SpawnSuccessTotal.WithLabelValues(priority).Inc()
}

// RecordFailure increments the failure counter.
func RecordFailure(priority, reason string) {
	SpawnFailureTotal.WithLabelValues(priority, reason).Inc()
}

// RecordBatch records a released batch and its size.
func RecordBatch(size int) {
	BatchesReleasedTotal.Inc()
	BatchSize.Observe(float64(size))
}

// RecordThrottleReject increments the gate rejection counter.
func RecordThrottleReject(reason string) {
	ThrottleRejectTotal.WithLabelValues(reason).Inc()
}

// RecordBreakerTransition increments the breaker transition counter.
func RecordBreakerTransition(cause string) {
	BreakerTransitionsTotal.WithLabelValues(cause).Inc()
}

// RecordSampleFailure increments the failed counter-read counter.
func RecordSampleFailure(counter string) {
	SampleFailuresTotal.WithLabelValues(counter).Inc()
}

// RecordStarvationWarning increments the starvation diagnostic counter.
func RecordStarvationWarning() {
	StarvationWarningsTotal.Inc()
}

// SetQueueDepth sets the queue depth gauge for a priority.
func SetQueueDepth(priority string, depth float64) {
	QueueDepth.WithLabelValues(priority).Set(depth)
}

// SetPressureLevel sets the pressure level gauge.
func SetPressureLevel(level float64) {
	PressureLevel.Set(level)
}

// SetBreakerState sets the breaker state gauge.
func SetBreakerState(state float64) {
	BreakerState.Set(state)
}

// SetStartupPhase sets the startup phase gauge.
func SetStartupPhase(phase float64) {
	StartupPhase.Set(phase)
}

// SetInflightRequests sets the in-flight gauge.
func SetInflightRequests(n float64) {
	InflightRequests.Set(n)
}

// GetGaugeValue reads back a plain gauge value (for testing).
func GetGaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}
