package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus metrics for the dual-write engine.
type Metrics struct {
	registry *prometheus.Registry

	operations     *prometheus.CounterVec
	writeFailures  *prometheus.CounterVec
	executeLatency prometheus.Histogram

	retryDepth           prometheus.Gauge
	oldestRetryAge       prometheus.Gauge
	retryResolved        *prometheus.CounterVec
	retryAbandoned       *prometheus.CounterVec
	retryEnqueueFailures *prometheus.CounterVec

	lastValidationTS   prometheus.Gauge
	lastValidationMism prometheus.Gauge
	validationDiffs    *prometheus.CounterVec

	publishErrors *prometheus.CounterVec
}

// New creates a metrics registry and registers engine metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dualwrite_operations_total",
		Help: "Total number of executed dual-write operations by overall outcome.",
	}, []string{"overall"})

	writeFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dualwrite_store_write_failures_total",
		Help: "Total number of failed store writes by target and error code.",
	}, []string{"store", "code"})

	executeLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dualwrite_execute_latency_seconds",
		Help:    "Latency of coordinator execute calls in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	retryDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dualwrite_retry_queue_depth",
		Help: "Current number of pending retry tasks.",
	})

	oldestRetryAge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dualwrite_oldest_retry_age_seconds",
		Help: "Age of the oldest pending retry task in seconds, zero when the queue is empty.",
	})

	retryResolved := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dualwrite_retries_resolved_total",
		Help: "Total number of retry tasks resolved by a successful secondary write.",
	}, []string{"entity_type"})

	retryAbandoned := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dualwrite_retries_abandoned_total",
		Help: "Total number of retry tasks abandoned after exhausting attempts.",
	}, []string{"entity_type"})

	retryEnqueueFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dualwrite_retry_enqueue_failures_total",
		Help: "Total number of secondary writes that could not be enqueued as retry tasks.",
	}, []string{"entity_type"})

	lastValidationTS := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dualwrite_last_validation_timestamp_seconds",
		Help: "Unix timestamp of the last completed validation pass.",
	})

	lastValidationMism := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dualwrite_last_validation_mismatches",
		Help: "Number of mismatches found by the last completed validation pass.",
	})

	validationDiffs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dualwrite_validation_diffs_total",
		Help: "Total number of non-matching diff records by classification.",
	}, []string{"entity_type", "classification"})

	publishErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dualwrite_event_publish_errors_total",
		Help: "Total number of failed event stream publishes.",
	}, []string{"stream"})

	registry.MustRegister(
		operations, writeFailures, executeLatency,
		retryDepth, oldestRetryAge, retryResolved, retryAbandoned, retryEnqueueFailures,
		lastValidationTS, lastValidationMism, validationDiffs,
		publishErrors,
	)

	return &Metrics{
		registry:             registry,
		operations:           operations,
		writeFailures:        writeFailures,
		executeLatency:       executeLatency,
		retryDepth:           retryDepth,
		oldestRetryAge:       oldestRetryAge,
		retryResolved:        retryResolved,
		retryAbandoned:       retryAbandoned,
		retryEnqueueFailures: retryEnqueueFailures,
		lastValidationTS:     lastValidationTS,
		lastValidationMism:   lastValidationMism,
		validationDiffs:      validationDiffs,
		publishErrors:        publishErrors,
	}
}

// Handler exposes the metrics registry via HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncOperation increments the operation counter for an overall outcome.
func (m *Metrics) IncOperation(overall string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(overall).Inc()
}

// IncWriteFailure increments the per-store write failure counter.
func (m *Metrics) IncWriteFailure(store, code string) {
	if m == nil {
		return
	}
	m.writeFailures.WithLabelValues(store, code).Inc()
}

// ObserveExecuteLatency records coordinator execute latency.
func (m *Metrics) ObserveExecuteLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.executeLatency.Observe(d.Seconds())
}

// SetRetryDepth sets the pending retry task gauge.
func (m *Metrics) SetRetryDepth(depth int) {
	if m == nil {
		return
	}
	m.retryDepth.Set(float64(depth))
}

// SetOldestRetryAge sets the oldest pending retry age gauge.
func (m *Metrics) SetOldestRetryAge(age time.Duration) {
	if m == nil {
		return
	}
	m.oldestRetryAge.Set(age.Seconds())
}

// IncRetryResolved increments the resolved retry counter.
func (m *Metrics) IncRetryResolved(entityType string) {
	if m == nil {
		return
	}
	m.retryResolved.WithLabelValues(entityType).Inc()
}

// IncRetryAbandoned increments the abandoned retry counter.
func (m *Metrics) IncRetryAbandoned(entityType string) {
	if m == nil {
		return
	}
	m.retryAbandoned.WithLabelValues(entityType).Inc()
}

// IncRetryEnqueueFailure increments the failed enqueue counter.
func (m *Metrics) IncRetryEnqueueFailure(entityType string) {
	if m == nil {
		return
	}
	m.retryEnqueueFailures.WithLabelValues(entityType).Inc()
}

// SetLastValidation records the completion of a validation pass.
func (m *Metrics) SetLastValidation(at time.Time, mismatches int) {
	if m == nil {
		return
	}
	m.lastValidationTS.Set(float64(at.Unix()))
	m.lastValidationMism.Set(float64(mismatches))
}

// IncValidationDiff increments the diff counter for a classification.
func (m *Metrics) IncValidationDiff(entityType, classification string) {
	if m == nil {
		return
	}
	m.validationDiffs.WithLabelValues(entityType, classification).Inc()
}

// IncPublishError increments the event publish failure counter.
func (m *Metrics) IncPublishError(stream string) {
	if m == nil {
		return
	}
	m.publishErrors.WithLabelValues(stream).Inc()
}
