// Package metrics provides Prometheus metrics for filezoom.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Operation metrics
	operationsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filezoom_operations_started_total",
			Help: "Total number of operations that started running",
		},
		[]string{"kind"},
	)

	operationsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filezoom_operations_finished_total",
			Help: "Total number of operations that reached a terminal state",
		},
		[]string{"kind", "state"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filezoom_operation_duration_seconds",
			Help:    "Operation wall time from submit to terminal state",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"kind"},
	)

	operationsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filezoom_operations_active",
			Help: "Number of operations currently running or paused",
		},
	)

	entriesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filezoom_entries_processed_total",
			Help: "Total entries processed by operations",
		},
		[]string{"kind", "result"},
	)

	// Transfer metrics
	bytesCopied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filezoom_bytes_copied_total",
			Help: "Total bytes streamed between backends",
		},
	)

	// Backend metrics
	backendState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "filezoom_backend_state",
			Help: "Connection state of a mounted backend (0 disconnected, 1 connecting, 2 connected, 3 error)",
		},
		[]string{"backend", "driver"},
	)

	backendReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filezoom_backend_reconnects_total",
			Help: "Reconnect attempts after connection loss",
		},
		[]string{"backend", "result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordOperationStarted counts an operation entering Running.
func RecordOperationStarted(kind string) {
	operationsStarted.WithLabelValues(kind).Inc()
	operationsActive.Inc()
}

// RecordOperationFinished counts a terminal operation. wasActive tells
// whether the operation had started running.
func RecordOperationFinished(kind, state string, duration time.Duration, wasActive bool) {
	operationsFinished.WithLabelValues(kind, state).Inc()
	operationDuration.WithLabelValues(kind).Observe(duration.Seconds())
	if wasActive {
		operationsActive.Dec()
	}
}

// RecordEntry counts one processed entry; result is succeeded, skipped or failed.
func RecordEntry(kind, result string) {
	entriesProcessed.WithLabelValues(kind, result).Inc()
}

// RecordBytesCopied adds to the streamed bytes counter.
func RecordBytesCopied(n int64) {
	if n > 0 {
		bytesCopied.Add(float64(n))
	}
}

// SetBackendState records the connection state of a backend.
func SetBackendState(backend, driver string, state int) {
	backendState.WithLabelValues(backend, driver).Set(float64(state))
}

// DeleteBackend drops the state series of an unmounted backend.
func DeleteBackend(backend, driver string) {
	backendState.DeleteLabelValues(backend, driver)
}

// RecordReconnect counts a reconnect attempt.
func RecordReconnect(backend string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	backendReconnects.WithLabelValues(backend, result).Inc()
}
