// Package metrics exposes Prometheus instrumentation for the API,
// ingestion pipeline, evaluator, and hub.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	httpRequestDuration *prometheus.HistogramVec
	httpRequestTotal    *prometheus.CounterVec

	samplesIngested  prometheus.Counter
	batchesRejected  *prometheus.CounterVec
	alertTransitions *prometheus.CounterVec

	wsClients       prometheus.Gauge
	wsEventsDropped prometheus.Counter
)

func register() {
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "voltguard",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration observed at the API layer.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route", "status"},
	)

	httpRequestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "voltguard",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled by the API.",
		},
		[]string{"method", "route", "status"},
	)

	samplesIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "voltguard",
			Subsystem: "ingest",
			Name:      "samples_total",
			Help:      "Telemetry samples committed to the store.",
		},
	)

	batchesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "voltguard",
			Subsystem: "ingest",
			Name:      "batches_rejected_total",
			Help:      "Telemetry batches rejected before commit.",
		},
		[]string{"reason"},
	)

	alertTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "voltguard",
			Subsystem: "alerts",
			Name:      "transitions_total",
			Help:      "Alert lifecycle transitions by kind.",
		},
		[]string{"kind", "transition"},
	)

	wsClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "voltguard",
			Subsystem: "hub",
			Name:      "clients",
			Help:      "Currently connected live subscribers.",
		},
	)

	wsEventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "voltguard",
			Subsystem: "hub",
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber queue overflowed.",
		},
	)

	prometheus.MustRegister(httpRequestDuration, httpRequestTotal,
		samplesIngested, batchesRejected, alertTransitions,
		wsClients, wsEventsDropped)
}

// RecordHTTPRequest observes one completed API request.
func RecordHTTPRequest(method, route string, status int, elapsed time.Duration) {
	once.Do(register)
	code := strconv.Itoa(status)
	httpRequestDuration.WithLabelValues(method, route, code).Observe(elapsed.Seconds())
	httpRequestTotal.WithLabelValues(method, route, code).Inc()
}

// RecordSamplesIngested counts committed samples.
func RecordSamplesIngested(n int) {
	once.Do(register)
	samplesIngested.Add(float64(n))
}

// RecordBatchRejected counts a rejected batch by reason.
func RecordBatchRejected(reason string) {
	once.Do(register)
	batchesRejected.WithLabelValues(reason).Inc()
}

// RecordAlertTransition counts an alert open/resolve/escalate event.
func RecordAlertTransition(kind, transition string) {
	once.Do(register)
	alertTransitions.WithLabelValues(kind, transition).Inc()
}

// SetHubClients tracks the connected subscriber count.
func SetHubClients(n int) {
	once.Do(register)
	wsClients.Set(float64(n))
}

// RecordEventsDropped counts events dropped from subscriber queues.
func RecordEventsDropped(n int) {
	once.Do(register)
	wsEventsDropped.Add(float64(n))
}
