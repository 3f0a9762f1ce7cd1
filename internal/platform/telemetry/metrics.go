package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every collector this package defines. It is separate from
// the global default registry so tests can read it in isolation.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// HTTPRequestDuration tracks inbound request latency by route.
	HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "termserver",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of inbound HTTP requests in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "route", "status"},
	)

	// HTTPActiveRequests tracks requests currently being served.
	HTTPActiveRequests = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "termserver",
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "Number of inbound HTTP requests in flight",
		},
	)

	// OperationsTotal counts terminology operations by outcome.
	OperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "termserver",
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Total number of terminology operations by outcome",
		},
		[]string{"operation", "outcome"},
	)

	// OperationDuration tracks terminology operation latency.
	OperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "termserver",
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Duration of terminology operations in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"operation"},
	)

	// StoreCallsTotal counts concept store calls by method and outcome.
	StoreCallsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "termserver",
			Subsystem: "store",
			Name:      "calls_total",
			Help:      "Total number of concept store calls by outcome",
		},
		[]string{"method", "outcome"},
	)

	// StoreRetriesTotal counts retried concept store calls.
	StoreRetriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "termserver",
			Subsystem: "store",
			Name:      "retries_total",
			Help:      "Total number of concept store call retries",
		},
		[]string{"method"},
	)

	// StoreCallDuration tracks concept store latency, retries included.
	StoreCallDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "termserver",
			Subsystem: "store",
			Name:      "call_duration_seconds",
			Help:      "Duration of concept store calls in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"method"},
	)

	// ExpansionCacheTotal counts expansion cache lookups by result.
	ExpansionCacheTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "termserver",
			Subsystem: "cache",
			Name:      "expansion_lookups_total",
			Help:      "Expansion cache lookups by result (hit, miss, error)",
		},
		[]string{"result"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// ObserveOperation records one engine operation.
func ObserveOperation(operation, outcome string, elapsed time.Duration) {
	OperationsTotal.WithLabelValues(operation, outcome).Inc()
	OperationDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// ObserveStoreCall records one logical store call, retries included.
func ObserveStoreCall(method, outcome string, elapsed time.Duration) {
	StoreCallsTotal.WithLabelValues(method, outcome).Inc()
	StoreCallDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}
