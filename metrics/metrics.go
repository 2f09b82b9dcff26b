// Package metrics exposes Prometheus instrumentation for the object store,
// the archive index and the HTTP server.
//
// All Record methods are safe to call on a nil *Registry, so instrumented
// code does not need to check whether metrics were configured.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Operation status labels.
const (
	StatusOK          = "ok"
	StatusNotFound    = "not_found"
	StatusOutOfRange  = "out_of_range"
	StatusUnsupported = "unsupported"
	StatusCanceled    = "canceled"
	StatusError       = "error"
)

// Registry holds the collectors registered on a private Prometheus registry.
type Registry struct {
	registry *prometheus.Registry

	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	BytesReadTotal    prometheus.Counter
	MappedObjects     prometheus.Gauge

	IndexEntries       prometheus.Gauge
	IndexLoadsTotal    *prometheus.CounterVec
	IndexBuildDuration prometheus.Histogram

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewRegistry creates a registry with every collector initialised.
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}
	r.initStoreMetrics()
	r.initIndexMetrics()
	r.initHTTPMetrics()
	return r
}

// Prometheus returns the underlying Prometheus registry.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Registry) initStoreMetrics() {
	r.OperationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "tarstore_operations_total",
			Help: "Total number of object store operations",
		},
		[]string{"operation", "status"},
	)

	r.OperationDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tarstore_operation_duration_seconds",
			Help:    "Object store operation latency in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"operation"},
	)

	r.BytesReadTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "tarstore_bytes_read_total",
			Help: "Total number of object bytes read from the archive",
		},
	)

	r.MappedObjects = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "tarstore_mapped_objects",
			Help: "Number of logical locations served by the store",
		},
	)
}

func (r *Registry) initIndexMetrics() {
	r.IndexEntries = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "tarstore_index_entries",
			Help: "Number of entries in the archive index",
		},
	)

	r.IndexLoadsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "tarstore_index_loads_total",
			Help: "Total number of index loads by origin",
		},
		[]string{"origin"}, // cache, scan, provided
	)

	r.IndexBuildDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tarstore_index_build_duration_seconds",
			Help:    "Time taken to load or build the archive index",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
	)
}

func (r *Registry) initHTTPMetrics() {
	r.HTTPRequestsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "tarstore_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "code"},
	)

	r.HTTPRequestDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tarstore_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
}
