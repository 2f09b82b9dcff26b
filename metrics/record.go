package metrics

import (
	"strconv"
	"time"
)

// Index origins.
const (
	OriginCache    = "cache"
	OriginScan     = "scan"
	OriginProvided = "provided"
)

// RecordOperation records one store operation.
func (r *Registry) RecordOperation(operation, status string, duration time.Duration) {
	if r == nil {
		return
	}
	r.OperationsTotal.WithLabelValues(operation, status).Inc()
	r.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// AddBytesRead counts object bytes returned to callers.
func (r *Registry) AddBytesRead(n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.BytesReadTotal.Add(float64(n))
}

// SetMappedObjects records how many locations the store serves.
func (r *Registry) SetMappedObjects(n int) {
	if r == nil {
		return
	}
	r.MappedObjects.Set(float64(n))
}

// RecordIndexLoad records how an index was obtained and how long it took.
func (r *Registry) RecordIndexLoad(origin string, entries int, duration time.Duration) {
	if r == nil {
		return
	}
	r.IndexLoadsTotal.WithLabelValues(origin).Inc()
	r.IndexEntries.Set(float64(entries))
	r.IndexBuildDuration.Observe(duration.Seconds())
}

// RecordHTTPRequest records an HTTP request with its duration.
func (r *Registry) RecordHTTPRequest(method, route string, code int, duration time.Duration) {
	if r == nil {
		return
	}
	r.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	r.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
