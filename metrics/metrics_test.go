package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordOperation(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.RecordOperation("get_range", StatusOK, 2*time.Millisecond)
	r.RecordOperation("get_range", StatusOK, time.Millisecond)
	r.RecordOperation("head", StatusNotFound, time.Millisecond)

	assert.InDelta(t, 2, read(t, r.OperationsTotal.WithLabelValues("get_range", StatusOK)).GetCounter().GetValue(), 0)
	assert.InDelta(t, 1, read(t, r.OperationsTotal.WithLabelValues("head", StatusNotFound)).GetCounter().GetValue(), 0)

	h, err := r.OperationDuration.GetMetricWithLabelValues("get_range")
	require.NoError(t, err)
	m, ok := h.(prometheus.Metric)
	require.True(t, ok)
	assert.Equal(t, uint64(2), read(t, m).GetHistogram().GetSampleCount())
}

func TestGaugesAndCounters(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.AddBytesRead(100)
	r.AddBytesRead(0)
	r.AddBytesRead(-5)
	r.SetMappedObjects(3)
	r.RecordIndexLoad(OriginCache, 42, time.Second)

	assert.InDelta(t, 100, read(t, r.BytesReadTotal).GetCounter().GetValue(), 0)
	assert.InDelta(t, 3, read(t, r.MappedObjects).GetGauge().GetValue(), 0)
	assert.InDelta(t, 42, read(t, r.IndexEntries).GetGauge().GetValue(), 0)
	assert.InDelta(t, 1, read(t, r.IndexLoadsTotal.WithLabelValues(OriginCache)).GetCounter().GetValue(), 0)
}

func TestNilRegistryIsNoop(t *testing.T) {
	t.Parallel()

	var r *Registry
	assert.NotPanics(t, func() {
		r.RecordOperation("head", StatusOK, time.Millisecond)
		r.AddBytesRead(10)
		r.SetMappedObjects(1)
		r.RecordIndexLoad(OriginScan, 1, time.Millisecond)
		r.RecordHTTPRequest(http.MethodGet, "/objects", http.StatusOK, time.Millisecond)
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.RecordHTTPRequest(http.MethodGet, "/objects", http.StatusPartialContent, time.Millisecond)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `tarstore_http_requests_total{code="206",method="GET",route="/objects"} 1`)
}

func read(t *testing.T, m prometheus.Metric) *dto.Metric {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	return &out
}
