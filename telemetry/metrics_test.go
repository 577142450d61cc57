package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics installs a Metrics instance backed by a ManualReader.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	if m := findMetric(rm, name); m != nil {
		if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
			return sum.DataPoints
		}
	}
	return nil
}

func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	if m := findMetric(rm, name); m != nil {
		if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
			return hist.DataPoints
		}
	}
	return nil
}

func findGauge(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	if m := findMetric(rm, name); m != nil {
		if g, ok := m.Data.(metricdata.Gauge[int64]); ok {
			return g.DataPoints
		}
	}
	return nil
}

func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.Emit() == value
}

func TestRecordHTTP(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodPost, "/sessions/create", nil)
	r = InjectTags(r)
	SetEndpoint(r, "sessions_create")

	RecordHTTP(context.Background(), r, http.StatusOK, 48, 5*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "bonsai_local_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "sessions_create"))
	require.True(t, hasAttr(dps[0].Attributes, "method", "POST"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))

	bytesDps := findCounter(rm, "bonsai_local_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 48, bytesDps[0].Value)

	histDps := findHistogram(rm, "bonsai_local_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/nope", nil)
	RecordHTTP(context.Background(), r, http.StatusNotFound, 0, time.Millisecond)

	dps := findCounter(collectMetrics(t, reader), "bonsai_local_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "unknown"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))
}

func TestRecordAdmissionAndJob(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordAdmission(ctx, "prove", "accepted")
	RecordAdmission(ctx, "prove", "accepted")
	RecordAdmission(ctx, "prove", "overloaded")
	RecordJob(ctx, "snark", "succeeded", 2*time.Second)

	rm := collectMetrics(t, reader)

	adm := findCounter(rm, "bonsai_local_admissions_total")
	require.Len(t, adm, 2)
	for _, dp := range adm {
		switch {
		case hasAttr(dp.Attributes, "outcome", "accepted"):
			require.EqualValues(t, 2, dp.Value)
		case hasAttr(dp.Attributes, "outcome", "overloaded"):
			require.EqualValues(t, 1, dp.Value)
		default:
			t.Fatalf("unexpected data point %v", dp.Attributes)
		}
	}

	jobs := findCounter(rm, "bonsai_local_jobs_total")
	require.Len(t, jobs, 1)
	require.True(t, hasAttr(jobs[0].Attributes, "stage", "snark"))

	dur := findHistogram(rm, "bonsai_local_job_duration_seconds")
	require.Len(t, dur, 1)
	require.InDelta(t, 2.0, dur[0].Sum, 0.0001)
}

func TestUpdateQueueState(t *testing.T) {
	reader := setupTestMetrics(t)

	UpdateQueueState(context.Background(), "prove", 3, 8)
	UpdateQueueState(context.Background(), "prove", 1, 8)

	rm := collectMetrics(t, reader)
	inFlight := findGauge(rm, "bonsai_local_queue_in_flight")
	require.Len(t, inFlight, 1)
	require.EqualValues(t, 1, inFlight[0].Value)

	capacity := findGauge(rm, "bonsai_local_queue_capacity")
	require.Len(t, capacity, 1)
	require.EqualValues(t, 8, capacity[0].Value)
}

func TestRecordSweepAndBlob(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordSweep(ctx, "sessions", 4, time.Millisecond)
	RecordBlobWrite(ctx, "images", 1024, true)
	RecordBackendOp(ctx, "filesystem", "write", "success", time.Millisecond, 512)
	RecordBackendOp(ctx, "filesystem", "stat", "not_found", time.Millisecond, 0)

	rm := collectMetrics(t, reader)

	evicted := findCounter(rm, "bonsai_local_sweep_evicted_total")
	require.Len(t, evicted, 1)
	require.EqualValues(t, 4, evicted[0].Value)
	require.True(t, hasAttr(evicted[0].Attributes, "target", "sessions"))

	blobs := findHistogram(rm, "bonsai_local_blob_write_size_bytes")
	require.Len(t, blobs, 1)
	require.True(t, hasAttr(blobs[0].Attributes, "new", "true"))

	ops := findCounter(rm, "bonsai_local_backend_requests_total")
	require.Len(t, ops, 2)

	// zero-byte ops are not counted as traffic
	bytes := findCounter(rm, "bonsai_local_backend_bytes_total")
	require.Len(t, bytes, 1)
	require.EqualValues(t, 512, bytes[0].Value)
}

func TestRecorders_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil
	ctx := context.Background()

	r := InjectTags(httptest.NewRequest(http.MethodGet, "/test", nil))
	RecordHTTP(ctx, r, http.StatusOK, 0, time.Millisecond)
	RecordAdmission(ctx, "prove", "accepted")
	RecordJob(ctx, "prove", "failed", time.Second)
	UpdateQueueState(ctx, "prove", 0, 1)
	RecordSweep(ctx, "sessions", 0, 0)
	RecordBlobWrite(ctx, "inputs", 1, false)
	RecordBackendOp(ctx, "filesystem", "read", "success", 0, 0)
}

func TestPrometheusHandler_DisabledIs404(t *testing.T) {
	globalMetrics = nil
	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{204, "2xx"},
		{304, "3xx"},
		{400, "4xx"},
		{409, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}
