package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/ttsrelay/internal/resilience"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
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

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

// sumValue returns the value of the sum data point matching key=value, or
// the first data point when key is empty.
func sumValue(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	for _, dp := range sum.DataPoints {
		if key == "" {
			return dp.Value
		}
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no data point with %s=%q", name, key, value)
	return 0
}

func TestRecorder_SessionLifecycle(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.SessionStarted(ctx)
	m.FirstChunk(ctx, 120*time.Millisecond)
	m.ChunkReceived(ctx, 3)
	m.ChunkReceived(ctx, 5)
	m.FrameDropped(ctx, "invalid base64 payload")
	m.SessionFinished(ctx, "completed", 800*time.Millisecond)

	m.SessionStarted(ctx)
	m.SessionFinished(ctx, "cancelled", 50*time.Millisecond)

	rm := collect(t, reader)

	if got := sumValue(t, rm, "ttsrelay.active_sessions", "", ""); got != 0 {
		t.Errorf("active sessions = %d, want 0", got)
	}
	if got := sumValue(t, rm, "ttsrelay.sessions", "outcome", "completed"); got != 1 {
		t.Errorf("completed sessions = %d, want 1", got)
	}
	if got := sumValue(t, rm, "ttsrelay.sessions", "outcome", "cancelled"); got != 1 {
		t.Errorf("cancelled sessions = %d, want 1", got)
	}
	if got := sumValue(t, rm, "ttsrelay.audio.chunks", "", ""); got != 2 {
		t.Errorf("chunks = %d, want 2", got)
	}
	if got := sumValue(t, rm, "ttsrelay.audio.bytes", "", ""); got != 8 {
		t.Errorf("bytes = %d, want 8", got)
	}
	if got := sumValue(t, rm, "ttsrelay.frames.dropped", "reason", "invalid base64 payload"); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}

	for name, want := range map[string]uint64{
		"ttsrelay.session.duration":    2,
		"ttsrelay.session.first_chunk": 1,
	} {
		met := findMetric(rm, name)
		if met == nil {
			t.Fatalf("metric %q not found", name)
		}
		hist, ok := met.Data.(metricdata.Histogram[float64])
		if !ok {
			t.Fatalf("metric %q is not a histogram", name)
		}
		var count uint64
		for _, dp := range hist.DataPoints {
			count += dp.Count
		}
		if count != want {
			t.Errorf("%s count = %d, want %d", name, count, want)
		}
	}
}

func TestRecorder_ActiveSessionsWhileRunning(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.SessionStarted(context.Background())

	rm := collect(t, reader)
	if got := sumValue(t, rm, "ttsrelay.active_sessions", "", ""); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
}

func TestRecordBreakerState(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordBreakerState(ctx, "upstream", resilience.StateOpen)
	m.RecordBreakerState(ctx, "upstream", resilience.StateHalfOpen)

	rm := collect(t, reader)
	met := findMetric(rm, "ttsrelay.upstream.breaker_state")
	if met == nil {
		t.Fatal("metric not found")
	}
	g, ok := met.Data.(metricdata.Gauge[int64])
	if !ok {
		t.Fatal("metric is not a gauge")
	}
	if len(g.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1", len(g.DataPoints))
	}
	if got := g.DataPoints[0].Value; got != int64(resilience.StateHalfOpen) {
		t.Errorf("breaker state = %d, want %d", got, resilience.StateHalfOpen)
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.HTTPRequestDuration.Record(context.Background(), 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "ttsrelay.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 1 {
		t.Errorf("unexpected data points: %+v", hist.DataPoints)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
