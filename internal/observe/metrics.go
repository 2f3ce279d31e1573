// Package observe provides application-wide observability primitives for
// ttsrelay: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. Tests should use [NewMetrics]
// with a custom [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/ttsrelay/internal/resilience"
	"github.com/MrWong99/ttsrelay/pkg/synth"
)

// meterName is the instrumentation scope name used for all ttsrelay metrics.
const meterName = "github.com/MrWong99/ttsrelay"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Synthesis sessions ---

	// SessionDuration tracks the wall time of a session from Start to its
	// terminal state. Use with attribute.String("outcome", ...).
	SessionDuration metric.Float64Histogram

	// TimeToFirstChunk tracks the latency between Start and the first audio
	// chunk.
	TimeToFirstChunk metric.Float64Histogram

	// Sessions counts finished sessions by outcome.
	Sessions metric.Int64Counter

	// ActiveSessions is 1 while a session holds the engine.
	ActiveSessions metric.Int64UpDownCounter

	// --- Audio ---

	// Chunks counts accepted audio chunks.
	Chunks metric.Int64Counter

	// AudioBytes counts accepted audio bytes.
	AudioBytes metric.Int64Counter

	// FramesDropped counts frames the classifier rejected. Use with
	// attribute.String("reason", ...).
	FramesDropped metric.Int64Counter

	// --- Upstream ---

	// BreakerState reports the circuit breaker state (0 closed, 1 open,
	// 2 half-open). Use with attribute.String("breaker", ...).
	BreakerState metric.Int64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

var _ synth.Recorder = (*Metrics)(nil)

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// streamed synthesis.
var latencyBuckets = []float64{
	0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SessionDuration, err = m.Float64Histogram("ttsrelay.session.duration",
		metric.WithDescription("Wall time of a synthesis session by outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TimeToFirstChunk, err = m.Float64Histogram("ttsrelay.session.first_chunk",
		metric.WithDescription("Latency from session start to the first audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Sessions, err = m.Int64Counter("ttsrelay.sessions",
		metric.WithDescription("Total finished sessions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("ttsrelay.active_sessions",
		metric.WithDescription("Number of sessions currently holding the engine."),
	); err != nil {
		return nil, err
	}

	if met.Chunks, err = m.Int64Counter("ttsrelay.audio.chunks",
		metric.WithDescription("Total accepted audio chunks."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("ttsrelay.audio.bytes",
		metric.WithDescription("Total accepted audio bytes."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("ttsrelay.frames.dropped",
		metric.WithDescription("Upstream frames discarded by the classifier, by reason."),
	); err != nil {
		return nil, err
	}

	if met.BreakerState, err = m.Int64Gauge("ttsrelay.upstream.breaker_state",
		metric.WithDescription("Circuit breaker state: 0 closed, 1 open, 2 half-open."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("ttsrelay.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// SessionStarted implements [synth.Recorder].
func (m *Metrics) SessionStarted(ctx context.Context) {
	m.ActiveSessions.Add(ctx, 1)
}

// SessionFinished implements [synth.Recorder].
func (m *Metrics) SessionFinished(ctx context.Context, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.ActiveSessions.Add(ctx, -1)
	m.Sessions.Add(ctx, 1, attrs)
	m.SessionDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// FirstChunk implements [synth.Recorder].
func (m *Metrics) FirstChunk(ctx context.Context, latency time.Duration) {
	m.TimeToFirstChunk.Record(ctx, latency.Seconds())
}

// ChunkReceived implements [synth.Recorder].
func (m *Metrics) ChunkReceived(ctx context.Context, size int) {
	m.Chunks.Add(ctx, 1)
	m.AudioBytes.Add(ctx, int64(size))
}

// FrameDropped implements [synth.Recorder].
func (m *Metrics) FrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordBreakerState records the current state of the named breaker. It is
// meant to be wired to [resilience.CircuitBreakerConfig.OnStateChange].
func (m *Metrics) RecordBreakerState(ctx context.Context, name string, s resilience.State) {
	m.BreakerState.Record(ctx, int64(s), metric.WithAttributes(attribute.String("breaker", name)))
}
