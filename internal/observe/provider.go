package observe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName is the service name reported in telemetry. Default: "ttsrelay".
	ServiceName string

	// ServiceVersion is the service version reported in telemetry.
	ServiceVersion string

	// OTLPEndpoint, when set, exports spans over OTLP/gRPC to host:port.
	OTLPEndpoint string

	// OTLPInsecure disables TLS on the OTLP connection.
	OTLPInsecure bool

	// StdoutTraces pretty-prints spans when no OTLP endpoint is configured.
	StdoutTraces bool

	// StdoutWriter receives stdout spans. Default: os.Stdout.
	StdoutWriter io.Writer

	// SampleRatio is the parent-based trace sampling ratio. Nil samples
	// everything.
	SampleRatio *float64

	// TraceExporter overrides exporter selection entirely. Tests use it with
	// an in-memory exporter.
	TraceExporter sdktrace.SpanExporter

	// Logger reports which exporter was selected. Default: slog.Default().
	Logger *slog.Logger
}

// Provider is the result of [InitProvider].
type Provider struct {
	shutdown []func(context.Context) error
	handler  http.Handler
}

// Handler serves the Prometheus scrape endpoint backed by the provider's
// private registry.
func (p *Provider) Handler() http.Handler { return p.handler }

// Shutdown flushes and closes all exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		if e := fn(ctx); e != nil {
			errs = append(errs, e)
		}
	}
	return errors.Join(errs...)
}

// InitProvider initialises the OTel SDK with the given config. It sets up:
//
//   - A [sdkmetric.MeterProvider] with a Prometheus exporter registered on a
//     private registry, scraped through [Provider.Handler].
//   - A [sdktrace.TracerProvider] exporting to OTLP/gRPC, stdout, or nowhere.
//
// Both providers and the W3C trace-context propagator are registered
// globally. Call [Provider.Shutdown] in a defer from main().
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "ttsrelay"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	log := cfg.Logger.With("component", "telemetry")

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	p := &Provider{}

	// --- Metrics: Prometheus exporter bridge ---
	reg := prometheus.NewRegistry()
	promExp, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(mp)
	p.shutdown = append(p.shutdown, mp.Shutdown)
	p.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	// --- Traces ---
	exp, name, err := traceExporter(ctx, cfg)
	if err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}
	if cfg.SampleRatio != nil {
		tpOpts = append(tpOpts, sdktrace.WithSampler(
			sdktrace.ParentBased(sdktrace.TraceIDRatioBased(*cfg.SampleRatio)),
		))
	}
	if exp != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exp))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	p.shutdown = append(p.shutdown, tp.Shutdown)

	log.Info("telemetry initialized", "trace_exporter", name, "service", cfg.ServiceName)
	return p, nil
}

// traceExporter picks the span exporter. A nil exporter with name "none"
// records spans without exporting them.
func traceExporter(ctx context.Context, cfg ProviderConfig) (sdktrace.SpanExporter, string, error) {
	if cfg.TraceExporter != nil {
		return cfg.TraceExporter, "custom", nil
	}
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, "", err
		}
		return exp, "otlp", nil
	}
	if cfg.StdoutTraces {
		opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
		if cfg.StdoutWriter != nil {
			opts = append(opts, stdouttrace.WithWriter(cfg.StdoutWriter))
		}
		exp, err := stdouttrace.New(opts...)
		if err != nil {
			return nil, "", err
		}
		return exp, "stdout", nil
	}
	return nil, "none", nil
}
