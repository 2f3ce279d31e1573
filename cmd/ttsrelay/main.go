// Command ttsrelay is the main entry point for the ttsrelay speech synthesis
// relay server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel"

	"github.com/MrWong99/ttsrelay/internal/app"
	"github.com/MrWong99/ttsrelay/internal/config"
	"github.com/MrWong99/ttsrelay/internal/observe"
	"github.com/MrWong99/ttsrelay/pkg/synth"
	"github.com/MrWong99/ttsrelay/pkg/synth/wsupstream"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("ttsrelay", version)
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "ttsrelay: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "ttsrelay: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("ttsrelay starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel := cfg.Telemetry
	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    tel.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   tel.OTLPEndpoint,
		OTLPInsecure:   tel.OTLPInsecure,
		StdoutTraces:   tel.StdoutTraces,
		SampleRatio:    tel.SampleRatio,
		Logger:         logger,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metric instruments", "err", err)
		return 1
	}

	// ── Transport registry ────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinTransports(reg)

	transport, err := app.BuildTransport(cfg, reg, logger)
	if err != nil {
		slog.Error("failed to build upstream transport", "err", err)
		return 1
	}
	slog.Info("transport created", "name", cfg.Upstream.Transport, "fallbacks", len(cfg.Upstream.Fallbacks))

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, transport,
		app.WithLogger(logger),
		app.WithLevelVar(level),
		app.WithMetrics(metrics),
		app.WithMetricsHandler(provider.Handler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		application.Reload(old, new)
	}, config.WithWatcherLogger(logger))
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	code := 0
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		code = 1
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Transport wiring ──────────────────────────────────────────────────────────

// registerBuiltinTransports wires the transports that ship with ttsrelay
// into reg.
func registerBuiltinTransports(reg *config.Registry) {
	reg.RegisterTransport("websocket", func(u config.UpstreamConfig) (synth.Transport, error) {
		return wsupstream.New(wsupstream.Config{
			URL:             u.URL,
			Query:           u.Query,
			Headers:         u.Headers,
			RequestTemplate: u.RequestTemplate,
			DialTimeout:     u.DialTimeout,
			ReadLimit:       u.ReadLimit,
		}, wsupstream.WithLogger(slog.Default()))
	})

	for _, name := range reg.Transports() {
		slog.Debug("registered transport", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        ttsrelay, startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Transport", cfg.Upstream.Transport)
	if n := len(cfg.Upstream.Fallbacks); n > 0 {
		printRow("Fallbacks", fmt.Sprint(n))
	}
	printRow("Voice", cfg.Synthesis.VoiceID)
	printRow("Encoding", fmt.Sprintf("%s / %d Hz", cfg.Synthesis.Encoding, cfg.Synthesis.SampleRate))
	printRow("Synthesis", enabled(cfg.Synthesis.IsEnabled()))
	printRow("Journal", orDisabled(cfg.Journal.Path))
	printRow("NATS", orDisabled(cfg.NATS.URL))
	printRow("Traces", traceTarget(cfg.Telemetry))
	if cfg.Server.RateLimit.RequestsPerSecond > 0 {
		printRow("Rate limit", fmt.Sprintf("%.1f/s burst %d", cfg.Server.RateLimit.RequestsPerSecond, cfg.Server.RateLimit.Burst))
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

func enabled(b bool) string {
	if b {
		return "enabled"
	}
	return "(disabled)"
}

func orDisabled(s string) string {
	if s == "" {
		return "(disabled)"
	}
	return s
}

func traceTarget(t config.TelemetryConfig) string {
	switch {
	case t.OTLPEndpoint != "":
		return "otlp " + t.OTLPEndpoint
	case t.StdoutTraces:
		return "stdout"
	default:
		return "(disabled)"
	}
}
