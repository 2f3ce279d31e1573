// Package app wires the ttsrelay subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates the engine, the
// circuit breaker, the optional session journal and NATS bridge and the
// HTTP surface; Run serves until the context is cancelled; Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithPublisher,
// WithMetrics, ...). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/ttsrelay/internal/api"
	"github.com/MrWong99/ttsrelay/internal/config"
	"github.com/MrWong99/ttsrelay/internal/health"
	"github.com/MrWong99/ttsrelay/internal/journal"
	"github.com/MrWong99/ttsrelay/internal/natsbridge"
	"github.com/MrWong99/ttsrelay/internal/observe"
	"github.com/MrWong99/ttsrelay/internal/resilience"
	"github.com/MrWong99/ttsrelay/pkg/synth"
)

// breakerName labels the upstream circuit breaker in logs and metrics.
const breakerName = "upstream"

// runnerBuffer sizes the feed subscription of each background consumer.
const runnerBuffer = 64

// runner is a background consumer of the engine feed.
type runner struct {
	name string
	run  func(ctx context.Context, events <-chan synth.Event) error
}

// App owns all subsystem lifetimes.
type App struct {
	cfg   *config.Config
	log   *slog.Logger
	level *slog.LevelVar

	metrics        *observe.Metrics
	metricsHandler http.Handler
	publisher      natsbridge.Publisher

	// Subsystems, initialised in New and torn down in Shutdown.
	breaker *resilience.CircuitBreaker
	engine  *synth.Engine
	journal *journal.Journal
	bridge  *natsbridge.Bridge
	handler http.Handler
	server  *http.Server
	runners []runner

	mu   sync.Mutex
	addr net.Addr

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets [App.Reload] adjust the log level at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics injects the metric instruments. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithPublisher forwards engine notifications through pub instead of
// connecting to the NATS server named in the config.
func WithPublisher(pub natsbridge.Publisher) Option {
	return func(a *App) { a.publisher = pub }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App around transport. Optional subsystems are enabled by
// their config sections: journal.path opens the session journal and nats.url
// connects the notification bridge.
func New(ctx context.Context, cfg *config.Config, transport synth.Transport, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg,
		log: slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Circuit breaker ───────────────────────────────────────────────
	a.initBreaker()

	// ── 2. Engine ────────────────────────────────────────────────────────
	a.engine = synth.New(synth.NewHolder(cfg.Params()), transport,
		synth.WithLogger(a.log),
		synth.WithMetrics(a.metrics),
		synth.WithClassifier(synth.NewClassifier(cfg.ClassifierConfig())),
		synth.WithDialGuard(a.breaker.Execute),
	)

	// ── 3. Session journal ───────────────────────────────────────────────
	if err := a.initJournal(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init journal: %w", err)
	}

	// ── 4. NATS bridge ───────────────────────────────────────────────────
	if err := a.initBridge(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init nats bridge: %w", err)
	}

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP(transport)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initBreaker() {
	cb := a.cfg.Upstream.CircuitBreaker
	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         breakerName,
		MaxFailures:  cb.MaxFailures,
		ResetTimeout: cb.ResetTimeout,
		HalfOpenMax:  cb.HalfOpenMax,
		Logger:       a.log,
		OnStateChange: func(_, to resilience.State) {
			a.metrics.RecordBreakerState(context.Background(), breakerName, to)
		},
	})
	a.metrics.RecordBreakerState(context.Background(), breakerName, a.breaker.State())
}

func (a *App) initJournal(ctx context.Context) error {
	path := a.cfg.Journal.Path
	if path == "" {
		return nil
	}
	j, err := journal.Open(ctx, path, a.log)
	if err != nil {
		return err
	}
	a.journal = j
	a.closers = append(a.closers, j.Close)
	a.runners = append(a.runners, runner{name: "journal", run: j.Run})
	a.log.Info("session journal enabled", "path", path)
	return nil
}

func (a *App) initBridge() error {
	switch {
	case a.publisher != nil:
		a.bridge = natsbridge.New(a.publisher, a.cfg.NATS.SubjectPrefix, a.log)
	case a.cfg.NATS.URL != "":
		b, err := natsbridge.Connect(a.cfg.NATS, a.log)
		if err != nil {
			return err
		}
		a.bridge = b
		a.closers = append(a.closers, func() error {
			b.Close()
			return nil
		})
	default:
		return nil
	}
	a.runners = append(a.runners, runner{name: "nats", run: a.bridge.Run})
	return nil
}

func (a *App) initHTTP(transport synth.Transport) {
	s := a.cfg.Server
	mux := http.NewServeMux()

	apiOpts := []api.Option{
		api.WithLogger(a.log),
		api.WithRateLimit(s.RateLimit.RequestsPerSecond, s.RateLimit.Burst),
		api.WithSpeedBounds(s.MinSpeed, s.MaxSpeed),
		api.WithRequestTimeout(s.RequestTimeout),
	}
	if a.journal != nil {
		apiOpts = append(apiOpts, api.WithSessionStore(a.journal))
	}
	api.New(a.engine, apiOpts...).Register(mux)

	checkers := []health.Checker{
		health.SynthesisEnabled(a.engine.Config),
		health.BreakerClosed(a.breaker.State),
	}
	if tf, ok := transport.(*resilience.TransportFallback); ok {
		checkers = append(checkers, health.AnyUpstreamAvailable(tf.States))
	}
	if a.journal != nil {
		checkers = append(checkers, health.Checker{Name: "journal", Check: a.journal.Ping})
	}
	if a.bridge != nil {
		checkers = append(checkers, health.Checker{Name: "nats", Check: a.bridge.Ping})
	}
	health.New(checkers...).Register(mux)

	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}

	a.handler = observe.Middleware(a.metrics)(mux)
	a.server = &http.Server{
		Addr:              s.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(a.log.Handler(), slog.LevelWarn),
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Engine returns the synthesis engine.
func (a *App) Engine() *synth.Engine { return a.engine }

// Breaker returns the circuit breaker guarding upstream dials.
func (a *App) Breaker() *resilience.CircuitBreaker { return a.breaker }

// Handler returns the root HTTP handler including middleware.
func (a *App) Handler() http.Handler { return a.handler }

// Addr returns the listening address, or nil before Run started listening.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and feeds the background consumers until ctx is cancelled
// or the server fails. On cancellation the active session is stopped and
// in-flight requests get up to server.shutdown_timeout to finish. The
// consumers then work off the events already queued for them within the
// same timeout; Run returns ctx.Err() once they are done.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen on %s: %w", a.cfg.Server.ListenAddr, err)
	}
	a.mu.Lock()
	a.addr = ln.Addr()
	a.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	// Consumers outlive ctx so that events published while the server
	// drains still reach them. They end when their subscription is drained
	// or, failing that, when stopConsumers fires.
	consumerCtx, stopConsumers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopConsumers()

	subs := make([]*synth.Subscription, 0, len(a.runners))
	for _, r := range a.runners {
		sub := a.engine.Subscribe(runnerBuffer)
		subs = append(subs, sub)
		g.Go(func() error {
			defer sub.Close()
			if err := r.run(consumerCtx, sub.C); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("app: %s: %w", r.name, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		tls := a.cfg.Server.TLS
		a.log.Info("http server listening", "addr", ln.Addr().String(), "tls", tls != nil)
		var err error
		if tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		hardStop := time.AfterFunc(2*a.cfg.Server.ShutdownTimeout, stopConsumers)
		defer hardStop.Stop()

		if a.engine.Stop() {
			a.log.Info("stopped active session for shutdown")
		}
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(sctx); err != nil {
			a.log.Warn("http server shutdown incomplete", "err", err)
		}
		if err := a.engine.WaitIdle(sctx); err != nil {
			a.log.Warn("session still active at shutdown", "err", err)
		}
		for _, sub := range subs {
			sub.Drain()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable differences between old and new. It is
// meant as the callback of a [config.Watcher]. Settings listed in
// RestartRequired are only logged.
func (a *App) Reload(old, new *config.Config) config.ConfigDiff {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ParamsChanged {
		a.engine.UpdateConfig(d.Patch)
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("configuration changes require a restart", "settings", d.RestartRequired)
	}
	return d
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the active session and closes all subsystems in init order.
// It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		a.engine.Stop()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases whatever New managed to open before failing.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		_ = closer()
	}
}
