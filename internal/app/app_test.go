package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/ttsrelay/internal/app"
	"github.com/MrWong99/ttsrelay/internal/config"
	"github.com/MrWong99/ttsrelay/internal/resilience"
	"github.com/MrWong99/ttsrelay/pkg/synth"
	"github.com/MrWong99/ttsrelay/pkg/synth/mock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig returns a defaulted config listening on an ephemeral port.
func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Upstream.URL = "ws://upstream.invalid/tts"
	cfg.Upstream.AccessToken = "token"
	cfg.Synthesis.VoiceID = "narrator"
	config.ApplyDefaults(cfg)
	return cfg
}

func scriptedTransport() *mock.Transport {
	return &mock.Transport{Frames: []synth.Frame{
		mock.JSON(`{"kind":"audio-delta","data":"AQD//w=="}`),
		mock.JSON(`{"kind":"completed"}`),
	}}
}

func newApp(t *testing.T, cfg *config.Config, tr synth.Transport, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithLogger(discardLogger())}, opts...)
	a, err := app.New(context.Background(), cfg, tr, opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return a
}

// runApp starts a.Run and returns the base URL once it listens. Cleanup
// cancels Run, checks its result and shuts the app down.
func runApp(t *testing.T, a *app.App) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for a.Addr() == nil {
		select {
		case err := <-errCh:
			cancel()
			t.Fatalf("Run() returned early: %v", err)
		default:
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("app did not start listening")
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("Run() returned unexpected error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Run() did not return within 5s after context cancellation")
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := a.Shutdown(shutdownCtx); err != nil {
			t.Errorf("Shutdown() error: %v", err)
		}
	})
	return "http://" + a.Addr().String()
}

func post(t *testing.T, url, body string) (int, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

// eventually polls cond until it holds or 3s pass.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// ── Wiring ───────────────────────────────────────────────────────────────────

func TestNew_ServesAPIAndProbes(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(), scriptedTransport())
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	code, body := post(t, srv.URL+"/v1/tts", `{"text":"Hello"}`)
	if code != http.StatusOK {
		t.Fatalf("POST /v1/tts = %d %s", code, body)
	}
	if code, _ := get(t, srv.URL+"/healthz"); code != http.StatusOK {
		t.Errorf("/healthz = %d", code)
	}
	if code, body := get(t, srv.URL+"/readyz"); code != http.StatusOK {
		t.Errorf("/readyz = %d %s", code, body)
	}
	// No journal configured.
	if code, _ := get(t, srv.URL+"/v1/tts/sessions"); code != http.StatusNotFound {
		t.Errorf("/v1/tts/sessions = %d, want 404", code)
	}
	// No metrics handler configured.
	if code, _ := get(t, srv.URL+"/metrics"); code != http.StatusNotFound {
		t.Errorf("/metrics = %d, want 404", code)
	}
}

func TestNew_MetricsHandler(t *testing.T) {
	t.Parallel()
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ttsrelay_sessions_total 1\n")
	})
	a := newApp(t, testConfig(), scriptedTransport(), app.WithMetricsHandler(h))
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	code, body := get(t, srv.URL+"/metrics")
	if code != http.StatusOK || !strings.Contains(string(body), "ttsrelay_sessions_total") {
		t.Errorf("/metrics = %d %s", code, body)
	}
}

func TestNew_ReadyzReportsDisabledSynthesis(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	off := false
	cfg.Synthesis.Enabled = &off
	a := newApp(t, cfg, scriptedTransport())
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	code, body := get(t, srv.URL+"/readyz")
	if code != http.StatusServiceUnavailable || !strings.Contains(string(body), "synthesis") {
		t.Errorf("/readyz = %d %s", code, body)
	}
}

func TestNew_JournalOpenFailure(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	// A directory cannot be opened as a database file.
	cfg.Journal.Path = t.TempDir()
	if _, err := app.New(context.Background(), cfg, scriptedTransport(), app.WithLogger(discardLogger())); err == nil {
		t.Fatal("expected error for unusable journal path")
	}
}

func TestApp_BreakerOpensAfterDialFailures(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Upstream.CircuitBreaker = config.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Minute, HalfOpenMax: 1}
	tr := &mock.Transport{DialErr: errors.New("connection refused")}
	a := newApp(t, cfg, tr)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	for i := range 3 {
		code, body := post(t, srv.URL+"/v1/tts", `{"text":"Hello"}`)
		if code != http.StatusBadGateway || !strings.Contains(string(body), "connection_error") {
			t.Fatalf("request %d = %d %s", i, code, body)
		}
	}
	if n := len(tr.DialCalls); n != 2 {
		t.Errorf("dial calls = %d, want 2 (third rejected by breaker)", n)
	}
	if s := a.Breaker().State(); s != resilience.StateOpen {
		t.Errorf("breaker state = %v, want open", s)
	}
	code, body := get(t, srv.URL+"/readyz")
	if code != http.StatusServiceUnavailable || !strings.Contains(string(body), "upstream") {
		t.Errorf("/readyz = %d %s", code, body)
	}
}

// ── Run ──────────────────────────────────────────────────────────────────────

func TestApp_RunJournalsSessions(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Journal.Path = filepath.Join(t.TempDir(), "sessions.db")
	a := newApp(t, cfg, scriptedTransport())
	base := runApp(t, a)

	if code, body := post(t, base+"/v1/tts", `{"text":"Hello","session_id":"journaled-1"}`); code != http.StatusOK {
		t.Fatalf("POST /v1/tts = %d %s", code, body)
	}

	var entry struct {
		SessionID string `json:"session_id"`
		Outcome   string `json:"outcome"`
		Bytes     int    `json:"bytes"`
	}
	eventually(t, "journal entry", func() bool {
		code, body := get(t, base+"/v1/tts/sessions/journaled-1")
		if code != http.StatusOK {
			return false
		}
		return json.Unmarshal(body, &entry) == nil
	})
	if entry.Outcome != "completed" || entry.Bytes != 4 {
		t.Errorf("entry = %+v", entry)
	}
	if code, body := get(t, base+"/readyz"); code != http.StatusOK || !strings.Contains(string(body), "journal") {
		t.Errorf("/readyz = %d %s", code, body)
	}
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *recordingPublisher) Publish(subj string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subj)
	return nil
}

func (p *recordingPublisher) Subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.subjects)
}

func TestApp_RunForwardsEvents(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.NATS.SubjectPrefix = "test.tts"
	pub := &recordingPublisher{}
	a := newApp(t, cfg, scriptedTransport(), app.WithPublisher(pub))
	base := runApp(t, a)

	if code, body := post(t, base+"/v1/tts", `{"text":"Hello"}`); code != http.StatusOK {
		t.Fatalf("POST /v1/tts = %d %s", code, body)
	}
	eventually(t, "completed event", func() bool {
		return slices.Contains(pub.Subjects(), "test.tts.completed")
	})
	want := []string{"test.tts.started", "test.tts.chunk", "test.tts.completed"}
	if got := pub.Subjects(); !slices.Equal(got, want) {
		t.Errorf("subjects = %v, want %v", got, want)
	}
}

func TestApp_RunListenError(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Server.ListenAddr = "127.0.0.1:-1"
	a := newApp(t, cfg, scriptedTransport())
	if err := a.Run(context.Background()); err == nil {
		t.Fatal("expected listen error")
	}
}

func TestApp_RunStopsActiveSession(t *testing.T) {
	t.Parallel()
	dialing := make(chan struct{}, 1)
	tr := &mock.Transport{OnDial: func(ctx context.Context) error {
		dialing <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}}
	a := newApp(t, testConfig(), tr)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()
	eventually(t, "listener", func() bool { return a.Addr() != nil })

	codeCh := make(chan int, 1)
	go func() {
		resp, err := http.Post("http://"+a.Addr().String()+"/v1/tts", "application/json", strings.NewReader(`{"text":"Hello"}`))
		if err != nil {
			codeCh <- 0
			return
		}
		resp.Body.Close()
		codeCh <- resp.StatusCode
	}()
	<-dialing
	cancel()

	select {
	case code := <-codeCh:
		if code != 499 {
			t.Errorf("in-flight request = %d, want 499", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight request did not finish")
	}
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error: %v", err)
	}
}

func TestApp_RunRecordsStoppedSessionBeforeReturning(t *testing.T) {
	t.Parallel()
	dialing := make(chan struct{}, 1)
	tr := &mock.Transport{OnDial: func(ctx context.Context) error {
		dialing <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}}
	cfg := testConfig()
	cfg.Journal.Path = filepath.Join(t.TempDir(), "sessions.db")
	cfg.NATS.SubjectPrefix = "test.tts"
	pub := &recordingPublisher{}
	a := newApp(t, cfg, tr, app.WithPublisher(pub))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()
	eventually(t, "listener", func() bool { return a.Addr() != nil })

	go func() {
		resp, err := http.Post("http://"+a.Addr().String()+"/v1/tts", "application/json",
			strings.NewReader(`{"text":"Hello","session_id":"stopped-1"}`))
		if err == nil {
			resp.Body.Close()
		}
	}()
	<-dialing
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v, want context.Canceled", err)
	}

	// Everything below must already hold when Run has returned.
	if got := pub.Subjects(); !slices.Contains(got, "test.tts.cancelled") {
		t.Errorf("subjects = %v, want the cancelled event", got)
	}
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/v1/tts/sessions/stopped-1", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"outcome":"cancelled"`) {
		t.Errorf("journal lookup = %d %s", rec.Code, rec.Body)
	}
	if s := a.Breaker().State(); s != resilience.StateClosed {
		t.Errorf("breaker state = %v, want closed after an aborted dial", s)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error: %v", err)
	}
}

// ── Reload and Shutdown ──────────────────────────────────────────────────────

func TestApp_Reload(t *testing.T) {
	t.Parallel()
	lv := new(slog.LevelVar)
	old := testConfig()
	a := newApp(t, old, scriptedTransport(), app.WithLevelVar(lv))

	next := testConfig()
	next.Synthesis.VoiceID = "bard"
	next.Server.LogLevel = config.LogDebug
	next.Server.ListenAddr = "127.0.0.1:9999"

	d := a.Reload(old, next)
	if got := a.Engine().Config().VoiceID; got != "bard" {
		t.Errorf("voice after reload = %q, want bard", got)
	}
	if lv.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", lv.Level())
	}
	if !slices.Contains(d.RestartRequired, "server.listen_addr") {
		t.Errorf("RestartRequired = %v", d.RestartRequired)
	}
}

func TestApp_ShutdownIsIdempotent(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Journal.Path = filepath.Join(t.TempDir(), "sessions.db")
	a := newApp(t, cfg, scriptedTransport())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown() error: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}

func TestApp_ShutdownRespectsDeadline(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Journal.Path = filepath.Join(t.TempDir(), "sessions.db")
	a := newApp(t, cfg, scriptedTransport())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Shutdown() = %v, want context.Canceled", err)
	}
}
