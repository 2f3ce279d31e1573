// Package api exposes the synthesis engine over HTTP.
//
// Routes:
//
//	POST  /v1/tts               synthesize and return the whole clip
//	POST  /v1/tts/stream        synthesize as server-sent events
//	POST  /v1/tts/stop          cancel the active session
//	GET   /v1/tts/status        engine state
//	GET   /v1/tts/config        current synthesis parameters
//	PATCH /v1/tts/config        update synthesis parameters
//	GET   /v1/tts/sessions      recently finished sessions (journal enabled)
//	GET   /v1/tts/sessions/{id} one journaled session
//
// Errors are JSON objects of the form {"error":{"kind":...,"message":...}}.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/MrWong99/ttsrelay/internal/config"
	"github.com/MrWong99/ttsrelay/internal/journal"
	"github.com/MrWong99/ttsrelay/internal/observe"
	"github.com/MrWong99/ttsrelay/pkg/synth"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// statusClientClosedRequest reports a session that was stopped while its
// caller was still waiting.
const statusClientClosedRequest = 499

// SessionStore is the read side of the session journal.
type SessionStore interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
	Get(ctx context.Context, id string) (journal.Entry, error)
}

var _ SessionStore = (*journal.Journal)(nil)

// Option configures a [Server].
type Option func(*Server)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithSessionStore enables the /v1/tts/sessions routes.
func WithSessionStore(st SessionStore) Option {
	return func(s *Server) { s.sessions = st }
}

// WithRateLimit limits synthesis requests to rps with the given burst. A
// non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps <= 0 {
			s.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithSpeedBounds sets the accepted speed range for requests and config
// updates.
func WithSpeedBounds(lo, hi float64) Option {
	return func(s *Server) { s.minSpeed, s.maxSpeed = lo, hi }
}

// WithRequestTimeout bounds a single synthesis request. Zero disables it.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// Server holds the HTTP handlers. Create it with [New].
type Server struct {
	engine   *synth.Engine
	log      *slog.Logger
	sessions SessionStore
	limiter  *rate.Limiter
	minSpeed float64
	maxSpeed float64
	timeout  time.Duration
}

// New returns a server for engine.
func New(engine *synth.Engine, opts ...Option) *Server {
	s := &Server{
		engine:   engine,
		log:      slog.Default(),
		minSpeed: config.DefaultMinSpeed,
		maxSpeed: config.DefaultMaxSpeed,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("component", "api")
	return s
}

// Register adds the routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/tts", s.limit(s.handleSynthesize))
	mux.HandleFunc("POST /v1/tts/stream", s.limit(s.handleStream))
	mux.HandleFunc("POST /v1/tts/stop", s.handleStop)
	mux.HandleFunc("GET /v1/tts/status", s.handleStatus)
	mux.HandleFunc("GET /v1/tts/config", s.handleGetConfig)
	mux.HandleFunc("PATCH /v1/tts/config", s.handlePatchConfig)
	if s.sessions != nil {
		mux.HandleFunc("GET /v1/tts/sessions", s.handleListSessions)
		mux.HandleFunc("GET /v1/tts/sessions/{id}", s.handleGetSession)
	}
}

// Handler returns a fresh mux with only the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

// limit rejects requests beyond the configured rate with 429.
func (s *Server) limit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next(w, r)
			return
		}
		res := s.limiter.Reserve()
		if d := res.Delay(); d > 0 {
			res.Cancel()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
			writeProblem(w, http.StatusTooManyRequests, "rate_limited", "too many synthesis requests")
			return
		}
		next(w, r)
	}
}

// ── Synthesis ────────────────────────────────────────────────────────────────

// synthesisRequest is the JSON body for the synthesis endpoints.
type synthesisRequest struct {
	Text      string   `json:"text"`
	SessionID string   `json:"session_id"`
	VoiceID   string   `json:"voice_id"`
	Speed     *float64 `json:"speed"`
}

// decodeSynthesis parses and validates the body. On failure it writes the
// response and returns false.
func (s *Server) decodeSynthesis(w http.ResponseWriter, r *http.Request) (synth.Request, bool) {
	var body synthesisRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeProblem(w, http.StatusBadRequest, synth.InvalidArgument.String(), err.Error())
		return synth.Request{}, false
	}
	req := synth.Request{Text: body.Text, SessionID: body.SessionID, VoiceID: body.VoiceID}
	if body.Speed != nil {
		if msg := s.checkSpeed(*body.Speed); msg != "" {
			writeProblem(w, http.StatusBadRequest, synth.InvalidArgument.String(), msg)
			return synth.Request{}, false
		}
		req.Speed = *body.Speed
	}
	return req, true
}

func (s *Server) checkSpeed(v float64) string {
	if v < s.minSpeed || v > s.maxSpeed {
		return fmt.Sprintf("speed %.2f is outside [%.2f, %.2f]", v, s.minSpeed, s.maxSpeed)
	}
	return ""
}

func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(r.Context(), s.timeout)
	}
	return context.WithCancel(r.Context())
}

// handleSynthesize handles POST /v1/tts. PCM audio is wrapped in a WAV
// container; other encodings are returned as received.
func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSynthesis(w, r)
	if !ok {
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()

	sess, err := s.engine.Start(ctx, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	audio, err := sess.Wait(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	p := sess.Params()
	body := audio
	if p.Encoding == string(config.EncodingPCM) {
		if body, err = encodeWAV(audio, p.SampleRate, p.Channels); err != nil {
			observe.WithTrace(r.Context(), s.log).Error("failed to build wav container", "session_id", sess.ID(), "err", err)
			writeProblem(w, http.StatusInternalServerError, "internal", "failed to encode audio")
			return
		}
	}

	w.Header().Set("Content-Type", contentType(p.Encoding))
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("X-Session-ID", sess.ID())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// ── Errors ───────────────────────────────────────────────────────────────────

type problem struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorBody struct {
	Error problem `json:"error"`
}

func statusFor(kind synth.ErrorKind) int {
	switch kind {
	case synth.InvalidArgument:
		return http.StatusBadRequest
	case synth.ServiceDisabled:
		return http.StatusServiceUnavailable
	case synth.Busy:
		return http.StatusConflict
	case synth.ConnectionError, synth.UpstreamError, synth.ClassificationError:
		return http.StatusBadGateway
	case synth.Cancelled:
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps an engine error to a response. Nothing is written when the
// client already went away.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := synth.KindOf(err)
	status := statusFor(kind)
	msg := synth.UserMessage(err)

	if kind == synth.Cancelled {
		if r.Context().Err() != nil {
			s.log.Debug("client went away", "path", r.URL.Path)
			return
		}
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
			msg = "synthesis timed out"
		}
	}
	if status >= http.StatusInternalServerError {
		observe.WithTrace(r.Context(), s.log).Warn("synthesis request failed", "path", r.URL.Path, "kind", kind.String(), "status", status, "err", err)
	}
	writeProblem(w, status, kind.String(), msg)
}

func writeProblem(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, errorBody{Error: problem{Kind: kind, Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
