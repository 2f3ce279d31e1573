package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/ttsrelay/pkg/synth"

// State is the engine's lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateRequesting
	StateStreaming
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Request is the input of [Engine.Start].
type Request struct {
	Text string

	// SessionID is used as the session identifier when non-empty; otherwise
	// one is generated.
	SessionID string

	// VoiceID and Speed override the parameter snapshot of this session
	// only. Zero values mean "use the configured value".
	VoiceID string
	Speed   float64
}

// Status describes the engine at one instant.
type Status struct {
	Active    bool
	State     State
	SessionID string
	Config    Params
}

// Option configures an [Engine].
type Option func(*Engine)

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithClassifier replaces the default classifier.
func WithClassifier(c *Classifier) Option {
	return func(e *Engine) { e.classifier = c }
}

// WithMetrics sets the measurement sink.
func WithMetrics(r Recorder) Option {
	return func(e *Engine) { e.rec = r }
}

// WithIDGenerator sets the generator for session IDs not supplied by the
// caller. The default produces random UUIDs.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// WithDialGuard wraps every upstream dial, typically with a circuit breaker.
func WithDialGuard(g DialGuard) Option {
	return func(e *Engine) { e.guard = g }
}

// Engine runs at most one synthesis session at a time.
type Engine struct {
	holder     *Holder
	transport  Transport
	classifier *Classifier
	log        *slog.Logger
	rec        Recorder
	newID      func() string
	guard      DialGuard
	tracer     trace.Tracer
	feed       *feed

	mu     sync.Mutex
	active *Session

	// acc is reused by consecutive sessions. Only the goroutine of the
	// active session touches it.
	acc Accumulator

	// state mirrors the lifecycle for lock-free reads. Writes happen only
	// while the session lock is held or by the session's own goroutine.
	state atomic.Int32
}

// New creates an Engine reading its parameters from holder and opening
// upstream connections through t.
func New(holder *Holder, t Transport, opts ...Option) *Engine {
	e := &Engine{
		holder:    holder,
		transport: t,
		log:       slog.Default(),
		rec:       noopRecorder{},
		newID:     uuid.NewString,
		guard:     passthroughGuard,
		tracer:    otel.Tracer(tracerName),
		feed:      newFeed(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.classifier == nil {
		e.classifier = NewClassifier(DefaultClassifierConfig())
	}
	e.log = e.log.With("component", "synth")
	return e
}

// Start validates req, claims the session lock and launches the session in
// the background. Errors are returned in this order: [ErrInvalidArgument],
// [ErrServiceDisabled], [ErrBusy]. No connection is opened on error.
//
// Cancelling ctx cancels the session.
func (e *Engine) Start(ctx context.Context, req Request) (*Session, error) {
	params := e.holder.Snapshot()

	limit := params.MaxTextLength
	if limit <= 0 {
		limit = DefaultMaxTextLength
	}
	switch n := utf8.RuneCountInString(req.Text); {
	case strings.TrimSpace(req.Text) == "":
		return nil, newError(InvalidArgument, "text must not be empty", nil)
	case n > limit:
		return nil, newError(InvalidArgument, fmt.Sprintf("text is %d characters long, the limit is %d", n, limit), nil)
	case req.Speed < 0:
		return nil, newError(InvalidArgument, "speed must not be negative", nil)
	}
	if !params.Enabled {
		return nil, newError(ServiceDisabled, "", nil)
	}

	if req.VoiceID != "" {
		params.VoiceID = req.VoiceID
	}
	if req.Speed > 0 {
		params.Speed = req.Speed
	}

	e.mu.Lock()
	if e.active != nil {
		e.mu.Unlock()
		return nil, newError(Busy, "", nil)
	}
	id := req.SessionID
	if id == "" {
		id = e.newID()
	}
	sctx, cancel := context.WithCancelCause(ctx)
	s := &Session{
		id:      id,
		text:    req.Text,
		params:  params,
		started: time.Now(),
		ctx:     sctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	e.active = s
	e.state.Store(int32(StateRequesting))
	e.mu.Unlock()

	go e.run(s)
	return s, nil
}

// Synthesize runs one session and returns the concatenated audio.
func (e *Engine) Synthesize(ctx context.Context, text, sessionID string) ([]byte, error) {
	s, err := e.Start(ctx, Request{Text: text, SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	return s.Wait(ctx)
}

// Stop cancels the active session. It does not wait for the session to wind
// down and reports whether a session was active.
func (e *Engine) Stop() bool {
	e.mu.Lock()
	s := e.active
	e.mu.Unlock()
	if s == nil {
		return false
	}
	s.cancel(ErrStopped)
	return true
}

// WaitIdle blocks until the session active at the time of the call has
// ended and published its terminal event, or ctx is done.
func (e *Engine) WaitIdle(ctx context.Context) error {
	e.mu.Lock()
	s := e.active
	e.mu.Unlock()
	if s == nil {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	s := e.active
	e.mu.Unlock()

	st := Status{
		State:  State(e.state.Load()),
		Config: e.holder.Snapshot(),
	}
	if s != nil {
		st.Active = true
		st.SessionID = s.id
	}
	return st
}

// Config returns the current global parameters.
func (e *Engine) Config() Params { return e.holder.Snapshot() }

// UpdateConfig merges patch into the global parameters. Running sessions keep
// the snapshot they started with.
func (e *Engine) UpdateConfig(patch ParamsPatch) Params {
	p := e.holder.Update(patch)
	e.log.Info("synthesis parameters updated", "voice_id", p.VoiceID, "speed", p.Speed, "enabled", p.Enabled)
	return p
}

// Subscribe attaches a new listener to the engine-wide notification feed.
// buffer sizes the delivery channel; events are queued without limit behind
// it, so a slow subscriber never loses events nor blocks the engine.
func (e *Engine) Subscribe(buffer int) *Subscription {
	return e.feed.subscribe(buffer)
}

func (e *Engine) run(s *Session) {
	textLen := utf8.RuneCountInString(s.text)
	ctx, span := e.tracer.Start(s.ctx, "synth.session",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("synth.session_id", s.id),
			attribute.String("synth.voice_id", s.params.VoiceID),
			attribute.Int("synth.text_length", textLen),
		),
	)
	log := e.log.With("session_id", s.id)
	log.Info("session started", "voice_id", s.params.VoiceID, "speed", s.params.Speed, "encoding", s.params.Encoding)
	e.rec.SessionStarted(ctx)
	e.publish(s, Event{Kind: EventStarted, VoiceID: s.params.VoiceID, TextLength: textLen})

	audio, err := e.drive(ctx, s, log)

	var outcome State
	switch {
	case err == nil:
		outcome = StateCompleted
		s.audio = audio
		e.publish(s, Event{Kind: EventCompleted, Size: len(audio)})
		log.Info("session completed", "bytes", len(audio), "elapsed", time.Since(s.started))
	case errors.Is(err, ErrAborted):
		outcome = StateCancelled
		s.err = newError(Cancelled, "", context.Cause(s.ctx))
		e.publish(s, Event{Kind: EventCancelled, Err: s.err})
		log.Info("session cancelled", "cause", context.Cause(s.ctx))
	default:
		outcome = StateFailed
		s.err = err
		e.publish(s, Event{Kind: EventError, Err: err, Message: UserMessage(err)})
		log.Warn("session failed", "kind", KindOf(err).String(), "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, KindOf(err).String())
	}
	s.outcome = outcome
	e.state.Store(int32(outcome))
	e.rec.SessionFinished(ctx, outcome.String(), time.Since(s.started))
	span.SetAttributes(attribute.String("synth.outcome", outcome.String()))
	span.End()

	e.mu.Lock()
	e.active = nil
	e.state.Store(int32(StateIdle))
	e.mu.Unlock()

	s.cancel(nil)
	close(s.done)
}

// drive performs the upstream exchange and returns the accumulated audio.
// The connection is closed before drive returns.
func (e *Engine) drive(ctx context.Context, s *Session, log *slog.Logger) ([]byte, error) {
	var conn Conn
	err := e.guard(func() error {
		c, err := e.transport.Dial(ctx, s.params)
		if err != nil && ctx.Err() != nil {
			return aborted(err)
		}
		conn = c
		return err
	})
	if err != nil {
		if errors.Is(err, ErrAborted) {
			return nil, err
		}
		return nil, newError(ConnectionError, "", fmt.Errorf("dial upstream: %w", err))
	}
	log.Info("upstream connection opened")
	defer func() {
		if err := conn.Close(); err != nil {
			log.Debug("closing upstream connection", "err", err)
		}
		log.Info("upstream connection closed")
	}()

	if err := conn.Send(ctx, UpstreamRequest{SessionID: s.id, Text: s.text, Params: s.params}); err != nil {
		if ctx.Err() != nil {
			return nil, aborted(err)
		}
		return nil, newError(ConnectionError, "", fmt.Errorf("send request: %w", err))
	}
	e.state.Store(int32(StateStreaming))

	acc := &e.acc
	acc.Reset()
	var accepted, dropped int
	for {
		f, err := conn.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, aborted(err)
			}
			if dropped > 0 && accepted == 0 {
				return nil, newError(ClassificationError, "", fmt.Errorf("%d malformed frames and no usable content: %w", dropped, err))
			}
			if errors.Is(err, ErrClosed) {
				return nil, newError(ConnectionError, "", fmt.Errorf("upstream closed before completion: %w", err))
			}
			return nil, newError(ConnectionError, "", fmt.Errorf("receive: %w", err))
		}

		msg, err := e.classifier.Classify(f)
		if err != nil {
			dropped++
			var ce *FrameError
			reason := "malformed"
			if errors.As(err, &ce) {
				reason = ce.Reason
			}
			log.Warn("dropping malformed frame", "err", err, "binary", f.Binary, "size", len(f.Data))
			e.rec.FrameDropped(ctx, reason)
			continue
		}
		accepted++

		switch msg.Kind {
		case MessageIgnored:
			log.Debug("ignoring frame", "path", msg.Path)
		case MessageAudio:
			if running, ok := acc.Append(msg.Audio); ok {
				if acc.Chunks() == 1 {
					e.rec.FirstChunk(ctx, time.Since(s.started))
				}
				e.rec.ChunkReceived(ctx, len(msg.Audio))
				e.publish(s, Event{Kind: EventChunk, Audio: msg.Audio, Size: running})
				log.Debug("audio chunk", "path", msg.Path, "raw", msg.Raw, "size", len(msg.Audio), "total", running)
			}
			if msg.Final {
				return acc.Bytes(), nil
			}
		case MessageCompleted:
			log.Debug("upstream completed", "chunks", acc.Chunks(), "bytes", acc.Len())
			return acc.Bytes(), nil
		case MessageFailed:
			return nil, newError(UpstreamError, msg.Error, nil)
		}
	}
}

// aborted marks err as caused by the session's cancellation.
func aborted(err error) error {
	if errors.Is(err, ErrAborted) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrAborted, err)
}

// publish stamps ev with the session identity and fans it out. Only the
// session goroutine calls it, so Seq needs no locking.
func (e *Engine) publish(s *Session, ev Event) {
	s.seq++
	ev.SessionID = s.id
	ev.Seq = s.seq
	ev.Time = time.Now()
	e.feed.publish(ev)
}

// Session is a handle on one running or finished synthesis session.
type Session struct {
	id      string
	text    string
	params  Params
	started time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	// Written by the session goroutine before done is closed.
	seq     int
	audio   []byte
	err     error
	outcome State
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Params returns the parameter snapshot the session runs with.
func (s *Session) Params() Params { return s.params }

// Done is closed after the terminal event was published and the engine is
// idle again.
func (s *Session) Done() <-chan struct{} { return s.done }

// Cancel stops the session. It is safe to call at any time.
func (s *Session) Cancel() { s.cancel(ErrStopped) }

// Wait blocks until the session ends. If ctx is done first the session is
// cancelled and Wait still returns only after it has wound down.
func (s *Session) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		s.cancel(context.Cause(ctx))
		<-s.done
	}
	return s.audio, s.err
}

// Outcome returns the terminal state, or StateIdle while the session runs.
func (s *Session) Outcome() State {
	select {
	case <-s.done:
		return s.outcome
	default:
		return StateIdle
	}
}
