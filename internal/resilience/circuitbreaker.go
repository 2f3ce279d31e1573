// Package resilience guards calls to the upstream synthesis service.
//
// [CircuitBreaker] is a three-state breaker (closed → open → half-open). The
// engine runs every upstream dial through [CircuitBreaker.Execute]; while the
// breaker is open new sessions fail fast instead of waiting on a dead host.
// The breaker never retries: a rejected or failed dial ends the session.
//
// [TransportFallback] adds failover across several upstreams, each behind
// its own breaker, built on the generic [FallbackGroup].
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/ttsrelay/pkg/synth"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. One failed
	// probe re-opens the breaker; HalfOpenMax successful probes close it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log records.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls allowed while half-open.
	// Default: 3.
	HalfOpenMax int

	// Logger receives state transitions. Default: slog.Default().
	Logger *slog.Logger

	// OnStateChange, if set, is called after every transition with the
	// breaker lock released.
	OnStateChange func(from, to State)

	// IsNeutral reports errors that count as neither success nor failure.
	// A neutral call leaves the counters alone and gives its half-open slot
	// back. Default: errors wrapping [synth.ErrAborted].
	IsNeutral func(error) bool
}

func isAborted(err error) bool { return errors.Is(err, synth.ErrAborted) }

// CircuitBreaker implements the three-state circuit breaker pattern.
// It is safe for concurrent use from multiple goroutines.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	log          *slog.Logger
	onChange     func(from, to State)
	isNeutral    func(error) bool
	now          func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	probes          int
	probeSuccesses  int
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields are
// replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.IsNeutral == nil {
		cfg.IsNeutral = isAborted
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		log:          cfg.Logger.With("component", "circuit_breaker", "name", cfg.Name),
		onChange:     cfg.OnStateChange,
		isNeutral:    cfg.IsNeutral,
		now:          time.Now,
		state:        StateClosed,
	}
}

// transition is a pending state change to report once the lock is released.
type transition struct {
	from, to State
}

// Execute runs fn if the breaker allows it and records the outcome. While
// open it returns [ErrCircuitOpen] without calling fn. Neutral errors are
// returned without being recorded.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, tr, err := cb.admit()
	cb.notify(tr)
	if err != nil {
		return err
	}

	err = fn()

	if err != nil && cb.neutral(err) {
		cb.release(probe)
		return err
	}
	cb.notify(cb.record(probe, err == nil))
	return err
}

func (cb *CircuitBreaker) neutral(err error) bool {
	return cb.isNeutral(err)
}

// release hands back the half-open slot taken by a neutral call.
func (cb *CircuitBreaker) release(probe bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if probe && cb.state == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}
}

// admit decides whether a call may proceed and whether it counts as a probe.
func (cb *CircuitBreaker) admit() (probe bool, tr *transition, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			return false, nil, ErrCircuitOpen
		}
		tr = cb.setState(StateHalfOpen)
		cb.probes = 0
		cb.probeSuccesses = 0
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.halfOpenMax {
			return false, tr, ErrCircuitOpen
		}
		cb.probes++
		return true, tr, nil
	}
	return false, tr, nil
}

func (cb *CircuitBreaker) record(probe, ok bool) *transition {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case ok && probe:
		cb.probeSuccesses++
		if cb.probeSuccesses >= cb.halfOpenMax && cb.state == StateHalfOpen {
			cb.consecutiveFail = 0
			return cb.setState(StateClosed)
		}
	case ok:
		cb.consecutiveFail = 0
	case probe:
		if cb.state == StateHalfOpen {
			cb.openedAt = cb.now()
			return cb.setState(StateOpen)
		}
	default:
		cb.consecutiveFail++
		if cb.consecutiveFail >= cb.maxFailures && cb.state == StateClosed {
			cb.openedAt = cb.now()
			return cb.setState(StateOpen)
		}
	}
	return nil
}

// setState must be called with cb.mu held.
func (cb *CircuitBreaker) setState(to State) *transition {
	from := cb.state
	if from == to {
		return nil
	}
	cb.state = to
	switch to {
	case StateOpen:
		cb.log.Warn("circuit breaker opened", "from", from.String(), "consecutive_failures", cb.consecutiveFail)
	case StateHalfOpen:
		cb.log.Info("circuit breaker half-open, probing upstream")
	case StateClosed:
		cb.log.Info("circuit breaker closed", "from", from.String())
	}
	return &transition{from: from, to: to}
}

func (cb *CircuitBreaker) notify(tr *transition) {
	if tr != nil && cb.onChange != nil {
		cb.onChange(tr.from, tr.to)
	}
}

// State returns the current [State]. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed].
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	tr := cb.setState(StateClosed)
	cb.consecutiveFail = 0
	cb.probes = 0
	cb.probeSuccesses = 0
	cb.mu.Unlock()
	cb.notify(tr)
}
