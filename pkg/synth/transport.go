package synth

import (
	"context"
	"time"
)

// UpstreamRequest is the single request frame sent at the start of a session.
type UpstreamRequest struct {
	SessionID string
	Text      string
	Params    Params
}

// Transport opens upstream connections. Implementations must be safe for
// concurrent use.
type Transport interface {
	// Dial opens one connection for a session. p is the session's parameter
	// snapshot.
	Dial(ctx context.Context, p Params) (Conn, error)
}

// Conn is one duplex upstream connection.
type Conn interface {
	// Send writes the request frame.
	Send(ctx context.Context, req UpstreamRequest) error

	// Recv blocks until the next inbound frame arrives. It returns an error
	// wrapping [ErrClosed] when the peer closed the connection.
	Recv(ctx context.Context) (Frame, error)

	// Close releases the connection. It is idempotent.
	Close() error
}

// Recorder receives engine measurements. internal/observe provides the
// OpenTelemetry implementation.
type Recorder interface {
	SessionStarted(ctx context.Context)
	SessionFinished(ctx context.Context, outcome string, elapsed time.Duration)
	FirstChunk(ctx context.Context, latency time.Duration)
	ChunkReceived(ctx context.Context, size int)
	FrameDropped(ctx context.Context, reason string)
}

// DialGuard wraps every upstream dial. A circuit breaker's Execute method
// fits this signature. fn returns an error wrapping [ErrAborted] when the
// dial was cut short by cancellation.
type DialGuard func(fn func() error) error

type noopRecorder struct{}

func (noopRecorder) SessionStarted(context.Context)                         {}
func (noopRecorder) SessionFinished(context.Context, string, time.Duration) {}
func (noopRecorder) FirstChunk(context.Context, time.Duration)              {}
func (noopRecorder) ChunkReceived(context.Context, int)                     {}
func (noopRecorder) FrameDropped(context.Context, string)                   {}

func passthroughGuard(fn func() error) error { return fn() }
