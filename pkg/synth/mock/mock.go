// Package mock provides a scriptable test double for the synth.Transport
// interface.
//
// Every Dial returns a fresh [Conn] pre-loaded with a copy of Frames. Frames
// can also be pushed while a session streams, and the remote side can be
// closed at any point to simulate a dropped socket.
//
// Example:
//
//	tr := &mock.Transport{
//	    Frames: []synth.Frame{
//	        mock.JSON(`{"kind":"audio-delta","data":"QUJD"}`),
//	        mock.JSON(`{"kind":"completed"}`),
//	    },
//	}
//	eng := synth.New(holder, tr)
package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/ttsrelay/pkg/synth"
)

// JSON returns a text frame carrying s.
func JSON(s string) synth.Frame { return synth.Frame{Data: []byte(s)} }

// Binary returns a binary frame carrying b.
func Binary(b []byte) synth.Frame { return synth.Frame{Binary: true, Data: b} }

// DialCall records a single invocation of Dial.
type DialCall struct {
	// Params is the parameter snapshot passed to Dial.
	Params synth.Params
}

// Transport is a mock implementation of synth.Transport.
type Transport struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Frames is the script each new connection replays in order.
	Frames []synth.Frame

	// DialErr, if non-nil, is returned from Dial.
	DialErr error

	// SendErr, if non-nil, is returned from Conn.Send.
	SendErr error

	// CloseAfterScript closes the remote side once the script is drained,
	// so Recv reports synth.ErrClosed.
	CloseAfterScript bool

	// OnDial, if set, runs at the start of every Dial. Tests use it to block
	// the dial or to observe timing.
	OnDial func(ctx context.Context) error

	// OnClose, if set, runs when a connection is closed locally for the
	// first time.
	OnClose func()

	// --- Call records ---

	// DialCalls records every call to Dial in order.
	DialCalls []DialCall

	conns []*Conn
}

// Dial records the call and returns a new scripted Conn.
func (t *Transport) Dial(ctx context.Context, p synth.Params) (synth.Conn, error) {
	t.mu.Lock()
	t.DialCalls = append(t.DialCalls, DialCall{Params: p})
	hook := t.OnDial
	dialErr := t.DialErr
	script := make([]synth.Frame, len(t.Frames))
	copy(script, t.Frames)
	closeAfter := t.CloseAfterScript
	sendErr := t.SendErr
	onClose := t.OnClose
	t.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}
	if dialErr != nil {
		return nil, dialErr
	}

	c := newConn(script, closeAfter, sendErr)
	c.onClose = onClose
	t.mu.Lock()
	t.conns = append(t.conns, c)
	t.mu.Unlock()
	return c, nil
}

// Conns returns every connection handed out so far.
func (t *Transport) Conns() []*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Conn, len(t.conns))
	copy(out, t.conns)
	return out
}

// LastConn returns the most recent connection, or nil.
func (t *Transport) LastConn() *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

// Reset clears all call records and connections.
func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.DialCalls = nil
	t.conns = nil
}

// Conn is a mock implementation of synth.Conn.
type Conn struct {
	inbox chan synth.Frame

	mu      sync.Mutex
	sent    []synth.UpstreamRequest
	sendErr error

	remoteOnce   sync.Once
	remoteClosed chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
	onClose   func()
}

// inboxSize bounds frames pushed after dialling.
const inboxSize = 1024

func newConn(script []synth.Frame, closeAfter bool, sendErr error) *Conn {
	c := &Conn{
		inbox:        make(chan synth.Frame, len(script)+inboxSize),
		sendErr:      sendErr,
		remoteClosed: make(chan struct{}),
		closed:       make(chan struct{}),
	}
	for _, f := range script {
		c.inbox <- f
	}
	if closeAfter {
		c.CloseRemote()
	}
	return c
}

// Send records req.
func (c *Conn) Send(_ context.Context, req synth.UpstreamRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, req)
	return c.sendErr
}

// Recv returns the next queued frame. Queued frames are always delivered
// before a remote close is reported.
func (c *Conn) Recv(ctx context.Context) (synth.Frame, error) {
	select {
	case f := <-c.inbox:
		return f, nil
	default:
	}
	select {
	case f := <-c.inbox:
		return f, nil
	case <-c.remoteClosed:
		select {
		case f := <-c.inbox:
			return f, nil
		default:
		}
		return synth.Frame{}, fmt.Errorf("mock: remote hung up: %w", synth.ErrClosed)
	case <-c.closed:
		return synth.Frame{}, errors.New("mock: connection closed locally")
	case <-ctx.Done():
		return synth.Frame{}, ctx.Err()
	}
}

// Close marks the connection closed. It is idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.onClose != nil {
			c.onClose()
		}
	})
	return nil
}

// Push queues f for delivery.
func (c *Conn) Push(f synth.Frame) { c.inbox <- f }

// CloseRemote simulates the upstream closing the socket.
func (c *Conn) CloseRemote() {
	c.remoteOnce.Do(func() { close(c.remoteClosed) })
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Sent returns the requests passed to Send.
func (c *Conn) Sent() []synth.UpstreamRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]synth.UpstreamRequest, len(c.sent))
	copy(out, c.sent)
	return out
}

var _ synth.Transport = (*Transport)(nil)
var _ synth.Conn = (*Conn)(nil)
