package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/ttsrelay/pkg/synth"
)

// upstream is one dial target of a [TransportFallback].
type upstream struct {
	transport synth.Transport
	primary   bool
	token     string
}

// TransportFallback implements [synth.Transport] with failover across
// several upstreams. Each upstream has its own circuit breaker. Only the
// dial is covered; once a connection is open the session stays on it.
//
// The hot-reloadable endpoint in [synth.Params] applies to the primary only.
// Fallbacks always dial their own configured URL and, when set, their own
// access token.
type TransportFallback struct {
	group *FallbackGroup[upstream]
}

var _ synth.Transport = (*TransportFallback)(nil)

// NewTransportFallback creates a [TransportFallback] with primary as the
// preferred upstream.
func NewTransportFallback(primary synth.Transport, primaryName string, cfg FallbackConfig) *TransportFallback {
	return &TransportFallback{
		group: NewFallbackGroup(upstream{transport: primary, primary: true}, primaryName, cfg),
	}
}

// AddFallback registers t as the next fallback. A non-empty token replaces
// the session's access token when dialling t.
func (f *TransportFallback) AddFallback(name string, t synth.Transport, token string) {
	f.group.AddFallback(name, upstream{transport: t, token: token})
}

// Upstreams returns the upstream names in failover order.
func (f *TransportFallback) Upstreams() []string { return f.group.Names() }

// States returns the breaker state of every upstream.
func (f *TransportFallback) States() map[string]State { return f.group.States() }

// Dial connects to the first healthy upstream. A dial aborted by ctx is
// returned wrapping [synth.ErrAborted]; it neither counts against a breaker
// nor moves on to the next upstream.
func (f *TransportFallback) Dial(ctx context.Context, p synth.Params) (synth.Conn, error) {
	return ExecuteWithResult(f.group, func(u upstream) (synth.Conn, error) {
		q := p
		if !u.primary {
			q.Endpoint = ""
			if u.token != "" {
				q.AccessToken = u.token
			}
		}
		c, err := u.transport.Dial(ctx, q)
		if err != nil && ctx.Err() != nil && !errors.Is(err, synth.ErrAborted) {
			err = fmt.Errorf("%w: %w", synth.ErrAborted, err)
		}
		return c, err
	})
}
