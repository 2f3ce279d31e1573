package app

import (
	"fmt"
	"log/slog"

	"github.com/MrWong99/ttsrelay/internal/config"
	"github.com/MrWong99/ttsrelay/internal/resilience"
	"github.com/MrWong99/ttsrelay/pkg/synth"
)

// BuildTransport creates the upstream transport described by cfg.Upstream.
// Without fallbacks it returns the primary transport as is. Otherwise the
// primary and every fallback are wrapped in a [resilience.TransportFallback]
// that fails over on dial errors.
func BuildTransport(cfg *config.Config, reg *config.Registry, log *slog.Logger) (synth.Transport, error) {
	if log == nil {
		log = slog.Default()
	}
	u := cfg.Upstream
	primary, err := reg.CreateTransport(u)
	if err != nil {
		return nil, fmt.Errorf("app: upstream %q: %w", u.Name, err)
	}
	if len(u.Fallbacks) == 0 {
		return primary, nil
	}

	cb := u.CircuitBreaker
	tf := resilience.NewTransportFallback(primary, u.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cb.MaxFailures,
			ResetTimeout: cb.ResetTimeout,
			HalfOpenMax:  cb.HalfOpenMax,
		},
		Logger: log,
	})
	for _, fb := range u.Fallbacks {
		t, err := reg.CreateTransport(fb)
		if err != nil {
			return nil, fmt.Errorf("app: upstream %q: %w", fb.Name, err)
		}
		tf.AddFallback(fb.Name, t, fb.AccessToken)
	}
	log.Info("upstream failover enabled", "upstreams", tf.Upstreams())
	return tf, nil
}
