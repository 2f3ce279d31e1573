package config

import (
	"maps"
	"slices"

	"github.com/MrWong99/ttsrelay/pkg/synth"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ParamsChanged is true when any synthesis parameter changed. Patch holds
	// only the changed fields and can be passed to Engine.UpdateConfig.
	ParamsChanged bool
	Patch         synth.ParamsPatch

	// RestartRequired lists changed settings that only take effect after a
	// restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.Patch = diffParams(old.Params(), new.Params())
	d.ParamsChanged = !d.Patch.IsEmpty()

	restart := func(name string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, name)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.tls", !equalTLS(old.Server.TLS, new.Server.TLS))
	restart("server.rate_limit", old.Server.RateLimit != new.Server.RateLimit)
	restart("upstream.transport", old.Upstream.Transport != new.Upstream.Transport)
	restart("upstream.query", !maps.Equal(old.Upstream.Query, new.Upstream.Query))
	restart("upstream.headers", !maps.Equal(old.Upstream.Headers, new.Upstream.Headers))
	restart("upstream.request_template", old.Upstream.RequestTemplate != new.Upstream.RequestTemplate)
	restart("upstream.dial_timeout", old.Upstream.DialTimeout != new.Upstream.DialTimeout)
	restart("upstream.read_limit", old.Upstream.ReadLimit != new.Upstream.ReadLimit)
	restart("upstream.circuit_breaker", old.Upstream.CircuitBreaker != new.Upstream.CircuitBreaker)
	restart("upstream.fallbacks", !slices.EqualFunc(old.Upstream.Fallbacks, new.Upstream.Fallbacks, equalUpstream))
	restart("protocol", !equalProtocol(old.Protocol, new.Protocol))
	restart("telemetry", !equalTelemetry(old.Telemetry, new.Telemetry))
	restart("journal", old.Journal != new.Journal)
	restart("nats", old.NATS != new.NATS)

	return d
}

func diffParams(old, new synth.Params) synth.ParamsPatch {
	var p synth.ParamsPatch
	if old.AccessToken != new.AccessToken {
		p.AccessToken = &new.AccessToken
	}
	if old.Endpoint != new.Endpoint {
		p.Endpoint = &new.Endpoint
	}
	if old.VoiceID != new.VoiceID {
		p.VoiceID = &new.VoiceID
	}
	if old.Enabled != new.Enabled {
		p.Enabled = &new.Enabled
	}
	if old.SampleRate != new.SampleRate {
		p.SampleRate = &new.SampleRate
	}
	if old.Channels != new.Channels {
		p.Channels = &new.Channels
	}
	if old.Speed != new.Speed {
		p.Speed = &new.Speed
	}
	if old.Encoding != new.Encoding {
		p.Encoding = &new.Encoding
	}
	if old.MaxTextLength != new.MaxTextLength {
		p.MaxTextLength = &new.MaxTextLength
	}
	return p
}

// equalUpstream compares the restart-only fields of two fallback upstreams.
func equalUpstream(a, b UpstreamConfig) bool {
	return a.Name == b.Name &&
		a.Transport == b.Transport &&
		a.URL == b.URL &&
		a.AccessToken == b.AccessToken &&
		maps.Equal(a.Query, b.Query) &&
		maps.Equal(a.Headers, b.Headers) &&
		a.RequestTemplate == b.RequestTemplate &&
		a.DialTimeout == b.DialTimeout &&
		a.ReadLimit == b.ReadLimit
}

func equalTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalProtocol(a, b ProtocolConfig) bool {
	return slices.Equal(a.KindPaths, b.KindPaths) &&
		slices.Equal(a.AudioKinds, b.AudioKinds) &&
		slices.Equal(a.CompletedKinds, b.CompletedKinds) &&
		slices.Equal(a.FailedKinds, b.FailedKinds) &&
		slices.Equal(a.AudioPaths, b.AudioPaths) &&
		slices.Equal(a.ErrorPaths, b.ErrorPaths) &&
		slices.Equal(a.FinalPaths, b.FinalPaths)
}

func equalTelemetry(a, b TelemetryConfig) bool {
	ra, rb := a.SampleRatio, b.SampleRatio
	a.SampleRatio, b.SampleRatio = nil, nil
	if a != b {
		return false
	}
	if ra == nil || rb == nil {
		return ra == rb
	}
	return *ra == *rb
}
