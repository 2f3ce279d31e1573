// Package config provides the configuration schema, loader, hot-reload
// watcher and transport registry for the ttsrelay server.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/ttsrelay/pkg/synth"
)

// LogLevel controls log verbosity for the ttsrelay server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level returns the slog level for l. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Encoding names the audio format requested from the upstream.
type Encoding string

const (
	EncodingPCM  Encoding = "pcm"
	EncodingWAV  Encoding = "wav"
	EncodingMP3  Encoding = "mp3"
	EncodingOpus Encoding = "opus"
	EncodingULaw Encoding = "ulaw"
)

// IsValid reports whether e is a recognised encoding.
func (e Encoding) IsValid() bool {
	switch e {
	case EncodingPCM, EncodingWAV, EncodingMP3, EncodingOpus, EncodingULaw:
		return true
	}
	return false
}

// Config is the root configuration structure for ttsrelay.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Synthesis SynthesisConfig `yaml:"synthesis"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Journal   JournalConfig   `yaml:"journal"`
	NATS      NATSConfig      `yaml:"nats"`
}

// ServerConfig holds network, logging and request-validation settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// MaxTextLength bounds the input text in characters.
	MaxTextLength int `yaml:"max_text_length"`

	// MinSpeed and MaxSpeed bound per-request speed overrides.
	MinSpeed float64 `yaml:"min_speed"`
	MaxSpeed float64 `yaml:"max_speed"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// RequestTimeout bounds one buffered synthesis request.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// ShutdownTimeout bounds the graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// RateLimitConfig configures the process-wide token bucket in front of the
// synthesis endpoints. A zero RequestsPerSecond disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// UpstreamConfig describes how to reach the remote synthesis service.
type UpstreamConfig struct {
	// Transport selects a registered transport. Default: "websocket".
	Transport string `yaml:"transport"`

	// URL is the endpoint template. It is hot-reloadable.
	URL string `yaml:"url"`

	// AccessToken authenticates upstream connections. The environment
	// variable TTSRELAY_ACCESS_TOKEN takes precedence.
	AccessToken string `yaml:"access_token"`

	// Query and Headers are templates rendered per connection.
	Query   map[string]string `yaml:"query"`
	Headers map[string]string `yaml:"headers"`

	// RequestTemplate renders the request frame.
	RequestTemplate string `yaml:"request_template"`

	DialTimeout time.Duration `yaml:"dial_timeout"`

	// ReadLimit caps one inbound frame in bytes.
	ReadLimit int64 `yaml:"read_limit"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`

	// Name labels the upstream in logs and health output. Defaults to
	// "primary" and "fallback-N".
	Name string `yaml:"name"`

	// Fallbacks are dialled in order when this upstream fails or its
	// circuit breaker is open. Each fallback dials its own URL; an empty
	// access token keeps the primary's. Fallbacks cannot nest and share the
	// primary's circuit breaker settings.
	Fallbacks []UpstreamConfig `yaml:"fallbacks"`
}

// CircuitBreakerConfig tunes the breaker guarding upstream dials.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// SynthesisConfig holds the default synthesis parameters. All fields are
// hot-reloadable and apply to sessions started after the reload.
type SynthesisConfig struct {
	VoiceID string `yaml:"voice_id"`

	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled"`

	SampleRate int      `yaml:"sample_rate"`
	Channels   int      `yaml:"channels"`
	Speed      float64  `yaml:"speed"`
	Encoding   Encoding `yaml:"encoding"`
}

// IsEnabled reports the effective enabled flag.
func (s SynthesisConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// ProtocolConfig describes the upstream message schema. Empty lists use the
// built-in defaults. Paths use gjson syntax.
type ProtocolConfig struct {
	KindPaths      []string `yaml:"kind_paths"`
	AudioKinds     []string `yaml:"audio_kinds"`
	CompletedKinds []string `yaml:"completed_kinds"`
	FailedKinds    []string `yaml:"failed_kinds"`
	AudioPaths     []string `yaml:"audio_paths"`
	ErrorPaths     []string `yaml:"error_paths"`
	FinalPaths     []string `yaml:"final_paths"`
}

// TelemetryConfig configures metrics and trace export.
type TelemetryConfig struct {
	// ServiceName is reported as service.name. Default: "ttsrelay".
	ServiceName string `yaml:"service_name"`

	// OTLPEndpoint, when set, exports traces over OTLP/gRPC.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// OTLPInsecure disables TLS for the OTLP exporter.
	OTLPInsecure bool `yaml:"otlp_insecure"`

	// StdoutTraces pretty-prints spans to stdout when no OTLP endpoint is set.
	StdoutTraces bool `yaml:"stdout_traces"`

	// SampleRatio is the fraction of traces sampled. Default: 1.0.
	SampleRatio *float64 `yaml:"sample_ratio"`
}

// JournalConfig configures the session journal. An empty Path disables it.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// NATSConfig configures the notification bridge. An empty URL disables it.
type NATSConfig struct {
	URL            string        `yaml:"url"`
	SubjectPrefix  string        `yaml:"subject_prefix"`
	Token          string        `yaml:"token"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Params returns the synthesis parameters described by cfg.
func (c *Config) Params() synth.Params {
	return synth.Params{
		AccessToken:   c.Upstream.AccessToken,
		Endpoint:      c.Upstream.URL,
		VoiceID:       c.Synthesis.VoiceID,
		Enabled:       c.Synthesis.IsEnabled(),
		SampleRate:    c.Synthesis.SampleRate,
		Channels:      c.Synthesis.Channels,
		Speed:         c.Synthesis.Speed,
		Encoding:      string(c.Synthesis.Encoding),
		MaxTextLength: c.Server.MaxTextLength,
	}
}

// ClassifierConfig returns the message schema described by cfg.
func (c *Config) ClassifierConfig() synth.ClassifierConfig {
	p := c.Protocol
	return synth.ClassifierConfig{
		KindPaths:      p.KindPaths,
		AudioKinds:     p.AudioKinds,
		CompletedKinds: p.CompletedKinds,
		FailedKinds:    p.FailedKinds,
		AudioPaths:     p.AudioPaths,
		ErrorPaths:     p.ErrorPaths,
		FinalPaths:     p.FinalPaths,
	}
}
