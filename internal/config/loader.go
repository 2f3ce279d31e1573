package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override secrets from the file.
const (
	EnvAccessToken = "TTSRELAY_ACCESS_TOKEN"
	EnvNATSToken   = "TTSRELAY_NATS_TOKEN"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultMaxTextLength   = 5000
	DefaultMinSpeed        = 0.5
	DefaultMaxSpeed        = 2.0
	DefaultRequestTimeout  = 60 * time.Second
	DefaultShutdownTimeout = 15 * time.Second
	DefaultTransport       = "websocket"
	DefaultDialTimeout     = 10 * time.Second
	DefaultSampleRate      = 24000
	DefaultChannels        = 1
	DefaultSpeed           = 1.0
	DefaultServiceName     = "ttsrelay"
	DefaultSubjectPrefix   = "ttsrelay.tts"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. An empty document yields the
// default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides secrets in cfg from the environment. lookup is usually
// [os.LookupEnv].
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvAccessToken); ok && v != "" {
		cfg.Upstream.AccessToken = v
	}
	if v, ok := lookup(EnvNATSToken); ok && v != "" {
		cfg.NATS.Token = v
	}
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.MaxTextLength == 0 {
		s.MaxTextLength = DefaultMaxTextLength
	}
	if s.MinSpeed == 0 {
		s.MinSpeed = DefaultMinSpeed
	}
	if s.MaxSpeed == 0 {
		s.MaxSpeed = DefaultMaxSpeed
	}
	if s.RequestTimeout == 0 {
		s.RequestTimeout = DefaultRequestTimeout
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}
	if s.RateLimit.RequestsPerSecond > 0 && s.RateLimit.Burst == 0 {
		s.RateLimit.Burst = 1
	}

	u := &cfg.Upstream
	if u.Transport == "" {
		u.Transport = DefaultTransport
	}
	if u.DialTimeout == 0 {
		u.DialTimeout = DefaultDialTimeout
	}
	if u.Name == "" {
		u.Name = "primary"
	}
	for i := range u.Fallbacks {
		fb := &u.Fallbacks[i]
		if fb.Transport == "" {
			fb.Transport = u.Transport
		}
		if fb.DialTimeout == 0 {
			fb.DialTimeout = u.DialTimeout
		}
		if fb.Name == "" {
			fb.Name = fmt.Sprintf("fallback-%d", i+1)
		}
	}

	syn := &cfg.Synthesis
	if syn.SampleRate == 0 {
		syn.SampleRate = DefaultSampleRate
	}
	if syn.Channels == 0 {
		syn.Channels = DefaultChannels
	}
	if syn.Speed == 0 {
		syn.Speed = DefaultSpeed
	}
	if syn.Encoding == "" {
		syn.Encoding = EncodingPCM
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = DefaultSubjectPrefix
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	s := cfg.Server
	if s.LogLevel != "" && !s.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", s.LogLevel))
	}
	if s.MaxTextLength < 0 {
		errs = append(errs, fmt.Errorf("server.max_text_length %d must not be negative", s.MaxTextLength))
	}
	if s.MinSpeed < 0 || s.MaxSpeed < 0 {
		errs = append(errs, errors.New("server.min_speed and server.max_speed must not be negative"))
	}
	if s.MaxSpeed != 0 && s.MinSpeed > s.MaxSpeed {
		errs = append(errs, fmt.Errorf("server.min_speed %.2f exceeds server.max_speed %.2f", s.MinSpeed, s.MaxSpeed))
	}
	if s.RateLimit.RequestsPerSecond < 0 || s.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("server.rate_limit values must not be negative"))
	}
	if s.TLS != nil && (s.TLS.CertFile == "" || s.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Upstream
	u := cfg.Upstream
	if u.URL == "" {
		if cfg.Synthesis.IsEnabled() {
			errs = append(errs, errors.New("upstream.url is required while synthesis is enabled"))
		}
	} else if !strings.Contains(u.URL, "{{") {
		if parsed, err := url.Parse(u.URL); err != nil {
			errs = append(errs, fmt.Errorf("upstream.url: %w", err))
		} else if !validScheme(parsed.Scheme) {
			errs = append(errs, fmt.Errorf("upstream.url scheme %q is invalid; valid values: ws, wss, http, https", parsed.Scheme))
		}
	}
	if u.DialTimeout < 0 {
		errs = append(errs, errors.New("upstream.dial_timeout must not be negative"))
	}
	if u.ReadLimit < 0 {
		errs = append(errs, errors.New("upstream.read_limit must not be negative"))
	}
	names := map[string]bool{u.Name: true}
	for i, fb := range u.Fallbacks {
		field := fmt.Sprintf("upstream.fallbacks[%d]", i)
		if fb.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required", field))
		} else if !strings.Contains(fb.URL, "{{") {
			if parsed, err := url.Parse(fb.URL); err != nil {
				errs = append(errs, fmt.Errorf("%s.url: %w", field, err))
			} else if !validScheme(parsed.Scheme) {
				errs = append(errs, fmt.Errorf("%s.url scheme %q is invalid; valid values: ws, wss, http, https", field, parsed.Scheme))
			}
		}
		if len(fb.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("%s.fallbacks: fallbacks cannot be nested", field))
		}
		if fb.DialTimeout < 0 || fb.ReadLimit < 0 {
			errs = append(errs, fmt.Errorf("%s: dial_timeout and read_limit must not be negative", field))
		}
		if fb.Name != "" {
			if names[fb.Name] {
				errs = append(errs, fmt.Errorf("%s.name %q is already in use", field, fb.Name))
			}
			names[fb.Name] = true
		}
	}
	if u.AccessToken == "" && cfg.Synthesis.IsEnabled() {
		slog.Warn("upstream.access_token is empty; set it in the file or via " + EnvAccessToken)
	}

	// Synthesis
	syn := cfg.Synthesis
	if syn.Encoding != "" && !syn.Encoding.IsValid() {
		errs = append(errs, fmt.Errorf("synthesis.encoding %q is invalid; valid values: pcm, wav, mp3, opus, ulaw", syn.Encoding))
	}
	if syn.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("synthesis.sample_rate %d must not be negative", syn.SampleRate))
	}
	if syn.Channels < 0 || syn.Channels > 8 {
		errs = append(errs, fmt.Errorf("synthesis.channels %d is out of range [1, 8]", syn.Channels))
	}
	if syn.Speed != 0 && s.MaxSpeed != 0 && (syn.Speed < s.MinSpeed || syn.Speed > s.MaxSpeed) {
		errs = append(errs, fmt.Errorf("synthesis.speed %.2f is out of range [%.2f, %.2f]", syn.Speed, s.MinSpeed, s.MaxSpeed))
	}

	// Telemetry
	if r := cfg.Telemetry.SampleRatio; r != nil && (*r < 0 || *r > 1) {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio %.2f is out of range [0, 1]", *r))
	}

	return errors.Join(errs...)
}

func validScheme(s string) bool {
	switch s {
	case "ws", "wss", "http", "https":
		return true
	}
	return false
}
