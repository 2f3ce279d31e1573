package synth

import "sync"

// DefaultMaxTextLength is used when [Params.MaxTextLength] is zero.
const DefaultMaxTextLength = 5000

// Params is the set of synthesis parameters a session runs with.
type Params struct {
	// AccessToken authenticates the upstream connection.
	AccessToken string

	// Endpoint is the upstream URL (may contain template actions, see the
	// wsupstream package).
	Endpoint string

	// VoiceID selects the upstream voice.
	VoiceID string

	// Enabled gates new sessions. Running sessions are not affected.
	Enabled bool

	SampleRate int
	Channels   int

	// Speed is the speaking rate multiplier; 1.0 is the voice's default.
	Speed float64

	// Encoding names the audio format requested from upstream (e.g. "pcm",
	// "mp3"). Audio is passed through as received.
	Encoding string

	// MaxTextLength bounds the input text in runes.
	MaxTextLength int
}

// ParamsPatch carries a partial update for a [Holder]. Nil fields are left
// unchanged.
type ParamsPatch struct {
	AccessToken   *string
	Endpoint      *string
	VoiceID       *string
	Enabled       *bool
	SampleRate    *int
	Channels      *int
	Speed         *float64
	Encoding      *string
	MaxTextLength *int
}

// IsEmpty reports whether the patch would not change anything.
func (p ParamsPatch) IsEmpty() bool {
	return p.AccessToken == nil && p.Endpoint == nil && p.VoiceID == nil &&
		p.Enabled == nil && p.SampleRate == nil && p.Channels == nil &&
		p.Speed == nil && p.Encoding == nil && p.MaxTextLength == nil
}

// Apply returns a copy of base with every non-nil field of p applied.
func (p ParamsPatch) Apply(base Params) Params {
	if p.AccessToken != nil {
		base.AccessToken = *p.AccessToken
	}
	if p.Endpoint != nil {
		base.Endpoint = *p.Endpoint
	}
	if p.VoiceID != nil {
		base.VoiceID = *p.VoiceID
	}
	if p.Enabled != nil {
		base.Enabled = *p.Enabled
	}
	if p.SampleRate != nil {
		base.SampleRate = *p.SampleRate
	}
	if p.Channels != nil {
		base.Channels = *p.Channels
	}
	if p.Speed != nil {
		base.Speed = *p.Speed
	}
	if p.Encoding != nil {
		base.Encoding = *p.Encoding
	}
	if p.MaxTextLength != nil {
		base.MaxTextLength = *p.MaxTextLength
	}
	return base
}

// Holder is the single point of mutation for the global synthesis
// parameters. It is safe for concurrent use.
type Holder struct {
	mu     sync.RWMutex
	params Params
}

// NewHolder returns a Holder initialised with p.
func NewHolder(p Params) *Holder {
	return &Holder{params: p}
}

// Snapshot returns a copy of the current parameters.
func (h *Holder) Snapshot() Params {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.params
}

// Update merges patch into the current parameters and returns the result.
// Readers never observe a partially applied patch.
func (h *Holder) Update(patch ParamsPatch) Params {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.params = patch.Apply(h.params)
	return h.params
}

