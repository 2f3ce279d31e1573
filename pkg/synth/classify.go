package synth

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"slices"

	"github.com/tidwall/gjson"
)

// Frame is one inbound message as delivered by a [Conn].
type Frame struct {
	// Binary is true for binary websocket frames. Binary frames are always
	// treated as raw audio.
	Binary bool
	Data   []byte
}

// MessageKind is the outcome of classifying a [Frame].
type MessageKind int

const (
	// MessageIgnored frames carry nothing the engine acts on.
	MessageIgnored MessageKind = iota
	MessageAudio
	MessageCompleted
	MessageFailed
)

func (k MessageKind) String() string {
	switch k {
	case MessageAudio:
		return "audio"
	case MessageCompleted:
		return "completed"
	case MessageFailed:
		return "failed"
	default:
		return "ignored"
	}
}

// Message is a classified inbound frame.
type Message struct {
	Kind MessageKind

	// Audio holds the decoded audio payload for MessageAudio.
	Audio []byte

	// Error is the upstream-provided failure message for MessageFailed. It may
	// be empty.
	Error string

	// Path is the field path the payload was read from. It is "" for raw
	// binary frames.
	Path string

	// Raw is true when the payload came from an unframed frame.
	Raw bool

	// Final is set when an audio event also marks the end of the stream.
	Final bool
}

// ClassifierConfig describes the upstream message schema. All paths use
// gjson syntax (dot separated, see https://github.com/tidwall/gjson).
type ClassifierConfig struct {
	// KindPaths are checked in order; the first string value found is the
	// event kind.
	KindPaths []string

	AudioKinds     []string
	CompletedKinds []string
	FailedKinds    []string

	// AudioPaths is the priority list of fields that may hold the base64
	// audio payload. The first present, non-empty string wins.
	AudioPaths []string

	// ErrorPaths is the priority list of fields that may hold the failure
	// message.
	ErrorPaths []string

	// FinalPaths name boolean fields that mark an audio event as the last
	// one of the stream.
	FinalPaths []string
}

// DefaultClassifierConfig returns the schema used when nothing else is
// configured. It recognises both the hyphenated and the dotted event names
// seen from streaming synthesis services.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		KindPaths:      []string{"kind", "type", "event"},
		AudioKinds:     []string{"audio-delta", "audio.delta", "response.audio.delta", "audio"},
		CompletedKinds: []string{"completed", "done", "response.done", "audio.done", "end"},
		FailedKinds:    []string{"failed", "error"},
		AudioPaths:     []string{"data", "audio", "delta", "data.audio", "payload.audio"},
		ErrorPaths:     []string{"error.message", "message", "error", "data.message"},
		FinalPaths:     []string{"isFinal", "is_final"},
	}
}

// FrameError reports a frame that could not be interpreted. The
// engine logs and drops such frames.
type FrameError struct {
	Reason string
	Path   string
	Err    error
}

func (e *FrameError) Error() string {
	msg := "synth: classify frame: " + e.Reason
	if e.Path != "" {
		msg += " (path " + e.Path + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FrameError) Unwrap() error { return e.Err }

// Is makes every FrameError match [ErrClassification].
func (e *FrameError) Is(target error) bool { return target == ErrClassification }

// Classifier turns inbound frames into [Message] values. It holds no
// per-session state and is safe for concurrent use.
type Classifier struct {
	cfg ClassifierConfig
}

// NewClassifier returns a Classifier for cfg. Empty lists fall back to the
// corresponding entry of [DefaultClassifierConfig].
func NewClassifier(cfg ClassifierConfig) *Classifier {
	def := DefaultClassifierConfig()
	if len(cfg.KindPaths) == 0 {
		cfg.KindPaths = def.KindPaths
	}
	if len(cfg.AudioKinds) == 0 {
		cfg.AudioKinds = def.AudioKinds
	}
	if len(cfg.CompletedKinds) == 0 {
		cfg.CompletedKinds = def.CompletedKinds
	}
	if len(cfg.FailedKinds) == 0 {
		cfg.FailedKinds = def.FailedKinds
	}
	if len(cfg.AudioPaths) == 0 {
		cfg.AudioPaths = def.AudioPaths
	}
	if len(cfg.ErrorPaths) == 0 {
		cfg.ErrorPaths = def.ErrorPaths
	}
	if len(cfg.FinalPaths) == 0 {
		cfg.FinalPaths = def.FinalPaths
	}
	return &Classifier{cfg: cfg}
}

// Config returns the effective schema.
func (c *Classifier) Config() ClassifierConfig { return c.cfg }

// Classify interprets f.
//
// Binary frames and text that is not a JSON object are raw audio. JSON
// objects are dispatched on their kind field. A zero-length audio payload
// yields MessageIgnored, not an error.
func (c *Classifier) Classify(f Frame) (Message, error) {
	if f.Binary || !isJSONObject(f.Data) {
		if len(f.Data) == 0 {
			return Message{Kind: MessageIgnored, Raw: true}, nil
		}
		return Message{Kind: MessageAudio, Audio: f.Data, Raw: true}, nil
	}

	doc := gjson.ParseBytes(f.Data)
	kind, kindPath := c.kind(doc)

	switch {
	case kindPath == "":
		// Untyped JSON: accept it as audio only if it carries an audio field.
		if _, path := c.firstString(doc, c.cfg.AudioPaths); path != "" {
			return c.audio(doc)
		}
		return Message{Kind: MessageIgnored}, nil
	case slices.Contains(c.cfg.AudioKinds, kind):
		return c.audio(doc)
	case slices.Contains(c.cfg.CompletedKinds, kind):
		return Message{Kind: MessageCompleted, Path: kindPath}, nil
	case slices.Contains(c.cfg.FailedKinds, kind):
		msg, path := c.firstString(doc, c.cfg.ErrorPaths)
		return Message{Kind: MessageFailed, Error: msg, Path: path}, nil
	default:
		return Message{Kind: MessageIgnored, Path: kindPath}, nil
	}
}

func (c *Classifier) kind(doc gjson.Result) (string, string) {
	for _, p := range c.cfg.KindPaths {
		if v := doc.Get(p); v.Type == gjson.String {
			return v.Str, p
		}
	}
	return "", ""
}

func (c *Classifier) audio(doc gjson.Result) (Message, error) {
	encoded, path := c.firstString(doc, c.cfg.AudioPaths)
	if path == "" {
		// An audio event whose payload fields are all present but empty is a
		// no-op; one with no payload field at all is malformed.
		for _, p := range c.cfg.AudioPaths {
			if doc.Get(p).Type == gjson.String {
				return Message{Kind: MessageIgnored, Path: p}, nil
			}
		}
		return Message{}, &FrameError{Reason: "audio event without payload"}
	}

	data, err := decodeBase64(encoded)
	if err != nil {
		return Message{}, &FrameError{Reason: "invalid base64 payload", Path: path, Err: err}
	}
	if len(data) == 0 {
		return Message{Kind: MessageIgnored, Path: path}, nil
	}

	msg := Message{Kind: MessageAudio, Audio: data, Path: path}
	for _, p := range c.cfg.FinalPaths {
		if v := doc.Get(p); v.Type == gjson.True {
			msg.Final = true
			break
		}
	}
	return msg, nil
}

// firstString returns the first non-empty string value among paths.
func (c *Classifier) firstString(doc gjson.Result, paths []string) (string, string) {
	for _, p := range paths {
		if v := doc.Get(p); v.Type == gjson.String && v.Str != "" {
			return v.Str, p
		}
	}
	return "", ""
}

func isJSONObject(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	return gjson.ValidBytes(trimmed)
}

func decodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return data, nil
	}
	if raw, rawErr := base64.RawStdEncoding.DecodeString(s); rawErr == nil {
		return raw, nil
	}
	return nil, fmt.Errorf("decode base64: %w", err)
}
