// Package natsbridge republishes engine notifications onto NATS subjects so
// that other services can follow synthesis sessions without polling.
//
// Each event is published as JSON on "<prefix>.<kind>", for example
// "ttsrelay.tts.chunk". Audio bytes are never forwarded; chunk events carry
// sizes only.
package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MrWong99/ttsrelay/internal/config"
	"github.com/MrWong99/ttsrelay/pkg/synth"
)

// Publisher is the subset of [*nats.Conn] the bridge needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// Message is the JSON body of a bridged notification.
type Message struct {
	SessionID  string    `json:"session_id"`
	Seq        int       `json:"seq"`
	Kind       string    `json:"kind"`
	VoiceID    string    `json:"voice_id,omitempty"`
	TextLength int       `json:"text_length,omitempty"`
	ChunkSize  int       `json:"chunk_size,omitempty"`
	Size       int       `json:"size,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Message    string    `json:"message,omitempty"`
	Time       time.Time `json:"time"`
}

// Encode converts ev into its wire form.
func Encode(ev synth.Event) ([]byte, error) {
	m := Message{
		SessionID:  ev.SessionID,
		Seq:        ev.Seq,
		Kind:       ev.Kind.String(),
		VoiceID:    ev.VoiceID,
		TextLength: ev.TextLength,
		Size:       ev.Size,
		Time:       ev.Time.UTC(),
	}
	switch ev.Kind {
	case synth.EventChunk:
		m.ChunkSize = len(ev.Audio)
	case synth.EventError:
		m.ErrorKind = synth.KindOf(ev.Err).String()
		m.Message = ev.Message
	case synth.EventCancelled:
		m.ErrorKind = synth.Cancelled.String()
	}
	return json.Marshal(m)
}

// Bridge forwards events to a [Publisher].
type Bridge struct {
	pub    Publisher
	conn   *nats.Conn
	prefix string
	log    *slog.Logger
}

// New returns a bridge publishing through pub.
func New(pub Publisher, prefix string, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	if prefix == "" {
		prefix = config.DefaultSubjectPrefix
	}
	b := &Bridge{pub: pub, prefix: prefix, log: log.With("component", "natsbridge")}
	if c, ok := pub.(*nats.Conn); ok {
		b.conn = c
	}
	return b
}

// Connect dials the NATS server described by cfg.
func Connect(cfg config.NATSConfig, log *slog.Logger) (*Bridge, error) {
	if cfg.URL == "" {
		return nil, errors.New("natsbridge: no server URL configured")
	}
	opts := []nats.Option{
		nats.Name("ttsrelay"),
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnectTimeout))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("natsbridge: connect to %s: %w", cfg.URL, err)
	}
	b := New(conn, cfg.SubjectPrefix, log)
	b.log.Info("connected to NATS", "url", conn.ConnectedUrlRedacted(), "prefix", b.prefix)
	return b, nil
}

// Subject returns the subject events of kind k are published on.
func (b *Bridge) Subject(k synth.EventKind) string {
	return b.prefix + "." + k.String()
}

// Run publishes every event from events until the channel is closed or ctx
// ends. Events already buffered when ctx ends are still published. Publish
// failures are logged and skipped.
func (b *Bridge) Run(ctx context.Context, events <-chan synth.Event) error {
	defer b.flush()
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						return ctx.Err()
					}
					b.forward(ev)
				default:
					return ctx.Err()
				}
			}
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			b.forward(ev)
		}
	}
}

func (b *Bridge) forward(ev synth.Event) {
	data, err := Encode(ev)
	if err != nil {
		b.log.Warn("failed to encode event", "session_id", ev.SessionID, "err", err)
		return
	}
	subj := b.Subject(ev.Kind)
	if err := b.pub.Publish(subj, data); err != nil {
		b.log.Warn("failed to publish event", "subject", subj, "session_id", ev.SessionID, "err", err)
	}
}

func (b *Bridge) flush() {
	if b.conn == nil {
		return
	}
	if err := b.conn.FlushTimeout(2 * time.Second); err != nil {
		b.log.Debug("flush on shutdown failed", "err", err)
	}
}

// Ping fails unless the underlying connection is established. Bridges built
// on a plain [Publisher] are always healthy.
func (b *Bridge) Ping(context.Context) error {
	if b.conn == nil {
		return nil
	}
	if s := b.conn.Status(); s != nats.CONNECTED {
		return fmt.Errorf("nats connection %s", s)
	}
	return nil
}

// Close drains and closes the NATS connection, if the bridge owns one.
func (b *Bridge) Close() {
	if b.conn == nil {
		return
	}
	b.log.Info("closing NATS connection")
	_ = b.conn.Drain()
}
