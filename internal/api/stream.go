package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/MrWong99/ttsrelay/internal/observe"
	"github.com/MrWong99/ttsrelay/pkg/synth"
)

// streamBuffer sizes the per-request feed subscription.
const streamBuffer = 32

// sseEvent is the data payload of one server-sent event. Audio is base64
// encoded by encoding/json.
type sseEvent struct {
	SessionID  string `json:"session_id"`
	Seq        int    `json:"seq"`
	VoiceID    string `json:"voice_id,omitempty"`
	TextLength int    `json:"text_length,omitempty"`
	Audio      []byte `json:"audio,omitempty"`
	Size       int    `json:"size,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Message    string `json:"message,omitempty"`
}

func writeSSE(w io.Writer, ev synth.Event) error {
	payload := sseEvent{
		SessionID:  ev.SessionID,
		Seq:        ev.Seq,
		VoiceID:    ev.VoiceID,
		TextLength: ev.TextLength,
		Audio:      ev.Audio,
		Size:       ev.Size,
	}
	switch ev.Kind {
	case synth.EventError:
		payload.ErrorKind = synth.KindOf(ev.Err).String()
		payload.Message = ev.Message
	case synth.EventCancelled:
		payload.ErrorKind = synth.Cancelled.String()
		payload.Message = synth.UserMessage(ev.Err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, data)
	return err
}

// handleStream handles POST /v1/tts/stream. Validation errors are returned
// as JSON; once the session started every notification is sent as an SSE
// event named after its kind, ending with the terminal one. The terminal
// event is always delivered because it is published before the session
// ends. Disconnecting cancels the session.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSynthesis(w, r)
	if !ok {
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()

	// Subscribe first so the started event cannot be missed.
	sub := s.engine.Subscribe(streamBuffer)
	defer sub.Close()

	sess, err := s.engine.Start(ctx, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-Session-ID", sess.ID())
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	log := observe.WithTrace(r.Context(), s.log).With("session_id", sess.ID())
	started := false
	for ev := range sub.C {
		if ev.SessionID != sess.ID() {
			continue
		}
		// Events of an earlier session with the same caller-chosen ID can
		// still be queued ahead of ours.
		if !started {
			if ev.Kind != synth.EventStarted {
				continue
			}
			started = true
		}
		if err := writeSSE(w, ev); err != nil {
			log.Debug("stream write failed", "err", err)
			sess.Cancel()
			<-sess.Done()
			return
		}
		if err := rc.Flush(); err != nil {
			log.Debug("stream flush failed", "err", err)
		}
		if ev.Kind.Terminal() {
			return
		}
	}
}
