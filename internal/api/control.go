package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/MrWong99/ttsrelay/internal/config"
	"github.com/MrWong99/ttsrelay/internal/journal"
	"github.com/MrWong99/ttsrelay/pkg/synth"
)

// maxChannels mirrors the config validation bound.
const maxChannels = 8

type stopResponse struct {
	Stopped bool `json:"stopped"`
}

// handleStop handles POST /v1/tts/stop. It returns immediately; the session
// winds down in the background.
func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	stopped := s.engine.Stop()
	if stopped {
		s.log.Info("active session stopped by request")
	}
	writeJSON(w, http.StatusOK, stopResponse{Stopped: stopped})
}

type statusResponse struct {
	Active    bool   `json:"active"`
	State     string `json:"state"`
	SessionID string `json:"session_id,omitempty"`
}

// handleStatus handles GET /v1/tts/status.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.engine.Status()
	writeJSON(w, http.StatusOK, statusResponse{
		Active:    st.Active,
		State:     st.State.String(),
		SessionID: st.SessionID,
	})
}

// configView is the public form of [synth.Params]. The access token is
// write-only.
type configView struct {
	VoiceID        string  `json:"voice_id"`
	Enabled        bool    `json:"enabled"`
	SampleRate     int     `json:"sample_rate"`
	Channels       int     `json:"channels"`
	Speed          float64 `json:"speed"`
	Encoding       string  `json:"encoding"`
	MaxTextLength  int     `json:"max_text_length"`
	AccessTokenSet bool    `json:"access_token_set"`
}

func viewOf(p synth.Params) configView {
	return configView{
		VoiceID:        p.VoiceID,
		Enabled:        p.Enabled,
		SampleRate:     p.SampleRate,
		Channels:       p.Channels,
		Speed:          p.Speed,
		Encoding:       p.Encoding,
		MaxTextLength:  p.MaxTextLength,
		AccessTokenSet: p.AccessToken != "",
	}
}

// handleGetConfig handles GET /v1/tts/config.
func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, viewOf(s.engine.Config()))
}

// configPatch is the JSON body for PATCH /v1/tts/config. Absent fields are
// left unchanged.
type configPatch struct {
	AccessToken *string  `json:"access_token"`
	VoiceID     *string  `json:"voice_id"`
	Enabled     *bool    `json:"enabled"`
	SampleRate  *int     `json:"sample_rate"`
	Channels    *int     `json:"channels"`
	Speed       *float64 `json:"speed"`
	Encoding    *string  `json:"encoding"`
}

func (s *Server) validatePatch(p configPatch) error {
	var errs []error
	if p.Speed != nil {
		if msg := s.checkSpeed(*p.Speed); msg != "" {
			errs = append(errs, errors.New(msg))
		}
	}
	if p.SampleRate != nil && *p.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample_rate must be positive, got %d", *p.SampleRate))
	}
	if p.Channels != nil && (*p.Channels < 1 || *p.Channels > maxChannels) {
		errs = append(errs, fmt.Errorf("channels must be between 1 and %d, got %d", maxChannels, *p.Channels))
	}
	if p.Encoding != nil && !config.Encoding(*p.Encoding).IsValid() {
		errs = append(errs, fmt.Errorf("unsupported encoding %q", *p.Encoding))
	}
	return errors.Join(errs...)
}

// handlePatchConfig handles PATCH /v1/tts/config. Changes apply to sessions
// started afterwards; a running session keeps its snapshot.
func (s *Server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	var body configPatch
	if err := decodeJSON(w, r, &body); err != nil {
		writeProblem(w, http.StatusBadRequest, synth.InvalidArgument.String(), err.Error())
		return
	}
	if err := s.validatePatch(body); err != nil {
		writeProblem(w, http.StatusBadRequest, synth.InvalidArgument.String(), err.Error())
		return
	}

	patch := synth.ParamsPatch{
		AccessToken: body.AccessToken,
		VoiceID:     body.VoiceID,
		Enabled:     body.Enabled,
		SampleRate:  body.SampleRate,
		Channels:    body.Channels,
		Speed:       body.Speed,
		Encoding:    body.Encoding,
	}
	p := s.engine.Config()
	if !patch.IsEmpty() {
		p = s.engine.UpdateConfig(patch)
	}
	writeJSON(w, http.StatusOK, viewOf(p))
}

// ── Journal ──────────────────────────────────────────────────────────────────

type sessionsResponse struct {
	Sessions []journal.Entry `json:"sessions"`
}

// handleListSessions handles GET /v1/tts/sessions?limit=N.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeProblem(w, http.StatusBadRequest, synth.InvalidArgument.String(), "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	entries, err := s.sessions.Recent(r.Context(), limit)
	if err != nil {
		s.log.Error("failed to list sessions", "err", err)
		writeProblem(w, http.StatusInternalServerError, "internal", "failed to read session journal")
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: entries})
}

// handleGetSession handles GET /v1/tts/sessions/{id}.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	e, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, journal.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "not_found", "no such session")
	case err != nil:
		s.log.Error("failed to read session", "err", err)
		writeProblem(w, http.StatusInternalServerError, "internal", "failed to read session journal")
	default:
		writeJSON(w, http.StatusOK, e)
	}
}
