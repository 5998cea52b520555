package httpapi

import (
	"errors"
	"net/http"

	"github.com/antoniostano/aetherium/internal/protocol"
	"github.com/antoniostano/aetherium/internal/session"
	"github.com/antoniostano/aetherium/internal/voice"
)

type sendTurnRequest struct {
	Text string `json:"text"`
}

type sendTurnResponse struct {
	SessionID string `json:"session_id"`
}

type stopResponse struct {
	Stopped bool             `json:"stopped"`
	Session *session.Session `json:"session,omitempty"`
}

func (s *Server) handleSendTurn(w http.ResponseWriter, r *http.Request) {
	var req sendTurnRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	id, err := s.pipeline.SendTurn(r.Context(), req.Text)
	switch {
	case errors.Is(err, voice.ErrEmptyInput):
		respondError(w, http.StatusBadRequest, "empty_input", err.Error())
		return
	case errors.Is(err, voice.ErrNotRunning):
		respondError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, sendTurnResponse{SessionID: id})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sess, err := s.pipeline.Stop(r.Context())
	switch {
	case errors.Is(err, session.ErrNoActiveSession):
		respondJSON(w, http.StatusOK, stopResponse{Stopped: false})
		return
	case errors.Is(err, voice.ErrNotRunning):
		respondError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stopResponse{Stopped: true, Session: &sess})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.Reset(r.Context()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, voice.ErrNotRunning) {
			status = http.StatusServiceUnavailable
		}
		respondError(w, status, "reset_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleMessages(w http.ResponseWriter, _ *http.Request) {
	msgs := s.pipeline.Messages()
	out := make([]protocol.MessageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, protocol.NewMessageView(m))
	}
	respondJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.pipeline.State())
}
