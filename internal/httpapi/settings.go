package httpapi

import (
	"errors"
	"net/http"

	"github.com/antoniostano/aetherium/internal/voice"
	"github.com/antoniostano/aetherium/internal/voicevox"
)

type listModelsResponse struct {
	Selected string   `json:"selected"`
	Models   []string `json:"models"`
}

type listSpeakersResponse struct {
	Selected int              `json:"selected"`
	Speakers []voicevox.Voice `json:"speakers"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.pipeline.Settings())
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req voice.SettingsUpdate
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	updated, err := s.pipeline.UpdateSettings(req)
	if err != nil {
		if errors.Is(err, voice.ErrInvalidSettings) {
			respondError(w, http.StatusBadRequest, "invalid_settings", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

// Listings never fail: an unreachable service answers with an empty list.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models := s.pipeline.RefreshModels(r.Context())
	respondJSON(w, http.StatusOK, listModelsResponse{
		Selected: s.pipeline.Settings().Model,
		Models:   models,
	})
}

func (s *Server) handleListSpeakers(w http.ResponseWriter, r *http.Request) {
	speakers := s.pipeline.RefreshSpeakers(r.Context())
	respondJSON(w, http.StatusOK, listSpeakersResponse{
		Selected: s.pipeline.Settings().SpeakerID,
		Speakers: speakers,
	})
}
