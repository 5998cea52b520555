package httpapi

import (
	"net/http"
	"strconv"

	"github.com/antoniostano/aetherium/internal/usage"
)

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.StageSnapshot())
}

func (s *Server) handleResetPerfLatency(w http.ResponseWriter, _ *http.Request) {
	s.metrics.ResetStages()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	if s.usage == nil {
		respondJSON(w, http.StatusOK, map[string]any{"records": []usage.Record{}})
		return
	}

	records, err := s.usage.Recent(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("usage query failed")
		respondError(w, http.StatusInternalServerError, "internal_error", "usage query failed")
		return
	}
	if records == nil {
		records = []usage.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"records": records})
}
