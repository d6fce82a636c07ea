package archive

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

const defaultListLimit = 100

func (s *Service) ConfigureHTTP(r *mux.Router) {
	s.logger.Info("configuring routes")
	r.HandleFunc("/api/v1/events", s.handleListEvents).Methods(http.MethodGet)
}

func (s *Service) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultListLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	evs, err := s.Events(r.Context(), q.Get("agent"), q.Get("type"), limit)
	if err != nil {
		s.logger.With("error", err).Error("failed to list events")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": evs,
		"count":  len(evs),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
