package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// handleBatteryRUL proxies to the external inference service through
// the circuit breaker. A degraded result still returns 200 so dashboards
// keep rendering during an outage; the payload carries degraded:true.
func (s *Server) handleBatteryRUL(w http.ResponseWriter, r *http.Request) {
	batteryID := chi.URLParam(r, "id")
	if _, err := s.store.GetBattery(r.Context(), batteryID); err != nil {
		writeError(w, r, err)
		return
	}

	history, err := s.store.RecentSamples(r.Context(), batteryID, time.Now().Add(-24*time.Hour), 128)
	if err != nil {
		writeError(w, r, err)
		return
	}

	result, err := s.rul.Predict(r.Context(), batteryID, history)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if !result.Degraded && s.evaluator != nil {
		s.evaluator.ObserveRUL(r.Context(), batteryID, result.RULDays, time.Now().UTC())
	}
	writeJSON(w, http.StatusOK, result)
}
