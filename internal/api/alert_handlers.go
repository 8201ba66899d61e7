package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/voltguard/voltguard/internal/errors"
	"github.com/voltguard/voltguard/internal/models"
	"github.com/voltguard/voltguard/internal/store"
)

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	skip, limit := pagination(r, store.MaxListRows)

	start, err := timeParam(r, "start_date")
	if err != nil {
		writeError(w, r, err)
		return
	}
	end, err := timeParam(r, "end_date")
	if err != nil {
		writeError(w, r, err)
		return
	}

	filter := store.AlertFilter{
		SiteID:     r.URL.Query().Get("location_id"),
		BatteryID:  r.URL.Query().Get("battery_id"),
		Severity:   models.Severity(r.URL.Query().Get("severity")),
		Kind:       models.AlertKind(r.URL.Query().Get("alert_type")),
		ActiveOnly: boolParam(r, "active_only"),
		Start:      start,
		End:        end,
		Skip:       skip,
		Limit:      limit,
	}
	if raw := r.URL.Query().Get("acknowledged"); raw != "" {
		v := raw == "true" || raw == "1"
		filter.Acknowledged = &v
	}

	alerts, err := s.store.ListAlerts(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleAlertStats(w http.ResponseWriter, r *http.Request) {
	days := intParam(r, "days", 30)
	stats, err := s.store.AlertStats(r.Context(), r.URL.Query().Get("location_id"), days)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type acknowledgeRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	var req acknowledgeRequest
	// The body is optional for acknowledge.
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeUnprocessable(w, apperrors.DetailOf(err))
			return
		}
	}

	user := userFrom(r.Context())
	alert, err := s.store.AcknowledgeAlert(r.Context(), chi.URLParam(r, "id"), user.ID, req.Note, time.Now().UTC())
	if err != nil {
		writeConflictAsBadRequest(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.store.ResolveAlert(r.Context(), chi.URLParam(r, "id"), time.Now().UTC())
	if err != nil {
		writeConflictAsBadRequest(w, r, err)
		return
	}

	// Keep the evaluator's view in sync and announce the resolution.
	if s.evaluator != nil {
		s.evaluator.NotifyResolved(alert.BatteryID, alert.Kind)
	}
	if s.hub != nil {
		s.hub.PublishAlert(alert)
	}
	writeJSON(w, http.StatusOK, alert)
}
