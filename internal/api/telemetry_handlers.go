package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/voltguard/voltguard/internal/errors"
	"github.com/voltguard/voltguard/internal/ingest"
	"github.com/voltguard/voltguard/internal/models"
	"github.com/voltguard/voltguard/internal/store"
)

type ingestRequest struct {
	Samples []models.TelemetrySample `json:"samples"`
}

type ingestResponse struct {
	Accepted int    `json:"accepted"`
	Message  string `json:"message"`
}

// handleIngest is the producer endpoint. The producer bucket is charged
// per sample, so a large batch consumes proportionally. The charge is
// capped at the batch-size limit: an oversized batch still gets its 400
// from validation instead of an unservable 429.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeBody(r, &req); err != nil {
		writeUnprocessable(w, apperrors.DetailOf(err))
		return
	}

	user := userFrom(r.Context())
	charge := min(max(len(req.Samples), 1), ingest.MaxBatchSize)
	if ok, retryAfter := s.producerLimiter.AllowN(user.ID, charge); !ok {
		writeRateLimited(w, retryAfterSeconds(retryAfter))
		return
	}

	accepted, err := s.pipeline.Ingest(r.Context(), req.Samples)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ingestResponse{
		Accepted: accepted,
		Message:  "Batch accepted",
	})
}

// handleBatteryTelemetry serves a time range of samples, defaulting to
// the last 24 hours, oldest first.
func (s *Server) handleBatteryTelemetry(w http.ResponseWriter, r *http.Request) {
	batteryID := chi.URLParam(r, "id")
	if _, err := s.store.GetBattery(r.Context(), batteryID); err != nil {
		writeError(w, r, err)
		return
	}

	start, err := timeParam(r, "start")
	if err != nil {
		writeError(w, r, err)
		return
	}
	end, err := timeParam(r, "end")
	if err != nil {
		writeError(w, r, err)
		return
	}

	now := time.Now().UTC()
	if end == nil {
		end = &now
	}
	if start == nil {
		dayAgo := end.Add(-24 * time.Hour)
		start = &dayAgo
	}
	if start.After(*end) {
		writeError(w, r, apperrors.New(apperrors.KindValidation, "api.telemetry",
			"start must not be after end"))
		return
	}

	limit := intParam(r, "limit", store.MaxRangeRows)
	samples, err := s.store.RangeSamples(r.Context(), batteryID, *start, *end, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, samples)
}
