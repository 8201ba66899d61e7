package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/voltguard/voltguard/internal/errors"
	"github.com/voltguard/voltguard/internal/logging"
)

// errorEnvelope is the single error shape every endpoint returns.
type errorEnvelope struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError maps an error kind to its HTTP status and emits the
// envelope. Fatal details never leave the process; the log gets the
// full error with the request correlation id.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperrors.KindOf(err)
	status := statusFor(kind)
	detail := apperrors.DetailOf(err)

	if kind == apperrors.KindFatal || status == http.StatusInternalServerError {
		log.Error().Err(err).
			Str("request_id", logging.RequestID(r.Context())).
			Str("path", r.URL.Path).
			Msg("Request failed")
		detail = "Internal server error"
	}

	writeJSON(w, status, errorEnvelope{Detail: detail})
}

// writeConflictAsBadRequest is for the acknowledge/resolve commands,
// where a repeat returns 400 rather than 409.
func writeConflictAsBadRequest(w http.ResponseWriter, r *http.Request, err error) {
	if apperrors.KindOf(err) == apperrors.KindConflict {
		writeJSON(w, http.StatusBadRequest, errorEnvelope{Detail: apperrors.DetailOf(err)})
		return
	}
	writeError(w, r, err)
}

func writeRateLimited(w http.ResponseWriter, retryAfterSec int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	writeJSON(w, http.StatusTooManyRequests, errorEnvelope{Detail: "Rate limit exceeded"})
}

// retryAfterSeconds rounds a wait up to whole seconds, minimum one.
func retryAfterSeconds(wait time.Duration) int {
	sec := int((wait + time.Second - 1) / time.Second)
	if sec < 1 {
		sec = 1
	}
	return sec
}

func statusFor(kind apperrors.Kind) int {
	switch kind {
	case apperrors.KindValidation:
		return http.StatusBadRequest
	case apperrors.KindUnauthorized:
		return http.StatusUnauthorized
	case apperrors.KindForbidden:
		return http.StatusForbidden
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindConflict:
		return http.StatusConflict
	case apperrors.KindRateLimited:
		return http.StatusTooManyRequests
	case apperrors.KindTransient, apperrors.KindDegraded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody parses a JSON request body, surfacing malformed input as a
// 422-style validation failure.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, "api.decode", "Request body is not valid JSON", err)
	}
	return nil
}

// writeUnprocessable is for body-shape failures per the contract (422).
func writeUnprocessable(w http.ResponseWriter, detail string) {
	writeJSON(w, http.StatusUnprocessableEntity, errorEnvelope{Detail: detail})
}
