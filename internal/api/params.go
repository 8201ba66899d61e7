package api

import (
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/voltguard/voltguard/internal/errors"
)

// pagination reads skip/limit, silently clamping limit to the cap.
func pagination(r *http.Request, cap int) (skip, limit int) {
	skip = intParam(r, "skip", 0)
	if skip < 0 {
		skip = 0
	}
	limit = intParam(r, "limit", cap)
	if limit <= 0 || limit > cap {
		limit = cap
	}
	return skip, limit
}

func intParam(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func boolParam(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}

// timeParam parses an ISO-8601 timestamp, treating a bare value as UTC.
func timeParam(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			utc := t.UTC()
			return &utc, nil
		}
	}
	return nil, apperrors.New(apperrors.KindValidation, "api.params",
		"Invalid timestamp for "+name+": expected ISO-8601")
}
