package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	apperrors "github.com/voltguard/voltguard/internal/errors"
	"github.com/voltguard/voltguard/internal/logging"
	"github.com/voltguard/voltguard/internal/metrics"
	"github.com/voltguard/voltguard/internal/models"
)

type contextKey string

const userContextKey contextKey = "voltguard.user"

// requestID attaches a correlation id to the context and echoes it in
// the response header.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, id := logging.WithRequestID(r.Context(), r.Header.Get("X-Request-ID"))
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// recoverPanic converts a handler panic into a 500 with the opaque
// envelope; the panic value and stack go to the log only.
func recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).
					Str("request_id", logging.RequestID(r.Context())).
					Str("path", r.URL.Path).
					Msg("Handler panicked")
				writeJSON(w, http.StatusInternalServerError, errorEnvelope{Detail: "Internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// accessLog records every request with its status, duration and
// correlation id, and feeds the HTTP metrics.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		metrics.RecordHTTPRequest(r.Method, route, ww.Status(), elapsed)

		event := log.Info()
		if ww.Status() >= 500 {
			event = log.Error()
		}
		event.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", elapsed).
			Str("request_id", logging.RequestID(r.Context())).
			Msg("Request")
	})
}

// requireAuth validates the bearer token and stows the user in the
// request context. Missing or bad tokens are 401, never 403.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearer(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, errorEnvelope{Detail: "Not authenticated"})
			return
		}
		user, err := s.auth.Resolve(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorEnvelope{Detail: apperrors.DetailOf(err)})
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// userFrom returns the authenticated user placed by requireAuth.
func userFrom(ctx context.Context) *models.User {
	user, _ := ctx.Value(userContextKey).(*models.User)
	return user
}

// requireOperator gates commands to engineer and admin roles.
func requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := userFrom(r.Context())
		if user == nil || !user.Role.CanOperate() {
			writeJSON(w, http.StatusForbidden, errorEnvelope{Detail: "Engineer access required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAdmin gates user management.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := userFrom(r.Context())
		if user == nil || user.Role != models.RoleAdmin {
			writeJSON(w, http.StatusForbidden, errorEnvelope{Detail: "Admin access required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitUser enforces the per-user API bucket on authenticated
// routes.
func (s *Server) rateLimitUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := userFrom(r.Context())
		if user != nil {
			if ok, retryAfter := s.apiLimiter.Allow(user.ID); !ok {
				writeRateLimited(w, retryAfterSeconds(retryAfter))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func extractBearer(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return ""
}
