// Package api is the versioned HTTP surface. It composes the store,
// auth service, ingest pipeline, evaluator, hub, and RUL client behind
// a chi router at /api/v1.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voltguard/voltguard/internal/alerts"
	"github.com/voltguard/voltguard/internal/auth"
	"github.com/voltguard/voltguard/internal/ingest"
	"github.com/voltguard/voltguard/internal/ratelimit"
	"github.com/voltguard/voltguard/internal/rul"
	"github.com/voltguard/voltguard/internal/store"
	"github.com/voltguard/voltguard/internal/websocket"
)

// Version is stamped at build time.
var Version = "dev"

// Server holds the wired components behind the router.
type Server struct {
	store     *store.Store
	auth      *auth.Service
	pipeline  *ingest.Pipeline
	evaluator *alerts.Evaluator
	hub       *websocket.Hub
	rul       *rul.Client

	loginLimiter    *ratelimit.Registry
	apiLimiter      *ratelimit.Registry
	producerLimiter *ratelimit.Registry
}

// Deps are the constructor inputs for the server.
type Deps struct {
	Store     *store.Store
	Auth      *auth.Service
	Pipeline  *ingest.Pipeline
	Evaluator *alerts.Evaluator
	Hub       *websocket.Hub
	RUL       *rul.Client

	LoginLimiter    *ratelimit.Registry
	APILimiter      *ratelimit.Registry
	ProducerLimiter *ratelimit.Registry
}

// NewServer wires the handler graph.
func NewServer(deps Deps) *Server {
	return &Server{
		store:           deps.Store,
		auth:            deps.Auth,
		pipeline:        deps.Pipeline,
		evaluator:       deps.Evaluator,
		hub:             deps.Hub,
		rul:             deps.RUL,
		loginLimiter:    deps.LoginLimiter,
		apiLimiter:      deps.APILimiter,
		producerLimiter: deps.ProducerLimiter,
	}
}

// Router builds the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(recoverPanic)
	r.Use(accessLog)

	// Unauthenticated surface.
	r.Get("/health", s.handleHealth)
	r.Get("/health/ready", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	// Live feed; the hub authenticates at the handshake itself so it
	// can answer with its own close codes.
	r.Get("/ws", s.hub.HandleWebSocket)
	r.Get("/socket.io", s.hub.HandleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/refresh", s.handleRefresh)
		r.Post("/auth/logout", s.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Use(s.rateLimitUser)

			r.Get("/auth/me", s.handleMe)
			r.Post("/auth/change-password", s.handleChangePassword)

			r.Route("/auth/users", func(r chi.Router) {
				r.Use(requireAdmin)
				r.Get("/", s.handleListUsers)
				r.Post("/", s.handleCreateUser)
				r.Patch("/{id}", s.handleUpdateUser)
				r.Delete("/{id}", s.handleDeleteUser)
			})

			r.Get("/locations", s.handleListSites)
			r.Get("/locations/{id}", s.handleGetSite)
			r.Get("/locations/{id}/batteries", s.handleSiteBatteries)
			r.With(requireAdmin).Post("/locations", s.handleCreateSite)

			r.Get("/batteries", s.handleListBatteries)
			r.Get("/batteries/{id}", s.handleGetBattery)
			r.Get("/batteries/{id}/telemetry", s.handleBatteryTelemetry)
			r.Get("/batteries/{id}/rul", s.handleBatteryRUL)

			r.With(requireOperator).Post("/telemetry/ingest", s.handleIngest)

			r.Get("/alerts", s.handleListAlerts)
			r.Get("/alerts/stats", s.handleAlertStats)
			r.With(requireOperator).Post("/alerts/{id}/acknowledge", s.handleAcknowledgeAlert)
			r.With(requireOperator).Post("/alerts/{id}/resolve", s.handleResolveAlert)
		})
	})

	return r
}
