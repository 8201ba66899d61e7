package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/voltguard/voltguard/internal/errors"
	"github.com/voltguard/voltguard/internal/models"
	"github.com/voltguard/voltguard/internal/store"
)

func (s *Server) handleListSites(w http.ResponseWriter, r *http.Request) {
	sites, err := s.store.ListSites(r.Context(), boolParam(r, "include_stats"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sites)
}

func (s *Server) handleGetSite(w http.ResponseWriter, r *http.Request) {
	site, err := s.store.GetSite(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, site)
}

func (s *Server) handleSiteBatteries(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "id")
	if _, err := s.store.GetSite(r.Context(), siteID); err != nil {
		writeError(w, r, err)
		return
	}

	skip, limit := pagination(r, store.MaxListRows)
	batteries, err := s.store.ListBatteries(r.Context(), store.BatteryFilter{
		SiteID: siteID,
		Skip:   skip,
		Limit:  limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batteries)
}

func (s *Server) handleCreateSite(w http.ResponseWriter, r *http.Request) {
	var site models.Site
	if err := decodeBody(r, &site); err != nil {
		writeUnprocessable(w, apperrors.DetailOf(err))
		return
	}
	if err := s.store.CreateSite(r.Context(), &site); err != nil {
		writeError(w, r, err)
		return
	}
	// New topology invalidates cached battery->site routing.
	s.hub.InvalidateTopology()
	writeJSON(w, http.StatusCreated, site)
}

func (s *Server) handleListBatteries(w http.ResponseWriter, r *http.Request) {
	skip, limit := pagination(r, store.MaxListRows)
	batteries, err := s.store.ListBatteries(r.Context(), store.BatteryFilter{
		SiteID: r.URL.Query().Get("location_id"),
		Skip:   skip,
		Limit:  limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batteries)
}

func (s *Server) handleGetBattery(w http.ResponseWriter, r *http.Request) {
	battery, err := s.store.GetBattery(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, battery)
}
