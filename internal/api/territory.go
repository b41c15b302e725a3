package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tutu-network/fieldnet/internal/app/pricing"
	"github.com/tutu-network/fieldnet/internal/app/territory"
	"github.com/tutu-network/fieldnet/internal/domain"
)

// ─── Territory API ──────────────────────────────────────────────────────────
//
// GET  /api/territories/availability?lat=&lng=&radius=  - overlap check
// POST /api/territories/price                          - deterministic quote
// POST /api/territories/applications                   - priced pending application
// GET  /api/territories/applications/{id}              - application or claim
// POST /api/territories/applications/{id}/{action}     - submit|review|approve|reject|expire

// handleAvailability checks a circle against active claims.
// GET /api/territories/availability?lat=30.2&lng=-97.7&radius=5
func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var coords [3]float64
	for i, name := range []string{"lat", "lng", "radius"} {
		v, err := strconv.ParseFloat(q.Get(name), 64)
		if err != nil {
			s.writeServiceError(w, r, domain.Invalid(name, "must be a number"))
			return
		}
		coords[i] = v
	}

	avail, err := s.svc.CheckTerritoryAvailability(r.Context(), coords[0], coords[1], coords[2])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if avail.Overlapping == nil {
		avail.Overlapping = []domain.TerritoryRef{}
	}
	writeJSON(w, http.StatusOK, avail)
}

// handlePrice quotes a territory.
// POST /api/territories/price
func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	var in pricing.Input
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out, err := s.svc.PriceTerritory(r.Context(), in)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	var req territory.ApplyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	t, err := s.svc.ApplyForTerritory(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTerritory(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.GetTerritory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleAdvanceTerritory applies a workflow action. An approval that
// collides with an active claim answers 409 with the conflicts listed.
func (s *Server) handleAdvanceTerritory(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.AdvanceTerritory(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "action"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
