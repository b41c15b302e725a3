package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tutu-network/fieldnet/internal/domain"
)

// ─── Network API ────────────────────────────────────────────────────────────
//
// POST /api/distributors                   - enroll under a sponsor code
// GET  /api/distributors/{id}              - distributor record
// GET  /api/distributors/{id}/rank         - rank, activity and volumes in PV
// GET  /api/distributors/{id}/team         - direct sponsor-tree recruits
// GET  /api/distributors/{id}/commissions  - ledger entries, newest first
// POST /api/distributors/{id}/sales        - record a sale and pay commissions

type enrollRequest struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	SponsorCode string `json:"sponsor_code"`
}

type saleRequest struct {
	Amount int64           `json:"amount"` // minor units
	Type   domain.SaleType `json:"type"`
}

// handleEnroll enrolls a distributor.
// POST /api/distributors
func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	d, err := s.svc.EnrollDistributor(r.Context(), req.UserID, req.DisplayName, req.SponsorCode)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleGetDistributor(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.GetDistributor(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleGetRank(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.GetRank(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleGetTeam(w http.ResponseWriter, r *http.Request) {
	team, err := s.svc.GetTeam(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if team == nil {
		team = []domain.Distributor{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"team":  team,
		"count": len(team),
	})
}

// handleCommissions lists ledger entries.
// GET /api/distributors/{id}/commissions?limit=50
func (s *Server) handleCommissions(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r, 50)
	if !ok {
		return
	}

	entries, err := s.svc.Commissions(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.CommissionLedgerEntry{}
	}
	var total int64
	for _, e := range entries {
		total += e.Amount
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"total":   total,
	})
}

// handleRecordSale records a sale.
// POST /api/distributors/{id}/sales
func (s *Server) handleRecordSale(w http.ResponseWriter, r *http.Request) {
	var req saleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if req.Type == "" {
		req.Type = domain.SalePersonal
	}
	out, err := s.svc.RecordSale(r.Context(), chi.URLParam(r, "id"), req.Amount, req.Type)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if out.Entries == nil {
		out.Entries = []domain.CommissionLedgerEntry{}
	}
	writeJSON(w, http.StatusCreated, out)
}
