package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tutu-network/fieldnet/internal/app/leaderboard"
	"github.com/tutu-network/fieldnet/internal/domain"
)

// ─── Referral API ───────────────────────────────────────────────────────────
//
// GET  /api/referrals/leaderboard?limit=&timeframe=  - top referrers
// POST /api/referrals                                - record a referral
// POST /api/referrals/{id}/status                    - advance a referral
// GET  /api/debug/spans?limit=                       - recent service spans

type statusRequest struct {
	Status domain.ReferralStatus `json:"status"`
}

// handleLeaderboard returns the ranked referrers.
// GET /api/referrals/leaderboard?limit=10&timeframe=month
func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r, 0)
	if !ok {
		return
	}
	tf := domain.Timeframe(r.URL.Query().Get("timeframe"))
	if tf == "" {
		tf = domain.TimeframeAll
	}

	entries, err := s.svc.Leaderboard(r.Context(), limit, tf)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.LeaderboardEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"timeframe": tf,
		"entries":   entries,
	})
}

func (s *Server) handleRecordReferral(w http.ResponseWriter, r *http.Request) {
	var req leaderboard.RecordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	rec, err := s.svc.RecordReferral(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleReferralStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	rec, err := s.svc.UpdateReferralStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleSpans returns the most recent service spans.
// GET /api/debug/spans?limit=100
func (s *Server) handleSpans(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r, 100)
	if !ok {
		return
	}
	tracer := s.svc.Tracer()
	writeJSON(w, http.StatusOK, map[string]any{
		"spans": tracer.Spans(limit),
		"total": tracer.SpanCount(),
	})
}

// queryLimit parses ?limit=, writing a 400 when it is not a positive
// integer. An absent limit yields def.
func queryLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		writeErrorBody(w, http.StatusBadRequest, map[string]any{
			"message": "limit must be a positive integer",
			"type":    errorType(http.StatusBadRequest),
			"field":   "limit",
		})
		return 0, false
	}
	return n, true
}
