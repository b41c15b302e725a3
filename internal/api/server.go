// Package api provides the HTTP server for fieldnet.
// It exposes the distributor network, territory and referral operations as
// JSON endpoints under /api.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tutu-network/fieldnet/internal/app/service"
	"github.com/tutu-network/fieldnet/internal/domain"
	"github.com/tutu-network/fieldnet/internal/infra/observability"
)

// Options tunes the HTTP surface.
type Options struct {
	RateLimitRPS   float64       // per client IP; 0 disables limiting
	RateLimitBurst int           // bucket size
	RequestTimeout time.Duration // per request deadline
	Metrics        bool          // serve /metrics
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		RateLimitRPS:   20,
		RateLimitBurst: 40,
		RequestTimeout: 30 * time.Second,
		Metrics:        true,
	}
}

// Server is the fieldnet HTTP API server.
type Server struct {
	svc     *service.Service
	opts    Options
	limiter *RateLimiter
	logger  *zap.Logger
}

// NewServer creates a new API server.
func NewServer(svc *service.Service, opts Options, logger *zap.Logger) *Server {
	logger = observability.OrNop(logger)
	s := &Server{svc: svc, opts: opts, logger: logger}
	if opts.RateLimitRPS > 0 {
		s.limiter = NewRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst, logger)
	}
	return s
}

// Limiter returns the per-client limiter, or nil when limiting is off.
func (s *Server) Limiter() *RateLimiter { return s.limiter }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.opts.RequestTimeout > 0 {
		r.Use(middleware.Timeout(s.opts.RequestTimeout))
	}
	r.Use(requestContext)
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
		})
	})

	if s.opts.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Handler)
		}

		r.Route("/distributors", func(r chi.Router) {
			r.Post("/", s.handleEnroll)
			r.Get("/{id}", s.handleGetDistributor)
			r.Get("/{id}/rank", s.handleGetRank)
			r.Get("/{id}/team", s.handleGetTeam)
			r.Get("/{id}/commissions", s.handleCommissions)
			r.Post("/{id}/sales", s.handleRecordSale)
		})

		r.Route("/territories", func(r chi.Router) {
			r.Get("/availability", s.handleAvailability)
			r.Post("/price", s.handlePrice)
			r.Post("/applications", s.handleApply)
			r.Get("/applications/{id}", s.handleGetTerritory)
			r.Post("/applications/{id}/{action}", s.handleAdvanceTerritory)
		})

		r.Route("/referrals", func(r chi.Router) {
			r.Get("/leaderboard", s.handleLeaderboard)
			r.Post("/", s.handleRecordReferral)
			r.Post("/{id}/status", s.handleReferralStatus)
		})

		r.Get("/debug/spans", s.handleSpans)
	})

	return r
}

// ─── Responses ──────────────────────────────────────────────────────────────

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeErrorBody(w, status, map[string]any{
		"message": msg,
		"type":    errorType(status),
	})
}

func writeErrorBody(w http.ResponseWriter, status int, body map[string]any) {
	writeJSON(w, status, map[string]any{"error": body})
}

func errorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "validation"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusServiceUnavailable:
		return "dependency"
	}
	return "error"
}

// statusFor maps a service error onto an HTTP status.
func statusFor(err error) int {
	var (
		ve *domain.ValidationError
		ce *domain.ConflictError
		de *domain.DependencyError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &ce),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrTerritoryOverlap),
		errors.Is(err, domain.ErrDuplicateCode),
		errors.Is(err, domain.ErrSlotTaken),
		errors.Is(err, domain.ErrCycleDetected),
		errors.Is(err, domain.ErrCodeSpaceExhausted):
		return http.StatusConflict
	case errors.Is(err, domain.ErrDistributorNotFound),
		errors.Is(err, domain.ErrSponsorNotFound),
		errors.Is(err, domain.ErrTerritoryNotFound),
		errors.Is(err, domain.ErrReferralNotFound):
		return http.StatusNotFound
	case errors.As(err, &de):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeServiceError writes err with its mapped status. Validation fields and
// territory conflicts are included in the body.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := map[string]any{
		"message": err.Error(),
		"type":    errorType(status),
	}

	var ve *domain.ValidationError
	if errors.As(err, &ve) && ve.Field != "" {
		body["field"] = ve.Field
	}
	var ce *domain.ConflictError
	if errors.As(err, &ce) && len(ce.Conflicts) > 0 {
		body["conflicts"] = ce.Conflicts
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
		var de *domain.DependencyError
		if errors.As(err, &de) && de.Retryable {
			w.Header().Set("Retry-After", "1")
		}
	}
	writeErrorBody(w, status, body)
}

// decodeJSON reads a JSON body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.Invalid("body", "invalid JSON: "+err.Error())
	}
	return nil
}

// ─── Middleware ─────────────────────────────────────────────────────────────

// requestContext copies chi's request id into the context key the tracer
// reads, so spans carry the id of the request that produced them.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set("X-Request-Id", id)
			r = r.WithContext(observability.WithRequestID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware adds CORS headers for browser clients.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
