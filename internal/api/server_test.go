package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tutu-network/fieldnet/internal/app/service"
	"github.com/tutu-network/fieldnet/internal/domain"
	"github.com/tutu-network/fieldnet/internal/infra/memstore"
	"github.com/tutu-network/fieldnet/internal/infra/observability"
)

// ─── Test Helpers ───────────────────────────────────────────────────────────

func setupServer(t *testing.T, opts Options) http.Handler {
	t.Helper()
	mem := memstore.New()
	svc := service.Wire(service.Stores{
		Network:     mem,
		Ledger:      mem,
		Caps:        mem,
		Territories: mem,
		Referrals:   mem,
		Locker:      mem,
	}, service.DefaultConfig(), observability.NewTracer(observability.TracerConfig{Enabled: true}), nil)
	return NewServer(svc, opts, nil).Handler()
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.RateLimitRPS = 0
	return opts
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

type errorBody struct {
	Error struct {
		Message   string                `json:"message"`
		Type      string                `json:"type"`
		Field     string                `json:"field"`
		Conflicts []domain.TerritoryRef `json:"conflicts"`
	} `json:"error"`
}

func enrollHTTP(t *testing.T, h http.Handler, user, sponsorCode string) domain.Distributor {
	t.Helper()
	w := do(t, h, http.MethodPost, "/api/distributors", map[string]string{
		"user_id": user, "display_name": user, "sponsor_code": sponsorCode,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("enroll %s: expected 201, got %d: %s", user, w.Code, w.Body.String())
	}
	return decode[domain.Distributor](t, w)
}

// ─── Tests ──────────────────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	h := setupServer(t, testOptions())
	w := do(t, h, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Error("missing X-Request-Id header")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := setupServer(t, testOptions())
	if w := do(t, h, http.MethodGet, "/metrics", nil); w.Code != http.StatusOK {
		t.Errorf("expected 200 from /metrics, got %d", w.Code)
	}

	opts := testOptions()
	opts.Metrics = false
	h = setupServer(t, opts)
	if w := do(t, h, http.MethodGet, "/metrics", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 with metrics off, got %d", w.Code)
	}
}

func TestNetworkFlow(t *testing.T) {
	h := setupServer(t, testOptions())

	root := enrollHTTP(t, h, "root", "")
	a := enrollHTTP(t, h, "alice", root.Code)
	if a.SponsorID == nil || *a.SponsorID != root.ID {
		t.Fatalf("alice sponsor = %v, want %s", a.SponsorID, root.ID)
	}

	w := do(t, h, http.MethodPost, "/api/distributors/"+a.ID+"/sales", map[string]any{
		"amount": 10_000, "type": "personal",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("sale: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	out := decode[service.SaleOutcome](t, w)
	if len(out.Entries) != 1 || out.Entries[0].Amount != 2_000 || out.Entries[0].BeneficiaryID != root.ID {
		t.Errorf("sale entries = %+v", out.Entries)
	}

	w = do(t, h, http.MethodGet, "/api/distributors/"+a.ID+"/rank", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("rank: expected 200, got %d", w.Code)
	}
	if st := decode[service.RankStatus](t, w); st.PersonalPV != 100 {
		t.Errorf("personal_pv = %d, want 100", st.PersonalPV)
	}

	w = do(t, h, http.MethodGet, "/api/distributors/"+root.ID+"/team", nil)
	team := decode[struct {
		Team  []domain.Distributor `json:"team"`
		Count int                  `json:"count"`
	}](t, w)
	if team.Count != 1 || team.Team[0].ID != a.ID {
		t.Errorf("team = %+v", team)
	}

	w = do(t, h, http.MethodGet, "/api/distributors/"+root.ID+"/commissions?limit=5", nil)
	comm := decode[struct {
		Entries []domain.CommissionLedgerEntry `json:"entries"`
		Total   int64                          `json:"total"`
	}](t, w)
	if comm.Total != 2_000 || len(comm.Entries) != 1 {
		t.Errorf("commissions = %+v", comm)
	}
}

func TestErrorMapping(t *testing.T) {
	h := setupServer(t, testOptions())
	root := enrollHTTP(t, h, "root", "")

	tests := []struct {
		name      string
		method    string
		path      string
		body      any
		wantCode  int
		wantField string
	}{
		{"unknown sponsor", http.MethodPost, "/api/distributors", map[string]string{"user_id": "u", "sponsor_code": "FN-NOPE00"}, http.StatusBadRequest, "sponsor_code"},
		{"missing distributor", http.MethodGet, "/api/distributors/ghost", nil, http.StatusNotFound, ""},
		{"zero sale", http.MethodPost, "/api/distributors/" + root.ID + "/sales", map[string]any{"amount": 0}, http.StatusBadRequest, "amount"},
		{"unknown field", http.MethodPost, "/api/distributors/" + root.ID + "/sales", map[string]any{"amt": 5}, http.StatusBadRequest, "body"},
		{"bad limit", http.MethodGet, "/api/distributors/" + root.ID + "/commissions?limit=x", nil, http.StatusBadRequest, "limit"},
		{"bad lat", http.MethodGet, "/api/territories/availability?lat=abc&lng=1&radius=1", nil, http.StatusBadRequest, "lat"},
		{"lat out of range", http.MethodGet, "/api/territories/availability?lat=91&lng=1&radius=1", nil, http.StatusBadRequest, "lat"},
		{"bad timeframe", http.MethodGet, "/api/referrals/leaderboard?timeframe=decade", nil, http.StatusBadRequest, "timeframe"},
		{"unknown action", http.MethodPost, "/api/territories/applications/none/launch", nil, http.StatusBadRequest, "action"},
		{"missing referral", http.MethodPost, "/api/referrals/ghost/status", map[string]string{"status": "customer"}, http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, tt.method, tt.path, tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d: %s", tt.wantCode, w.Code, w.Body.String())
			}
			body := decode[errorBody](t, w)
			if body.Error.Field != tt.wantField {
				t.Errorf("field = %q, want %q", body.Error.Field, tt.wantField)
			}
			if body.Error.Type != errorType(tt.wantCode) {
				t.Errorf("type = %q, want %q", body.Error.Type, errorType(tt.wantCode))
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.Invalid("x", "bad"), http.StatusBadRequest},
		{&domain.ValidationError{Field: "sponsor_code", Err: domain.ErrSponsorNotFound}, http.StatusBadRequest},
		{&domain.ConflictError{Reason: "overlap"}, http.StatusConflict},
		{fmt.Errorf("wrap: %w", domain.ErrInvalidTransition), http.StatusConflict},
		{domain.ErrTerritoryNotFound, http.StatusNotFound},
		{domain.Dependency("op", context.DeadlineExceeded), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestTerritoryFlow(t *testing.T) {
	h := setupServer(t, testOptions())

	apply := func(name string, lat float64) domain.Territory {
		t.Helper()
		w := do(t, h, http.MethodPost, "/api/territories/applications", map[string]any{
			"territory_name": name, "city": "Columbia", "region": "SC",
			"center_lat": lat, "center_lng": -81.03, "radius_miles": 5, "population": 130_000,
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("apply %s: expected 201, got %d: %s", name, w.Code, w.Body.String())
		}
		return decode[domain.Territory](t, w)
	}
	advance := func(id string, actions ...string) *httptest.ResponseRecorder {
		t.Helper()
		var w *httptest.ResponseRecorder
		for _, a := range actions {
			w = do(t, h, http.MethodPost, "/api/territories/applications/"+id+"/"+a, nil)
			if w.Code != http.StatusOK {
				return w
			}
		}
		return w
	}

	first := apply("Columbia North", 34.0)
	if first.Status != domain.TerritoryPending || first.QuotedPrice <= 0 {
		t.Errorf("application = %+v", first)
	}
	if w := advance(first.ID, "submit", "review", "approve"); w.Code != http.StatusOK {
		t.Fatalf("approve first: %d %s", w.Code, w.Body.String())
	}

	second := apply("Columbia Overlap", 34.05)
	w := advance(second.ID, "submit", "review", "approve")
	if w.Code != http.StatusConflict {
		t.Fatalf("approve overlapping: expected 409, got %d: %s", w.Code, w.Body.String())
	}
	body := decode[errorBody](t, w)
	if len(body.Error.Conflicts) != 1 || body.Error.Conflicts[0].ID != first.ID {
		t.Errorf("conflicts = %+v", body.Error.Conflicts)
	}

	w = do(t, h, http.MethodGet, "/api/territories/availability?lat=34.0&lng=-81.03&radius=1", nil)
	avail := decode[domain.Availability](t, w)
	if avail.Available || len(avail.Overlapping) != 1 {
		t.Errorf("availability = %+v", avail)
	}

	w = do(t, h, http.MethodGet, "/api/territories/availability?lat=10&lng=10&radius=1", nil)
	if body := w.Body.String(); !bytes.Contains([]byte(body), []byte(`"overlapping":[]`)) {
		t.Errorf("empty overlap list not rendered as []: %s", body)
	}

	w = do(t, h, http.MethodGet, "/api/territories/applications/"+first.ID, nil)
	if got := decode[domain.Territory](t, w); got.Status != domain.TerritoryActive {
		t.Errorf("first status = %s, want active", got.Status)
	}
}

func TestPrice(t *testing.T) {
	h := setupServer(t, testOptions())
	w := do(t, h, http.MethodPost, "/api/territories/price", map[string]any{
		"region": "SC", "population": 10_000, "area_sq_miles": 100,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	out := decode[struct {
		FinalPrice int64 `json:"final_price"`
		Breakdown  []struct {
			Amount int64 `json:"amount"`
		} `json:"breakdown"`
	}](t, w)
	var sum int64
	for _, li := range out.Breakdown {
		sum += li.Amount
	}
	if out.FinalPrice < 500_000 || sum != out.FinalPrice {
		t.Errorf("final %d, breakdown sum %d", out.FinalPrice, sum)
	}

	w = do(t, h, http.MethodPost, "/api/territories/price", map[string]any{"area_sq_miles": 0})
	if w.Code != http.StatusBadRequest {
		t.Errorf("zero area: expected 400, got %d", w.Code)
	}
}

func TestReferralFlow(t *testing.T) {
	h := setupServer(t, testOptions())
	root := enrollHTTP(t, h, "Jane Doe", "")

	w := do(t, h, http.MethodPost, "/api/referrals", map[string]string{
		"referrer_code": root.Code, "contact": "friend@example.com",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("record: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	rec := decode[domain.ReferralRecord](t, w)

	w = do(t, h, http.MethodPost, "/api/referrals/"+rec.ID+"/status", map[string]string{"status": "customer"})
	if w.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, h, http.MethodGet, "/api/referrals/leaderboard?limit=5&timeframe=month", nil)
	board := decode[struct {
		Timeframe string                    `json:"timeframe"`
		Entries   []domain.LeaderboardEntry `json:"entries"`
	}](t, w)
	if board.Timeframe != "month" || len(board.Entries) != 1 {
		t.Fatalf("leaderboard = %+v", board)
	}
	if e := board.Entries[0]; e.AnonymizedName != "J. D." || e.Points != 60 || e.Position != 1 {
		t.Errorf("entry = %+v", e)
	}
}

func TestDebugSpans(t *testing.T) {
	h := setupServer(t, testOptions())
	enrollHTTP(t, h, "root", "")

	w := do(t, h, http.MethodGet, "/api/debug/spans?limit=10", nil)
	resp := decode[struct {
		Spans []observability.Span `json:"spans"`
		Total int                  `json:"total"`
	}](t, w)
	if resp.Total == 0 || len(resp.Spans) == 0 {
		t.Fatalf("spans = %+v", resp)
	}
	last := resp.Spans[len(resp.Spans)-1]
	if last.Operation != "enroll_distributor" || last.RequestID == "" {
		t.Errorf("last span = %+v, want enroll_distributor with request id", last)
	}
}

// ─── Rate Limiting ──────────────────────────────────────────────────────────

func TestRateLimit(t *testing.T) {
	opts := testOptions()
	opts.RateLimitRPS = 0.001
	opts.RateLimitBurst = 2
	h := setupServer(t, opts)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, do(t, h, http.MethodGet, "/api/distributors/ghost", nil).Code)
	}
	if codes[0] != http.StatusNotFound || codes[1] != http.StatusNotFound || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [404 404 429]", codes)
	}

	if w := do(t, h, http.MethodGet, "/health", nil); w.Code != http.StatusOK {
		t.Errorf("health must bypass the limiter, got %d", w.Code)
	}
}

func TestRateLimiter_SweepDropsIdleClients(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.limiterFor("10.0.0.1")
	now = now.Add(time.Hour)
	rl.limiterFor("10.0.0.2")

	if n := rl.Sweep(); n != 1 {
		t.Errorf("Sweep() kept %d limiters, want 1", n)
	}
}
