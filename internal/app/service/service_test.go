package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/tutu-network/fieldnet/internal/app/leaderboard"
	"github.com/tutu-network/fieldnet/internal/app/pricing"
	"github.com/tutu-network/fieldnet/internal/app/territory"
	"github.com/tutu-network/fieldnet/internal/domain"
	"github.com/tutu-network/fieldnet/internal/infra/memstore"
	"github.com/tutu-network/fieldnet/internal/infra/observability"
)

// flakyStore fails the first getFailures Get calls and every InsertSale call
// while insertFails is set, each with a timeout.
type flakyStore struct {
	*memstore.Store

	mu          sync.Mutex
	getFailures int
	getCalls    int
	insertFails bool
	insertCalls int
}

func (f *flakyStore) Get(ctx context.Context, id string) (domain.Distributor, error) {
	f.mu.Lock()
	f.getCalls++
	fail := f.getFailures > 0
	if fail {
		f.getFailures--
	}
	f.mu.Unlock()
	if fail {
		return domain.Distributor{}, context.DeadlineExceeded
	}
	return f.Store.Get(ctx, id)
}

func (f *flakyStore) InsertSale(ctx context.Context, s domain.SaleEvent) error {
	f.mu.Lock()
	f.insertCalls++
	fail := f.insertFails
	f.mu.Unlock()
	if fail {
		return context.DeadlineExceeded
	}
	return f.Store.InsertSale(ctx, s)
}

func newTestService(t *testing.T) (*Service, *flakyStore) {
	t.Helper()
	mem := memstore.New()
	flaky := &flakyStore{Store: mem}
	svc := Wire(Stores{
		Network:     flaky,
		Ledger:      mem,
		Caps:        mem,
		Territories: mem,
		Referrals:   mem,
		Locker:      mem,
	}, DefaultConfig(), observability.NewTracer(observability.DefaultTracerConfig()), nil)
	return svc, flaky
}

func enroll(t *testing.T, svc *Service, user, sponsorCode string) domain.Distributor {
	t.Helper()
	d, err := svc.EnrollDistributor(context.Background(), user, user, sponsorCode)
	if err != nil {
		t.Fatalf("EnrollDistributor(%s) error: %v", user, err)
	}
	return d
}

func sale(t *testing.T, svc *Service, id string, amount int64, typ domain.SaleType) SaleOutcome {
	t.Helper()
	out, err := svc.RecordSale(context.Background(), id, amount, typ)
	if err != nil {
		t.Fatalf("RecordSale(%s) error: %v", id, err)
	}
	return out
}

// ─── Sales Pipeline ─────────────────────────────────────────────────────────

func TestRecordSale_RollUpRankAndCommissions(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	root := enroll(t, svc, "root", "")
	a := enroll(t, svc, "a", root.Code)
	b := enroll(t, svc, "b", root.Code)

	// a's first sale pays root fast start only; root is not active yet.
	out := sale(t, svc, a.ID, 10_000, domain.SalePersonal)
	if len(out.Entries) != 1 || out.Entries[0].Type != domain.CommissionFastStart || out.Entries[0].Amount != 2_000 {
		t.Fatalf("entries = %+v, want one 2000 fast start", out.Entries)
	}

	// root qualifies: 50 PV and one active recruit.
	sale(t, svc, root.ID, 5_000, domain.SalePersonal)

	out = sale(t, svc, b.ID, 60_000, domain.SaleCustomerReferred)
	got := map[domain.CommissionType]int64{}
	for _, e := range out.Entries {
		if e.BeneficiaryID != root.ID {
			t.Errorf("unexpected beneficiary %s", e.BeneficiaryID)
		}
		got[e.Type] = e.Amount
	}
	want := map[domain.CommissionType]int64{
		domain.CommissionFastStart:  6_000, // 10% customer rate
		domain.CommissionBinary:     1_000, // matched 0 -> 10,000
		domain.CommissionUnilevelL1: 3_000,
	}
	for typ, amt := range want {
		if got[typ] != amt {
			t.Errorf("%s = %d, want %d", typ, got[typ], amt)
		}
	}

	var rootPromoted bool
	for _, p := range out.Promoted {
		if p.DistributorID == root.ID && p.To == domain.RankBronze {
			rootPromoted = true
		}
	}
	if !rootPromoted {
		t.Errorf("root not promoted to bronze: %+v", out.Promoted)
	}

	status, err := svc.GetRank(ctx, root.ID)
	if err != nil {
		t.Fatal(err)
	}
	if status.Rank != domain.RankBronze || !status.IsActive || status.PersonalPV != 50 || status.TeamPV != 750 {
		t.Errorf("rank status = %+v", status)
	}

	entries, err := svc.Commissions(ctx, root.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 4 {
		t.Errorf("root ledger has %d entries, want 4", len(entries))
	}
}

func TestRecordSale_LeafRaisesAncestorsTeamVolumeOnly(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	root := enroll(t, svc, "root", "")
	var nodes []domain.Distributor
	for _, u := range []string{"u1", "u2", "u3", "u4"} {
		nodes = append(nodes, enroll(t, svc, u, root.Code))
	}
	leaf := nodes[2] // left child of u1

	const amount = 12_345
	before := map[string]domain.Distributor{}
	for _, id := range []string{root.ID, nodes[0].ID} {
		before[id], _ = svc.GetDistributor(ctx, id)
	}

	sale(t, svc, leaf.ID, amount, domain.SalePersonal)

	for id, b := range before {
		a, _ := svc.GetDistributor(ctx, id)
		if a.TeamVolume-b.TeamVolume != amount {
			t.Errorf("%s team volume grew by %d, want %d", id, a.TeamVolume-b.TeamVolume, amount)
		}
		if a.PersonalVolume != b.PersonalVolume {
			t.Errorf("%s personal volume changed", id)
		}
	}
}

func TestRecordSale_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	root := enroll(t, svc, "root", "")

	_, err := svc.RecordSale(context.Background(), root.ID, 0, domain.SalePersonal)
	var ve *domain.ValidationError
	if !errors.As(err, &ve) || ve.Field != "amount" {
		t.Errorf("error = %v, want validation on amount", err)
	}
}

// ─── Retry Policy ───────────────────────────────────────────────────────────

func TestReads_RetriedOnceOnRetryableFailure(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	root := enroll(t, svc, "root", "")

	store.mu.Lock()
	store.getFailures, store.getCalls = 1, 0
	store.mu.Unlock()

	d, err := svc.GetDistributor(ctx, root.ID)
	if err != nil {
		t.Fatalf("GetDistributor() error after retry: %v", err)
	}
	if d.ID != root.ID || store.getCalls != 2 {
		t.Errorf("got %s after %d calls, want 2 calls", d.ID, store.getCalls)
	}

	store.mu.Lock()
	store.getFailures, store.getCalls = 2, 0
	store.mu.Unlock()
	_, err = svc.GetDistributor(ctx, root.ID)
	if !domain.IsRetryable(err) || store.getCalls != 2 {
		t.Errorf("err = %v after %d calls, want retryable failure after 2", err, store.getCalls)
	}
}

func TestReads_NotFoundNotRetried(t *testing.T) {
	svc, store := newTestService(t)
	_, err := svc.GetDistributor(context.Background(), "missing")
	if !errors.Is(err, domain.ErrDistributorNotFound) {
		t.Fatalf("err = %v, want ErrDistributorNotFound", err)
	}
	if store.getCalls != 1 {
		t.Errorf("Get called %d times, want 1", store.getCalls)
	}
}

func TestWrites_NeverRetried(t *testing.T) {
	svc, store := newTestService(t)
	root := enroll(t, svc, "root", "")

	store.mu.Lock()
	store.insertFails = true
	store.mu.Unlock()

	_, err := svc.RecordSale(context.Background(), root.ID, 1_000, domain.SalePersonal)
	var de *domain.DependencyError
	if !errors.As(err, &de) || !de.Retryable {
		t.Fatalf("err = %v, want retryable DependencyError surfaced", err)
	}
	if store.insertCalls != 1 {
		t.Errorf("InsertSale called %d times, want 1", store.insertCalls)
	}
}

// ─── Territories & Referrals ────────────────────────────────────────────────

func TestTerritoryWorkflow(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	app, err := svc.ApplyForTerritory(ctx, territory.ApplyRequest{
		TerritoryName: "Columbia", City: "Columbia", Region: "SC",
		CenterLat: 34.0, CenterLng: -81.03, RadiusMiles: 5, Population: 130_000,
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, action := range []string{ActionSubmit, ActionReview, ActionApprove} {
		if app, err = svc.AdvanceTerritory(ctx, app.ID, action); err != nil {
			t.Fatalf("%s: %v", action, err)
		}
	}
	if app.Status != domain.TerritoryActive {
		t.Errorf("status = %s, want active", app.Status)
	}

	avail, err := svc.CheckTerritoryAvailability(ctx, 34.0, -81.03, 1)
	if err != nil {
		t.Fatal(err)
	}
	if avail.Available || len(avail.Overlapping) != 1 {
		t.Errorf("availability = %+v", avail)
	}

	_, err = svc.AdvanceTerritory(ctx, app.ID, "launch")
	var ve *domain.ValidationError
	if !errors.As(err, &ve) || ve.Field != "action" {
		t.Errorf("unknown action error = %v", err)
	}
}

func TestPriceTerritory(t *testing.T) {
	svc, _ := newTestService(t)
	out, err := svc.PriceTerritory(context.Background(), pricing.Input{
		Region: "SC", Population: 10_000, AreaSqMiles: 100,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.FinalPrice < 500_000 {
		t.Errorf("FinalPrice = %d, below minimum", out.FinalPrice)
	}
}

func TestReferralsAndLeaderboard(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	root := enroll(t, svc, "Jane Doe", "")

	r, err := svc.RecordReferral(ctx, leaderboard.RecordRequest{ReferrerCode: root.Code, Contact: "friend@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.UpdateReferralStatus(ctx, r.ID, domain.ReferralDistributor); err != nil {
		t.Fatal(err)
	}

	board, err := svc.Leaderboard(ctx, 0, domain.TimeframeWeek)
	if err != nil {
		t.Fatal(err)
	}
	if len(board) != 1 || board[0].AnonymizedName != "J. D." || board[0].Points != 110 {
		t.Errorf("leaderboard = %+v", board)
	}
}

func TestSpansRecorded(t *testing.T) {
	svc, _ := newTestService(t)
	root := enroll(t, svc, "root", "")
	sale(t, svc, root.ID, 1_000, domain.SalePersonal)

	ops := map[string]bool{}
	for _, s := range svc.Tracer().Spans(0) {
		ops[s.Operation] = true
	}
	for _, op := range []string{"enroll_distributor", "record_sale"} {
		if !ops[op] {
			t.Errorf("no %s span in %v", op, ops)
		}
	}
}
