package network

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"

	"github.com/tutu-network/fieldnet/internal/domain"
	"github.com/tutu-network/fieldnet/internal/infra/memstore"
)

func newTestNetwork(t *testing.T) (*Service, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	return NewService(store, DefaultConfig(), nil), store
}

func enroll(t *testing.T, svc *Service, user, sponsorCode string) domain.Distributor {
	t.Helper()
	d, err := svc.Enroll(context.Background(), EnrollRequest{UserID: user, DisplayName: user, SponsorCode: sponsorCode})
	if err != nil {
		t.Fatalf("Enroll(%s) error: %v", user, err)
	}
	return d
}

// ─── Enrollment ─────────────────────────────────────────────────────────────

func TestEnroll_SevenBalancedToDepthThree(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestNetwork(t)

	root := enroll(t, svc, "root", "")
	if !root.IsRoot() || root.SponsorID != nil {
		t.Fatalf("first distributor should be the sponsorless root: %+v", root)
	}

	all := []domain.Distributor{root}
	for i := 1; i < 7; i++ {
		all = append(all, enroll(t, svc, fmt.Sprintf("u%d", i), root.Code))
	}

	perLevel := map[int]int{}
	maxDepth := 0
	for _, d := range all {
		depth, err := svc.Depth(ctx, d.ID)
		if err != nil {
			t.Fatal(err)
		}
		perLevel[depth]++
		maxDepth = max(maxDepth, depth)
	}
	if maxDepth != 2 {
		t.Errorf("max depth = %d, want 2 (three levels)", maxDepth)
	}
	if perLevel[0] != 1 || perLevel[1] != 2 || perLevel[2] != 4 {
		t.Errorf("levels = %v, want 1/2/4", perLevel)
	}

	// Breadth-first, left before right.
	if *all[1].BinaryParentID != root.ID || all[1].BinarySide != domain.SideLeft {
		t.Errorf("second enrollee placed at %v/%s", *all[1].BinaryParentID, all[1].BinarySide)
	}
	if *all[2].BinaryParentID != root.ID || all[2].BinarySide != domain.SideRight {
		t.Errorf("third enrollee placed at %v/%s", *all[2].BinaryParentID, all[2].BinarySide)
	}
	if *all[3].BinaryParentID != all[1].ID || all[3].BinarySide != domain.SideLeft {
		t.Errorf("fourth enrollee should open the next level on the left")
	}

	team, err := svc.Team(ctx, root.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(team) != 6 {
		t.Errorf("Team(root) = %d members, want 6 direct recruits", len(team))
	}
}

func TestEnroll_SponsorTreeIndependentOfBinaryTree(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestNetwork(t)
	root := enroll(t, svc, "root", "")
	a := enroll(t, svc, "a", root.Code)
	_ = enroll(t, svc, "b", root.Code)

	// a's recruit is placed beneath a, not beneath root.
	c := enroll(t, svc, "c", a.Code)
	if *c.SponsorID != a.ID || *c.BinaryParentID != a.ID {
		t.Errorf("c sponsor=%s parent=%s, want both %s", *c.SponsorID, *c.BinaryParentID, a.ID)
	}

	team, _ := svc.Team(ctx, root.ID)
	if len(team) != 2 {
		t.Errorf("root team = %d, want 2 (c is a's recruit)", len(team))
	}
}

func TestEnroll_UnsponsoredAfterRootPlacedUnderRoot(t *testing.T) {
	svc, _ := newTestNetwork(t)
	root := enroll(t, svc, "root", "")
	orphan := enroll(t, svc, "orphan", "")
	if orphan.SponsorID != nil {
		t.Error("unsponsored enrollee should have no sponsor")
	}
	if orphan.BinaryParentID == nil || *orphan.BinaryParentID != root.ID {
		t.Errorf("unsponsored enrollee should be placed under the root")
	}
}

func TestEnroll_UnknownSponsor(t *testing.T) {
	svc, _ := newTestNetwork(t)
	enroll(t, svc, "root", "")

	_, err := svc.Enroll(context.Background(), EnrollRequest{UserID: "x", SponsorCode: "FN-NOPE00"})
	var ve *domain.ValidationError
	if !errors.As(err, &ve) || ve.Field != "sponsor_code" {
		t.Fatalf("got %v, want ValidationError on sponsor_code", err)
	}
	if !errors.Is(err, domain.ErrSponsorNotFound) {
		t.Error("error should wrap ErrSponsorNotFound")
	}
}

func TestEnroll_Validation(t *testing.T) {
	svc, _ := newTestNetwork(t)
	_, err := svc.Enroll(context.Background(), EnrollRequest{UserID: "   "})
	var ve *domain.ValidationError
	if !errors.As(err, &ve) || ve.Field != "user_id" {
		t.Errorf("got %v, want ValidationError on user_id", err)
	}
}

func TestEnroll_CodeFormat(t *testing.T) {
	svc, _ := newTestNetwork(t)
	pattern := regexp.MustCompile(`^FN-[A-Z2-7]{6}$`)
	seen := map[string]bool{}
	root := enroll(t, svc, "root", "")
	for i := 0; i < 50; i++ {
		d := enroll(t, svc, fmt.Sprintf("u%d", i), root.Code)
		if !pattern.MatchString(d.Code) {
			t.Fatalf("code %q does not match PREFIX-ALNUM", d.Code)
		}
		if seen[d.Code] {
			t.Fatalf("duplicate code %q", d.Code)
		}
		seen[d.Code] = true
	}
}

func TestEnroll_CodeCollisionRetriesThenConflict(t *testing.T) {
	svc, _ := newTestNetwork(t)
	codes := []string{"FN-AAAAAA", "FN-AAAAAA", "FN-BBBBBB"}
	i := 0
	svc.newCode = func() (string, error) {
		c := codes[min(i, len(codes)-1)]
		i++
		return c, nil
	}

	first := enroll(t, svc, "root", "")
	second := enroll(t, svc, "next", first.Code)
	if first.Code != "FN-AAAAAA" || second.Code != "FN-BBBBBB" {
		t.Fatalf("codes = %s, %s", first.Code, second.Code)
	}

	svc.newCode = func() (string, error) { return "FN-AAAAAA", nil }
	_, err := svc.Enroll(context.Background(), EnrollRequest{UserID: "stuck", SponsorCode: first.Code})
	var ce *domain.ConflictError
	if !errors.As(err, &ce) || !errors.Is(err, domain.ErrCodeSpaceExhausted) {
		t.Errorf("got %v, want ConflictError wrapping ErrCodeSpaceExhausted", err)
	}
}

func TestEnroll_ConcurrentPlacementFillsDistinctSlots(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestNetwork(t)
	root := enroll(t, svc, "root", "")

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := svc.Enroll(ctx, EnrollRequest{UserID: fmt.Sprintf("c%d", i), SponsorCode: root.Code}); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	all, _ := store.All(ctx)
	slots := map[string]bool{}
	for _, d := range all {
		if d.BinaryParentID == nil {
			continue
		}
		key := *d.BinaryParentID + "/" + string(d.BinarySide)
		if slots[key] {
			t.Fatalf("slot %s filled twice", key)
		}
		slots[key] = true
	}
	if len(all) != 31 {
		t.Errorf("enrolled %d, want 31", len(all))
	}
}

// rivalStore simulates another process sharing the store: just before the
// next placed insert it fills the same slot with a rival distributor.
type rivalStore struct {
	*memstore.Store
	rivals  int
	inserts int
}

func (r *rivalStore) Insert(ctx context.Context, d domain.Distributor) error {
	if d.BinaryParentID != nil {
		r.inserts++
		if r.rivals > 0 {
			r.rivals--
			rival := domain.Distributor{
				ID:             fmt.Sprintf("rival-%d", r.inserts),
				UserID:         "rival",
				Code:           fmt.Sprintf("FN-RIV%03d", r.inserts),
				BinaryParentID: d.BinaryParentID,
				BinarySide:     d.BinarySide,
				Rank:           domain.RankStarter,
				Status:         domain.StatusActive,
			}
			if err := r.Store.Insert(ctx, rival); err != nil {
				return err
			}
		}
	}
	return r.Store.Insert(ctx, d)
}

func TestEnroll_SlotTakenElsewhereIsReplaced(t *testing.T) {
	ctx := context.Background()
	store := &rivalStore{Store: memstore.New()}
	svc := NewService(store, DefaultConfig(), nil)
	root := enroll(t, svc, "root", "")

	store.rivals = 1
	d := enroll(t, svc, "late", root.Code)
	if d.BinarySide != domain.SideRight || *d.BinaryParentID != root.ID {
		t.Errorf("placed at %v/%s, want root/right after losing left", d.BinaryParentID, d.BinarySide)
	}
	left, right, err := store.BinaryChildren(ctx, root.ID)
	if err != nil {
		t.Fatal(err)
	}
	if left == nil || left.ID != "rival-1" || right == nil || right.ID != d.ID {
		t.Errorf("children = %v, %v", left, right)
	}
}

func TestEnroll_SlotRaceGivesUpAfterBoundedAttempts(t *testing.T) {
	store := &rivalStore{Store: memstore.New(), rivals: 100}
	svc := NewService(store, DefaultConfig(), nil)
	root := enroll(t, svc, "root", "")

	_, err := svc.Enroll(context.Background(), EnrollRequest{UserID: "late", SponsorCode: root.Code})
	if !errors.Is(err, domain.ErrSlotTaken) {
		t.Fatalf("Enroll() = %v, want ErrSlotTaken", err)
	}
	if store.inserts != placementAttempts {
		t.Errorf("placed inserts = %d, want %d", store.inserts, placementAttempts)
	}
}

// keyRecorder is a Locker that records the keys it was asked for.
type keyRecorder struct {
	mu       sync.Mutex
	keys     []string
	released int
}

func (k *keyRecorder) Lock(_ context.Context, key string) (func(), error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys = append(k.keys, key)
	return func() {
		k.mu.Lock()
		k.released++
		k.mu.Unlock()
	}, nil
}

func TestEnroll_HoldsPlacementLock(t *testing.T) {
	locks := &keyRecorder{}
	svc := NewService(memstore.New(), DefaultConfig(), nil).WithPlacementLock(locks)
	root := enroll(t, svc, "root", "")
	enroll(t, svc, "a", root.Code)

	if len(locks.keys) != 2 || locks.keys[0] != PlacementLockKey || locks.released != 2 {
		t.Errorf("locks = %v released %d, want two %s", locks.keys, locks.released, PlacementLockKey)
	}
}

// ─── Sales Roll-up ──────────────────────────────────────────────────────────

func TestRecordSale_RollsUpToEveryAncestor(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestNetwork(t)
	root := enroll(t, svc, "root", "")
	var nodes []domain.Distributor
	for i := 0; i < 6; i++ {
		nodes = append(nodes, enroll(t, svc, fmt.Sprintf("u%d", i), root.Code))
	}
	leaf := nodes[2] // left child of root's left child

	before := map[string]domain.Distributor{}
	for _, d := range append(nodes, root) {
		got, _ := svc.Get(ctx, d.ID)
		before[d.ID] = got
	}

	roll, err := svc.RecordSale(ctx, domain.SaleEvent{DistributorID: leaf.ID, Amount: 12_345, Type: domain.SalePersonal})
	if err != nil {
		t.Fatalf("RecordSale() error: %v", err)
	}
	if roll.Sale.PV != 123 {
		t.Errorf("PV = %d, want 123", roll.Sale.PV)
	}
	if roll.Seller.PersonalVolume != 12_345 || roll.Seller.TeamVolume != 12_345 {
		t.Errorf("seller volumes = %d/%d", roll.Seller.PersonalVolume, roll.Seller.TeamVolume)
	}
	if len(roll.Ancestors) != 2 {
		t.Fatalf("ancestors = %d, want 2", len(roll.Ancestors))
	}

	for _, id := range []string{nodes[0].ID, root.ID} {
		after, _ := svc.Get(ctx, id)
		if delta := after.TeamVolume - before[id].TeamVolume; delta != 12_345 {
			t.Errorf("%s team volume delta = %d, want 12345", id, delta)
		}
		if after.PersonalVolume != before[id].PersonalVolume {
			t.Errorf("%s personal volume changed", id)
		}
		if after.LeftLegVolume != 12_345 || after.RightLegVolume != 0 {
			t.Errorf("%s legs = %d/%d, want sale on the left", id, after.LeftLegVolume, after.RightLegVolume)
		}
	}

	// Unrelated branch untouched.
	other, _ := svc.Get(ctx, nodes[1].ID)
	if other.TeamVolume != 0 {
		t.Errorf("right branch team volume = %d, want 0", other.TeamVolume)
	}

	snap := roll.Ancestors[0]
	if snap.DistributorID != nodes[0].ID || snap.Side != domain.SideLeft || snap.LeftBefore != 0 || snap.LeftAfter != 12_345 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestRecordSale_ActiveLegCount(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestNetwork(t)
	root := enroll(t, svc, "root", "")
	left := enroll(t, svc, "l", root.Code)
	right := enroll(t, svc, "r", root.Code)

	if _, err := svc.RecordSale(ctx, domain.SaleEvent{DistributorID: left.ID, Amount: 4_000, Type: domain.SalePersonal}); err != nil {
		t.Fatal(err)
	}
	got, _ := svc.Get(ctx, root.ID)
	if got.ActiveLegCount != 1 {
		t.Errorf("ActiveLegCount = %d, want 1", got.ActiveLegCount)
	}
	if _, err := svc.RecordSale(ctx, domain.SaleEvent{DistributorID: right.ID, Amount: 3_999, Type: domain.SalePersonal}); err != nil {
		t.Fatal(err)
	}
	got, _ = svc.Get(ctx, root.ID)
	if got.ActiveLegCount != 1 {
		t.Errorf("39 PV leg counted active: ActiveLegCount = %d", got.ActiveLegCount)
	}
}

func TestRecordSale_DanglingParentStopsWalk(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestNetwork(t)
	root := enroll(t, svc, "root", "")
	mid := enroll(t, svc, "mid", root.Code)
	leaf := enroll(t, svc, "leaf", mid.Code)

	if err := store.Detach(mid.ID, domain.LinkBinary, "ghost"); err != nil {
		t.Fatal(err)
	}

	roll, err := svc.RecordSale(ctx, domain.SaleEvent{DistributorID: leaf.ID, Amount: 5_000, Type: domain.SalePersonal})
	if err != nil {
		t.Fatalf("dangling link must not fail the sale: %v", err)
	}
	if len(roll.Ancestors) != 1 || roll.Ancestors[0].DistributorID != mid.ID {
		t.Errorf("ancestors = %+v, want only mid", roll.Ancestors)
	}
	if len(roll.Diagnostics) != 1 || roll.Diagnostics[0].MissingID != "ghost" || roll.Diagnostics[0].Link != domain.LinkBinary {
		t.Errorf("diagnostics = %+v", roll.Diagnostics)
	}
	r, _ := svc.Get(ctx, root.ID)
	if r.TeamVolume != 0 {
		t.Errorf("root beyond the dangling link received volume %d", r.TeamVolume)
	}
}

func TestRecordSale_Validation(t *testing.T) {
	svc, _ := newTestNetwork(t)
	root := enroll(t, svc, "root", "")
	tests := []struct {
		name  string
		sale  domain.SaleEvent
		field string
	}{
		{"no distributor", domain.SaleEvent{Amount: 100, Type: domain.SalePersonal}, "distributor_id"},
		{"zero amount", domain.SaleEvent{DistributorID: root.ID, Type: domain.SalePersonal}, "amount"},
		{"negative amount", domain.SaleEvent{DistributorID: root.ID, Amount: -5, Type: domain.SalePersonal}, "amount"},
		{"bad type", domain.SaleEvent{DistributorID: root.ID, Amount: 100, Type: "refund"}, "type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.RecordSale(context.Background(), tt.sale)
			var ve *domain.ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Errorf("got %v, want ValidationError on %s", err, tt.field)
			}
		})
	}

	_, err := svc.RecordSale(context.Background(), domain.SaleEvent{DistributorID: "missing", Amount: 100, Type: domain.SalePersonal})
	if !errors.Is(err, domain.ErrDistributorNotFound) {
		t.Errorf("unknown seller: got %v", err)
	}
}

func TestRecordSale_ConcurrentConservesVolume(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestNetwork(t)
	root := enroll(t, svc, "root", "")
	var sellers []domain.Distributor
	for i := 0; i < 10; i++ {
		sellers = append(sellers, enroll(t, svc, fmt.Sprintf("s%d", i), root.Code))
	}

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seller := sellers[i%len(sellers)]
			if _, err := svc.RecordSale(ctx, domain.SaleEvent{DistributorID: seller.ID, Amount: 100, Type: domain.SalePersonal}); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	r, _ := svc.Get(ctx, root.ID)
	if r.TeamVolume != 200*100 {
		t.Errorf("root team volume = %d, want 20000", r.TeamVolume)
	}
	if store.SaleCount() != 200 {
		t.Errorf("sales recorded = %d, want 200", store.SaleCount())
	}
}

func TestSuspend_KeepsNode(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestNetwork(t)
	root := enroll(t, svc, "root", "")
	a := enroll(t, svc, "a", root.Code)

	got, err := svc.Suspend(ctx, a.ID)
	if err != nil || got.Status != domain.StatusSuspended {
		t.Fatalf("Suspend() = %+v, %v", got, err)
	}
	team, _ := svc.Team(ctx, root.ID)
	if len(team) != 1 {
		t.Error("suspended distributor should remain in the sponsor tree")
	}
}
