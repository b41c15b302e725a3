// Package memstore is an in-process implementation of every repository
// interface. Distributors live in an append-only arena of slots addressed by
// index; id, code, sponsor and placement indexes point into the arena, so tree
// links are plain ids resolved through the index rather than pointers.
//
// Each arena slot carries its own mutex: Update serializes read-modify-write
// per distributor while unrelated rows proceed in parallel.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tutu-network/fieldnet/internal/domain"
)

type slot struct {
	mu sync.Mutex
	d  domain.Distributor
}

// Store implements domain.NetworkStore, LedgerStore, CapStore,
// TerritoryStore, ReferralStore and Locker.
type Store struct {
	mu        sync.RWMutex // guards the arena and indexes, not slot contents
	arena     []*slot
	byID      map[string]int
	byCode    map[string]int
	bySponsor map[string][]int
	children  map[string]*[2]int // parent id → left/right arena index + 1 (0 = open)
	root      int                // arena index + 1 (0 = empty network)

	salesMu sync.Mutex
	sales   map[string]domain.SaleEvent

	ledgerMu   sync.RWMutex
	ledger     []domain.CommissionLedgerEntry
	ledgerKeys map[string]struct{}
	caps       map[string]int64 // beneficiary|day → reserved
	grants     map[string]int64 // reservation key → granted

	territoryMu sync.RWMutex
	territories map[string]*domain.Territory
	tOrder      []string

	referralMu sync.RWMutex
	referrals  map[string]*domain.ReferralRecord
	rOrder     []string

	locks *keyedLocker
}

// New creates an empty store.
func New() *Store {
	return &Store{
		byID:        make(map[string]int),
		byCode:      make(map[string]int),
		bySponsor:   make(map[string][]int),
		children:    make(map[string]*[2]int),
		sales:       make(map[string]domain.SaleEvent),
		ledgerKeys:  make(map[string]struct{}),
		caps:        make(map[string]int64),
		grants:      make(map[string]int64),
		territories: make(map[string]*domain.Territory),
		referrals:   make(map[string]*domain.ReferralRecord),
		locks:       newKeyedLocker(),
	}
}

// ─── Distributors ───────────────────────────────────────────────────────────

// Insert implements domain.DistributorStore.
func (s *Store) Insert(ctx context.Context, d domain.Distributor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[d.ID]; ok {
		return fmt.Errorf("distributor %s already exists", d.ID)
	}
	if _, ok := s.byCode[d.Code]; ok {
		return domain.ErrDuplicateCode
	}
	if d.SponsorID != nil {
		if _, ok := s.byID[*d.SponsorID]; !ok {
			return fmt.Errorf("sponsor %s: %w", *d.SponsorID, domain.ErrDistributorNotFound)
		}
		if s.reachesLocked(*d.SponsorID, d.ID, func(x *domain.Distributor) *string { return x.SponsorID }) {
			return domain.ErrCycleDetected
		}
	}

	if d.BinaryParentID == nil {
		if s.root != 0 {
			return domain.ErrSlotTaken
		}
	} else {
		if !d.BinarySide.Valid() {
			return domain.Invalid("binary_side", "must be left or right")
		}
		if _, ok := s.byID[*d.BinaryParentID]; !ok {
			return fmt.Errorf("binary parent %s: %w", *d.BinaryParentID, domain.ErrDistributorNotFound)
		}
		if s.reachesLocked(*d.BinaryParentID, d.ID, func(x *domain.Distributor) *string { return x.BinaryParentID }) {
			return domain.ErrCycleDetected
		}
		if c := s.children[*d.BinaryParentID]; c != nil && c[sideIndex(d.BinarySide)] != 0 {
			return domain.ErrSlotTaken
		}
	}

	idx := len(s.arena)
	s.arena = append(s.arena, &slot{d: d.Clone()})
	s.byID[d.ID] = idx
	s.byCode[d.Code] = idx
	if d.SponsorID != nil {
		s.bySponsor[*d.SponsorID] = append(s.bySponsor[*d.SponsorID], idx)
	}
	if d.BinaryParentID == nil {
		s.root = idx + 1
	} else {
		c := s.children[*d.BinaryParentID]
		if c == nil {
			c = &[2]int{}
			s.children[*d.BinaryParentID] = c
		}
		c[sideIndex(d.BinarySide)] = idx + 1
	}
	return nil
}

// reachesLocked reports whether walking link() upward from start reaches
// target. Callers hold s.mu.
func (s *Store) reachesLocked(start, target string, link func(*domain.Distributor) *string) bool {
	seen := make(map[string]bool)
	cur := start
	for {
		if cur == target {
			return true
		}
		if seen[cur] {
			return true
		}
		seen[cur] = true
		idx, ok := s.byID[cur]
		if !ok {
			return false
		}
		sl := s.arena[idx]
		sl.mu.Lock()
		next := link(&sl.d)
		sl.mu.Unlock()
		if next == nil {
			return false
		}
		cur = *next
	}
}

func sideIndex(side domain.Side) int {
	if side == domain.SideRight {
		return 1
	}
	return 0
}

func (s *Store) slotByID(id string) (*slot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return s.arena[idx], true
}

func (sl *slot) snapshot() domain.Distributor {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.d.Clone()
}

// Get implements domain.DistributorStore.
func (s *Store) Get(ctx context.Context, id string) (domain.Distributor, error) {
	if err := ctx.Err(); err != nil {
		return domain.Distributor{}, err
	}
	sl, ok := s.slotByID(id)
	if !ok {
		return domain.Distributor{}, domain.ErrDistributorNotFound
	}
	return sl.snapshot(), nil
}

// GetByCode implements domain.DistributorStore.
func (s *Store) GetByCode(ctx context.Context, code string) (domain.Distributor, error) {
	if err := ctx.Err(); err != nil {
		return domain.Distributor{}, err
	}
	s.mu.RLock()
	idx, ok := s.byCode[code]
	var sl *slot
	if ok {
		sl = s.arena[idx]
	}
	s.mu.RUnlock()
	if !ok {
		return domain.Distributor{}, domain.ErrDistributorNotFound
	}
	return sl.snapshot(), nil
}

// Root implements domain.DistributorStore.
func (s *Store) Root(ctx context.Context) (domain.Distributor, error) {
	if err := ctx.Err(); err != nil {
		return domain.Distributor{}, err
	}
	s.mu.RLock()
	root := s.root
	var sl *slot
	if root != 0 {
		sl = s.arena[root-1]
	}
	s.mu.RUnlock()
	if sl == nil {
		return domain.Distributor{}, domain.ErrDistributorNotFound
	}
	return sl.snapshot(), nil
}

// Update implements domain.DistributorStore. fn runs on a copy under the
// row's mutex; the copy is stored only when fn succeeds. Tree links and
// identity are immutable through Update.
func (s *Store) Update(ctx context.Context, id string, fn func(*domain.Distributor) error) (domain.Distributor, error) {
	if err := ctx.Err(); err != nil {
		return domain.Distributor{}, err
	}
	sl, ok := s.slotByID(id)
	if !ok {
		return domain.Distributor{}, domain.ErrDistributorNotFound
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()

	next := sl.d.Clone()
	if err := fn(&next); err != nil {
		return domain.Distributor{}, err
	}
	next.ID, next.Code = sl.d.ID, sl.d.Code
	next.SponsorID, next.BinaryParentID, next.BinarySide = sl.d.SponsorID, sl.d.BinaryParentID, sl.d.BinarySide
	sl.d = next
	return next.Clone(), nil
}

// SponsoredBy implements domain.DistributorStore. Children come back in
// enrollment order.
func (s *Store) SponsoredBy(ctx context.Context, sponsorID string) ([]domain.Distributor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	idxs := append([]int(nil), s.bySponsor[sponsorID]...)
	slots := make([]*slot, len(idxs))
	for i, idx := range idxs {
		slots[i] = s.arena[idx]
	}
	s.mu.RUnlock()

	out := make([]domain.Distributor, 0, len(slots))
	for _, sl := range slots {
		out = append(out, sl.snapshot())
	}
	return out, nil
}

// BinaryChildren implements domain.DistributorStore.
func (s *Store) BinaryChildren(ctx context.Context, parentID string) (left, right *domain.Distributor, err error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s.mu.RLock()
	var ls, rs *slot
	if c := s.children[parentID]; c != nil {
		if c[0] != 0 {
			ls = s.arena[c[0]-1]
		}
		if c[1] != 0 {
			rs = s.arena[c[1]-1]
		}
	}
	s.mu.RUnlock()

	if ls != nil {
		d := ls.snapshot()
		left = &d
	}
	if rs != nil {
		d := rs.snapshot()
		right = &d
	}
	return left, right, nil
}

// All implements domain.DistributorStore.
func (s *Store) All(ctx context.Context) ([]domain.Distributor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	slots := append([]*slot(nil), s.arena...)
	s.mu.RUnlock()

	out := make([]domain.Distributor, 0, len(slots))
	for _, sl := range slots {
		out = append(out, sl.snapshot())
	}
	return out, nil
}

// Detach clears a distributor's link without touching the referenced row,
// leaving a dangling reference. It exists to exercise integrity handling of
// imported or partially repaired data.
func (s *Store) Detach(id string, link domain.LinkKind, missingID string) error {
	sl, ok := s.slotByID(id)
	if !ok {
		return domain.ErrDistributorNotFound
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	switch link {
	case domain.LinkSponsor:
		sl.d.SponsorID = &missingID
	case domain.LinkBinary:
		sl.d.BinaryParentID = &missingID
	}
	return nil
}

// ─── Sales ──────────────────────────────────────────────────────────────────

// InsertSale implements domain.SaleStore.
func (s *Store) InsertSale(ctx context.Context, sale domain.SaleEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.salesMu.Lock()
	defer s.salesMu.Unlock()
	if _, ok := s.sales[sale.ID]; ok {
		return fmt.Errorf("sale %s already recorded", sale.ID)
	}
	s.sales[sale.ID] = sale
	return nil
}

// SaleCount returns the number of recorded sales.
func (s *Store) SaleCount() int {
	s.salesMu.Lock()
	defer s.salesMu.Unlock()
	return len(s.sales)
}

// ─── Ledger & Binary Cap ────────────────────────────────────────────────────

// Append implements domain.LedgerStore.
func (s *Store) Append(ctx context.Context, e domain.CommissionLedgerEntry) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key := e.IdempotencyKey()
	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()
	if _, ok := s.ledgerKeys[key]; ok {
		return false, nil
	}
	s.ledgerKeys[key] = struct{}{}
	s.ledger = append(s.ledger, e)
	return true, nil
}

// HasEntry implements domain.LedgerStore.
func (s *Store) HasEntry(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.ledgerMu.RLock()
	defer s.ledgerMu.RUnlock()
	_, ok := s.ledgerKeys[key]
	return ok, nil
}

// EntriesForSale implements domain.LedgerStore.
func (s *Store) EntriesForSale(ctx context.Context, saleID string) ([]domain.CommissionLedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.ledgerMu.RLock()
	defer s.ledgerMu.RUnlock()
	var out []domain.CommissionLedgerEntry
	for _, e := range s.ledger {
		if e.SourceSaleID == saleID {
			out = append(out, e)
		}
	}
	return out, nil
}

// EntriesFor implements domain.LedgerStore.
func (s *Store) EntriesFor(ctx context.Context, beneficiaryID string, limit int) ([]domain.CommissionLedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.ledgerMu.RLock()
	defer s.ledgerMu.RUnlock()
	var out []domain.CommissionLedgerEntry
	for i := len(s.ledger) - 1; i >= 0; i-- {
		if s.ledger[i].BeneficiaryID != beneficiaryID {
			continue
		}
		out = append(out, s.ledger[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ReserveBinary implements domain.CapStore.
func (s *Store) ReserveBinary(ctx context.Context, key, beneficiaryID, day string, amount, limit int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, nil
	}
	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()
	if g, ok := s.grants[key]; ok {
		return g, nil
	}
	capKey := beneficiaryID + "|" + day
	used := s.caps[capKey]
	granted := max(min(amount, limit-used), 0)
	s.caps[capKey] = used + granted
	s.grants[key] = granted
	return granted, nil
}

// ─── Territories ────────────────────────────────────────────────────────────

// InsertTerritory implements domain.TerritoryStore.
func (s *Store) InsertTerritory(ctx context.Context, t domain.Territory) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.territoryMu.Lock()
	defer s.territoryMu.Unlock()
	if _, ok := s.territories[t.ID]; ok {
		return fmt.Errorf("territory %s already exists", t.ID)
	}
	cp := t
	s.territories[t.ID] = &cp
	s.tOrder = append(s.tOrder, t.ID)
	return nil
}

// GetTerritory implements domain.TerritoryStore.
func (s *Store) GetTerritory(ctx context.Context, id string) (domain.Territory, error) {
	if err := ctx.Err(); err != nil {
		return domain.Territory{}, err
	}
	s.territoryMu.RLock()
	defer s.territoryMu.RUnlock()
	t, ok := s.territories[id]
	if !ok {
		return domain.Territory{}, domain.ErrTerritoryNotFound
	}
	return *t, nil
}

// UpdateTerritoryStatus implements domain.TerritoryStore. The update only
// applies when the current status equals from.
func (s *Store) UpdateTerritoryStatus(ctx context.Context, id string, from, to domain.TerritoryStatus, at time.Time) (domain.Territory, error) {
	if err := ctx.Err(); err != nil {
		return domain.Territory{}, err
	}
	s.territoryMu.Lock()
	defer s.territoryMu.Unlock()
	t, ok := s.territories[id]
	if !ok {
		return domain.Territory{}, domain.ErrTerritoryNotFound
	}
	if t.Status != from {
		return domain.Territory{}, fmt.Errorf("%w: %s is %s, not %s", domain.ErrInvalidTransition, id, t.Status, from)
	}
	t.Status = to
	t.UpdatedAt = at
	return *t, nil
}

// ActiveWithin implements domain.TerritoryStore.
func (s *Store) ActiveWithin(ctx context.Context, minLat, maxLat, minLng, maxLng float64) ([]domain.Territory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.territoryMu.RLock()
	defer s.territoryMu.RUnlock()
	var out []domain.Territory
	for _, id := range s.tOrder {
		t := s.territories[id]
		if t.Status != domain.TerritoryActive {
			continue
		}
		if t.CenterLat < minLat || t.CenterLat > maxLat || t.CenterLng < minLng || t.CenterLng > maxLng {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

// MaxActiveRadius implements domain.TerritoryStore.
func (s *Store) MaxActiveRadius(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.territoryMu.RLock()
	defer s.territoryMu.RUnlock()
	var largest float64
	for _, t := range s.territories {
		if t.Status == domain.TerritoryActive && t.RadiusMiles > largest {
			largest = t.RadiusMiles
		}
	}
	return largest, nil
}

// ─── Referrals ──────────────────────────────────────────────────────────────

// InsertReferral implements domain.ReferralStore.
func (s *Store) InsertReferral(ctx context.Context, r domain.ReferralRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.referralMu.Lock()
	defer s.referralMu.Unlock()
	if _, ok := s.referrals[r.ID]; ok {
		return fmt.Errorf("referral %s already exists", r.ID)
	}
	cp := r
	s.referrals[r.ID] = &cp
	s.rOrder = append(s.rOrder, r.ID)
	return nil
}

// UpdateReferralStatus implements domain.ReferralStore.
func (s *Store) UpdateReferralStatus(ctx context.Context, id string, status domain.ReferralStatus) (domain.ReferralRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.ReferralRecord{}, err
	}
	s.referralMu.Lock()
	defer s.referralMu.Unlock()
	r, ok := s.referrals[id]
	if !ok {
		return domain.ReferralRecord{}, domain.ErrReferralNotFound
	}
	r.Status = status
	return *r, nil
}

// ReferrerStats implements domain.ReferralStore. Results are ordered by
// referrer code.
func (s *Store) ReferrerStats(ctx context.Context, since time.Time) ([]domain.ReferrerStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.referralMu.RLock()
	agg := make(map[string]*domain.ReferrerStats)
	for _, id := range s.rOrder {
		r := s.referrals[id]
		if !since.IsZero() && r.CreatedAt.Before(since) {
			continue
		}
		st := agg[r.ReferrerCode]
		if st == nil {
			st = &domain.ReferrerStats{ReferrerCode: r.ReferrerCode}
			agg[r.ReferrerCode] = st
		}
		st.Referrals++
		switch r.Status {
		case domain.ReferralCustomer:
			st.Customers++
		case domain.ReferralDistributor:
			st.Distributors++
		}
	}
	s.referralMu.RUnlock()

	out := make([]domain.ReferrerStats, 0, len(agg))
	for code, st := range agg {
		if d, err := s.GetByCode(ctx, code); err == nil {
			st.Name = d.DisplayName
		}
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReferrerCode < out[j].ReferrerCode })
	return out, nil
}

// ─── Locking ────────────────────────────────────────────────────────────────

// Lock implements domain.Locker with an in-process keyed mutex.
func (s *Store) Lock(ctx context.Context, key string) (func(), error) {
	return s.locks.Lock(ctx, key)
}

// NewLocker returns a standalone in-process keyed lock for backends that
// have no locking of their own.
func NewLocker() domain.Locker { return newKeyedLocker() }

type keyedLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newKeyedLocker() *keyedLocker {
	return &keyedLocker{locks: make(map[string]chan struct{})}
}

// Lock acquires key or gives up when ctx is done.
func (l *keyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	ch, ok := l.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[key] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
