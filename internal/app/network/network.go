// Package network maintains the distributor network: enrollment with
// sponsor-tree linking and binary placement, and volume roll-up of sales
// through the binary tree.
//
// The sponsor tree records who recruited whom; the binary tree records where
// a distributor was placed. They are independent: a recruit is placed at the
// shallowest open slot beneath the sponsor, which may be several levels down.
package network

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tutu-network/fieldnet/internal/domain"
	"github.com/tutu-network/fieldnet/internal/infra/observability"
	"github.com/tutu-network/fieldnet/internal/infra/validation"
)

// Config controls enrollment and roll-up.
type Config struct {
	CodePrefix   string // distributor code prefix (default "FN")
	CodeLength   int    // random characters after the prefix (default 6)
	CodeAttempts int    // collision retries before giving up (default 8)
	MinActivePV  int64  // leg PV that counts as an active leg (default 40)
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		CodePrefix:   "FN",
		CodeLength:   6,
		CodeAttempts: 8,
		MinActivePV:  40,
	}
}

// PlacementLockKey guards binary placement across processes sharing a store.
const PlacementLockKey = "fieldnet:lock:binary-placement"

// placementAttempts bounds re-placement after losing a slot race.
const placementAttempts = 4

// Service is the distributor network model.
type Service struct {
	store  domain.NetworkStore
	cfg    Config
	logger *zap.Logger

	placeMu sync.Mutex    // serializes placement within this process
	locker  domain.Locker // optional; serializes placement across processes

	now     func() time.Time
	newID   func() string
	newCode func() (string, error)
}

// NewService creates a network service.
func NewService(store domain.NetworkStore, cfg Config, logger *zap.Logger) *Service {
	if cfg.CodeAttempts <= 0 {
		cfg.CodeAttempts = DefaultConfig().CodeAttempts
	}
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = DefaultConfig().CodeLength
	}
	s := &Service{
		store:  store,
		cfg:    cfg,
		logger: observability.OrNop(logger).Named("network"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	s.newCode = s.randomCode
	return s
}

// WithPlacementLock makes Enroll hold l's PlacementLockKey while it picks and
// fills a binary slot.
func (s *Service) WithPlacementLock(l domain.Locker) *Service {
	s.locker = l
	return s
}

// ─── Enrollment ─────────────────────────────────────────────────────────────

// EnrollRequest describes a new distributor.
type EnrollRequest struct {
	UserID      string `json:"user_id" validate:"required,max=128"`
	DisplayName string `json:"display_name" validate:"max=200"`
	SponsorCode string `json:"sponsor_code" validate:"max=32"`
}

// Enroll creates a distributor, links it to its sponsor and places it in the
// binary tree. Without a sponsor the first distributor becomes the root and
// later ones are placed beneath the root.
func (s *Service) Enroll(ctx context.Context, req EnrollRequest) (domain.Distributor, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.SponsorCode = strings.ToUpper(strings.TrimSpace(req.SponsorCode))
	if err := validation.Struct(req); err != nil {
		return domain.Distributor{}, err
	}

	s.placeMu.Lock()
	defer s.placeMu.Unlock()
	if s.locker != nil {
		unlock, err := s.locker.Lock(ctx, PlacementLockKey)
		if err != nil {
			return domain.Distributor{}, domain.Dependency("network.placement_lock", err)
		}
		defer unlock()
	}

	d := domain.Distributor{
		ID:          s.newID(),
		UserID:      req.UserID,
		DisplayName: strings.TrimSpace(req.DisplayName),
		Rank:        domain.RankStarter,
		Status:      domain.StatusActive,
		CreatedAt:   s.now().UTC(),
	}

	placement := "root"
	var start string
	if req.SponsorCode != "" {
		sponsor, err := s.store.GetByCode(ctx, req.SponsorCode)
		if errors.Is(err, domain.ErrDistributorNotFound) {
			return domain.Distributor{}, &domain.ValidationError{
				Field: "sponsor_code", Reason: "unknown sponsor code", Err: domain.ErrSponsorNotFound,
			}
		}
		if err != nil {
			return domain.Distributor{}, domain.Dependency("network.sponsor_lookup", err)
		}
		sid := sponsor.ID
		d.SponsorID = &sid
		start = sponsor.ID
		placement = "sponsored"
	} else {
		root, err := s.store.Root(ctx)
		switch {
		case errors.Is(err, domain.ErrDistributorNotFound):
		case err != nil:
			return domain.Distributor{}, domain.Dependency("network.root", err)
		default:
			start = root.ID
			placement = "unsponsored"
		}
	}

	// Another writer on the same store may fill the chosen slot first; the
	// store rejects that with ErrSlotTaken and the slot is searched again.
	for attempt := 1; ; attempt++ {
		if start != "" {
			parentID, side, err := s.openSlot(ctx, start)
			if err != nil {
				return domain.Distributor{}, err
			}
			d.BinaryParentID = &parentID
			d.BinarySide = side
		}

		err := s.insertWithCode(ctx, &d)
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrSlotTaken) || start == "" || attempt >= placementAttempts {
			return domain.Distributor{}, err
		}
		s.logger.Debug("binary slot taken, re-placing",
			zap.String("parent_id", *d.BinaryParentID),
			zap.String("side", string(d.BinarySide)),
			zap.Int("attempt", attempt))
	}

	observability.Enrollments.WithLabelValues(placement).Inc()
	s.logger.Info("distributor enrolled",
		zap.String("distributor_id", d.ID),
		zap.String("code", d.Code),
		zap.String("placement", placement),
		zap.String("binary_side", string(d.BinarySide)))
	return d, nil
}

// insertWithCode assigns a fresh unique code and inserts d, retrying on
// collisions up to CodeAttempts times.
func (s *Service) insertWithCode(ctx context.Context, d *domain.Distributor) error {
	for attempt := 0; attempt < s.cfg.CodeAttempts; attempt++ {
		code, err := s.newCode()
		if err != nil {
			return fmt.Errorf("generate code: %w", err)
		}
		if _, err := s.store.GetByCode(ctx, code); err == nil {
			continue
		} else if !errors.Is(err, domain.ErrDistributorNotFound) {
			return domain.Dependency("network.code_lookup", err)
		}

		d.Code = code
		err = s.store.Insert(ctx, *d)
		if errors.Is(err, domain.ErrDuplicateCode) {
			continue
		}
		if err != nil {
			return domain.Dependency("network.insert", err)
		}
		return nil
	}
	return &domain.ConflictError{
		Reason: fmt.Sprintf("no unique distributor code after %d attempts", s.cfg.CodeAttempts),
		Err:    domain.ErrCodeSpaceExhausted,
	}
}

// randomCode returns PREFIX-XXXXXX from crypto/rand, base32 encoded.
func (s *Service) randomCode() (string, error) {
	n := s.cfg.CodeLength
	buf := make([]byte, (n*5+7)/8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	random := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)[:n]
	if s.cfg.CodePrefix == "" {
		return random, nil
	}
	return s.cfg.CodePrefix + "-" + random, nil
}

// openSlot finds the shallowest open binary slot beneath start, scanning
// breadth-first and preferring left over right at each node.
func (s *Service) openSlot(ctx context.Context, start string) (string, domain.Side, error) {
	queue := []string{start}
	seen := map[string]bool{start: true}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		left, right, err := s.store.BinaryChildren(ctx, id)
		if err != nil {
			return "", domain.SideNone, domain.Dependency("network.binary_children", err)
		}
		if left == nil {
			return id, domain.SideLeft, nil
		}
		if right == nil {
			return id, domain.SideRight, nil
		}
		for _, c := range []*domain.Distributor{left, right} {
			if seen[c.ID] {
				return "", domain.SideNone, domain.ErrCycleDetected
			}
			seen[c.ID] = true
			queue = append(queue, c.ID)
		}
	}
	return "", domain.SideNone, fmt.Errorf("no open slot beneath %s", start)
}

// ─── Sales Roll-up ──────────────────────────────────────────────────────────

// RecordSale credits the seller's personal volume and rolls the amount up
// every binary ancestor's leg. Each row is updated atomically on its own,
// walking upward one node at a time. A dangling parent link stops the walk
// and is reported in the result's diagnostics.
func (s *Service) RecordSale(ctx context.Context, sale domain.SaleEvent) (domain.RollUp, error) {
	if strings.TrimSpace(sale.DistributorID) == "" {
		return domain.RollUp{}, domain.Invalid("distributor_id", "is required")
	}
	if sale.Amount <= 0 {
		return domain.RollUp{}, domain.Invalid("amount", "must be a positive number of minor units")
	}
	if !sale.Type.Valid() {
		return domain.RollUp{}, domain.Invalid("type", "must be personal or customer-referred")
	}
	if sale.ID == "" {
		sale.ID = s.newID()
	}
	if sale.Timestamp.IsZero() {
		sale.Timestamp = s.now().UTC()
	}
	sale.PV = domain.PVFromAmount(sale.Amount)

	if _, err := s.store.Get(ctx, sale.DistributorID); err != nil {
		return domain.RollUp{}, domain.Dependency("network.get_seller", err)
	}
	if err := s.store.InsertSale(ctx, sale); err != nil {
		return domain.RollUp{}, domain.Dependency("network.insert_sale", err)
	}

	seller, err := s.store.Update(ctx, sale.DistributorID, func(d *domain.Distributor) error {
		d.PersonalVolume += sale.Amount
		d.RecomputeTeamVolume()
		return nil
	})
	if err != nil {
		return domain.RollUp{}, domain.Dependency("network.credit_seller", err)
	}

	out := domain.RollUp{Sale: sale, Seller: seller}
	child := seller
	seen := map[string]bool{seller.ID: true}
	for child.BinaryParentID != nil {
		parentID := *child.BinaryParentID
		side := child.BinarySide
		if seen[parentID] {
			out.Diagnostics = append(out.Diagnostics, s.warn(child.ID, parentID, domain.LinkBinary, "binary parent chain loops"))
			break
		}
		seen[parentID] = true

		var snap domain.LegSnapshot
		parent, err := s.store.Update(ctx, parentID, func(d *domain.Distributor) error {
			snap = domain.LegSnapshot{
				DistributorID: d.ID,
				Side:          side,
				LeftBefore:    d.LeftLegVolume,
				RightBefore:   d.RightLegVolume,
			}
			switch side {
			case domain.SideLeft:
				d.LeftLegVolume += sale.Amount
			case domain.SideRight:
				d.RightLegVolume += sale.Amount
			default:
				return fmt.Errorf("distributor %s has no binary side", child.ID)
			}
			d.RecomputeTeamVolume()
			d.ActiveLegCount = s.activeLegs(d)
			snap.LeftAfter, snap.RightAfter = d.LeftLegVolume, d.RightLegVolume
			return nil
		})
		if errors.Is(err, domain.ErrDistributorNotFound) {
			out.Diagnostics = append(out.Diagnostics, s.warn(child.ID, parentID, domain.LinkBinary, "binary parent missing; roll-up stopped"))
			break
		}
		if err != nil {
			return out, domain.Dependency("network.roll_up", err)
		}
		out.Ancestors = append(out.Ancestors, snap)
		child = parent
	}

	observability.SalesRecorded.WithLabelValues(string(sale.Type)).Inc()
	observability.SaleVolume.Add(float64(sale.Amount))
	return out, nil
}

// activeLegs counts legs whose rolled-up PV reaches MinActivePV.
func (s *Service) activeLegs(d *domain.Distributor) int {
	n := 0
	for _, v := range []int64{d.LeftLegVolume, d.RightLegVolume} {
		if domain.PVFromAmount(v) >= s.cfg.MinActivePV {
			n++
		}
	}
	return n
}

func (s *Service) warn(from, missing string, link domain.LinkKind, detail string) domain.IntegrityWarning {
	w := domain.IntegrityWarning{DistributorID: from, MissingID: missing, Link: link, Detail: detail}
	observability.IntegrityWarnings.WithLabelValues(string(link)).Inc()
	s.logger.Warn("network integrity warning",
		zap.String("distributor_id", from),
		zap.String("missing_id", missing),
		zap.String("link", string(link)),
		zap.String("detail", detail))
	return w
}

// ─── Queries ────────────────────────────────────────────────────────────────

// Get returns a distributor by id.
func (s *Service) Get(ctx context.Context, id string) (domain.Distributor, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.Distributor{}, domain.Dependency("network.get", err)
	}
	return d, nil
}

// GetByCode returns a distributor by public code.
func (s *Service) GetByCode(ctx context.Context, code string) (domain.Distributor, error) {
	d, err := s.store.GetByCode(ctx, strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return domain.Distributor{}, domain.Dependency("network.get_by_code", err)
	}
	return d, nil
}

// Team returns the direct sponsor-tree children of id.
func (s *Service) Team(ctx context.Context, id string) ([]domain.Distributor, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	team, err := s.store.SponsoredBy(ctx, id)
	if err != nil {
		return nil, domain.Dependency("network.team", err)
	}
	return team, nil
}

// Depth returns the number of binary ancestors above id (0 for the root).
func (s *Service) Depth(ctx context.Context, id string) (int, error) {
	d, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	depth := 0
	seen := map[string]bool{d.ID: true}
	for d.BinaryParentID != nil {
		parentID := *d.BinaryParentID
		if seen[parentID] {
			return depth, domain.ErrCycleDetected
		}
		seen[parentID] = true
		if d, err = s.Get(ctx, parentID); err != nil {
			return depth, err
		}
		depth++
	}
	return depth, nil
}

// Suspend soft-suspends a distributor. The node stays in both trees.
func (s *Service) Suspend(ctx context.Context, id string) (domain.Distributor, error) {
	d, err := s.store.Update(ctx, id, func(d *domain.Distributor) error {
		d.Status = domain.StatusSuspended
		return nil
	})
	if err != nil {
		return domain.Distributor{}, domain.Dependency("network.suspend", err)
	}
	s.logger.Info("distributor suspended", zap.String("distributor_id", id))
	return d, nil
}
