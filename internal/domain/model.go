// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring of clean architecture - it depends on nothing.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// ─── Distributor Types ──────────────────────────────────────────────────────

// Side is a slot in the binary placement tree.
type Side string

const (
	SideNone  Side = ""
	SideLeft  Side = "left"
	SideRight Side = "right"
)

// Valid reports whether s names a real binary slot.
func (s Side) Valid() bool {
	return s == SideLeft || s == SideRight
}

// Rank is a distributor's qualifying rank. Ranks are strictly ordered;
// a higher ordinal is a higher rank.
type Rank int

const (
	RankStarter Rank = iota
	RankBronze
	RankSilver
	RankGold
	RankPlatinum
	RankDiamond
)

var rankNames = [...]string{"starter", "bronze", "silver", "gold", "platinum", "diamond"}

// String returns the lowercase rank name.
func (r Rank) String() string {
	if r < 0 || int(r) >= len(rankNames) {
		return fmt.Sprintf("rank(%d)", int(r))
	}
	return rankNames[r]
}

// ParseRank converts a rank name back to a Rank.
func ParseRank(s string) (Rank, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range rankNames {
		if name == s {
			return Rank(i), nil
		}
	}
	return RankStarter, fmt.Errorf("unknown rank %q", s)
}

// MarshalText encodes the rank by name.
func (r Rank) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText decodes a rank name.
func (r *Rank) UnmarshalText(b []byte) error {
	parsed, err := ParseRank(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// DistributorStatus is a soft lifecycle flag. Distributors are never hard-deleted.
type DistributorStatus string

const (
	StatusActive    DistributorStatus = "active"
	StatusSuspended DistributorStatus = "suspended"
)

// Distributor is a node in both the sponsor tree and the binary placement tree.
// Volumes are integer minor currency units (cents).
type Distributor struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	DisplayName    string            `json:"display_name,omitempty"`
	Code           string            `json:"code"`
	SponsorID      *string           `json:"sponsor_id,omitempty"`
	BinaryParentID *string           `json:"binary_parent_id,omitempty"`
	BinarySide     Side              `json:"binary_side,omitempty"`
	Rank           Rank              `json:"rank"`
	PersonalVolume int64             `json:"personal_volume"`
	LeftLegVolume  int64             `json:"left_leg_volume"`
	RightLegVolume int64             `json:"right_leg_volume"`
	TeamVolume     int64             `json:"team_volume"`
	ActiveLegCount int               `json:"active_leg_count"`
	IsActive       bool              `json:"is_active"`
	FastStartPaid  bool              `json:"fast_start_paid"`
	Status         DistributorStatus `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
}

// IsRoot reports whether the distributor sits at the top of the binary tree.
func (d *Distributor) IsRoot() bool {
	return d.BinaryParentID == nil
}

// RecomputeTeamVolume restores TeamVolume = personal + both legs.
func (d *Distributor) RecomputeTeamVolume() {
	d.TeamVolume = d.PersonalVolume + d.LeftLegVolume + d.RightLegVolume
}

// LegVolume returns the rolled-up volume of one leg.
func (d *Distributor) LegVolume(s Side) int64 {
	switch s {
	case SideLeft:
		return d.LeftLegVolume
	case SideRight:
		return d.RightLegVolume
	}
	return 0
}

// WeakerLegVolume returns the lesser of the two leg volumes.
func (d *Distributor) WeakerLegVolume() int64 {
	if d.LeftLegVolume < d.RightLegVolume {
		return d.LeftLegVolume
	}
	return d.RightLegVolume
}

// Clone returns a deep copy (pointer fields included).
func (d Distributor) Clone() Distributor {
	out := d
	if d.SponsorID != nil {
		s := *d.SponsorID
		out.SponsorID = &s
	}
	if d.BinaryParentID != nil {
		p := *d.BinaryParentID
		out.BinaryParentID = &p
	}
	return out
}

// ─── Sales ──────────────────────────────────────────────────────────────────

// SaleType distinguishes a distributor's own purchase from a referred customer's.
type SaleType string

const (
	SalePersonal         SaleType = "personal"
	SaleCustomerReferred SaleType = "customer-referred"
)

// Valid reports whether t is a known sale type.
func (t SaleType) Valid() bool {
	return t == SalePersonal || t == SaleCustomerReferred
}

// SaleEvent is an immutable record of a qualifying sale.
type SaleEvent struct {
	ID            string    `json:"id"`
	DistributorID string    `json:"distributor_id"`
	Amount        int64     `json:"amount"` // minor units
	PV            int64     `json:"pv"`
	Timestamp     time.Time `json:"timestamp"`
	Type          SaleType  `json:"type"`
}

// MinorUnitsPerPV is the fixed conversion: 1 PV per currency major unit.
const MinorUnitsPerPV = 100

// PVFromAmount converts a minor-unit amount to point value.
func PVFromAmount(amount int64) int64 {
	return amount / MinorUnitsPerPV
}

// ─── Roll-up Results ────────────────────────────────────────────────────────

// LegSnapshot captures an ancestor's leg volumes immediately before and
// after a sale was rolled into it.
type LegSnapshot struct {
	DistributorID string `json:"distributor_id"`
	Side          Side   `json:"side"` // leg that received the volume
	LeftBefore    int64  `json:"left_before"`
	RightBefore   int64  `json:"right_before"`
	LeftAfter     int64  `json:"left_after"`
	RightAfter    int64  `json:"right_after"`
}

// MatchedBefore is min(left, right) before the sale.
func (s LegSnapshot) MatchedBefore() int64 { return min(s.LeftBefore, s.RightBefore) }

// MatchedAfter is min(left, right) after the sale.
func (s LegSnapshot) MatchedAfter() int64 { return min(s.LeftAfter, s.RightAfter) }

// RollUp is the result of recording a sale into the network.
type RollUp struct {
	Sale        SaleEvent          `json:"sale"`
	Seller      Distributor        `json:"seller"`
	Ancestors   []LegSnapshot      `json:"ancestors"` // nearest first
	Diagnostics []IntegrityWarning `json:"diagnostics,omitempty"`
}
