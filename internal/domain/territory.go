package domain

import "time"

// ─── Territory Types ────────────────────────────────────────────────────────
// A territory is a coverage circle around a center point. Two active
// territories must never overlap.

// TerritoryStatus is the lifecycle state of an application or claim.
type TerritoryStatus string

const (
	TerritoryPending     TerritoryStatus = "pending"
	TerritorySubmitted   TerritoryStatus = "submitted"
	TerritoryUnderReview TerritoryStatus = "under_review"
	TerritoryApproved    TerritoryStatus = "approved"
	TerritoryRejected    TerritoryStatus = "rejected"
	TerritoryActive      TerritoryStatus = "active"
	TerritoryExpired     TerritoryStatus = "expired"
)

// territoryTransitions lists the allowed next states for each state.
var territoryTransitions = map[TerritoryStatus][]TerritoryStatus{
	TerritoryPending:     {TerritorySubmitted},
	TerritorySubmitted:   {TerritoryUnderReview, TerritoryRejected},
	TerritoryUnderReview: {TerritoryApproved, TerritoryRejected},
	TerritoryApproved:    {TerritoryActive},
	TerritoryActive:      {TerritoryExpired},
}

// CanTransition reports whether from → to is an allowed status change.
func CanTransition(from, to TerritoryStatus) bool {
	for _, next := range territoryTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Territory is a territory application; once approved and activated it is a
// claimed territory.
type Territory struct {
	ID            string          `json:"id"`
	TerritoryName string          `json:"territory_name"`
	City          string          `json:"city,omitempty"`
	Region        string          `json:"region,omitempty"`
	CenterLat     float64         `json:"center_lat"`
	CenterLng     float64         `json:"center_lng"`
	RadiusMiles   float64         `json:"radius_miles"`
	Population    int64           `json:"population"`
	AreaSqMiles   float64         `json:"area_sq_miles"`
	Status        TerritoryStatus `json:"status"`
	QuotedPrice   int64           `json:"quoted_price"` // minor units
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Ref returns the lightweight reference used in overlap reports.
func (t Territory) Ref() TerritoryRef {
	return TerritoryRef{
		ID:          t.ID,
		Name:        t.TerritoryName,
		CenterLat:   t.CenterLat,
		CenterLng:   t.CenterLng,
		RadiusMiles: t.RadiusMiles,
	}
}

// TerritoryRef identifies a conflicting territory.
type TerritoryRef struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	CenterLat     float64 `json:"center_lat"`
	CenterLng     float64 `json:"center_lng"`
	RadiusMiles   float64 `json:"radius_miles"`
	DistanceMiles float64 `json:"distance_miles"`
}

// Availability is the answer to a territory availability check.
type Availability struct {
	Available   bool           `json:"available"`
	Overlapping []TerritoryRef `json:"overlapping"`
}
