// Package territory answers territory availability questions and runs the
// application → review → claim workflow.
//
// Availability is a two step search: the repository returns active
// territories whose center lies in a bounding box around the candidate, then
// each is tested exactly. The box covers max(2r, r + largest active radius)
// so a large existing territory is never pruned away.
package territory

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tutu-network/fieldnet/internal/app/pricing"
	"github.com/tutu-network/fieldnet/internal/domain"
	"github.com/tutu-network/fieldnet/internal/infra/geo"
	"github.com/tutu-network/fieldnet/internal/infra/observability"
)

// ClaimLockKey is the lock held while approving a claim.
const ClaimLockKey = "fieldnet:lock:territory-claims"

// Service checks availability and manages territory applications.
type Service struct {
	store  domain.TerritoryStore
	pricer *pricing.Engine
	locker domain.Locker
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a territory service. locker serializes approvals; it
// may be an in-process or a distributed lock.
func NewService(store domain.TerritoryStore, pricer *pricing.Engine, locker domain.Locker, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		pricer: pricer,
		locker: locker,
		logger: observability.OrNop(logger).Named("territory"),
		now:    time.Now,
	}
}

// CheckAvailability reports whether a circle of radiusMiles around lat/lng
// is free, listing every active territory it would overlap. It never reports
// "available" when the repository fails.
func (s *Service) CheckAvailability(ctx context.Context, lat, lng, radiusMiles float64) (domain.Availability, error) {
	if err := validateCircle(lat, lng, radiusMiles); err != nil {
		return domain.Availability{}, err
	}
	overlaps, err := s.overlapping(ctx, lat, lng, radiusMiles, "")
	if err != nil {
		observability.TerritoryChecks.WithLabelValues("error").Inc()
		return domain.Availability{}, err
	}
	if len(overlaps) == 0 {
		observability.TerritoryChecks.WithLabelValues("available").Inc()
		return domain.Availability{Available: true, Overlapping: []domain.TerritoryRef{}}, nil
	}
	observability.TerritoryChecks.WithLabelValues("overlap").Inc()
	return domain.Availability{Available: false, Overlapping: overlaps}, nil
}

// overlapping returns active territories overlapping the circle, nearest
// first. excludeID skips the territory being evaluated.
func (s *Service) overlapping(ctx context.Context, lat, lng, radius float64, excludeID string) ([]domain.TerritoryRef, error) {
	maxRadius, err := s.store.MaxActiveRadius(ctx)
	if err != nil {
		return nil, domain.Dependency("territory.max_active_radius", err)
	}
	window := math.Max(2*radius, radius+maxRadius)
	box := geo.BoundingBox(lat, lng, window)

	candidates, err := s.store.ActiveWithin(ctx, box.MinLat, box.MaxLat, box.MinLng, box.MaxLng)
	if err != nil {
		return nil, domain.Dependency("territory.active_within", err)
	}

	var out []domain.TerritoryRef
	for _, c := range candidates {
		if c.ID == excludeID {
			continue
		}
		d := geo.DistanceMiles(lat, lng, c.CenterLat, c.CenterLng)
		if d < radius+c.RadiusMiles {
			ref := c.Ref()
			ref.DistanceMiles = d
			out = append(out, ref)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceMiles != out[j].DistanceMiles {
			return out[i].DistanceMiles < out[j].DistanceMiles
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func validateCircle(lat, lng, radius float64) error {
	switch {
	case math.IsNaN(lat) || lat < -90 || lat > 90:
		return domain.Invalid("lat", "must be within [-90, 90]")
	case math.IsNaN(lng) || lng < -180 || lng > 180:
		return domain.Invalid("lng", "must be within [-180, 180]")
	case math.IsNaN(radius) || math.IsInf(radius, 0) || radius <= 0:
		return domain.Invalid("radius", "must be a positive number of miles")
	}
	return nil
}

func newID() string { return uuid.NewString() }
