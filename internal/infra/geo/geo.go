// Package geo implements great-circle distance for territory overlap checks.
//
// Distances use the Haversine formula on a spherical Earth of radius
// 3959 miles:
//
//	a = sin²(Δφ/2) + cos φ1 · cos φ2 · sin²(Δλ/2)
//	d = 2R · asin(√a)
//
// The arcsine argument is clamped to [-1, 1] so rounding overshoot on
// antipodal points cannot produce NaN.
package geo

import "math"

// EarthRadiusMiles is the mean Earth radius used for every distance.
const EarthRadiusMiles = 3959.0

// milesPerDegreeLat is the arc length of one degree of latitude.
const milesPerDegreeLat = EarthRadiusMiles * math.Pi / 180

// DistanceMiles returns the great-circle distance between two points given
// in decimal degrees. The result is symmetric and zero for identical points.
func DistanceMiles(lat1, lng1, lat2, lng2 float64) float64 {
	if lat1 == lat2 && lng1 == lng2 {
		return 0
	}
	φ1 := radians(lat1)
	φ2 := radians(lat2)
	Δφ := radians(lat2 - lat1)
	Δλ := radians(lng2 - lng1)

	sinΔφ := math.Sin(Δφ / 2)
	sinΔλ := math.Sin(Δλ / 2)
	a := sinΔφ*sinΔφ + math.Cos(φ1)*math.Cos(φ2)*sinΔλ*sinΔλ

	return 2 * EarthRadiusMiles * math.Asin(clamp(math.Sqrt(a), -1, 1))
}

// ValidCoordinate reports whether lat/lng are finite and within range.
func ValidCoordinate(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// Box is a latitude/longitude rectangle in decimal degrees.
type Box struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
}

// BoundingBox returns a rectangle guaranteed to contain every point within
// miles of the center. Near the poles, or when the box would wrap the
// antimeridian, the longitude span widens to the full [-180, 180].
func BoundingBox(lat, lng, miles float64) Box {
	dLat := miles / milesPerDegreeLat
	b := Box{
		MinLat: math.Max(-90, lat-dLat),
		MaxLat: math.Min(90, lat+dLat),
		MinLng: -180,
		MaxLng: 180,
	}

	// Use the widest parallel inside the box for the longitude span.
	widest := math.Max(math.Abs(b.MinLat), math.Abs(b.MaxLat))
	cos := math.Cos(radians(widest))
	if cos < 1e-9 {
		return b
	}
	dLng := miles / (milesPerDegreeLat * cos)
	if dLng >= 180 || lng-dLng < -180 || lng+dLng > 180 {
		return b
	}
	b.MinLng = lng - dLng
	b.MaxLng = lng + dLng
	return b
}

// Contains reports whether the point is inside the box.
func (b Box) Contains(lat, lng float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lng >= b.MinLng && lng <= b.MaxLng
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

// clamp restricts a value to [min, max].
func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
