package geo

import (
	"math"

	domain "github.com/nearbuy/api/internal/domain"
)

// EarthRadiusMeters is Earth's mean radius used by the haversine formula.
const EarthRadiusMeters = 6_371_000.0

// Distance computes the great-circle distance between two coordinates in
// meters using the haversine formula on a spherical Earth approximation.
// Both coordinates are validated first; for valid inputs the result is
// never negative or NaN, Distance(a, a) is 0 and the function is symmetric.
func Distance(a, b domain.Coordinate) (float64, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}
	if err := b.Validate(); err != nil {
		return 0, err
	}
	return haversineMeters(a.Latitude, a.Longitude, b.Latitude, b.Longitude), nil
}

func haversineMeters(lat1, lng1, lat2, lng2 float64) float64 {
	const degToRad = math.Pi / 180
	dLat := (lat2 - lat1) * degToRad
	dLng := (lng2 - lng1) * degToRad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*degToRad)*math.Cos(lat2*degToRad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusMeters * c
}

// WithinRadius reports whether b lies within radiusMeters of a. The
// boundary is inclusive: a point at exactly radiusMeters passes.
func WithinRadius(a, b domain.Coordinate, radiusMeters float64) (bool, error) {
	d, err := Distance(a, b)
	if err != nil {
		return false, err
	}
	return d <= radiusMeters, nil
}
