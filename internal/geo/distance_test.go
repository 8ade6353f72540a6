package geo

import (
	"errors"
	"math"
	"testing"

	domain "github.com/nearbuy/api/internal/domain"
)

func TestDistanceZero(t *testing.T) {
	points := []domain.Coordinate{
		{Latitude: 0, Longitude: 0},
		{Latitude: 35.6586, Longitude: 139.7454},
		{Latitude: -90, Longitude: 180},
	}
	for _, p := range points {
		d, err := Distance(p, p)
		if err != nil {
			t.Fatalf("Distance(%v, %v) returned error: %v", p, p, err)
		}
		if d != 0 {
			t.Fatalf("Distance(%v, %v) = %v, want 0", p, p, d)
		}
	}
}

func TestDistanceSymmetry(t *testing.T) {
	a := domain.Coordinate{Latitude: 12.9716, Longitude: 77.5946}
	b := domain.Coordinate{Latitude: 13.0827, Longitude: 80.2707}

	ab, err := Distance(a, b)
	if err != nil {
		t.Fatalf("Distance(a, b) returned error: %v", err)
	}
	ba, err := Distance(b, a)
	if err != nil {
		t.Fatalf("Distance(b, a) returned error: %v", err)
	}
	if math.Abs(ab-ba) > 1e-6 {
		t.Fatalf("Distance not symmetric: ab=%v ba=%v", ab, ba)
	}
	if ab <= 0 || math.IsNaN(ab) {
		t.Fatalf("Distance(a, b) = %v, want positive finite value", ab)
	}
}

func TestDistanceKnownPair(t *testing.T) {
	// Bangalore to Chennai is roughly 290 km great-circle.
	a := domain.Coordinate{Latitude: 12.9716, Longitude: 77.5946}
	b := domain.Coordinate{Latitude: 13.0827, Longitude: 80.2707}

	d, err := Distance(a, b)
	if err != nil {
		t.Fatalf("Distance returned error: %v", err)
	}
	if d < 280_000 || d > 300_000 {
		t.Fatalf("Distance = %v meters, want ~290km", d)
	}
}

func TestDistanceInvalidInput(t *testing.T) {
	valid := domain.Coordinate{Latitude: 10, Longitude: 20}
	cases := []struct {
		name string
		c    domain.Coordinate
	}{
		{"latitude above range", domain.Coordinate{Latitude: 90.0001, Longitude: 0}},
		{"latitude below range", domain.Coordinate{Latitude: -91, Longitude: 0}},
		{"longitude above range", domain.Coordinate{Latitude: 0, Longitude: 180.5}},
		{"longitude below range", domain.Coordinate{Latitude: 0, Longitude: -181}},
		{"nan latitude", domain.Coordinate{Latitude: math.NaN(), Longitude: 0}},
		{"inf longitude", domain.Coordinate{Latitude: 0, Longitude: math.Inf(1)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Distance(tc.c, valid); !errors.Is(err, domain.ErrInvalidCoordinate) {
				t.Fatalf("Distance(%v, valid) error = %v, want ErrInvalidCoordinate", tc.c, err)
			}
			if _, err := Distance(valid, tc.c); !errors.Is(err, domain.ErrInvalidCoordinate) {
				t.Fatalf("Distance(valid, %v) error = %v, want ErrInvalidCoordinate", tc.c, err)
			}
		})
	}
}

func TestWithinRadiusInclusiveBoundary(t *testing.T) {
	a := domain.Coordinate{Latitude: 0, Longitude: 0}
	b := domain.Coordinate{Latitude: 0, Longitude: 0.01}

	d, err := Distance(a, b)
	if err != nil {
		t.Fatalf("Distance returned error: %v", err)
	}

	ok, err := WithinRadius(a, b, d)
	if err != nil {
		t.Fatalf("WithinRadius returned error: %v", err)
	}
	if !ok {
		t.Fatalf("point at exactly the radius boundary should be included")
	}

	ok, err = WithinRadius(a, b, d-1)
	if err != nil {
		t.Fatalf("WithinRadius returned error: %v", err)
	}
	if ok {
		t.Fatalf("point beyond the radius should be excluded")
	}
}
