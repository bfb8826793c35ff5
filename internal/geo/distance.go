// Package geo computes great-circle distances between claim and session coordinates.
package geo

import (
	"math"

	"github.com/harrylevesque/slqrattend/internal/models"
)

// EarthRadiusMeters is the mean Earth radius used by the haversine formula.
const EarthRadiusMeters = 6_371_000.0

// DistanceMeters returns the haversine distance between two coordinates in degrees.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	if lat1 == lat2 && lon1 == lon2 {
		return 0
	}
	φ1 := radians(lat1)
	φ2 := radians(lat2)
	dφ := radians(lat2 - lat1)
	dλ := radians(lon2 - lon1)

	sinφ := math.Sin(dφ / 2)
	sinλ := math.Sin(dλ / 2)
	h := sinφ*sinφ + math.Cos(φ1)*math.Cos(φ2)*sinλ*sinλ
	// rounding can push h just outside [0,1] near antipodes
	h = math.Min(1, math.Max(0, h))
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// Between returns the distance between two locations.
func Between(a, b models.Location) float64 {
	return DistanceMeters(a.Lat, a.Lon, b.Lat, b.Lon)
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
