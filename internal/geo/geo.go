// Package geo holds the great-circle math shared by ingestion, the ETA
// estimator and the anomaly detector. Distances are meters.
package geo

import (
	"math"

	"github.com/dzbus/buswatch/internal/models"
)

const earthRadiusMeters = 6371000.0

// HaversineMeters returns the great-circle distance between two coordinates.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}

// SpeedKMH derives speed from two samples; returns 0 for non-positive
// time deltas.
func SpeedKMH(distMeters, dtSeconds float64) float64 {
	if dtSeconds <= 0 {
		return 0
	}
	return distMeters / dtSeconds * 3.6
}

// NearestStop scans stops for the minimum great-circle distance to the
// given position. Returns nil when stops is empty.
func NearestStop(lat, lon float64, stops []models.Stop) (*models.Stop, float64) {
	var best *models.Stop
	minDist := math.MaxFloat64
	for i := range stops {
		d := HaversineMeters(lat, lon, stops[i].Latitude, stops[i].Longitude)
		if d < minDist {
			minDist = d
			best = &stops[i]
		}
	}
	if best == nil {
		return nil, 0
	}
	return best, minDist
}

// NearestStopWithin is NearestStop restricted to a radius; used by the
// route-deviation rule (no stop within radius means off route).
func NearestStopWithin(lat, lon, radiusMeters float64, stops []models.Stop) (*models.Stop, float64) {
	stop, dist := NearestStop(lat, lon, stops)
	if stop == nil || dist > radiusMeters {
		return nil, 0
	}
	return stop, dist
}

// ValidCoordinates reports whether lat/lon form a real position.
func ValidCoordinates(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
