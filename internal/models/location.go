package models

import "time"

type LocationUpdate struct {
	ID        uint64
	SessionID uint64

	RecordedAt time.Time
	Latitude   float64
	Longitude  float64

	SpeedKMH *float64
	Heading  *float64
	Altitude *float64
	Accuracy *float64

	// Distance from the immediately preceding sample of the same session,
	// computed once at insertion and never recomputed.
	DistanceFromPrevMeters float64

	NearestStopID        *string
	DistanceToStopMeters *float64

	CreatedAt time.Time
}

// LocationSample is raw device input before ingestion assigns identity and
// incremental distance.
type LocationSample struct {
	RecordedAt time.Time `json:"recorded_at"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	SpeedKMH   *float64  `json:"speed_kmh,omitempty"`
	Heading    *float64  `json:"heading,omitempty"`
	Altitude   *float64  `json:"altitude,omitempty"`
	Accuracy   *float64  `json:"accuracy,omitempty"`
}

// CurrentLocation is the flat record kept in the latest-location cache and
// served on the read path. The durable store remains authoritative: readers
// falling back on a cache miss must see identical data.
type CurrentLocation struct {
	SessionID  uint64    `json:"session_id"`
	VehicleID  string    `json:"vehicle_id"`
	RouteID    string    `json:"route_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	SpeedKMH   *float64  `json:"speed_kmh,omitempty"`
	Heading    *float64  `json:"heading,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`

	PassengerCount int `json:"passenger_count"`
}
