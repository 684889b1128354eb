// Package messages holds the JSON payloads published to kafka. Topics are
// keyed by session (location/session events) or vehicle (anomalies) so
// per-entity ordering is preserved within a partition.
package messages

import "time"

// LocationRecorded is emitted once per accepted ingestion call (once per
// batch, from the last accepted sample). The worker consumes it to run
// anomaly checks and to decide whether route ETAs need recalculation.
type LocationRecorded struct {
	SessionID uint64 `json:"session_id"`
	VehicleID string `json:"vehicle_id"`
	RouteID   string `json:"route_id"`

	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	SpeedKMH   *float64  `json:"speed_kmh,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`

	// Meters moved since the sample that last fed an ETA recalculation.
	// The ingest side accumulates it so the worker can apply the distance
	// trigger without re-reading the store.
	DistanceSinceETAMeters float64 `json:"distance_since_eta_meters"`
	BatchSize              int     `json:"batch_size"`
}

// SessionEnded carries final trip metrics for downstream finalization
// (reporting, trip history). Fire-and-forget from the session manager.
type SessionEnded struct {
	SessionID uint64 `json:"session_id"`
	TripRef   string `json:"trip_ref"`
	VehicleID string `json:"vehicle_id"`
	RouteID   string `json:"route_id"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`

	DistanceMeters  float64 `json:"distance_meters"`
	DurationSeconds float64 `json:"duration_seconds"`
	AvgSpeedKMH     float64 `json:"avg_speed_kmh"`

	Reason string `json:"reason,omitempty"`
}

// AnomalyDetected fans out to the notification dispatcher.
type AnomalyDetected struct {
	AnomalyID uint64  `json:"anomaly_id"`
	VehicleID string  `json:"vehicle_id"`
	SessionID *uint64 `json:"session_id,omitempty"`

	Type        string   `json:"type"`
	Severity    string   `json:"severity"`
	Description string   `json:"description"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`

	DetectedAt time.Time `json:"detected_at"`
}
