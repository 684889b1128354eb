package models

import "time"

// Anomaly kinds are a tagged variant: new kinds are additive, payload lives
// in the shared fields.
const (
	AnomalyTypeSpeed = "speed"
	AnomalyTypeRoute = "route"
	AnomalyTypeGap   = "gap"
)

const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

type Anomaly struct {
	ID        uint64
	VehicleID string
	SessionID *uint64

	Type        string
	Severity    string
	Description string

	Latitude  *float64
	Longitude *float64

	Resolved        bool
	ResolvedAt      *time.Time
	ResolutionNotes string

	CreatedAt time.Time
}
