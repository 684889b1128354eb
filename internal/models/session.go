package models

import "time"

// Session statuses. A vehicle has at most one open (active or paused)
// session at any time; completed is terminal.
const (
	SessionStatusActive    = "active"
	SessionStatusPaused    = "paused"
	SessionStatusCompleted = "completed"
)

type Session struct {
	ID         uint64
	TripRef    string
	VehicleID  string
	OperatorID string
	RouteID    string
	ScheduleID *string

	Status    string
	StartedAt time.Time
	EndedAt   *time.Time
	EndReason *string

	LastUpdateAt   *time.Time
	DistanceMeters float64

	// PassengerCount is the last count reported by the driver or an
	// on-board counter; zero until the first report.
	PassengerCount int

	Metadata map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Open reports whether the session still accepts lifecycle transitions.
func (s *Session) Open() bool {
	return s.Status == SessionStatusActive || s.Status == SessionStatusPaused
}

type SessionStartInput struct {
	// TripRef is assigned by the session manager, not the caller.
	TripRef string

	VehicleID  string
	OperatorID string
	RouteID    string
	ScheduleID *string
	Metadata   map[string]string
}
