package models

import "time"

// Tracking log event types. The log is append-only; cleanup is an external
// concern.
const (
	LogSessionStarted        = "session_started"
	LogSessionPaused         = "session_paused"
	LogSessionResumed        = "session_resumed"
	LogSessionEnded          = "session_ended"
	LogLocationRejected      = "location_update_rejected"
	LogTrackingGap           = "tracking_gap"
	LogOccupancyUpdated      = "occupancy_updated"
)

type TrackingLog struct {
	ID        uint64
	SessionID uint64
	EventType string
	Message   string
	Metadata  map[string]string
	CreatedAt time.Time
}
