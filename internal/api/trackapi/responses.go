package trackapi

import (
	"time"

	"github.com/dzbus/buswatch/internal/models"
	"github.com/dzbus/buswatch/internal/services/ingest"
)

// Wire representations. The models stay storage-shaped; the API owns its own
// field names.

type sessionResponse struct {
	ID         uint64  `json:"id"`
	TripRef    string  `json:"trip_ref"`
	VehicleID  string  `json:"vehicle_id"`
	OperatorID string  `json:"operator_id"`
	RouteID    string  `json:"route_id"`
	ScheduleID *string `json:"schedule_id,omitempty"`

	Status    string     `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	EndReason *string    `json:"end_reason,omitempty"`

	LastUpdateAt   *time.Time `json:"last_update_at,omitempty"`
	DistanceMeters float64    `json:"distance_meters"`
	PassengerCount int        `json:"passenger_count"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

func toSessionResponse(s *models.Session) sessionResponse {
	return sessionResponse{
		ID:             s.ID,
		TripRef:        s.TripRef,
		VehicleID:      s.VehicleID,
		OperatorID:     s.OperatorID,
		RouteID:        s.RouteID,
		ScheduleID:     s.ScheduleID,
		Status:         s.Status,
		StartedAt:      s.StartedAt,
		EndedAt:        s.EndedAt,
		EndReason:      s.EndReason,
		LastUpdateAt:   s.LastUpdateAt,
		DistanceMeters: s.DistanceMeters,
		PassengerCount: s.PassengerCount,
		Metadata:       s.Metadata,
	}
}

type locationResponse struct {
	ID        uint64 `json:"id"`
	SessionID uint64 `json:"session_id"`

	RecordedAt time.Time `json:"recorded_at"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`

	SpeedKMH *float64 `json:"speed_kmh,omitempty"`
	Heading  *float64 `json:"heading,omitempty"`

	DistanceFromPrevMeters float64  `json:"distance_from_prev_meters"`
	NearestStopID          *string  `json:"nearest_stop_id,omitempty"`
	DistanceToStopMeters   *float64 `json:"distance_to_stop_meters,omitempty"`
}

func toLocationResponse(u *models.LocationUpdate) locationResponse {
	return locationResponse{
		ID:                     u.ID,
		SessionID:              u.SessionID,
		RecordedAt:             u.RecordedAt,
		Latitude:               u.Latitude,
		Longitude:              u.Longitude,
		SpeedKMH:               u.SpeedKMH,
		Heading:                u.Heading,
		DistanceFromPrevMeters: u.DistanceFromPrevMeters,
		NearestStopID:          u.NearestStopID,
		DistanceToStopMeters:   u.DistanceToStopMeters,
	}
}

type batchIngestResponse struct {
	Accepted int               `json:"accepted"`
	Rejected int               `json:"rejected"`
	Reasons  []string          `json:"reasons,omitempty"`
	Last     *locationResponse `json:"last,omitempty"`
}

func batchResultBody(res *ingest.BatchResult) batchIngestResponse {
	out := batchIngestResponse{Accepted: res.Accepted, Rejected: res.Rejected, Reasons: res.Reasons}
	if res.Last != nil {
		last := toLocationResponse(res.Last)
		out.Last = &last
	}
	return out
}

type logResponse struct {
	ID        uint64            `json:"id"`
	SessionID uint64            `json:"session_id"`
	EventType string            `json:"event_type"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

func toLogResponses(logs []*models.TrackingLog) []logResponse {
	out := make([]logResponse, 0, len(logs))
	for _, l := range logs {
		out = append(out, logResponse{
			ID: l.ID, SessionID: l.SessionID, EventType: l.EventType,
			Message: l.Message, Metadata: l.Metadata, CreatedAt: l.CreatedAt,
		})
	}
	return out
}

type anomalyResponse struct {
	ID        uint64  `json:"id"`
	VehicleID string  `json:"vehicle_id"`
	SessionID *uint64 `json:"session_id,omitempty"`

	Type        string `json:"type"`
	Severity    string `json:"severity"`
	Description string `json:"description"`

	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`

	Resolved        bool       `json:"resolved"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func toAnomalyResponse(a *models.Anomaly) anomalyResponse {
	return anomalyResponse{
		ID:              a.ID,
		VehicleID:       a.VehicleID,
		SessionID:       a.SessionID,
		Type:            a.Type,
		Severity:        a.Severity,
		Description:     a.Description,
		Latitude:        a.Latitude,
		Longitude:       a.Longitude,
		Resolved:        a.Resolved,
		ResolvedAt:      a.ResolvedAt,
		ResolutionNotes: a.ResolutionNotes,
		CreatedAt:       a.CreatedAt,
	}
}

type batchResponse struct {
	ID        uint64 `json:"id"`
	ClientKey string `json:"client_key"`

	VehicleID  string `json:"vehicle_id"`
	OperatorID string `json:"operator_id"`
	RouteID    string `json:"route_id"`

	CollectedAt time.Time `json:"collected_at"`
	SampleCount int       `json:"sample_count"`

	Processed   bool       `json:"processed"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
}

func toBatchResponse(b *models.OfflineBatch) batchResponse {
	return batchResponse{
		ID:          b.ID,
		ClientKey:   b.ClientKey,
		VehicleID:   b.VehicleID,
		OperatorID:  b.OperatorID,
		RouteID:     b.RouteID,
		CollectedAt: b.CollectedAt,
		SampleCount: len(b.Samples),
		Processed:   b.Processed,
		ProcessedAt: b.ProcessedAt,
		LastError:   b.LastError,
	}
}
