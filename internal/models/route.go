package models

// Stop is a named point on a route. Route/stop identity is owned by the
// fleet-management subsystem; we keep a read model for geo math.
type Stop struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Order     int     `json:"order"`
}

// RouteSegment is a stored road-network leg between two consecutive stops.
// When present it is preferred over straight-line distance.
type RouteSegment struct {
	FromStopID      string
	ToStopID        string
	Polyline        string
	DistanceMeters  float64
	DurationSeconds int
}
