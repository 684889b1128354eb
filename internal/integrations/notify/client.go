package notify

import "context"

// Notification is the narrow payload handed to the dispatcher subsystem.
// Delivery mechanics (channels, retries, localization) live there, not here.
type Notification struct {
	VehicleID string `json:"vehicle_id"`
	Kind      string `json:"kind"`
	Severity  string `json:"severity"`
	Message   string `json:"message"`
}

type Client interface {
	Send(ctx context.Context, n Notification) error
}
