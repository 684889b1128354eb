package models

import "time"

// OfflineBatch is a bundle of samples collected while a device had no
// connectivity. processed flips false->true exactly once; reprocessing a
// processed batch is a no-op.
type OfflineBatch struct {
	ID        uint64
	ClientKey string

	OperatorID string
	VehicleID  string
	RouteID    string

	CollectedAt time.Time
	Samples     []LocationSample

	Processed   bool
	ProcessedAt *time.Time
	LastError   *string

	CreatedAt time.Time
}

type OfflineBatchCreateInput struct {
	ClientKey   string
	OperatorID  string
	VehicleID   string
	RouteID     string
	CollectedAt time.Time
	Samples     []LocationSample
}
