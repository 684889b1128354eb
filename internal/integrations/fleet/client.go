package fleet

import "context"

// Assignment is the fleet-management view of a vehicle/operator/route triple.
// Session start refuses to track unassigned or inactive vehicles.
type Assignment struct {
	VehicleActive  bool
	OperatorActive bool
	RouteExists    bool
}

func (a Assignment) OK() bool {
	return a.VehicleActive && a.OperatorActive && a.RouteExists
}

type Client interface {
	GetAssignment(ctx context.Context, vehicleID, operatorID, routeID string) (Assignment, error)
}
