package fake

import (
	"context"

	"github.com/dzbus/buswatch/internal/integrations/fleet"
)

// FakeClient approves everything unless told otherwise. Used in tests and as
// a local-dev stand-in while the fleet service is unavailable.
type FakeClient struct {
	InactiveVehicles  map[string]bool
	InactiveOperators map[string]bool
	MissingRoutes     map[string]bool

	Err error
}

func New() *FakeClient {
	return &FakeClient{
		InactiveVehicles:  map[string]bool{},
		InactiveOperators: map[string]bool{},
		MissingRoutes:     map[string]bool{},
	}
}

func (f *FakeClient) GetAssignment(ctx context.Context, vehicleID, operatorID, routeID string) (fleet.Assignment, error) {
	if f.Err != nil {
		return fleet.Assignment{}, f.Err
	}
	return fleet.Assignment{
		VehicleActive:  !f.InactiveVehicles[vehicleID],
		OperatorActive: !f.InactiveOperators[operatorID],
		RouteExists:    !f.MissingRoutes[routeID],
	}, nil
}
