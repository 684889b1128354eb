package geo

import (
	"testing"

	"github.com/dzbus/buswatch/internal/models"
	"github.com/stretchr/testify/require"
)

func TestHaversineMeters(t *testing.T) {
	// Same point.
	require.Zero(t, HaversineMeters(36.7528, 3.0424, 36.7528, 3.0424))

	// Algiers city centre to roughly one hundredth of a degree northeast:
	// about 1.4 km on the ground.
	d := HaversineMeters(36.7528, 3.0424, 36.7628, 3.0524)
	require.InDelta(t, 1420, d, 60)

	// Order of the arguments must not matter.
	require.InDelta(t, d, HaversineMeters(36.7628, 3.0524, 36.7528, 3.0424), 0.001)
}

func TestSpeedKMH(t *testing.T) {
	require.Zero(t, SpeedKMH(100, 0))
	require.Zero(t, SpeedKMH(100, -5))
	// 1000m over 60s = 60 km/h.
	require.InDelta(t, 60.0, SpeedKMH(1000, 60), 0.01)
}

func TestNearestStop(t *testing.T) {
	stops := []models.Stop{
		{ID: "a", Latitude: 36.75, Longitude: 3.04, Order: 1},
		{ID: "b", Latitude: 36.76, Longitude: 3.05, Order: 2},
		{ID: "c", Latitude: 36.78, Longitude: 3.08, Order: 3},
	}

	stop, dist := NearestStop(36.7605, 3.0505, stops)
	require.NotNil(t, stop)
	require.Equal(t, "b", stop.ID)
	require.Less(t, dist, 100.0)

	stop, _ = NearestStop(0, 0, nil)
	require.Nil(t, stop)
}

func TestNearestStopWithin(t *testing.T) {
	stops := []models.Stop{{ID: "a", Latitude: 36.75, Longitude: 3.04}}

	stop, _ := NearestStopWithin(36.7501, 3.0401, 1000, stops)
	require.NotNil(t, stop)

	// ~5km away: outside a 1km radius.
	stop, _ = NearestStopWithin(36.79, 3.08, 1000, stops)
	require.Nil(t, stop)
}

func TestValidCoordinates(t *testing.T) {
	require.True(t, ValidCoordinates(36.7528, 3.0424))
	require.True(t, ValidCoordinates(-90, 180))
	require.False(t, ValidCoordinates(91, 0))
	require.False(t, ValidCoordinates(0, -181))
}
