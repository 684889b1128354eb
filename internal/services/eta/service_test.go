package eta

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dzbus/buswatch/internal/apperr"
	"github.com/dzbus/buswatch/internal/models"
)

type fakeRepo struct {
	sessions  map[string]*models.Session // by vehicle id
	onRoute   map[string][]*models.Session
	latest    map[uint64]*models.LocationUpdate
	stops     map[string][]models.Stop
	segments  map[[2]string]models.RouteSegment
	stopByID  map[string]*models.Stop
	stopRoute map[string][]string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		sessions:  map[string]*models.Session{},
		onRoute:   map[string][]*models.Session{},
		latest:    map[uint64]*models.LocationUpdate{},
		stops:     map[string][]models.Stop{},
		segments:  map[[2]string]models.RouteSegment{},
		stopByID:  map[string]*models.Stop{},
		stopRoute: map[string][]string{},
	}
}

func (f *fakeRepo) OpenSessionForVehicle(ctx context.Context, vehicleID string) (*models.Session, error) {
	s, ok := f.sessions[vehicleID]
	if !ok {
		return nil, apperr.NotFound("no open session for vehicle %s", vehicleID)
	}
	return s, nil
}
func (f *fakeRepo) ActiveSessionsOnRoute(ctx context.Context, routeID string) ([]*models.Session, error) {
	return f.onRoute[routeID], nil
}
func (f *fakeRepo) LatestLocation(ctx context.Context, sessionID uint64) (*models.LocationUpdate, error) {
	return f.latest[sessionID], nil
}
func (f *fakeRepo) RouteStops(ctx context.Context, routeID string) ([]models.Stop, error) {
	return f.stops[routeID], nil
}
func (f *fakeRepo) RouteSegments(ctx context.Context, routeID string) (map[[2]string]models.RouteSegment, error) {
	return f.segments, nil
}
func (f *fakeRepo) RoutesForStop(ctx context.Context, stopID string) ([]string, error) {
	return f.stopRoute[stopID], nil
}
func (f *fakeRepo) GetStop(ctx context.Context, stopID string) (*models.Stop, error) {
	return f.stopByID[stopID], nil
}
func (f *fakeRepo) UpsertRouteStops(ctx context.Context, routeID string, stops []models.Stop) error {
	f.stops[routeID] = stops
	for i := range stops {
		st := stops[i]
		f.stopByID[st.ID] = &st
		f.stopRoute[st.ID] = append(f.stopRoute[st.ID], routeID)
	}
	return nil
}
func (f *fakeRepo) UpsertRouteSegments(ctx context.Context, segments []models.RouteSegment) error {
	for _, seg := range segments {
		f.segments[[2]string{seg.FromStopID, seg.ToStopID}] = seg
	}
	return nil
}

type fakeCache struct {
	m    map[string][]byte
	sets int
	gets int
}

func (c *fakeCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.gets++
	b, ok := c.m[key]
	return b, ok, nil
}
func (c *fakeCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.m[key] = value
	c.sets++
	return nil
}

// route-31: three stops heading north-east, roughly 1.42 km apart
func seedRoute(f *fakeRepo) {
	stops := []models.Stop{
		{ID: "s1", Name: "A", Latitude: 36.7528, Longitude: 3.0424, Order: 1},
		{ID: "s2", Name: "B", Latitude: 36.7628, Longitude: 3.0524, Order: 2},
		{ID: "s3", Name: "C", Latitude: 36.7728, Longitude: 3.0624, Order: 3},
	}
	f.stops["route-31"] = stops
	for i := range stops {
		st := stops[i]
		f.stopByID[st.ID] = &st
		f.stopRoute[st.ID] = []string{"route-31"}
	}
}

func seedVehicle(f *fakeRepo, id uint64, vehicleID string, lat, lon float64, speed *float64, at time.Time) *models.Session {
	sess := &models.Session{ID: id, VehicleID: vehicleID, RouteID: "route-31", Status: models.SessionStatusActive}
	f.sessions[vehicleID] = sess
	f.onRoute["route-31"] = append(f.onRoute["route-31"], sess)
	f.latest[id] = &models.LocationUpdate{SessionID: id, Latitude: lat, Longitude: lon, SpeedKMH: speed, RecordedAt: at}
	return sess
}

func fixedNow(s *Service, t time.Time) { s.now = func() time.Time { return t } }

// a weekday off-peak instant so the multiplier stays at 1.0
var quietTime = time.Date(2026, 3, 4, 11, 0, 0, 0, time.UTC) // Wednesday

func TestTrafficMultiplier(t *testing.T) {
	wdPeakAM := time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC)  // Wed 08:00
	wdPeakPM := time.Date(2026, 3, 4, 17, 0, 0, 0, time.UTC) // Wed 17:00
	weMidday := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC) // Sat 12:00
	weNight := time.Date(2026, 3, 7, 22, 0, 0, 0, time.UTC)  // Sat 22:00

	require.InDelta(t, 1.4, trafficMultiplier(wdPeakAM, 0, 0), 1e-9)
	require.InDelta(t, 1.4, trafficMultiplier(wdPeakPM, 0, 0), 1e-9)
	require.InDelta(t, 1.0, trafficMultiplier(quietTime, 0, 0), 1e-9)
	require.InDelta(t, 1.25, trafficMultiplier(weMidday, 0, 0), 1e-9)
	require.InDelta(t, 1.0, trafficMultiplier(weNight, 0, 0), 1e-9)

	// injected values win over defaults
	require.InDelta(t, 1.6, trafficMultiplier(wdPeakAM, 1.6, 1.2), 1e-9)
	require.InDelta(t, 1.2, trafficMultiplier(weMidday, 1.6, 1.2), 1e-9)
}

func TestReliability_decay(t *testing.T) {
	now := time.Now().UTC()
	require.InDelta(t, 100, reliability(now, now), 1e-9)
	require.InDelta(t, 90, reliability(now, now.Add(-10*time.Minute)), 1e-9)
	require.InDelta(t, 0, reliability(now, now.Add(-3*time.Hour)), 1e-9)
	// clock skew never pushes reliability above 100
	require.InDelta(t, 100, reliability(now, now.Add(time.Minute)), 1e-9)
}

func TestEstimatedRoute_monotoneAndAnchored(t *testing.T) {
	f := newFakeRepo()
	seedRoute(f)
	speed := 30.0
	// vehicle sits just past s1, heading to s2
	seedVehicle(f, 1, "bus-16", 36.7550, 3.0450, &speed, quietTime.Add(-time.Minute))

	s := New(f, nil, Config{}, nil)
	fixedNow(s, quietTime)

	est, err := s.EstimatedRoute(context.Background(), "bus-16", "")
	require.NoError(t, err)
	require.False(t, est.Idle)
	require.InDelta(t, 30, est.EffectiveSpeedKMH, 1e-9)
	require.InDelta(t, 1.0, est.TrafficMultiplier, 1e-9)

	// anchor is the nearest stop (s1), so all three stops remain
	require.Len(t, est.Stops, 3)
	require.Equal(t, "s1", est.Stops[0].Stop.ID)
	for i := 1; i < len(est.Stops); i++ {
		require.False(t, est.Stops[i].ETA.Before(est.Stops[i-1].ETA), "ETA must be monotone")
	}
	// ~1.42 km at 30 km/h is ~170 s per leg
	require.InDelta(t, 170, est.Stops[1].LegDurationSeconds, 20)
}

func TestEstimatedRoute_destinationCutsRoute(t *testing.T) {
	f := newFakeRepo()
	seedRoute(f)
	seedVehicle(f, 1, "bus-16", 36.7528, 3.0424, nil, quietTime)

	s := New(f, nil, Config{}, nil)
	fixedNow(s, quietTime)

	est, err := s.EstimatedRoute(context.Background(), "bus-16", "s2")
	require.NoError(t, err)
	require.Len(t, est.Stops, 2)
	require.Equal(t, "s2", est.Stops[len(est.Stops)-1].Stop.ID)

	_, err = s.EstimatedRoute(context.Background(), "bus-16", "elsewhere")
	require.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestEstimatedRoute_storedSegmentPreferred(t *testing.T) {
	f := newFakeRepo()
	seedRoute(f)
	// road distance much longer than the straight line
	f.segments[[2]string{"s1", "s2"}] = models.RouteSegment{FromStopID: "s1", ToStopID: "s2", DistanceMeters: 2600, DurationSeconds: 300}
	seedVehicle(f, 1, "bus-16", 36.7528, 3.0424, nil, quietTime)

	s := New(f, nil, Config{}, nil)
	fixedNow(s, quietTime)

	est, err := s.EstimatedRoute(context.Background(), "bus-16", "")
	require.NoError(t, err)
	require.InDelta(t, 2600, est.Stops[1].LegDistanceMeters, 1e-6)
	// s2 -> s3 has no stored segment: straight line
	require.InDelta(t, 1420, est.Stops[2].LegDistanceMeters, 60)
}

func TestEstimatedRoute_defaultSpeedWhenMissing(t *testing.T) {
	f := newFakeRepo()
	seedRoute(f)
	seedVehicle(f, 1, "bus-16", 36.7528, 3.0424, nil, quietTime)

	s := New(f, nil, Config{DefaultUrbanSpeedKMH: 20}, nil)
	fixedNow(s, quietTime)

	est, err := s.EstimatedRoute(context.Background(), "bus-16", "")
	require.NoError(t, err)
	require.InDelta(t, 20, est.EffectiveSpeedKMH, 1e-9)
}

func TestEstimatedRoute_idleWithoutSamples(t *testing.T) {
	f := newFakeRepo()
	seedRoute(f)
	sess := &models.Session{ID: 1, VehicleID: "bus-16", RouteID: "route-31", Status: models.SessionStatusActive}
	f.sessions["bus-16"] = sess

	s := New(f, nil, Config{}, nil)
	est, err := s.EstimatedRoute(context.Background(), "bus-16", "")
	require.NoError(t, err)
	require.True(t, est.Idle)
	require.Empty(t, est.Stops)
}

func TestEstimatedRoute_unknownVehicle(t *testing.T) {
	s := New(newFakeRepo(), nil, Config{}, nil)
	_, err := s.EstimatedRoute(context.Background(), "ghost", "")
	require.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestEstimatedRoute_cancelledContext(t *testing.T) {
	f := newFakeRepo()
	seedRoute(f)
	seedVehicle(f, 1, "bus-16", 36.7528, 3.0424, nil, quietTime)

	s := New(f, nil, Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.EstimatedRoute(ctx, "bus-16", "")
	require.ErrorIs(t, err, context.Canceled)
}

func TestArrivalEstimates_rankedByETA(t *testing.T) {
	f := newFakeRepo()
	seedRoute(f)
	speed := 30.0
	// bus-near is one stop from s3, bus-far is two stops away
	seedVehicle(f, 1, "bus-near", 36.7628, 3.0524, &speed, quietTime.Add(-30*time.Minute))
	seedVehicle(f, 2, "bus-far", 36.7528, 3.0424, &speed, quietTime.Add(-time.Minute))

	s := New(f, nil, Config{}, nil)
	fixedNow(s, quietTime)

	out, err := s.ArrivalEstimates(context.Background(), "s3", "")
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "bus-near", out[0].VehicleID)
	require.Equal(t, "bus-far", out[1].VehicleID)
	require.True(t, out[0].ETA.Before(out[1].ETA))

	// 30 minutes of sample age cost bus-near 30 points
	require.InDelta(t, 70, out[0].ReliabilityPercent, 1)
	require.InDelta(t, 99, out[1].ReliabilityPercent, 1)
	require.Greater(t, out[1].DistanceMeters, out[0].DistanceMeters)
}

func TestArrivalEstimates_unknownStop(t *testing.T) {
	s := New(newFakeRepo(), nil, Config{}, nil)
	_, err := s.ArrivalEstimates(context.Background(), "ghost", "")
	require.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestRouteVisualization_cachedPayload(t *testing.T) {
	f := newFakeRepo()
	seedRoute(f)
	speed := 22.0
	seedVehicle(f, 1, "bus-16", 36.7600, 3.0500, &speed, quietTime)
	c := &fakeCache{m: map[string][]byte{}}

	s := New(f, c, Config{VisualizationTTL: 30 * time.Second}, nil)
	fixedNow(s, quietTime)

	v, err := s.RouteVisualization(context.Background(), "route-31")
	require.NoError(t, err)
	require.Len(t, v.Markers, 3)
	require.Len(t, v.Segments, 2)
	require.Len(t, v.Vehicles, 1)
	require.Equal(t, "bus-16", v.Vehicles[0].VehicleID)

	// bounds cover the stops and the vehicle
	require.LessOrEqual(t, v.Bounds.MinLat, 36.7528)
	require.GreaterOrEqual(t, v.Bounds.MaxLat, 36.7728)
	require.LessOrEqual(t, v.Bounds.MinLon, 3.0424)
	require.GreaterOrEqual(t, v.Bounds.MaxLon, 3.0624)

	require.Equal(t, 1, c.sets)

	// second call is served from cache
	v2, err := s.RouteVisualization(context.Background(), "route-31")
	require.NoError(t, err)
	require.Equal(t, v.GeneratedAt.Unix(), v2.GeneratedAt.Unix())
	require.Equal(t, 1, c.sets)
}

func TestLoadRoute(t *testing.T) {
	f := newFakeRepo()
	s := New(f, nil, Config{}, nil)

	stops := []models.Stop{
		{ID: "s1", Name: "A", Latitude: 36.7528, Longitude: 3.0424},
		{ID: "s2", Name: "B", Latitude: 36.7628, Longitude: 3.0524},
	}
	segs := []models.RouteSegment{
		{FromStopID: "s1", ToStopID: "s2", DistanceMeters: 1800, DurationSeconds: 240},
	}
	require.NoError(t, s.LoadRoute(context.Background(), "route-31", stops, segs))

	// omitted orders fall back to sequence position
	require.Equal(t, 1, f.stops["route-31"][0].Order)
	require.Equal(t, 2, f.stops["route-31"][1].Order)
	require.InDelta(t, 1800, f.segments[[2]string{"s1", "s2"}].DistanceMeters, 1e-9)

	err := s.LoadRoute(context.Background(), "", stops, nil)
	require.True(t, apperr.Is(err, apperr.KindValidation))
	err = s.LoadRoute(context.Background(), "route-31", stops[:1], nil)
	require.True(t, apperr.Is(err, apperr.KindValidation))
	err = s.LoadRoute(context.Background(), "route-31", []models.Stop{
		{ID: "s1", Latitude: 95, Longitude: 3.0424},
		{ID: "s2", Latitude: 36.7628, Longitude: 3.0524},
	}, nil)
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestRouteVisualization_unknownRoute(t *testing.T) {
	s := New(newFakeRepo(), nil, Config{}, nil)
	_, err := s.RouteVisualization(context.Background(), "ghost")
	require.True(t, apperr.Is(err, apperr.KindNotFound))
}
