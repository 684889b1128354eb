package sessions

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/dzbus/buswatch/internal/apperr"
	"github.com/dzbus/buswatch/internal/broker/messages"
	fleetfake "github.com/dzbus/buswatch/internal/integrations/fleet/fake"
	"github.com/dzbus/buswatch/internal/models"
)

type fakeRepo struct {
	createIn  models.SessionStartInput
	createOut *models.Session
	createErr error

	transIn struct {
		id        uint64
		from      []string
		to        string
		logEvent  string
		endReason *string
	}
	transOut *models.Session
	transErr error

	getOut *models.Session
	getErr error

	occupancyID    uint64
	occupancyCount int
}

func (f *fakeRepo) CreateSession(ctx context.Context, in models.SessionStartInput) (*models.Session, error) {
	f.createIn = in
	return f.createOut, f.createErr
}
func (f *fakeRepo) GetSession(ctx context.Context, id uint64) (*models.Session, error) {
	return f.getOut, f.getErr
}
func (f *fakeRepo) OpenSessionForVehicle(ctx context.Context, vehicleID string) (*models.Session, error) {
	return f.getOut, f.getErr
}
func (f *fakeRepo) TransitionSession(ctx context.Context, id uint64, from []string, to, logEvent string, endReason *string) (*models.Session, error) {
	f.transIn.id = id
	f.transIn.from = from
	f.transIn.to = to
	f.transIn.logEvent = logEvent
	f.transIn.endReason = endReason
	return f.transOut, f.transErr
}
func (f *fakeRepo) UpdateSessionOccupancy(ctx context.Context, id uint64, count int) (*models.Session, error) {
	f.occupancyID = id
	f.occupancyCount = count
	return &models.Session{ID: id, Status: models.SessionStatusActive, PassengerCount: count}, nil
}
func (f *fakeRepo) ListSessionLogs(ctx context.Context, sessionID uint64, limit, offset int) ([]*models.TrackingLog, error) {
	return nil, nil
}

type fakePublisher struct {
	topics []string
	keys   [][]byte
	values [][]byte
	err    error
	fails  int
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, key, value []byte) error {
	if p.fails > 0 {
		p.fails--
		return errors.New("kafka down")
	}
	if p.err != nil {
		return p.err
	}
	p.topics = append(p.topics, topic)
	p.keys = append(p.keys, key)
	p.values = append(p.values, value)
	return nil
}

func TestService_Start_validate(t *testing.T) {
	s := New(&fakeRepo{}, nil, nil, "", nil)

	_, err := s.Start(context.Background(), models.SessionStartInput{OperatorID: "o", RouteID: "r"})
	require.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = s.Start(context.Background(), models.SessionStartInput{VehicleID: "v", RouteID: "r"})
	require.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = s.Start(context.Background(), models.SessionStartInput{VehicleID: "v", OperatorID: "o"})
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestService_Start_assignsTripRef(t *testing.T) {
	r := &fakeRepo{createOut: &models.Session{ID: 1}}
	s := New(r, fleetfake.New(), nil, "", nil)

	_, err := s.Start(context.Background(), models.SessionStartInput{
		VehicleID: "bus-16", OperatorID: "op-1", RouteID: "route-31",
	})
	require.NoError(t, err)
	require.NotEmpty(t, r.createIn.TripRef)
}

func TestService_Start_fleetRejections(t *testing.T) {
	fc := fleetfake.New()
	fc.InactiveVehicles["bus-dead"] = true
	s := New(&fakeRepo{createOut: &models.Session{}}, fc, nil, "", nil)

	_, err := s.Start(context.Background(), models.SessionStartInput{
		VehicleID: "bus-dead", OperatorID: "op-1", RouteID: "route-31",
	})
	require.True(t, apperr.Is(err, apperr.KindRejected), "got %v", err)

	fc.MissingRoutes["route-x"] = true
	_, err = s.Start(context.Background(), models.SessionStartInput{
		VehicleID: "bus-1", OperatorID: "op-1", RouteID: "route-x",
	})
	require.True(t, apperr.Is(err, apperr.KindRejected))

	fc.Err = errors.New("fleet down")
	_, err = s.Start(context.Background(), models.SessionStartInput{
		VehicleID: "bus-1", OperatorID: "op-1", RouteID: "route-31",
	})
	require.Error(t, err)
	require.Equal(t, apperr.Kind(""), apperr.KindOf(err))
}

func TestService_PauseResume_transitions(t *testing.T) {
	r := &fakeRepo{transOut: &models.Session{ID: 5}}
	s := New(r, nil, nil, "", nil)

	_, err := s.Pause(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, []string{models.SessionStatusActive}, r.transIn.from)
	require.Equal(t, models.SessionStatusPaused, r.transIn.to)
	require.Equal(t, models.LogSessionPaused, r.transIn.logEvent)

	_, err = s.Resume(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, []string{models.SessionStatusPaused}, r.transIn.from)
	require.Equal(t, models.SessionStatusActive, r.transIn.to)
}

func TestService_End_publishesMetrics(t *testing.T) {
	started := time.Now().UTC().Add(-30 * time.Minute)
	ended := time.Now().UTC()
	r := &fakeRepo{transOut: &models.Session{
		ID: 7, TripRef: "trip-1", VehicleID: "bus-16", RouteID: "route-31",
		Status: models.SessionStatusCompleted, StartedAt: started, EndedAt: &ended,
		DistanceMeters: 9000,
	}}
	p := &fakePublisher{}
	s := New(r, nil, p, "session.ended", nil)

	sess, err := s.End(context.Background(), 7, "")
	require.NoError(t, err)
	require.Equal(t, uint64(7), sess.ID)
	require.NotNil(t, r.transIn.endReason)
	require.Equal(t, "normal", *r.transIn.endReason)

	require.Len(t, p.topics, 1)
	require.Equal(t, "session.ended", p.topics[0])
	require.Equal(t, []byte("7"), p.keys[0])

	var msg messages.SessionEnded
	require.NoError(t, json.Unmarshal(p.values[0], &msg))
	require.Equal(t, "trip-1", msg.TripRef)
	require.InDelta(t, 9000, msg.DistanceMeters, 1e-6)
	require.InDelta(t, 1800, msg.DurationSeconds, 2)
	// 9 km in 30 min = 18 km/h
	require.InDelta(t, 18, msg.AvgSpeedKMH, 0.1)
}

func TestService_End_publishRetriesThenSucceeds(t *testing.T) {
	ended := time.Now().UTC()
	r := &fakeRepo{transOut: &models.Session{ID: 8, StartedAt: ended.Add(-time.Minute), EndedAt: &ended}}
	p := &fakePublisher{fails: 2}
	s := New(r, nil, p, "session.ended", nil)

	_, err := s.End(context.Background(), 8, "depot")
	require.NoError(t, err)
	require.Len(t, p.topics, 1)
}

func TestService_End_publishFailureNeverFailsCall(t *testing.T) {
	ended := time.Now().UTC()
	r := &fakeRepo{transOut: &models.Session{ID: 9, StartedAt: ended, EndedAt: &ended}}
	p := &fakePublisher{err: errors.New("kafka gone")}
	s := New(r, nil, p, "session.ended", nil)

	_, err := s.End(context.Background(), 9, "")
	require.NoError(t, err)
}

func TestService_End_invalidState(t *testing.T) {
	r := &fakeRepo{transErr: apperr.InvalidState("session 3 is completed")}
	p := &fakePublisher{}
	s := New(r, nil, p, "session.ended", nil)

	_, err := s.End(context.Background(), 3, "")
	require.True(t, apperr.Is(err, apperr.KindInvalidState))
	require.Empty(t, p.topics)
}

func TestService_ForceEnd_defaultReason(t *testing.T) {
	ended := time.Now().UTC()
	r := &fakeRepo{transOut: &models.Session{ID: 4, StartedAt: ended, EndedAt: &ended}}
	s := New(r, nil, nil, "", nil)

	_, err := s.ForceEnd(context.Background(), 4, "")
	require.NoError(t, err)
	require.Equal(t, "forced", *r.transIn.endReason)
}

func TestService_SetOccupancy(t *testing.T) {
	r := &fakeRepo{}
	s := New(r, nil, nil, "", nil)

	sess, err := s.SetOccupancy(context.Background(), 6, 23)
	require.NoError(t, err)
	require.Equal(t, 23, sess.PassengerCount)
	require.Equal(t, uint64(6), r.occupancyID)
	require.Equal(t, 23, r.occupancyCount)

	_, err = s.SetOccupancy(context.Background(), 0, 5)
	require.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = s.SetOccupancy(context.Background(), 6, -1)
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestService_Get_validate(t *testing.T) {
	s := New(&fakeRepo{}, nil, nil, "", nil)
	_, err := s.Get(context.Background(), 0)
	require.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = s.ActiveForVehicle(context.Background(), "")
	require.True(t, apperr.Is(err, apperr.KindValidation))
}
