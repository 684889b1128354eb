package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/dzbus/buswatch/internal/apperr"
	"github.com/dzbus/buswatch/internal/broker/messages"
	"github.com/dzbus/buswatch/internal/models"
)

type fakeRepo struct {
	mu        sync.Mutex
	sessions  map[uint64]*models.Session
	locations map[uint64][]*models.LocationUpdate
	logs      []string
	stops     []models.Stop

	applyFails int
	applyCalls int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		sessions:  map[uint64]*models.Session{},
		locations: map[uint64][]*models.LocationUpdate{},
	}
}

func (f *fakeRepo) GetSession(ctx context.Context, id uint64) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, apperr.NotFound("session %d", id)
	}
	return s, nil
}

func (f *fakeRepo) LatestLocation(ctx context.Context, sessionID uint64) (*models.LocationUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	locs := f.locations[sessionID]
	if len(locs) == 0 {
		return nil, nil
	}
	return locs[len(locs)-1], nil
}

func (f *fakeRepo) ApplyLocations(ctx context.Context, sessionID uint64, updates []*models.LocationUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyCalls++
	if f.applyFails > 0 {
		f.applyFails--
		return errors.New("pg connection reset")
	}
	f.locations[sessionID] = append(f.locations[sessionID], updates...)
	var total float64
	for _, u := range updates {
		total += u.DistanceFromPrevMeters
	}
	f.sessions[sessionID].DistanceMeters += total
	return nil
}

func (f *fakeRepo) ListLocations(ctx context.Context, sessionID uint64, limit, offset int) ([]*models.LocationUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	locs := f.locations[sessionID]
	var out []*models.LocationUpdate
	for i := len(locs) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, locs[i])
	}
	return out, nil
}

func (f *fakeRepo) AppendSessionLog(ctx context.Context, sessionID uint64, eventType, message string, metadata map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, eventType+": "+message)
	return nil
}

func (f *fakeRepo) RouteStops(ctx context.Context, routeID string) ([]models.Stop, error) {
	return f.stops, nil
}

type fakeCache struct {
	m    map[string][]byte
	sets int
}

func (c *fakeCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, ok := c.m[key]
	return b, ok, nil
}
func (c *fakeCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.m[key] = value
	c.sets++
	return nil
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []messages.LocationRecorded
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, key, value []byte) error {
	var m messages.LocationRecorded
	if err := json.Unmarshal(value, &m); err != nil {
		return err
	}
	p.mu.Lock()
	p.msgs = append(p.msgs, m)
	p.mu.Unlock()
	return nil
}

func activeSession(r *fakeRepo, id uint64) *models.Session {
	s := &models.Session{ID: id, VehicleID: "bus-16", RouteID: "route-31", Status: models.SessionStatusActive, StartedAt: time.Now().UTC()}
	r.sessions[id] = s
	return s
}

func sample(at time.Time, lat, lon float64) models.LocationSample {
	return models.LocationSample{RecordedAt: at, Latitude: lat, Longitude: lon}
}

func TestIngestOne_incrementalDistance(t *testing.T) {
	r := newFakeRepo()
	activeSession(r, 1)
	c := &fakeCache{m: map[string][]byte{}}
	p := &fakePublisher{}
	s := New(r, c, p, "location.recorded", time.Hour, 250, nil)

	base := time.Now().UTC()
	// Algiers, three steps of +0.01 deg on both axes, ~1.42 km each
	coords := [][2]float64{{36.7528, 3.0424}, {36.7628, 3.0524}, {36.7728, 3.0624}, {36.7828, 3.0724}}

	for i, cc := range coords {
		_, err := s.IngestOne(context.Background(), 1, sample(base.Add(time.Duration(i)*30*time.Second), cc[0], cc[1]))
		require.NoError(t, err)
	}

	locs := r.locations[1]
	require.Len(t, locs, 4)
	require.Zero(t, locs[0].DistanceFromPrevMeters)
	for _, u := range locs[1:] {
		require.InDelta(t, 1420, u.DistanceFromPrevMeters, 60)
	}
	require.InDelta(t, 3*1420, r.sessions[1].DistanceMeters, 180)

	// every accepted update refreshed the cache and published an event
	require.Equal(t, 4, c.sets)
	require.Len(t, p.msgs, 4)
	require.Equal(t, "bus-16", p.msgs[0].VehicleID)
}

func TestIngestOne_overSpeedStillIngests(t *testing.T) {
	r := newFakeRepo()
	activeSession(r, 1)
	s := New(r, nil, nil, "", time.Hour, 0, nil)

	v := 140.0
	_, err := s.IngestOne(context.Background(), 1, models.LocationSample{
		RecordedAt: time.Now().UTC(), Latitude: 36.75, Longitude: 3.04, SpeedKMH: &v,
	})
	require.NoError(t, err)
	require.Len(t, r.locations[1], 1)
}

func TestIngestOne_guards(t *testing.T) {
	r := newFakeRepo()
	sess := activeSession(r, 1)
	s := New(r, nil, nil, "", time.Hour, 0, nil)
	now := time.Now().UTC()

	// invalid coordinates
	_, err := s.IngestOne(context.Background(), 1, sample(now, 95, 3.04))
	require.True(t, apperr.Is(err, apperr.KindValidation))

	// paused session rejects and logs
	sess.Status = models.SessionStatusPaused
	_, err = s.IngestOne(context.Background(), 1, sample(now, 36.75, 3.04))
	require.True(t, apperr.Is(err, apperr.KindRejected))
	require.Len(t, r.logs, 1)
	require.Contains(t, r.logs[0], models.LogLocationRejected)

	// unknown session
	_, err = s.IngestOne(context.Background(), 99, sample(now, 36.75, 3.04))
	require.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestIngestOne_staleSampleRejected(t *testing.T) {
	r := newFakeRepo()
	activeSession(r, 1)
	s := New(r, nil, nil, "", time.Hour, 0, nil)
	now := time.Now().UTC()

	_, err := s.IngestOne(context.Background(), 1, sample(now, 36.75, 3.04))
	require.NoError(t, err)

	_, err = s.IngestOne(context.Background(), 1, sample(now.Add(-time.Minute), 36.76, 3.05))
	require.True(t, apperr.Is(err, apperr.KindRejected))
	require.Len(t, r.locations[1], 1)
}

func TestIngestOne_nearestStopAnnotation(t *testing.T) {
	r := newFakeRepo()
	activeSession(r, 1)
	r.stops = []models.Stop{
		{ID: "s1", Latitude: 36.7528, Longitude: 3.0424, Order: 1},
		{ID: "s2", Latitude: 36.80, Longitude: 3.10, Order: 2},
	}
	s := New(r, nil, nil, "", time.Hour, 0, nil)

	upd, err := s.IngestOne(context.Background(), 1, sample(time.Now().UTC(), 36.7530, 3.0426))
	require.NoError(t, err)
	require.NotNil(t, upd.NearestStopID)
	require.Equal(t, "s1", *upd.NearestStopID)
	require.NotNil(t, upd.DistanceToStopMeters)
	require.Less(t, *upd.DistanceToStopMeters, 100.0)
}

func TestIngestOne_retriesTransientStorageErrors(t *testing.T) {
	r := newFakeRepo()
	activeSession(r, 1)
	r.applyFails = 2
	s := New(r, nil, nil, "", time.Hour, 0, nil)

	_, err := s.IngestOne(context.Background(), 1, sample(time.Now().UTC(), 36.75, 3.04))
	require.NoError(t, err)
	require.Equal(t, 3, r.applyCalls)
	require.Len(t, r.locations[1], 1)
}

func TestIngestBatch_outOfOrderEqualsSorted(t *testing.T) {
	base := time.Now().UTC()
	coords := [][2]float64{{36.7528, 3.0424}, {36.7628, 3.0524}, {36.7728, 3.0624}}

	ordered := make([]models.LocationSample, 3)
	for i, cc := range coords {
		ordered[i] = sample(base.Add(time.Duration(i)*time.Minute), cc[0], cc[1])
	}
	shuffled := []models.LocationSample{ordered[2], ordered[0], ordered[1]}

	run := func(samples []models.LocationSample) *fakeRepo {
		r := newFakeRepo()
		activeSession(r, 1)
		s := New(r, nil, nil, "", time.Hour, 0, nil)
		res, err := s.IngestBatch(context.Background(), 1, samples)
		require.NoError(t, err)
		require.Equal(t, 3, res.Accepted)
		return r
	}

	a, b := run(ordered), run(shuffled)
	require.InDelta(t, a.sessions[1].DistanceMeters, b.sessions[1].DistanceMeters, 1e-6)
	require.Len(t, b.locations[1], 3)
	for i := range a.locations[1] {
		require.Equal(t, a.locations[1][i].RecordedAt, b.locations[1][i].RecordedAt)
		require.InDelta(t, a.locations[1][i].DistanceFromPrevMeters, b.locations[1][i].DistanceFromPrevMeters, 1e-6)
	}
}

func TestIngestBatch_partialFailure(t *testing.T) {
	r := newFakeRepo()
	activeSession(r, 1)
	c := &fakeCache{m: map[string][]byte{}}
	p := &fakePublisher{}
	s := New(r, c, p, "location.recorded", time.Hour, 0, nil)

	base := time.Now().UTC()
	res, err := s.IngestBatch(context.Background(), 1, []models.LocationSample{
		sample(base, 36.75, 3.04),
		sample(base.Add(time.Minute), 95, 3.05), // bad latitude
		sample(base.Add(2*time.Minute), 36.77, 3.06),
	})

	var pf *apperr.PartialFailure
	require.ErrorAs(t, err, &pf)
	require.Equal(t, 2, pf.Accepted)
	require.Equal(t, 1, pf.Rejected)
	require.Equal(t, 2, res.Accepted)
	require.Len(t, r.locations[1], 2)

	// one cache refresh and one publish for the whole batch
	require.Equal(t, 1, c.sets)
	require.Len(t, p.msgs, 1)
	require.Equal(t, 2, p.msgs[0].BatchSize)
	require.InDelta(t, 36.77, p.msgs[0].Latitude, 1e-9)
}

func TestIngestBatch_rejectedWholeForPausedSession(t *testing.T) {
	r := newFakeRepo()
	activeSession(r, 1).Status = models.SessionStatusPaused
	s := New(r, nil, nil, "", time.Hour, 0, nil)

	_, err := s.IngestBatch(context.Background(), 1, []models.LocationSample{
		sample(time.Now().UTC(), 36.75, 3.04),
	})
	require.True(t, apperr.Is(err, apperr.KindRejected))
	require.Empty(t, r.locations[1])
}

func TestCurrentLocation_cacheMissHitIdentical(t *testing.T) {
	r := newFakeRepo()
	activeSession(r, 1)
	c := &fakeCache{m: map[string][]byte{}}
	s := New(r, c, nil, "", time.Hour, 0, nil)

	_, err := s.IngestOne(context.Background(), 1, sample(time.Now().UTC().Truncate(time.Millisecond), 36.75, 3.04))
	require.NoError(t, err)

	fromCache, err := s.CurrentLocation(context.Background(), 1)
	require.NoError(t, err)

	// drop the cache, force the store path
	c.m = map[string][]byte{}
	fromStore, err := s.CurrentLocation(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, fromCache, fromStore)

	// store path repopulated the cache
	require.Len(t, c.m, 1)
}

func TestCurrentLocation_noSamples(t *testing.T) {
	r := newFakeRepo()
	activeSession(r, 1)
	s := New(r, nil, nil, "", time.Hour, 0, nil)

	_, err := s.CurrentLocation(context.Background(), 1)
	require.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestPublish_distanceTriggerAccumulates(t *testing.T) {
	r := newFakeRepo()
	activeSession(r, 1)
	p := &fakePublisher{}
	s := New(r, nil, p, "location.recorded", time.Hour, 2000, nil)

	base := time.Now().UTC()
	coords := [][2]float64{{36.7528, 3.0424}, {36.7628, 3.0524}, {36.7728, 3.0624}}
	for i, cc := range coords {
		_, err := s.IngestOne(context.Background(), 1, sample(base.Add(time.Duration(i)*time.Minute), cc[0], cc[1]))
		require.NoError(t, err)
	}

	require.Len(t, p.msgs, 3)
	// first sample moves 0 m, second ~1.42 km (under the 2 km trigger),
	// third crosses it and the accumulator resets
	require.InDelta(t, 0, p.msgs[0].DistanceSinceETAMeters, 1)
	require.InDelta(t, 1420, p.msgs[1].DistanceSinceETAMeters, 60)
	require.Greater(t, p.msgs[2].DistanceSinceETAMeters, 2000.0)

	_, err := s.IngestOne(context.Background(), 1, sample(base.Add(time.Hour), 36.7738, 3.0634))
	require.NoError(t, err)
	require.InDelta(t, 1420*0.1, p.msgs[3].DistanceSinceETAMeters, 60)
}

// Run with -race: sessions must only contend on their own lock, never on
// shared service state.
func TestIngestOne_concurrentSessions(t *testing.T) {
	r := newFakeRepo()
	p := &fakePublisher{}
	const nSessions, nSamples = 16, 40
	for id := uint64(1); id <= nSessions; id++ {
		activeSession(r, id)
	}
	s := New(r, nil, p, "location.recorded", time.Hour, 250, nil)

	base := time.Now().UTC()
	var wg sync.WaitGroup
	for id := uint64(1); id <= nSessions; id++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			for i := 0; i < nSamples; i++ {
				_, err := s.IngestOne(context.Background(), id,
					sample(base.Add(time.Duration(i)*time.Second), 36.75+float64(i)*0.0001, 3.04))
				if err != nil {
					t.Errorf("session %d sample %d: %v", id, i, err)
					return
				}
			}
		}(id)
	}
	wg.Wait()

	require.Len(t, p.msgs, nSessions*nSamples)
	for id := uint64(1); id <= nSessions; id++ {
		require.Len(t, r.locations[id], nSamples)
	}
}

func TestIngestOne_accumulatorEvictedWhenSessionCloses(t *testing.T) {
	r := newFakeRepo()
	sess := activeSession(r, 1)
	p := &fakePublisher{}
	s := New(r, nil, p, "location.recorded", time.Hour, 1e9, nil)

	base := time.Now().UTC()
	_, err := s.IngestOne(context.Background(), 1, sample(base, 36.75, 3.04))
	require.NoError(t, err)
	_, err = s.IngestOne(context.Background(), 1, sample(base.Add(time.Minute), 36.76, 3.05))
	require.NoError(t, err)
	require.Positive(t, s.sinceETA[1])

	sess.Status = models.SessionStatusCompleted
	_, err = s.IngestOne(context.Background(), 1, sample(base.Add(2*time.Minute), 36.77, 3.06))
	require.True(t, apperr.Is(err, apperr.KindRejected))

	_, ok := s.sinceETA[1]
	require.False(t, ok)
}

func TestHistory(t *testing.T) {
	r := newFakeRepo()
	activeSession(r, 1)
	s := New(r, nil, nil, "", time.Hour, 0, nil)

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		_, err := s.IngestOne(context.Background(), 1, sample(base.Add(time.Duration(i)*time.Minute), 36.7528+float64(i)*0.001, 3.0424))
		require.NoError(t, err)
	}

	locs, err := s.History(context.Background(), 1, 2, 0)
	require.NoError(t, err)
	require.Len(t, locs, 2)
	// newest first
	require.True(t, locs[0].RecordedAt.After(locs[1].RecordedAt))

	_, err = s.History(context.Background(), 9, 10, 0)
	require.True(t, apperr.Is(err, apperr.KindNotFound))
}
