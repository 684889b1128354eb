// Package ingest is the location write path: guard, validate, compute the
// incremental distance, persist, refresh the cache, emit the event.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/dzbus/buswatch/internal/apperr"
	"github.com/dzbus/buswatch/internal/broker/messages"
	"github.com/dzbus/buswatch/internal/cache"
	"github.com/dzbus/buswatch/internal/geo"
	"github.com/dzbus/buswatch/internal/models"
)

type Repository interface {
	GetSession(ctx context.Context, id uint64) (*models.Session, error)
	LatestLocation(ctx context.Context, sessionID uint64) (*models.LocationUpdate, error)
	ApplyLocations(ctx context.Context, sessionID uint64, updates []*models.LocationUpdate) error
	ListLocations(ctx context.Context, sessionID uint64, limit, offset int) ([]*models.LocationUpdate, error)
	AppendSessionLog(ctx context.Context, sessionID uint64, eventType, message string, metadata map[string]string) error
	RouteStops(ctx context.Context, routeID string) ([]models.Stop, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

const applyAttempts = 3

type Service struct {
	repo     Repository
	cache    cache.BytesCache
	producer Publisher

	topic       string
	locationTTL time.Duration
	etaTrigger  float64

	locks *keyedMutex
	// Meters accumulated per session since the last event that crossed the
	// ETA distance trigger. Sessions ingest in parallel, so the map carries
	// its own lock; entries are evicted once a session stops accepting
	// samples.
	etaMu    sync.Mutex
	sinceETA map[uint64]float64

	log *slog.Logger
}

func New(repo Repository, c cache.BytesCache, producer Publisher, topic string, locationTTL time.Duration, etaTrigger float64, log *slog.Logger) *Service {
	if locationTTL <= 0 {
		locationTTL = time.Hour
	}
	if etaTrigger <= 0 {
		etaTrigger = 250
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		repo:        repo,
		cache:       c,
		producer:    producer,
		topic:       topic,
		locationTTL: locationTTL,
		etaTrigger:  etaTrigger,
		locks:       newKeyedMutex(),
		sinceETA:    map[uint64]float64{},
		log:         log,
	}
}

// IngestOne records a single live sample. Samples for non-active sessions are
// rejected and logged; samples not newer than the latest stored one are
// rejected as stale (the batch path is the place for out-of-order data).
func (s *Service) IngestOne(ctx context.Context, sessionID uint64, sample models.LocationSample) (*models.LocationUpdate, error) {
	if sessionID == 0 {
		return nil, apperr.Validation("sessionId is required")
	}

	s.locks.Lock(sessionID)
	defer s.locks.Unlock(sessionID)

	sess, err := s.guardActive(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := validateSample(sample); err != nil {
		return nil, err
	}

	prev, err := s.repo.LatestLocation(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if prev != nil && !sample.RecordedAt.After(prev.RecordedAt) {
		s.logRejection(ctx, sessionID, "stale sample")
		return nil, apperr.Rejected("sample at %s is not newer than the latest stored sample", sample.RecordedAt.Format(time.RFC3339))
	}

	upd := buildUpdate(sample, prev)
	s.annotateNearestStop(ctx, sess.RouteID, upd)

	if err := s.applyWithRetry(ctx, sessionID, []*models.LocationUpdate{upd}); err != nil {
		return nil, err
	}

	s.refreshCache(ctx, sess, upd)
	s.publishRecorded(ctx, sess, upd, upd.DistanceFromPrevMeters, 1)
	return upd, nil
}

// BatchResult reports the per-item outcome of an offline or bulk submission.
type BatchResult struct {
	Accepted int
	Rejected int
	Reasons  []string

	// Last accepted update, nil when everything was rejected.
	Last *models.LocationUpdate
}

// IngestBatch replays a bundle of samples through the same pipeline. Samples
// are sorted by timestamp first, so ingesting an out-of-order batch yields
// the same stored rows and the same final distance as a sorted one. The whole
// batch lands in a single transaction; rejected items never abort the rest.
func (s *Service) IngestBatch(ctx context.Context, sessionID uint64, samples []models.LocationSample) (*BatchResult, error) {
	if sessionID == 0 {
		return nil, apperr.Validation("sessionId is required")
	}
	if len(samples) == 0 {
		return nil, apperr.Validation("samples is empty")
	}

	s.locks.Lock(sessionID)
	defer s.locks.Unlock(sessionID)

	sess, err := s.guardActive(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	sorted := make([]models.LocationSample, len(samples))
	copy(sorted, samples)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].RecordedAt.Before(sorted[j].RecordedAt)
	})

	prev, err := s.repo.LatestLocation(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	res := &BatchResult{}
	var updates []*models.LocationUpdate
	for i, sample := range sorted {
		if err := validateSample(sample); err != nil {
			res.Rejected++
			res.Reasons = append(res.Reasons, fmt.Sprintf("sample %d: %v", i, err))
			continue
		}
		if prev != nil && !sample.RecordedAt.After(prev.RecordedAt) {
			res.Rejected++
			res.Reasons = append(res.Reasons, fmt.Sprintf("sample %d: not newer than previous", i))
			continue
		}

		upd := buildUpdate(sample, prev)
		s.annotateNearestStop(ctx, sess.RouteID, upd)
		updates = append(updates, upd)
		prev = upd
		res.Accepted++
	}

	var moved float64
	if len(updates) > 0 {
		if err := s.applyWithRetry(ctx, sessionID, updates); err != nil {
			return nil, err
		}
		for _, u := range updates {
			moved += u.DistanceFromPrevMeters
		}
		res.Last = updates[len(updates)-1]
		s.refreshCache(ctx, sess, res.Last)
		s.publishRecorded(ctx, sess, res.Last, moved, len(updates))
	}

	if res.Rejected > 0 {
		return res, &apperr.PartialFailure{Accepted: res.Accepted, Rejected: res.Rejected, Reasons: res.Reasons}
	}
	return res, nil
}

// CurrentLocation serves the latest position, cache first. A cache miss falls
// back to the store and repopulates the cache; both paths return the same
// record.
func (s *Service) CurrentLocation(ctx context.Context, sessionID uint64) (*models.CurrentLocation, error) {
	if sessionID == 0 {
		return nil, apperr.Validation("sessionId is required")
	}

	key := locationKey(sessionID)
	if s.cache != nil {
		b, ok, err := s.cache.Get(ctx, key)
		if err == nil && ok {
			var cur models.CurrentLocation
			if json.Unmarshal(b, &cur) == nil {
				return &cur, nil
			}
		}
	}

	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	latest, err := s.repo.LatestLocation(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, apperr.NotFound("session %d has no location yet", sessionID)
	}

	cur := currentFrom(sess, latest)
	if s.cache != nil {
		if b, err := json.Marshal(cur); err == nil {
			_ = s.cache.Set(ctx, key, b, s.locationTTL)
		}
	}
	return cur, nil
}

// History lists stored samples for a session, newest first.
func (s *Service) History(ctx context.Context, sessionID uint64, limit, offset int) ([]*models.LocationUpdate, error) {
	if sessionID == 0 {
		return nil, apperr.Validation("sessionId is required")
	}
	if _, err := s.repo.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.repo.ListLocations(ctx, sessionID, limit, offset)
}

func (s *Service) guardActive(ctx context.Context, sessionID uint64) (*models.Session, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != models.SessionStatusActive {
		s.evictAccumulator(sessionID)
		s.logRejection(ctx, sessionID, "session is "+sess.Status)
		return nil, apperr.Rejected("session %d is %s, not active", sessionID, sess.Status)
	}
	return sess, nil
}

func (s *Service) evictAccumulator(sessionID uint64) {
	s.etaMu.Lock()
	delete(s.sinceETA, sessionID)
	s.etaMu.Unlock()
}

func (s *Service) logRejection(ctx context.Context, sessionID uint64, reason string) {
	if err := s.repo.AppendSessionLog(ctx, sessionID, models.LogLocationRejected, reason, nil); err != nil {
		s.log.Warn("append rejection log", "session_id", sessionID, "err", err)
	}
}

func validateSample(sample models.LocationSample) error {
	if sample.RecordedAt.IsZero() {
		return apperr.Validation("recordedAt is required")
	}
	if !geo.ValidCoordinates(sample.Latitude, sample.Longitude) {
		return apperr.Validation("coordinates out of range: %f,%f", sample.Latitude, sample.Longitude)
	}
	return nil
}

func buildUpdate(sample models.LocationSample, prev *models.LocationUpdate) *models.LocationUpdate {
	upd := &models.LocationUpdate{
		RecordedAt: sample.RecordedAt.UTC(),
		Latitude:   sample.Latitude,
		Longitude:  sample.Longitude,
		SpeedKMH:   sample.SpeedKMH,
		Heading:    sample.Heading,
		Altitude:   sample.Altitude,
		Accuracy:   sample.Accuracy,
	}
	if prev != nil {
		upd.DistanceFromPrevMeters = geo.HaversineMeters(prev.Latitude, prev.Longitude, sample.Latitude, sample.Longitude)
	}
	return upd
}

func (s *Service) annotateNearestStop(ctx context.Context, routeID string, upd *models.LocationUpdate) {
	stops, err := s.repo.RouteStops(ctx, routeID)
	if err != nil || len(stops) == 0 {
		return
	}
	if stop, dist := geo.NearestStop(upd.Latitude, upd.Longitude, stops); stop != nil {
		upd.NearestStopID = &stop.ID
		upd.DistanceToStopMeters = &dist
	}
}

// applyWithRetry retries transient storage failures with a short backoff.
// Validation never reaches here, so every error is worth retrying.
func (s *Service) applyWithRetry(ctx context.Context, sessionID uint64, updates []*models.LocationUpdate) error {
	var err error
	for attempt := 1; attempt <= applyAttempts; attempt++ {
		if err = s.repo.ApplyLocations(ctx, sessionID, updates); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
	}
	return errors.Wrap(err, "apply locations")
}

func (s *Service) refreshCache(ctx context.Context, sess *models.Session, upd *models.LocationUpdate) {
	if s.cache == nil {
		return
	}
	b, err := json.Marshal(currentFrom(sess, upd))
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, locationKey(sess.ID), b, s.locationTTL); err != nil {
		s.log.Warn("location cache set", "session_id", sess.ID, "err", err)
	}
}

func (s *Service) publishRecorded(ctx context.Context, sess *models.Session, upd *models.LocationUpdate, moved float64, batchSize int) {
	if s.producer == nil || s.topic == "" {
		return
	}

	s.etaMu.Lock()
	s.sinceETA[sess.ID] += moved
	acc := s.sinceETA[sess.ID]
	if acc >= s.etaTrigger {
		s.sinceETA[sess.ID] = 0
	}
	s.etaMu.Unlock()

	msg := messages.LocationRecorded{
		SessionID:              sess.ID,
		VehicleID:              sess.VehicleID,
		RouteID:                sess.RouteID,
		Latitude:               upd.Latitude,
		Longitude:              upd.Longitude,
		SpeedKMH:               upd.SpeedKMH,
		RecordedAt:             upd.RecordedAt,
		DistanceSinceETAMeters: acc,
		BatchSize:              batchSize,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	key := []byte(strconv.FormatUint(sess.ID, 10))
	if err := s.producer.Publish(ctx, s.topic, key, b); err != nil {
		s.log.Warn("publish location.recorded", "session_id", sess.ID, "err", err)
	}
}

func currentFrom(sess *models.Session, upd *models.LocationUpdate) *models.CurrentLocation {
	return &models.CurrentLocation{
		SessionID:  sess.ID,
		VehicleID:  sess.VehicleID,
		RouteID:    sess.RouteID,
		Latitude:   upd.Latitude,
		Longitude:  upd.Longitude,
		SpeedKMH:   upd.SpeedKMH,
		Heading:    upd.Heading,
		RecordedAt: upd.RecordedAt,

		PassengerCount: sess.PassengerCount,
	}
}

func locationKey(sessionID uint64) string {
	return fmt.Sprintf("session:%d:location", sessionID)
}
