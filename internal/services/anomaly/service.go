// Package anomaly flags abnormal vehicle behavior: impossible speeds, route
// deviations, and tracking gaps. Detection is advisory; it never blocks the
// ingestion path.
package anomaly

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dzbus/buswatch/internal/apperr"
	"github.com/dzbus/buswatch/internal/broker/messages"
	"github.com/dzbus/buswatch/internal/geo"
	"github.com/dzbus/buswatch/internal/integrations/notify"
	"github.com/dzbus/buswatch/internal/models"
)

type Repository interface {
	CreateAnomalyIfNone(ctx context.Context, a *models.Anomaly, suppression time.Duration) (*models.Anomaly, bool, error)
	ResolveAnomaly(ctx context.Context, id uint64, notes string) (*models.Anomaly, error)
	ListVehicleAnomalies(ctx context.Context, vehicleID string, onlyUnresolved bool, limit, offset int) ([]*models.Anomaly, error)
	LocationsSince(ctx context.Context, sessionID uint64, since time.Time) ([]*models.LocationUpdate, error)
	RouteStops(ctx context.Context, routeID string) ([]models.Stop, error)
	StaleActiveSessions(ctx context.Context, cutoff time.Time, limit int) ([]*models.Session, error)
	AppendSessionLog(ctx context.Context, sessionID uint64, eventType, message string, metadata map[string]string) error
}

// SessionEnder force-ends sessions that have been silent past the stuck
// ceiling. Satisfied by the sessions service.
type SessionEnder interface {
	ForceEnd(ctx context.Context, id uint64, reason string) (*models.Session, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type Config struct {
	SpeedCeilingKMH       float64
	DeviationRadiusMeters float64
	DeviationWindow       time.Duration
	GapWindow             time.Duration
	StuckCeiling          time.Duration
	Suppression           time.Duration
}

// deviationMinSamples guards against flagging a route deviation off one or
// two noisy fixes.
const deviationMinSamples = 3

type Service struct {
	repo     Repository
	sessions SessionEnder
	notifier notify.Client
	producer Publisher
	topic    string
	cfg      Config
	log      *slog.Logger
}

func New(repo Repository, sessions SessionEnder, notifier notify.Client, producer Publisher, topic string, cfg Config, log *slog.Logger) *Service {
	if cfg.SpeedCeilingKMH <= 0 {
		cfg.SpeedCeilingKMH = 100
	}
	if cfg.DeviationRadiusMeters <= 0 {
		cfg.DeviationRadiusMeters = 1000
	}
	if cfg.DeviationWindow <= 0 {
		cfg.DeviationWindow = 5 * time.Minute
	}
	if cfg.GapWindow <= 0 {
		cfg.GapWindow = 5 * time.Minute
	}
	if cfg.StuckCeiling <= 0 {
		cfg.StuckCeiling = 4 * time.Hour
	}
	if cfg.Suppression <= 0 {
		cfg.Suppression = 10 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, sessions: sessions, notifier: notifier, producer: producer, topic: topic, cfg: cfg, log: log}
}

// CheckSample inspects one recorded sample for a speed violation.
func (s *Service) CheckSample(ctx context.Context, ev messages.LocationRecorded) error {
	if ev.SpeedKMH == nil || *ev.SpeedKMH <= s.cfg.SpeedCeilingKMH {
		return nil
	}

	sid := ev.SessionID
	a := &models.Anomaly{
		VehicleID:   ev.VehicleID,
		SessionID:   &sid,
		Type:        models.AnomalyTypeSpeed,
		Severity:    models.SeverityHigh,
		Description: fmt.Sprintf("speed %.1f km/h over %.0f km/h ceiling", *ev.SpeedKMH, s.cfg.SpeedCeilingKMH),
		Latitude:    &ev.Latitude,
		Longitude:   &ev.Longitude,
	}
	return s.record(ctx, a)
}

// CheckDeviation flags a vehicle whose recent samples all sit farther from
// every stop of its route than the deviation radius.
func (s *Service) CheckDeviation(ctx context.Context, ev messages.LocationRecorded) error {
	stops, err := s.repo.RouteStops(ctx, ev.RouteID)
	if err != nil {
		return err
	}
	if len(stops) == 0 {
		return nil
	}

	samples, err := s.repo.LocationsSince(ctx, ev.SessionID, time.Now().UTC().Add(-s.cfg.DeviationWindow))
	if err != nil {
		return err
	}
	if len(samples) < deviationMinSamples {
		return nil
	}

	// One sample near any stop clears the whole window.
	for _, u := range samples {
		if u.DistanceToStopMeters != nil {
			if *u.DistanceToStopMeters <= s.cfg.DeviationRadiusMeters {
				return nil
			}
			continue
		}
		if near, _ := geo.NearestStopWithin(u.Latitude, u.Longitude, s.cfg.DeviationRadiusMeters, stops); near != nil {
			return nil
		}
	}

	sid := ev.SessionID
	last := samples[len(samples)-1]
	a := &models.Anomaly{
		VehicleID:   ev.VehicleID,
		SessionID:   &sid,
		Type:        models.AnomalyTypeRoute,
		Severity:    models.SeverityMedium,
		Description: fmt.Sprintf("no stop of route %s within %.0f m for %s", ev.RouteID, s.cfg.DeviationRadiusMeters, s.cfg.DeviationWindow),
		Latitude:    &last.Latitude,
		Longitude:   &last.Longitude,
	}
	return s.record(ctx, a)
}

// SweepGaps scans active sessions that stopped reporting. Silent past the gap
// window gets a gap anomaly and a tracking_gap log row; silent past the stuck
// ceiling gets force-ended. Returns (flagged, ended).
func (s *Service) SweepGaps(ctx context.Context, limit int) (int, int, error) {
	now := time.Now().UTC()
	stale, err := s.repo.StaleActiveSessions(ctx, now.Add(-s.cfg.GapWindow), limit)
	if err != nil {
		return 0, 0, err
	}

	flagged, ended := 0, 0
	for _, sess := range stale {
		if err := ctx.Err(); err != nil {
			return flagged, ended, err
		}

		lastSeen := sess.StartedAt
		if sess.LastUpdateAt != nil {
			lastSeen = *sess.LastUpdateAt
		}
		silent := now.Sub(lastSeen)

		sid := sess.ID
		a := &models.Anomaly{
			VehicleID:   sess.VehicleID,
			SessionID:   &sid,
			Type:        models.AnomalyTypeGap,
			Severity:    models.SeverityLow,
			Description: fmt.Sprintf("no location updates for %s", silent.Truncate(time.Second)),
		}
		if err := s.record(ctx, a); err != nil {
			s.log.Error("record gap anomaly", "session_id", sess.ID, "err", err)
			continue
		}
		flagged++

		if err := s.repo.AppendSessionLog(ctx, sess.ID, models.LogTrackingGap, a.Description, nil); err != nil {
			s.log.Warn("append gap log", "session_id", sess.ID, "err", err)
		}

		if silent >= s.cfg.StuckCeiling && s.sessions != nil {
			if _, err := s.sessions.ForceEnd(ctx, sess.ID, "stuck: "+a.Description); err != nil {
				s.log.Error("force end stuck session", "session_id", sess.ID, "err", err)
				continue
			}
			ended++
		}
	}
	return flagged, ended, nil
}

func (s *Service) Resolve(ctx context.Context, id uint64, notes string) (*models.Anomaly, error) {
	if id == 0 {
		return nil, apperr.Validation("anomalyId is required")
	}
	return s.repo.ResolveAnomaly(ctx, id, notes)
}

func (s *Service) ListForVehicle(ctx context.Context, vehicleID string, onlyUnresolved bool, limit, offset int) ([]*models.Anomaly, error) {
	if vehicleID == "" {
		return nil, apperr.Validation("vehicleId is required")
	}
	return s.repo.ListVehicleAnomalies(ctx, vehicleID, onlyUnresolved, limit, offset)
}

// record persists the anomaly behind the suppression window, then fans out.
// Fan-out failures are logged and swallowed; the anomaly row is the source of
// truth.
func (s *Service) record(ctx context.Context, a *models.Anomaly) error {
	created, ok, err := s.repo.CreateAnomalyIfNone(ctx, a, s.cfg.Suppression)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if s.producer != nil && s.topic != "" {
		msg := messages.AnomalyDetected{
			AnomalyID:   created.ID,
			VehicleID:   created.VehicleID,
			SessionID:   created.SessionID,
			Type:        created.Type,
			Severity:    created.Severity,
			Description: created.Description,
			Latitude:    created.Latitude,
			Longitude:   created.Longitude,
			DetectedAt:  created.CreatedAt,
		}
		if b, err := json.Marshal(msg); err == nil {
			if err := s.producer.Publish(ctx, s.topic, []byte(strconv.FormatUint(created.ID, 10)), b); err != nil {
				s.log.Warn("publish anomaly.detected", "anomaly_id", created.ID, "err", err)
			}
		}
	}

	if s.notifier != nil {
		n := notify.Notification{
			VehicleID: created.VehicleID,
			Kind:      created.Type,
			Severity:  created.Severity,
			Message:   created.Description,
		}
		if err := s.notifier.Send(ctx, n); err != nil {
			s.log.Warn("notify anomaly", "anomaly_id", created.ID, "err", err)
		}
	}
	return nil
}
