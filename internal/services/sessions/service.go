// Package sessions owns the tracking-session lifecycle:
// active <-> paused -> completed, one open session per vehicle.
package sessions

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/dzbus/buswatch/internal/apperr"
	"github.com/dzbus/buswatch/internal/broker/messages"
	"github.com/dzbus/buswatch/internal/integrations/fleet"
	"github.com/dzbus/buswatch/internal/models"
)

type Repository interface {
	CreateSession(ctx context.Context, in models.SessionStartInput) (*models.Session, error)
	GetSession(ctx context.Context, id uint64) (*models.Session, error)
	OpenSessionForVehicle(ctx context.Context, vehicleID string) (*models.Session, error)
	TransitionSession(ctx context.Context, id uint64, from []string, to, logEvent string, endReason *string) (*models.Session, error)
	UpdateSessionOccupancy(ctx context.Context, id uint64, count int) (*models.Session, error)
	ListSessionLogs(ctx context.Context, sessionID uint64, limit, offset int) ([]*models.TrackingLog, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type Service struct {
	repo       Repository
	fleet      fleet.Client
	producer   Publisher
	endedTopic string
	log        *slog.Logger
}

func New(repo Repository, fc fleet.Client, producer Publisher, endedTopic string, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, fleet: fc, producer: producer, endedTopic: endedTopic, log: log}
}

func (s *Service) Start(ctx context.Context, in models.SessionStartInput) (*models.Session, error) {
	if in.VehicleID == "" {
		return nil, apperr.Validation("vehicleId is required")
	}
	if in.OperatorID == "" {
		return nil, apperr.Validation("operatorId is required")
	}
	if in.RouteID == "" {
		return nil, apperr.Validation("routeId is required")
	}

	if s.fleet != nil {
		a, err := s.fleet.GetAssignment(ctx, in.VehicleID, in.OperatorID, in.RouteID)
		if err != nil {
			return nil, errors.Wrap(err, "fleet assignment check")
		}
		switch {
		case !a.VehicleActive:
			return nil, apperr.Rejected("vehicle %s is not active", in.VehicleID)
		case !a.OperatorActive:
			return nil, apperr.Rejected("operator %s is not active", in.OperatorID)
		case !a.RouteExists:
			return nil, apperr.Rejected("route %s does not exist", in.RouteID)
		}
	}

	in.TripRef = uuid.NewString()
	return s.repo.CreateSession(ctx, in)
}

func (s *Service) Get(ctx context.Context, id uint64) (*models.Session, error) {
	if id == 0 {
		return nil, apperr.Validation("sessionId is required")
	}
	return s.repo.GetSession(ctx, id)
}

func (s *Service) ActiveForVehicle(ctx context.Context, vehicleID string) (*models.Session, error) {
	if vehicleID == "" {
		return nil, apperr.Validation("vehicleId is required")
	}
	return s.repo.OpenSessionForVehicle(ctx, vehicleID)
}

func (s *Service) Pause(ctx context.Context, id uint64) (*models.Session, error) {
	return s.repo.TransitionSession(ctx, id,
		[]string{models.SessionStatusActive},
		models.SessionStatusPaused, models.LogSessionPaused, nil)
}

func (s *Service) Resume(ctx context.Context, id uint64) (*models.Session, error) {
	return s.repo.TransitionSession(ctx, id,
		[]string{models.SessionStatusPaused},
		models.SessionStatusActive, models.LogSessionResumed, nil)
}

// End completes an open session and publishes final trip metrics. The
// publish is best-effort: the session is completed even if kafka is down.
func (s *Service) End(ctx context.Context, id uint64, reason string) (*models.Session, error) {
	if reason == "" {
		reason = "normal"
	}
	sess, err := s.repo.TransitionSession(ctx, id,
		[]string{models.SessionStatusActive, models.SessionStatusPaused},
		models.SessionStatusCompleted, models.LogSessionEnded, &reason)
	if err != nil {
		return nil, err
	}

	s.publishEnded(ctx, sess, reason)
	return sess, nil
}

// ForceEnd is the stuck-session escape hatch used by the worker sweep.
func (s *Service) ForceEnd(ctx context.Context, id uint64, reason string) (*models.Session, error) {
	if reason == "" {
		reason = "forced"
	}
	return s.End(ctx, id, reason)
}

// SetOccupancy stores the passenger count reported from the vehicle. The
// count replaces the previous value; there is no delta arithmetic.
func (s *Service) SetOccupancy(ctx context.Context, id uint64, count int) (*models.Session, error) {
	if id == 0 {
		return nil, apperr.Validation("sessionId is required")
	}
	if count < 0 {
		return nil, apperr.Validation("passengerCount must not be negative")
	}
	return s.repo.UpdateSessionOccupancy(ctx, id, count)
}

func (s *Service) ListLogs(ctx context.Context, sessionID uint64, limit, offset int) ([]*models.TrackingLog, error) {
	return s.repo.ListSessionLogs(ctx, sessionID, limit, offset)
}

func (s *Service) publishEnded(ctx context.Context, sess *models.Session, reason string) {
	if s.producer == nil || s.endedTopic == "" {
		return
	}

	endedAt := time.Now().UTC()
	if sess.EndedAt != nil {
		endedAt = *sess.EndedAt
	}
	duration := endedAt.Sub(sess.StartedAt).Seconds()

	avg := 0.0
	if duration > 0 {
		avg = sess.DistanceMeters / duration * 3.6
	}

	msg := messages.SessionEnded{
		SessionID:       sess.ID,
		TripRef:         sess.TripRef,
		VehicleID:       sess.VehicleID,
		RouteID:         sess.RouteID,
		StartedAt:       sess.StartedAt,
		EndedAt:         endedAt,
		DistanceMeters:  sess.DistanceMeters,
		DurationSeconds: duration,
		AvgSpeedKMH:     avg,
		Reason:          reason,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("encode session.ended", "session_id", sess.ID, "err", err)
		return
	}

	key := []byte(strconv.FormatUint(sess.ID, 10))
	for attempt := 1; attempt <= 3; attempt++ {
		if err = s.producer.Publish(ctx, s.endedTopic, key, b); err == nil {
			return
		}
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	s.log.Error("publish session.ended", "session_id", sess.ID, "err", err)
}
