package pgstore

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"github.com/dzbus/buswatch/internal/apperr"
	"github.com/dzbus/buswatch/internal/models"
)

const uniqueViolation = "23505"

const sessionColumns = `
  id, trip_ref, vehicle_id, operator_id, route_id, schedule_id,
  status, started_at, ended_at, end_reason,
  last_update_at, distance_meters, passenger_count, metadata,
  created_at, updated_at`

func scanSession(row pgx.Row) (*models.Session, error) {
	var s models.Session
	if err := row.Scan(
		&s.ID, &s.TripRef, &s.VehicleID, &s.OperatorID, &s.RouteID, &s.ScheduleID,
		&s.Status, &s.StartedAt, &s.EndedAt, &s.EndReason,
		&s.LastUpdateAt, &s.DistanceMeters, &s.PassengerCount, &s.Metadata,
		&s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Storage) CreateSession(ctx context.Context, in models.SessionStartInput) (*models.Session, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	sess, err := scanSession(tx.QueryRow(ctx, `
INSERT INTO tracking_sessions (
  trip_ref, vehicle_id, operator_id, route_id, schedule_id,
  status, started_at, distance_meters, metadata, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,0,$8,$7,$7)
RETURNING`+sessionColumns,
		in.TripRef, in.VehicleID, in.OperatorID, in.RouteID, in.ScheduleID,
		models.SessionStatusActive, now, in.Metadata))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, apperr.Conflict("vehicle %s already has an open session", in.VehicleID)
		}
		return nil, errors.Wrap(err, "insert session")
	}

	if err := appendLogTx(ctx, tx, sess.ID, models.LogSessionStarted, "", nil); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return sess, nil
}

func (s *Storage) GetSession(ctx context.Context, id uint64) (*models.Session, error) {
	sess, err := scanSession(s.db.QueryRow(ctx, `
SELECT`+sessionColumns+`
FROM tracking_sessions
WHERE id = $1
`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("session %d", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select session")
	}
	return sess, nil
}

// OpenSessionForVehicle returns the single active or paused session of a
// vehicle, apperr.KindNotFound when the vehicle is not being tracked.
func (s *Storage) OpenSessionForVehicle(ctx context.Context, vehicleID string) (*models.Session, error) {
	sess, err := scanSession(s.db.QueryRow(ctx, `
SELECT`+sessionColumns+`
FROM tracking_sessions
WHERE vehicle_id = $1 AND status IN ($2, $3)
`, vehicleID, models.SessionStatusActive, models.SessionStatusPaused))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("no open session for vehicle %s", vehicleID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select open session")
	}
	return sess, nil
}

func (s *Storage) ActiveSessionsOnRoute(ctx context.Context, routeID string) ([]*models.Session, error) {
	rows, err := s.db.Query(ctx, `
SELECT`+sessionColumns+`
FROM tracking_sessions
WHERE route_id = $1 AND status = $2
ORDER BY started_at ASC
`, routeID, models.SessionStatusActive)
	if err != nil {
		return nil, errors.Wrap(err, "select route sessions")
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan session")
		}
		out = append(out, sess)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// TransitionSession moves a session from one of the allowed statuses into the
// target status and writes the matching log row in the same transaction. The
// returned session reflects the new state. A session in the wrong state yields
// apperr.KindInvalidState.
func (s *Storage) TransitionSession(ctx context.Context, id uint64, from []string, to, logEvent string, endReason *string) (*models.Session, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var q string
	args := []any{id, to, now, from}
	if to == models.SessionStatusCompleted {
		q = `
UPDATE tracking_sessions
SET status = $2, ended_at = $3, end_reason = $5, updated_at = $3
WHERE id = $1 AND status = ANY($4)
RETURNING` + sessionColumns
		args = append(args, endReason)
	} else {
		q = `
UPDATE tracking_sessions
SET status = $2, updated_at = $3
WHERE id = $1 AND status = ANY($4)
RETURNING` + sessionColumns
	}

	sess, err := scanSession(tx.QueryRow(ctx, q, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := s.GetSession(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, apperr.InvalidState("session %d is %s", id, cur.Status)
	}
	if err != nil {
		return nil, errors.Wrap(err, "update session status")
	}

	msg := ""
	if endReason != nil {
		msg = *endReason
	}
	if err := appendLogTx(ctx, tx, id, logEvent, msg, nil); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return sess, nil
}

// UpdateSessionOccupancy records a reported passenger count on an open
// session, logging the change in the same transaction. A completed session
// yields apperr.KindInvalidState.
func (s *Storage) UpdateSessionOccupancy(ctx context.Context, id uint64, count int) (*models.Session, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	sess, err := scanSession(tx.QueryRow(ctx, `
UPDATE tracking_sessions
SET passenger_count = $2, updated_at = $3
WHERE id = $1 AND status IN ($4, $5)
RETURNING`+sessionColumns,
		id, count, now, models.SessionStatusActive, models.SessionStatusPaused))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := s.GetSession(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, apperr.InvalidState("session %d is %s", id, cur.Status)
	}
	if err != nil {
		return nil, errors.Wrap(err, "update session occupancy")
	}

	if err := appendLogTx(ctx, tx, id, models.LogOccupancyUpdated, "",
		map[string]string{"passenger_count": strconv.Itoa(count)}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return sess, nil
}

// StaleActiveSessions lists active sessions whose last movement (or start, for
// sessions that never reported) is older than the cutoff.
func (s *Storage) StaleActiveSessions(ctx context.Context, cutoff time.Time, limit int) ([]*models.Session, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.Query(ctx, `
SELECT`+sessionColumns+`
FROM tracking_sessions
WHERE status = $1
  AND COALESCE(last_update_at, started_at) <= $2
ORDER BY COALESCE(last_update_at, started_at) ASC
LIMIT $3
`, models.SessionStatusActive, cutoff.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select stale sessions")
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan stale session")
		}
		out = append(out, sess)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func appendLogTx(ctx context.Context, tx pgx.Tx, sessionID uint64, eventType, message string, metadata map[string]string) error {
	_, err := tx.Exec(ctx, `
INSERT INTO tracking_logs (session_id, event_type, message, metadata, created_at)
VALUES ($1,$2,$3,$4, now())
`, sessionID, eventType, message, metadata)
	return errors.Wrap(err, "insert tracking log")
}

func (s *Storage) AppendSessionLog(ctx context.Context, sessionID uint64, eventType, message string, metadata map[string]string) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO tracking_logs (session_id, event_type, message, metadata, created_at)
VALUES ($1,$2,$3,$4, now())
`, sessionID, eventType, message, metadata)
	return errors.Wrap(err, "insert tracking log")
}

func (s *Storage) ListSessionLogs(ctx context.Context, sessionID uint64, limit, offset int) ([]*models.TrackingLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT id, session_id, event_type, message, metadata, created_at
FROM tracking_logs
WHERE session_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3
`, sessionID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select tracking logs")
	}
	defer rows.Close()

	var out []*models.TrackingLog
	for rows.Next() {
		var l models.TrackingLog
		if err := rows.Scan(&l.ID, &l.SessionID, &l.EventType, &l.Message, &l.Metadata, &l.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan tracking log")
		}
		out = append(out, &l)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
