package pgstore

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/dzbus/buswatch/internal/models"
)

const locationColumns = `
  id, session_id, recorded_at, latitude, longitude,
  speed_kmh, heading, altitude, accuracy,
  distance_from_prev, nearest_stop_id, distance_to_stop, created_at`

func scanLocation(row pgx.Row) (*models.LocationUpdate, error) {
	var u models.LocationUpdate
	if err := row.Scan(
		&u.ID, &u.SessionID, &u.RecordedAt, &u.Latitude, &u.Longitude,
		&u.SpeedKMH, &u.Heading, &u.Altitude, &u.Accuracy,
		&u.DistanceFromPrevMeters, &u.NearestStopID, &u.DistanceToStopMeters, &u.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &u, nil
}

// LatestLocation returns the most recent stored sample of a session, nil when
// the session has no samples yet.
func (s *Storage) LatestLocation(ctx context.Context, sessionID uint64) (*models.LocationUpdate, error) {
	u, err := scanLocation(s.db.QueryRow(ctx, `
SELECT`+locationColumns+`
FROM location_updates
WHERE session_id = $1
ORDER BY recorded_at DESC, id DESC
LIMIT 1
`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select latest location")
	}
	return u, nil
}

// ApplyLocations appends already-validated samples and bumps the session
// counters in one transaction. The caller computed distances and nearest-stop
// annotations; this layer only persists them atomically.
func (s *Storage) ApplyLocations(ctx context.Context, sessionID uint64, updates []*models.LocationUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var total float64
	lastAt := updates[0].RecordedAt
	for _, u := range updates {
		err := tx.QueryRow(ctx, `
INSERT INTO location_updates (
  session_id, recorded_at, latitude, longitude,
  speed_kmh, heading, altitude, accuracy,
  distance_from_prev, nearest_stop_id, distance_to_stop, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
RETURNING id
`, sessionID, u.RecordedAt.UTC(), u.Latitude, u.Longitude,
			u.SpeedKMH, u.Heading, u.Altitude, u.Accuracy,
			u.DistanceFromPrevMeters, u.NearestStopID, u.DistanceToStopMeters, now,
		).Scan(&u.ID)
		if err != nil {
			return errors.Wrap(err, "insert location update")
		}
		u.SessionID = sessionID
		u.CreatedAt = now
		total += u.DistanceFromPrevMeters
		if u.RecordedAt.After(lastAt) {
			lastAt = u.RecordedAt
		}
	}

	_, err = tx.Exec(ctx, `
UPDATE tracking_sessions
SET
  distance_meters = distance_meters + $2,
  last_update_at = GREATEST(COALESCE(last_update_at, $3), $3),
  updated_at = now()
WHERE id = $1
`, sessionID, total, lastAt.UTC())
	if err != nil {
		return errors.Wrap(err, "update session counters")
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}

// LocationsSince lists samples of a session recorded at or after the cutoff,
// oldest first. Used by the route-deviation window.
func (s *Storage) LocationsSince(ctx context.Context, sessionID uint64, since time.Time) ([]*models.LocationUpdate, error) {
	rows, err := s.db.Query(ctx, `
SELECT`+locationColumns+`
FROM location_updates
WHERE session_id = $1 AND recorded_at >= $2
ORDER BY recorded_at ASC, id ASC
`, sessionID, since.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "select locations since")
	}
	defer rows.Close()

	var out []*models.LocationUpdate
	for rows.Next() {
		u, err := scanLocation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan location")
		}
		out = append(out, u)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) ListLocations(ctx context.Context, sessionID uint64, limit, offset int) ([]*models.LocationUpdate, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT`+locationColumns+`
FROM location_updates
WHERE session_id = $1
ORDER BY recorded_at DESC, id DESC
LIMIT $2 OFFSET $3
`, sessionID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select locations")
	}
	defer rows.Close()

	var out []*models.LocationUpdate
	for rows.Next() {
		u, err := scanLocation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan location")
		}
		out = append(out, u)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
