package pgstore

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/dzbus/buswatch/internal/apperr"
	"github.com/dzbus/buswatch/internal/models"
)

const anomalyColumns = `
  id, vehicle_id, session_id, type, severity, description,
  latitude, longitude, resolved, resolved_at, resolution_notes, created_at`

func scanAnomaly(row pgx.Row) (*models.Anomaly, error) {
	var a models.Anomaly
	if err := row.Scan(
		&a.ID, &a.VehicleID, &a.SessionID, &a.Type, &a.Severity, &a.Description,
		&a.Latitude, &a.Longitude, &a.Resolved, &a.ResolvedAt, &a.ResolutionNotes, &a.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAnomalyIfNone records an anomaly unless an unresolved one of the same
// vehicle+type already exists inside the suppression window. Returns nil and
// created=false when suppressed. The WHERE NOT EXISTS guard makes the check
// and the insert a single statement, so two concurrent detectors cannot both
// pass the check.
func (s *Storage) CreateAnomalyIfNone(ctx context.Context, a *models.Anomaly, suppression time.Duration) (*models.Anomaly, bool, error) {
	now := time.Now().UTC()
	windowStart := now.Add(-suppression)

	out, err := scanAnomaly(s.db.QueryRow(ctx, `
INSERT INTO anomalies (
  vehicle_id, session_id, type, severity, description,
  latitude, longitude, resolved, created_at
)
SELECT $1,$2,$3,$4,$5,$6,$7,FALSE,$8
WHERE NOT EXISTS (
  SELECT 1 FROM anomalies
  WHERE vehicle_id = $1 AND type = $3 AND resolved = FALSE AND created_at >= $9
)
RETURNING`+anomalyColumns,
		a.VehicleID, a.SessionID, a.Type, a.Severity, a.Description,
		a.Latitude, a.Longitude, now, windowStart))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "insert anomaly")
	}
	return out, true, nil
}

func (s *Storage) GetAnomaly(ctx context.Context, id uint64) (*models.Anomaly, error) {
	a, err := scanAnomaly(s.db.QueryRow(ctx, `
SELECT`+anomalyColumns+`
FROM anomalies
WHERE id = $1
`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("anomaly %d", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select anomaly")
	}
	return a, nil
}

// ResolveAnomaly marks an anomaly resolved. Resolving an already-resolved
// anomaly is a no-op that returns the current row.
func (s *Storage) ResolveAnomaly(ctx context.Context, id uint64, notes string) (*models.Anomaly, error) {
	a, err := scanAnomaly(s.db.QueryRow(ctx, `
UPDATE anomalies
SET resolved = TRUE, resolved_at = now(), resolution_notes = $2
WHERE id = $1 AND resolved = FALSE
RETURNING`+anomalyColumns, id, notes))
	if errors.Is(err, pgx.ErrNoRows) {
		return s.GetAnomaly(ctx, id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "resolve anomaly")
	}
	return a, nil
}

func (s *Storage) ListVehicleAnomalies(ctx context.Context, vehicleID string, onlyUnresolved bool, limit, offset int) ([]*models.Anomaly, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	q := `
SELECT` + anomalyColumns + `
FROM anomalies
WHERE vehicle_id = $1
`
	if onlyUnresolved {
		q += "  AND resolved = FALSE\n"
	}
	q += `ORDER BY created_at DESC
LIMIT $2 OFFSET $3
`

	rows, err := s.db.Query(ctx, q, vehicleID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select anomalies")
	}
	defer rows.Close()

	var out []*models.Anomaly
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan anomaly")
		}
		out = append(out, a)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
