package pgstore

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/dzbus/buswatch/internal/models"
)

// RouteStops lists the stops of a route in travel order. An unknown route
// yields an empty slice; callers decide whether that is an error.
func (s *Storage) RouteStops(ctx context.Context, routeID string) ([]models.Stop, error) {
	rows, err := s.db.Query(ctx, `
SELECT st.id, st.name, st.latitude, st.longitude, rs.stop_order
FROM route_stops rs
JOIN stops st ON st.id = rs.stop_id
WHERE rs.route_id = $1
ORDER BY rs.stop_order ASC
`, routeID)
	if err != nil {
		return nil, errors.Wrap(err, "select route stops")
	}
	defer rows.Close()

	var out []models.Stop
	for rows.Next() {
		var st models.Stop
		if err := rows.Scan(&st.ID, &st.Name, &st.Latitude, &st.Longitude, &st.Order); err != nil {
			return nil, errors.Wrap(err, "scan route stop")
		}
		out = append(out, st)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) GetStop(ctx context.Context, stopID string) (*models.Stop, error) {
	var st models.Stop
	err := s.db.QueryRow(ctx, `
SELECT id, name, latitude, longitude
FROM stops
WHERE id = $1
`, stopID).Scan(&st.ID, &st.Name, &st.Latitude, &st.Longitude)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select stop")
	}
	return &st, nil
}

// RouteSegments returns stored road legs keyed by "from->to" stop pair for
// the given route's consecutive stops.
func (s *Storage) RouteSegments(ctx context.Context, routeID string) (map[[2]string]models.RouteSegment, error) {
	rows, err := s.db.Query(ctx, `
SELECT seg.from_stop_id, seg.to_stop_id, seg.polyline, seg.distance_meters, seg.duration_seconds
FROM route_segments seg
JOIN route_stops a ON a.stop_id = seg.from_stop_id AND a.route_id = $1
JOIN route_stops b ON b.stop_id = seg.to_stop_id AND b.route_id = $1
WHERE b.stop_order = a.stop_order + 1
`, routeID)
	if err != nil {
		return nil, errors.Wrap(err, "select route segments")
	}
	defer rows.Close()

	out := make(map[[2]string]models.RouteSegment)
	for rows.Next() {
		var seg models.RouteSegment
		if err := rows.Scan(&seg.FromStopID, &seg.ToStopID, &seg.Polyline, &seg.DistanceMeters, &seg.DurationSeconds); err != nil {
			return nil, errors.Wrap(err, "scan route segment")
		}
		out[[2]string{seg.FromStopID, seg.ToStopID}] = seg
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// RoutesForStop lists the routes whose sequence contains the stop.
func (s *Storage) RoutesForStop(ctx context.Context, stopID string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
SELECT DISTINCT route_id
FROM route_stops
WHERE stop_id = $1
ORDER BY route_id
`, stopID)
	if err != nil {
		return nil, errors.Wrap(err, "select routes for stop")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan route id")
		}
		out = append(out, id)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// UpsertRouteStops replaces the stop sequence of a route together with the
// stop read model. Route geometry is owned by the fleet subsystem; this is
// the sync entry point.
func (s *Storage) UpsertRouteStops(ctx context.Context, routeID string, stops []models.Stop) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM route_stops WHERE route_id = $1`, routeID); err != nil {
		return errors.Wrap(err, "clear route stops")
	}

	for _, st := range stops {
		_, err := tx.Exec(ctx, `
INSERT INTO stops (id, name, latitude, longitude)
VALUES ($1,$2,$3,$4)
ON CONFLICT (id) DO UPDATE SET name = $2, latitude = $3, longitude = $4
`, st.ID, st.Name, st.Latitude, st.Longitude)
		if err != nil {
			return errors.Wrap(err, "upsert stop")
		}
		_, err = tx.Exec(ctx, `
INSERT INTO route_stops (route_id, stop_id, stop_order)
VALUES ($1,$2,$3)
`, routeID, st.ID, st.Order)
		if err != nil {
			return errors.Wrap(err, "insert route stop")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}

func (s *Storage) UpsertRouteSegments(ctx context.Context, segments []models.RouteSegment) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, seg := range segments {
		_, err := tx.Exec(ctx, `
INSERT INTO route_segments (from_stop_id, to_stop_id, polyline, distance_meters, duration_seconds)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (from_stop_id, to_stop_id)
DO UPDATE SET polyline = $3, distance_meters = $4, duration_seconds = $5
`, seg.FromStopID, seg.ToStopID, seg.Polyline, seg.DistanceMeters, seg.DurationSeconds)
		if err != nil {
			return errors.Wrap(err, "upsert route segment")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}
