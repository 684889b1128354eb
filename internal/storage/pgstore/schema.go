package pgstore

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS tracking_sessions (
  id BIGSERIAL PRIMARY KEY,
  trip_ref TEXT NOT NULL,
  vehicle_id TEXT NOT NULL,
  operator_id TEXT NOT NULL,
  route_id TEXT NOT NULL,
  schedule_id TEXT NULL,
  status TEXT NOT NULL,
  started_at TIMESTAMPTZ NOT NULL,
  ended_at TIMESTAMPTZ NULL,
  end_reason TEXT NULL,
  last_update_at TIMESTAMPTZ NULL,
  distance_meters DOUBLE PRECISION NOT NULL DEFAULT 0,
  passenger_count INT NOT NULL DEFAULT 0,
  metadata JSONB NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		// One open session per vehicle. Covers paused too: otherwise a
		// paused session could coexist with a fresh active one and resume
		// would break the invariant after the fact.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_sessions_open_vehicle
ON tracking_sessions(vehicle_id) WHERE status IN ('active','paused')`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_route_status ON tracking_sessions(route_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_last_update ON tracking_sessions(last_update_at) WHERE status = 'active'`,
		`
CREATE TABLE IF NOT EXISTS location_updates (
  id BIGSERIAL PRIMARY KEY,
  session_id BIGINT NOT NULL REFERENCES tracking_sessions(id) ON DELETE CASCADE,
  recorded_at TIMESTAMPTZ NOT NULL,
  latitude DOUBLE PRECISION NOT NULL,
  longitude DOUBLE PRECISION NOT NULL,
  speed_kmh DOUBLE PRECISION NULL,
  heading DOUBLE PRECISION NULL,
  altitude DOUBLE PRECISION NULL,
  accuracy DOUBLE PRECISION NULL,
  distance_from_prev DOUBLE PRECISION NOT NULL DEFAULT 0,
  nearest_stop_id TEXT NULL,
  distance_to_stop DOUBLE PRECISION NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_location_updates_session_recorded ON location_updates(session_id, recorded_at DESC)`,
		`
CREATE TABLE IF NOT EXISTS tracking_logs (
  id BIGSERIAL PRIMARY KEY,
  session_id BIGINT NOT NULL REFERENCES tracking_sessions(id) ON DELETE CASCADE,
  event_type TEXT NOT NULL,
  message TEXT NOT NULL DEFAULT '',
  metadata JSONB NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_logs_session ON tracking_logs(session_id, created_at DESC)`,
		`
CREATE TABLE IF NOT EXISTS offline_batches (
  id BIGSERIAL PRIMARY KEY,
  client_key TEXT NOT NULL,
  operator_id TEXT NOT NULL,
  vehicle_id TEXT NOT NULL,
  route_id TEXT NOT NULL,
  collected_at TIMESTAMPTZ NOT NULL,
  samples JSONB NOT NULL,
  processed BOOLEAN NOT NULL DEFAULT FALSE,
  processed_at TIMESTAMPTZ NULL,
  attempt_count INT NOT NULL DEFAULT 0,
  next_attempt_at TIMESTAMPTZ NOT NULL,
  last_error TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  UNIQUE (client_key)
)`,
		`CREATE INDEX IF NOT EXISTS idx_offline_batches_due ON offline_batches(next_attempt_at) WHERE processed = FALSE`,
		`
CREATE TABLE IF NOT EXISTS anomalies (
  id BIGSERIAL PRIMARY KEY,
  vehicle_id TEXT NOT NULL,
  session_id BIGINT NULL,
  type TEXT NOT NULL,
  severity TEXT NOT NULL,
  description TEXT NOT NULL,
  latitude DOUBLE PRECISION NULL,
  longitude DOUBLE PRECISION NULL,
  resolved BOOLEAN NOT NULL DEFAULT FALSE,
  resolved_at TIMESTAMPTZ NULL,
  resolution_notes TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_vehicle_type ON anomalies(vehicle_id, type, created_at DESC)`,
		`
CREATE TABLE IF NOT EXISTS stops (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL DEFAULT '',
  latitude DOUBLE PRECISION NOT NULL,
  longitude DOUBLE PRECISION NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS route_stops (
  route_id TEXT NOT NULL,
  stop_id TEXT NOT NULL REFERENCES stops(id),
  stop_order INT NOT NULL,
  PRIMARY KEY (route_id, stop_id)
)`,
		`CREATE INDEX IF NOT EXISTS idx_route_stops_order ON route_stops(route_id, stop_order)`,
		`
CREATE TABLE IF NOT EXISTS route_segments (
  from_stop_id TEXT NOT NULL REFERENCES stops(id),
  to_stop_id TEXT NOT NULL REFERENCES stops(id),
  polyline TEXT NOT NULL DEFAULT '',
  distance_meters DOUBLE PRECISION NOT NULL,
  duration_seconds INT NOT NULL,
  PRIMARY KEY (from_stop_id, to_stop_id)
)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
