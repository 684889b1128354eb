package pgstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/dzbus/buswatch/internal/apperr"
	"github.com/dzbus/buswatch/internal/models"
)

const batchColumns = `
  id, client_key, operator_id, vehicle_id, route_id, collected_at,
  samples, processed, processed_at, last_error, created_at`

func scanBatch(row pgx.Row) (*models.OfflineBatch, error) {
	var b models.OfflineBatch
	var raw []byte
	if err := row.Scan(
		&b.ID, &b.ClientKey, &b.OperatorID, &b.VehicleID, &b.RouteID, &b.CollectedAt,
		&raw, &b.Processed, &b.ProcessedAt, &b.LastError, &b.CreatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &b.Samples); err != nil {
		return nil, errors.Wrap(err, "decode batch samples")
	}
	return &b, nil
}

// CreateBatch stores an offline batch, deduplicating on the client-supplied
// key: resubmitting the same key returns the already-stored batch with
// created=false and never touches its samples.
func (s *Storage) CreateBatch(ctx context.Context, in models.OfflineBatchCreateInput) (*models.OfflineBatch, bool, error) {
	now := time.Now().UTC()

	raw, err := json.Marshal(in.Samples)
	if err != nil {
		return nil, false, errors.Wrap(err, "encode batch samples")
	}

	b, err := scanBatch(s.db.QueryRow(ctx, `
INSERT INTO offline_batches (
  client_key, operator_id, vehicle_id, route_id, collected_at,
  samples, processed, next_attempt_at, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,FALSE,$7,$7)
ON CONFLICT (client_key) DO NOTHING
RETURNING`+batchColumns,
		in.ClientKey, in.OperatorID, in.VehicleID, in.RouteID, in.CollectedAt.UTC(), raw, now))
	if err == nil {
		return b, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, errors.Wrap(err, "insert batch")
	}

	b, err = scanBatch(s.db.QueryRow(ctx, `
SELECT`+batchColumns+`
FROM offline_batches
WHERE client_key = $1
`, in.ClientKey))
	if err != nil {
		return nil, false, errors.Wrap(err, "select batch by client key")
	}
	return b, false, nil
}

func (s *Storage) GetBatch(ctx context.Context, id uint64) (*models.OfflineBatch, error) {
	b, err := scanBatch(s.db.QueryRow(ctx, `
SELECT`+batchColumns+`
FROM offline_batches
WHERE id = $1
`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("offline batch %d", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select batch")
	}
	return b, nil
}

// ClaimDueBatches picks unprocessed batches that are due and leases them so
// concurrent sweepers never pick the same batch twice.
// Uses SELECT ... FOR UPDATE SKIP LOCKED.
func (s *Storage) ClaimDueBatches(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.OfflineBatch, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT`+batchColumns+`
FROM offline_batches
WHERE processed = FALSE
  AND next_attempt_at <= $1
ORDER BY next_attempt_at ASC
LIMIT $2
FOR UPDATE SKIP LOCKED
`, now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due batches")
	}
	defer rows.Close()

	var picked []*models.OfflineBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan due batch")
		}
		picked = append(picked, b)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	leaseUntil := now.UTC().Add(lease)
	for _, b := range picked {
		_, err := tx.Exec(ctx, `
UPDATE offline_batches
SET next_attempt_at = $2, attempt_count = attempt_count + 1
WHERE id = $1
`, b.ID, leaseUntil)
		if err != nil {
			return nil, errors.Wrap(err, "lease batch")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return picked, nil
}

// MarkBatchProcessed flips processed exactly once. Returns false when the
// batch was already processed by someone else.
func (s *Storage) MarkBatchProcessed(ctx context.Context, id uint64, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE offline_batches
SET processed = TRUE, processed_at = $2, last_error = NULL
WHERE id = $1 AND processed = FALSE
`, id, at.UTC())
	if err != nil {
		return false, errors.Wrap(err, "mark batch processed")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Storage) MarkBatchFailed(ctx context.Context, id uint64, errMsg string, nextAttempt time.Time) error {
	_, err := s.db.Exec(ctx, `
UPDATE offline_batches
SET last_error = $2, next_attempt_at = $3
WHERE id = $1 AND processed = FALSE
`, id, errMsg, nextAttempt.UTC())
	return errors.Wrap(err, "mark batch failed")
}
