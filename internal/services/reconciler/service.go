// Package reconciler replays offline batches into the regular ingestion
// pipeline once connectivity returns.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/dzbus/buswatch/internal/apperr"
	"github.com/dzbus/buswatch/internal/models"
	"github.com/dzbus/buswatch/internal/services/ingest"
)

type Repository interface {
	CreateBatch(ctx context.Context, in models.OfflineBatchCreateInput) (*models.OfflineBatch, bool, error)
	GetBatch(ctx context.Context, id uint64) (*models.OfflineBatch, error)
	ClaimDueBatches(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.OfflineBatch, error)
	MarkBatchProcessed(ctx context.Context, id uint64, at time.Time) (bool, error)
	MarkBatchFailed(ctx context.Context, id uint64, errMsg string, nextAttempt time.Time) error
}

// SessionSource finds or opens the session a batch replays into.
type SessionSource interface {
	Start(ctx context.Context, in models.SessionStartInput) (*models.Session, error)
	ActiveForVehicle(ctx context.Context, vehicleID string) (*models.Session, error)
}

type Ingestor interface {
	IngestBatch(ctx context.Context, sessionID uint64, samples []models.LocationSample) (*ingest.BatchResult, error)
}

type Service struct {
	repo     Repository
	sessions SessionSource
	ingestor Ingestor

	retryDelay time.Duration
	log        *slog.Logger
}

func New(repo Repository, sessions SessionSource, ingestor Ingestor, retryDelay time.Duration, log *slog.Logger) *Service {
	if retryDelay <= 0 {
		retryDelay = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, sessions: sessions, ingestor: ingestor, retryDelay: retryDelay, log: log}
}

type Result struct {
	BatchID          uint64 `json:"batch_id"`
	AlreadyProcessed bool   `json:"already_processed"`
	Accepted         int    `json:"accepted"`
	Rejected         int    `json:"rejected"`
}

// Submit stores an offline batch for later replay. The client key makes the
// call idempotent: resubmitting the same key returns the already-stored batch
// with created=false.
func (s *Service) Submit(ctx context.Context, in models.OfflineBatchCreateInput) (*models.OfflineBatch, bool, error) {
	if in.ClientKey == "" {
		return nil, false, apperr.Validation("clientKey is required")
	}
	if in.VehicleID == "" {
		return nil, false, apperr.Validation("vehicleId is required")
	}
	if in.OperatorID == "" {
		return nil, false, apperr.Validation("operatorId is required")
	}
	if in.RouteID == "" {
		return nil, false, apperr.Validation("routeId is required")
	}
	if len(in.Samples) == 0 {
		return nil, false, apperr.Validation("samples is empty")
	}
	if in.CollectedAt.IsZero() {
		in.CollectedAt = time.Now().UTC()
	}
	return s.repo.CreateBatch(ctx, in)
}

// Reconcile replays one batch. Reprocessing a processed batch is a success
// no-op. Per-sample rejections (bad coordinates, stale duplicates) are
// permanent and do not block completion; only transient failures leave the
// batch unprocessed for a later retry.
func (s *Service) Reconcile(ctx context.Context, batchID uint64) (*Result, error) {
	if batchID == 0 {
		return nil, apperr.Validation("batchId is required")
	}
	b, err := s.repo.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return s.process(ctx, b)
}

func (s *Service) process(ctx context.Context, b *models.OfflineBatch) (*Result, error) {
	if b.Processed {
		return &Result{BatchID: b.ID, AlreadyProcessed: true}, nil
	}

	sess, err := s.sessions.ActiveForVehicle(ctx, b.VehicleID)
	if apperr.Is(err, apperr.KindNotFound) {
		sess, err = s.sessions.Start(ctx, models.SessionStartInput{
			VehicleID:  b.VehicleID,
			OperatorID: b.OperatorID,
			RouteID:    b.RouteID,
			Metadata:   map[string]string{"offline_batch": b.ClientKey},
		})
	}
	if err != nil {
		s.fail(ctx, b.ID, err)
		return nil, err
	}

	res, err := s.ingestor.IngestBatch(ctx, sess.ID, b.Samples)
	var pf *apperr.PartialFailure
	if errors.As(err, &pf) {
		// Rejections are per-sample verdicts, not transient faults: a
		// replay would reject the same samples again, and samples stored
		// on a previous attempt fall out as stale duplicates. The batch
		// is done.
		s.log.Warn("batch replayed with rejections",
			"batch_id", b.ID, "accepted", pf.Accepted, "rejected", pf.Rejected)
		if _, err := s.repo.MarkBatchProcessed(ctx, b.ID, time.Now().UTC()); err != nil {
			return nil, err
		}
		return &Result{BatchID: b.ID, Accepted: pf.Accepted, Rejected: pf.Rejected}, nil
	}
	if err != nil {
		s.fail(ctx, b.ID, err)
		return nil, err
	}

	if _, err := s.repo.MarkBatchProcessed(ctx, b.ID, time.Now().UTC()); err != nil {
		return nil, err
	}
	return &Result{BatchID: b.ID, Accepted: res.Accepted, Rejected: res.Rejected}, nil
}

func (s *Service) fail(ctx context.Context, batchID uint64, cause error) {
	msg := cause.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	msg = strings.TrimSpace(msg)
	if err := s.repo.MarkBatchFailed(ctx, batchID, msg, time.Now().UTC().Add(s.retryDelay)); err != nil {
		s.log.Error("mark batch failed", "batch_id", batchID, "err", err)
	}
}
