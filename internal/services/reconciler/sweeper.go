package reconciler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Sweeper periodically claims due offline batches and reconciles them with
// bounded concurrency. A manual trigger forces an immediate cycle.
type Sweeper struct {
	svc  *Service
	repo Repository

	interval    time.Duration
	batchSize   int
	concurrency int
	lease       time.Duration

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalClaimed        atomic.Int64
	totalProcessed      atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func NewSweeper(svc *Service, repo Repository) *Sweeper {
	return &Sweeper{
		svc:               svc,
		repo:              repo,
		interval:          30 * time.Second,
		batchSize:         50,
		concurrency:       5,
		lease:             120 * time.Second,
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (w *Sweeper) WithSettings(interval time.Duration, batchSize, concurrency int, lease time.Duration) *Sweeper {
	if interval > 0 {
		w.interval = interval
	}
	if batchSize > 0 {
		w.batchSize = batchSize
	}
	if concurrency > 0 {
		w.concurrency = concurrency
	}
	if lease > 0 {
		w.lease = lease
	}
	return w
}

// Trigger forces an immediate sweep cycle (best-effort, non-blocking).
func (w *Sweeper) Trigger() {
	w.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt      time.Time  `json:"startedAt"`
	LastCycleAt    *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt  *time.Time `json:"lastTriggerAt,omitempty"`
	TotalClaimed   int64      `json:"totalClaimed"`
	TotalProcessed int64      `json:"totalProcessed"`
	TotalErrors    int64      `json:"totalErrors"`
	InFlight       int64      `json:"inFlight"`
	LastError      string     `json:"lastError,omitempty"`
}

func (w *Sweeper) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, w.startedAtUnixNano).UTC(),
		TotalClaimed:   w.totalClaimed.Load(),
		TotalProcessed: w.totalProcessed.Load(),
		TotalErrors:    w.totalErrors.Load(),
		InFlight:       w.inFlight.Load(),
	}
	if n := w.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := w.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	w.lastErrorMu.Lock()
	st.LastError = w.lastError
	w.lastErrorMu.Unlock()
	return st
}

func (w *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			w.runOnce(ctx)
		case <-w.triggerCh:
			w.runOnce(ctx)
		}
	}
}

func (w *Sweeper) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	w.lastCycleUnixNano.Store(now.UnixNano())

	batches, err := w.repo.ClaimDueBatches(ctx, now, w.batchSize, w.lease)
	if err != nil {
		w.svc.log.Error("claim due batches", "err", err)
		w.setLastError(err.Error())
		return
	}
	w.totalClaimed.Add(int64(len(batches)))

	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup
	for _, b := range batches {
		sem <- struct{}{}
		wg.Add(1)
		bCopy := b
		w.inFlight.Add(1)
		go func() {
			defer func() {
				w.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			if _, err := w.svc.process(ctx, bCopy); err != nil {
				w.totalErrors.Add(1)
				w.setLastError(err.Error())
				w.svc.log.Error("reconcile batch", "batch_id", bCopy.ID, "err", err)
			}
			w.totalProcessed.Add(1)
		}()
	}
	wg.Wait()
}

func (w *Sweeper) setLastError(msg string) {
	w.lastErrorMu.Lock()
	w.lastError = msg
	w.lastErrorMu.Unlock()
}
