package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dzbus/buswatch/config"
	"github.com/dzbus/buswatch/internal/services/reconciler"
)

type workerHTTPOpts struct {
	httpAddr string
	onListen func(httpAddr string)

	sweeper *reconciler.Sweeper
	cfg     *config.Config
}

func runWorkerHTTPServer(ctx context.Context, opts workerHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8082"
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.sweeper == nil {
			_, _ = w.Write([]byte(`{"error":"sweeper not wired"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(opts.sweeper.Stats())
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.cfg == nil {
			_, _ = w.Write([]byte(`{"error":"config not wired"}`))
			return
		}
		// Operational tuning values only; no credentials.
		out := map[string]any{
			"sweepIntervalSeconds":     opts.cfg.Tracking.SweepIntervalSeconds,
			"sweepBatchSize":           opts.cfg.Tracking.SweepBatchSize,
			"sweepConcurrency":         opts.cfg.Tracking.SweepConcurrency,
			"sweepLeaseSeconds":        opts.cfg.Tracking.SweepLeaseSeconds,
			"gapWindowSeconds":         opts.cfg.Tracking.GapWindowSeconds,
			"speedCeilingKMH":          opts.cfg.Tracking.SpeedCeilingKMH,
			"deviationRadiusMeters":    opts.cfg.Tracking.DeviationRadiusMeters,
			"etaMinIntervalSeconds":    opts.cfg.Tracking.ETAMinIntervalSeconds,
			"etaTriggerDistanceMeters": opts.cfg.Tracking.ETATriggerDistanceMeters,
		}
		_ = json.NewEncoder(w).Encode(out)
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.sweeper == nil {
			_, _ = w.Write([]byte(`{"error":"sweeper not wired"}`))
			return
		}
		opts.sweeper.Trigger()
		_, _ = w.Write([]byte(`{"triggered":true}`))
	})

	srv := &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
		return err
	}
	return ctx.Err()
}
