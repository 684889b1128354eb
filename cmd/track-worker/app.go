package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dzbus/buswatch/config"
	"github.com/dzbus/buswatch/internal/broker/kafka"
	"github.com/dzbus/buswatch/internal/broker/messages"
	"github.com/dzbus/buswatch/internal/cache"
	"github.com/dzbus/buswatch/internal/cache/rediscache"
	"github.com/dzbus/buswatch/internal/integrations/notify"
	notifyfake "github.com/dzbus/buswatch/internal/integrations/notify/fake"
	"github.com/dzbus/buswatch/internal/integrations/notify/notifyhttp"
	"github.com/dzbus/buswatch/internal/services/anomaly"
	"github.com/dzbus/buswatch/internal/services/eta"
	"github.com/dzbus/buswatch/internal/services/ingest"
	"github.com/dzbus/buswatch/internal/services/reconciler"
	"github.com/dzbus/buswatch/internal/services/sessions"
	"github.com/dzbus/buswatch/internal/storage/pgstore"
)

// rateGate limits how often keyed work runs; satisfied by rediscache.Gate.
type rateGate interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
	Close() error
}

type workerRepository interface {
	anomaly.Repository
	eta.Repository
	ingest.Repository
	sessions.Repository
	reconciler.Repository
}

type workerFactories struct {
	newStorage      func(cfg *config.Config) (repo workerRepository, closeFn func(), err error)
	newProducer     func(cfg *config.Config) *kafka.Producer
	newConsumer     func(cfg *config.Config, topic, group string) kafkaConsumer
	newCache        func(cfg *config.Config) cache.BytesCache
	newGate         func(cfg *config.Config) rateGate
	newNotifyClient func(cfg *config.Config) notify.Client
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (workerRepository, func(), error) {
			st, err := pgstore.New(postgresConnString(cfg))
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) *kafka.Producer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewProducer(brokers)
		},
		newConsumer: func(cfg *config.Config, topic, group string) kafkaConsumer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewConsumer(brokers, topic, group)
		},
		newCache: func(cfg *config.Config) cache.BytesCache {
			return rediscache.New(fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port))
		},
		newGate: func(cfg *config.Config) rateGate {
			return rediscache.NewGate(fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port))
		},
		newNotifyClient: func(cfg *config.Config) notify.Client {
			if cfg.Tracking.NotifyBaseURL != "" {
				return notifyhttp.New(cfg.Tracking.NotifyBaseURL, cfg.Tracking.NotifyAPIKey)
			}
			return notifyfake.New()
		},
	}
}

// locationHandler fans one location.recorded event into anomaly checks and
// an ETA recalculation. Recalculation runs when the vehicle crossed the
// distance trigger or when the per-route interval lapsed with no recalc,
// whichever happens first; it never runs on every sample.
type locationHandler struct {
	anomalies *anomaly.Service
	eta       *eta.Service
	gate      rateGate

	etaTrigger  float64
	minInterval time.Duration

	log *slog.Logger
}

func (h *locationHandler) handle(ctx context.Context, key, value []byte) error {
	var ev messages.LocationRecorded
	if err := json.Unmarshal(value, &ev); err != nil {
		return err
	}

	if err := h.anomalies.CheckSample(ctx, ev); err != nil {
		h.log.Error("speed check", "session_id", ev.SessionID, "err", err)
	}
	if err := h.anomalies.CheckDeviation(ctx, ev); err != nil {
		h.log.Error("deviation check", "session_id", ev.SessionID, "err", err)
	}

	moved := ev.DistanceSinceETAMeters >= h.etaTrigger
	if h.gate != nil {
		// An allowed gate means no recalculation ran for this route inside
		// the interval, so a stopped vehicle still gets fresh ETAs.
		allowed, _, err := h.gate.Allow(ctx, "eta:route:"+ev.RouteID, 1, h.minInterval)
		if err != nil {
			h.log.Warn("eta gate", "route_id", ev.RouteID, "err", err)
			allowed = false
		}
		if !moved && !allowed {
			return nil
		}
	} else if !moved {
		return nil
	}

	est, err := h.eta.EstimatedRoute(ctx, ev.VehicleID, "")
	if err != nil {
		h.log.Warn("eta recalc", "vehicle_id", ev.VehicleID, "err", err)
		return nil
	}
	if _, err := h.eta.RouteVisualization(ctx, ev.RouteID); err != nil {
		h.log.Warn("visualization refresh", "route_id", ev.RouteID, "err", err)
	}
	h.log.Info("eta recalculated",
		"vehicle_id", ev.VehicleID, "route_id", ev.RouteID,
		"stops_remaining", len(est.Stops), "progress_percent", est.ProgressPercent)
	return nil
}

func RunTrackWorker(ctx context.Context, cfg *config.Config, f workerFactories) error {
	locationTopic := cfg.Kafka.LocationRecordedTopicName
	if locationTopic == "" {
		locationTopic = "location.recorded"
	}
	endedTopic := cfg.Kafka.SessionEndedTopicName
	if endedTopic == "" {
		endedTopic = "session.ended"
	}
	anomalyTopic := cfg.Kafka.AnomalyDetectedTopicName
	if anomalyTopic == "" {
		anomalyTopic = "anomaly.detected"
	}
	consumerGroup := cfg.Tracking.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "track-worker"
	}

	etaTrigger := cfg.Tracking.ETATriggerDistanceMeters
	if etaTrigger <= 0 {
		etaTrigger = 250
	}
	minInterval := time.Duration(cfg.Tracking.ETAMinIntervalSeconds) * time.Second
	if minInterval <= 0 {
		minInterval = 30 * time.Second
	}

	sweepInterval := time.Duration(cfg.Tracking.SweepIntervalSeconds) * time.Second
	sweepBatch := cfg.Tracking.SweepBatchSize
	if sweepBatch <= 0 {
		sweepBatch = 50
	}
	sweepConcurrency := cfg.Tracking.SweepConcurrency
	sweepLease := time.Duration(cfg.Tracking.SweepLeaseSeconds) * time.Second

	gapInterval := time.Duration(cfg.Tracking.GapWindowSeconds) * time.Second
	if gapInterval <= 0 {
		gapInterval = 5 * time.Minute
	}

	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	producer := f.newProducer(cfg)
	cacheC := f.newCache(cfg)
	gate := f.newGate(cfg)
	notifier := f.newNotifyClient(cfg)

	// The worker never starts sessions, so no fleet client here.
	ss := sessions.New(repo, nil, producer, endedTopic, nil)
	is := ingest.New(repo, cacheC, producer, locationTopic,
		time.Duration(cfg.Tracking.LocationTTLSeconds)*time.Second, etaTrigger, nil)
	es := eta.New(repo, cacheC, eta.Config{
		DefaultUrbanSpeedKMH:  cfg.Tracking.DefaultUrbanSpeedKMH,
		WeekdayPeakMultiplier: cfg.Tracking.WeekdayPeakMultiplier,
		WeekendPeakMultiplier: cfg.Tracking.WeekendPeakMultiplier,
		VisualizationTTL:      time.Duration(cfg.Tracking.VisualizationTTLSeconds) * time.Second,
	}, nil)
	as := anomaly.New(repo, ss, notifier, producer, anomalyTopic, anomalyConfig(cfg), nil)
	rs := reconciler.New(repo, ss, is, 0, nil)
	sweeper := reconciler.NewSweeper(rs, repo).
		WithSettings(sweepInterval, sweepBatch, sweepConcurrency, sweepLease)

	handler := &locationHandler{
		anomalies:   as,
		eta:         es,
		gate:        gate,
		etaTrigger:  etaTrigger,
		minInterval: minInterval,
		log:         slog.Default(),
	}

	consumer := f.newConsumer(cfg, locationTopic, consumerGroup)
	defer func() { _ = consumer.Close() }()

	consumeErr := make(chan error, 1)
	go func() {
		slog.Info("kafka consumer started", "topic", locationTopic, "group", consumerGroup)
		consumeErr <- consumer.Consume(ctx, func(key, value []byte) error {
			return handler.handle(ctx, key, value)
		})
	}()

	sweepErr := make(chan error, 1)
	go func() { sweepErr <- sweeper.Run(ctx) }()

	go runGapSweeps(ctx, as, gapInterval, sweepBatch)

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr: cfg.Tracking.WorkerHTTPAddr,
			sweeper:  sweeper,
			cfg:      cfg,
		})
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-consumeErr:
		return err
	case err := <-sweepErr:
		return err
	case err := <-httpErr:
		return err
	}
}

func postgresConnString(cfg *config.Config) string {
	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
}

func anomalyConfig(cfg *config.Config) anomaly.Config {
	return anomaly.Config{
		SpeedCeilingKMH:       cfg.Tracking.SpeedCeilingKMH,
		DeviationRadiusMeters: cfg.Tracking.DeviationRadiusMeters,
		DeviationWindow:       time.Duration(cfg.Tracking.DeviationWindowSeconds) * time.Second,
		GapWindow:             time.Duration(cfg.Tracking.GapWindowSeconds) * time.Second,
		StuckCeiling:          time.Duration(cfg.Tracking.StuckSessionCeilingSeconds) * time.Second,
		Suppression:           time.Duration(cfg.Tracking.SuppressionWindowSeconds) * time.Second,
	}
}

func runGapSweeps(ctx context.Context, as *anomaly.Service, interval time.Duration, limit int) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			flagged, ended, err := as.SweepGaps(ctx, limit)
			if err != nil {
				slog.Error("gap sweep", "err", err)
				continue
			}
			if flagged > 0 || ended > 0 {
				slog.Info("gap sweep", "flagged", flagged, "force_ended", ended)
			}
		}
	}
}
