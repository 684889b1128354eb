package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dzbus/buswatch/config"
	"github.com/dzbus/buswatch/internal/api/trackapi"
	"github.com/dzbus/buswatch/internal/broker/kafka"
	"github.com/dzbus/buswatch/internal/cache/rediscache"
	"github.com/dzbus/buswatch/internal/integrations/fleet"
	fleetfake "github.com/dzbus/buswatch/internal/integrations/fleet/fake"
	"github.com/dzbus/buswatch/internal/integrations/fleet/fleethttp"
	"github.com/dzbus/buswatch/internal/services/anomaly"
	"github.com/dzbus/buswatch/internal/services/eta"
	"github.com/dzbus/buswatch/internal/services/ingest"
	"github.com/dzbus/buswatch/internal/services/reconciler"
	"github.com/dzbus/buswatch/internal/services/sessions"
	"github.com/dzbus/buswatch/internal/storage/pgstore"
)

type trackAPIApp struct {
	ctx     context.Context
	cancel  context.CancelFunc
	opts    trackAPIOpts
	api     *trackapi.TrackAPI
	closeDB func()
}

func mustBootstrapTrackAPI() *trackAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("config parse error: %v", err))
	}

	httpAddr := cfg.Tracking.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}

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

	locationTTL := time.Duration(cfg.Tracking.LocationTTLSeconds) * time.Second

	connString := postgresConnString(cfg)
	st := mustOpenPostgresWithRetry(connString, 60*time.Second)

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	producer := kafka.NewProducer(brokers)

	// Without a fleet-management endpoint every assignment is approved, which
	// is the right behavior for local and demo runs.
	var fleetClient fleet.Client
	if cfg.Tracking.FleetBaseURL != "" {
		fleetClient = fleethttp.New(cfg.Tracking.FleetBaseURL, cfg.Tracking.FleetAPIKey)
	} else {
		fleetClient = fleetfake.New()
	}

	ss := sessions.New(st, fleetClient, producer, endedTopic, nil)
	is := ingest.New(st, rc, producer, locationTopic, locationTTL, cfg.Tracking.ETATriggerDistanceMeters, nil)
	es := eta.New(st, rc, eta.Config{
		DefaultUrbanSpeedKMH:  cfg.Tracking.DefaultUrbanSpeedKMH,
		WeekdayPeakMultiplier: cfg.Tracking.WeekdayPeakMultiplier,
		WeekendPeakMultiplier: cfg.Tracking.WeekendPeakMultiplier,
		VisualizationTTL:      time.Duration(cfg.Tracking.VisualizationTTLSeconds) * time.Second,
	}, nil)
	// The API side of anomalies is resolve/list only; detection runs in the
	// worker, so no notifier here.
	as := anomaly.New(st, ss, nil, producer, anomalyTopic, anomalyConfig(cfg), nil)
	rs := reconciler.New(st, ss, is, 0, nil)

	api := trackapi.New(ss, is, es, as, rs, nil)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &trackAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: trackAPIOpts{
			httpAddr: httpAddr,
		},
		api:     api,
		closeDB: st.Close,
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

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgstore.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgstore.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *trackAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.closeDB != nil {
		a.closeDB()
	}
}

func (a *trackAPIApp) Run() error {
	return runTrackAPI(a.ctx, a.opts, a.api)
}
