package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
database:
  host: "localhost"
  port: 5432
  username: "u"
  password: "p"
  name: "db"
kafka:
  host: "localhost"
  port: 9092
  location_recorded_topic_name: "location.recorded"
  session_ended_topic_name: "session.ended"
redis:
  host: "localhost"
  port: 6379
tracking:
  http_addr: ":8080"
  kafka_consumer_group: "track-worker"
  location_ttl_seconds: 3600
  speed_ceiling_kmh: 100
  deviation_radius_meters: 1000
  gap_window_seconds: 300
`), 0o600))

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	require.Equal(t, "u", cfg.Database.Username)
	require.Equal(t, "location.recorded", cfg.Kafka.LocationRecordedTopicName)
	require.Equal(t, 6379, cfg.Redis.Port)
	require.Equal(t, ":8080", cfg.Tracking.HTTPAddr)
	require.Equal(t, float64(100), cfg.Tracking.SpeedCeilingKMH)
	require.Equal(t, 300, cfg.Tracking.GapWindowSeconds)
}

func TestLoadConfig_missingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
