package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Tracking TrackingConfig `yaml:"tracking"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                      string `yaml:"host"`
	Port                      int    `yaml:"port"`
	LocationRecordedTopicName string `yaml:"location_recorded_topic_name"`
	SessionEndedTopicName     string `yaml:"session_ended_topic_name"`
	AnomalyDetectedTopicName  string `yaml:"anomaly_detected_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type TrackingConfig struct {
	HTTPAddr           string `yaml:"http_addr"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`

	// Latest-location cache entries are disposable; ~1 hour in production.
	LocationTTLSeconds int `yaml:"location_ttl_seconds"`

	// Anomaly thresholds. These are operational tuning values, not
	// architecture: keep them in config.
	SpeedCeilingKMH           float64 `yaml:"speed_ceiling_kmh"`
	DeviationRadiusMeters     float64 `yaml:"deviation_radius_meters"`
	DeviationWindowSeconds    int     `yaml:"deviation_window_seconds"`
	GapWindowSeconds          int     `yaml:"gap_window_seconds"`
	StuckSessionCeilingSeconds int    `yaml:"stuck_session_ceiling_seconds"`
	SuppressionWindowSeconds  int     `yaml:"suppression_window_seconds"`

	// ETA estimation.
	DefaultUrbanSpeedKMH      float64 `yaml:"default_urban_speed_kmh"`
	ETAMinIntervalSeconds     int     `yaml:"eta_min_interval_seconds"`
	ETATriggerDistanceMeters  float64 `yaml:"eta_trigger_distance_meters"`
	WeekdayPeakMultiplier     float64 `yaml:"weekday_peak_multiplier"`
	WeekendPeakMultiplier     float64 `yaml:"weekend_peak_multiplier"`
	VisualizationTTLSeconds   int     `yaml:"visualization_ttl_seconds"`

	// Worker sweeps.
	WorkerHTTPAddr            string `yaml:"worker_http_addr"`
	SweepIntervalSeconds      int    `yaml:"sweep_interval_seconds"`
	SweepBatchSize            int    `yaml:"sweep_batch_size"`
	SweepConcurrency          int    `yaml:"sweep_concurrency"`
	SweepLeaseSeconds         int    `yaml:"sweep_lease_seconds"`

	FleetBaseURL  string `yaml:"fleet_base_url"`
	FleetAPIKey   string `yaml:"fleet_api_key"`
	NotifyBaseURL string `yaml:"notify_base_url"`
	NotifyAPIKey  string `yaml:"notify_api_key"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
