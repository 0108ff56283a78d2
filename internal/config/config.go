package config

import (
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all worker configuration
type Config struct {
	DatabaseURL string `mapstructure:"database_url"`
	RedisURL    string `mapstructure:"redis_url"`
	Port        string `mapstructure:"port"`

	// Job queue
	AnomalyQueueName           string `mapstructure:"anomaly_queue_name"`
	QueueVisibilityTimeoutSecs int    `mapstructure:"queue_visibility_timeout_seconds"`
	QueueBatchSize             int    `mapstructure:"queue_batch_size"`
	QueueMaxReads              int    `mapstructure:"queue_max_reads"`

	// Event stream
	EventStreamName     string `mapstructure:"event_stream_name"`
	StreamConsumerGroup string `mapstructure:"stream_consumer_group"`
	StreamConsumerName  string `mapstructure:"stream_consumer_name"`

	// Detection
	DetectionWindowSeconds int `mapstructure:"detection_window_seconds"`
	ErrorCountThreshold    int `mapstructure:"error_count_threshold"`
	IncidentEventSample    int `mapstructure:"incident_event_sample"`

	// Incident lifecycle windows
	ActiveWindowSeconds int `mapstructure:"active_window_seconds"`
	QuietWindowSeconds  int `mapstructure:"quiet_window_seconds"`
	CreateLockTTLMs     int `mapstructure:"create_lock_ttl_ms"`
	SweepLockTTLMs      int `mapstructure:"sweep_lock_ttl_ms"`
	ResolveThresholdMs  int `mapstructure:"resolve_threshold_ms"`
	SweepPeriodMs       int `mapstructure:"sweep_period_ms"`
}

// App holds the global config instance
var App Config

// LoadConfig loads configuration from an optional YAML file and environment
// variables. Standard env names (DATABASE_URL, REDIS_URL, ...) always win.
func LoadConfig(path string) error {
	// Auto-load .env if present so `go run` works without exporting vars.
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded .env file")
	}

	v := viper.New()

	v.SetDefault("port", "8080")
	v.SetDefault("anomaly_queue_name", "anomaly-jobs")
	v.SetDefault("queue_visibility_timeout_seconds", 30)
	v.SetDefault("queue_batch_size", 10)
	v.SetDefault("queue_max_reads", 5)
	v.SetDefault("event_stream_name", "platform-events")
	v.SetDefault("stream_consumer_group", "broadcasters")
	v.SetDefault("stream_consumer_name", "worker-1")
	v.SetDefault("detection_window_seconds", 60)
	v.SetDefault("error_count_threshold", 10)
	v.SetDefault("incident_event_sample", 10)
	v.SetDefault("active_window_seconds", 30)
	v.SetDefault("quiet_window_seconds", 120)
	v.SetDefault("create_lock_ttl_ms", 5000)
	v.SetDefault("sweep_lock_ttl_ms", 30000)
	v.SetDefault("resolve_threshold_ms", 15000)
	v.SetDefault("sweep_period_ms", 10000)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.SetConfigName("worker.config")
		v.SetConfigType("yaml")
	}

	// Bind standard environment variables (Docker/deploy compatibility)
	_ = v.BindEnv("database_url", "DATABASE_URL")
	_ = v.BindEnv("redis_url", "REDIS_URL")
	_ = v.BindEnv("port", "PORT")
	_ = v.BindEnv("anomaly_queue_name", "ANOMALY_QUEUE_NAME")
	_ = v.BindEnv("queue_visibility_timeout_seconds", "QUEUE_VISIBILITY_TIMEOUT_SECONDS")
	_ = v.BindEnv("queue_batch_size", "QUEUE_BATCH_SIZE")
	_ = v.BindEnv("queue_max_reads", "QUEUE_MAX_READS")
	_ = v.BindEnv("event_stream_name", "EVENT_STREAM_NAME")
	_ = v.BindEnv("stream_consumer_group", "STREAM_CONSUMER_GROUP")
	_ = v.BindEnv("stream_consumer_name", "STREAM_CONSUMER_NAME")
	_ = v.BindEnv("detection_window_seconds", "DETECTION_WINDOW_SECONDS")
	_ = v.BindEnv("error_count_threshold", "ERROR_COUNT_THRESHOLD")
	_ = v.BindEnv("incident_event_sample", "INCIDENT_EVENT_SAMPLE")
	_ = v.BindEnv("active_window_seconds", "ACTIVE_WINDOW_SECONDS")
	_ = v.BindEnv("quiet_window_seconds", "QUIET_WINDOW_SECONDS")
	_ = v.BindEnv("create_lock_ttl_ms", "CREATE_LOCK_TTL_MS")
	_ = v.BindEnv("sweep_lock_ttl_ms", "SWEEP_LOCK_TTL_MS")
	_ = v.BindEnv("resolve_threshold_ms", "RESOLVE_THRESHOLD_MS")
	_ = v.BindEnv("sweep_period_ms", "SWEEP_PERIOD_MS")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file is fine, env vars and defaults carry it.
	} else {
		log.Printf("Using config file: %s", v.ConfigFileUsed())
	}

	if err := v.Unmarshal(&App); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := App.Validate(); err != nil {
		return err
	}

	return nil
}

// Validate rejects configurations that would break the lifecycle guarantees.
func (c Config) Validate() error {
	if c.SweepLockTTLMs <= c.SweepPeriodMs {
		return fmt.Errorf("sweep_lock_ttl_ms (%d) must exceed sweep_period_ms (%d)", c.SweepLockTTLMs, c.SweepPeriodMs)
	}
	if c.ActiveWindowSeconds >= c.QuietWindowSeconds {
		return fmt.Errorf("active_window_seconds (%d) must be below quiet_window_seconds (%d)", c.ActiveWindowSeconds, c.QuietWindowSeconds)
	}
	if c.ResolveThresholdMs >= c.QuietWindowSeconds*1000 {
		return fmt.Errorf("resolve_threshold_ms (%d) must be below the quiet window", c.ResolveThresholdMs)
	}
	return nil
}

// Duration helpers so callers don't re-derive units everywhere.

func (c Config) DetectionWindow() time.Duration {
	return time.Duration(c.DetectionWindowSeconds) * time.Second
}

func (c Config) ActiveWindow() time.Duration {
	return time.Duration(c.ActiveWindowSeconds) * time.Second
}

func (c Config) QuietWindow() time.Duration {
	return time.Duration(c.QuietWindowSeconds) * time.Second
}

func (c Config) CreateLockTTL() time.Duration {
	return time.Duration(c.CreateLockTTLMs) * time.Millisecond
}

func (c Config) SweepLockTTL() time.Duration {
	return time.Duration(c.SweepLockTTLMs) * time.Millisecond
}

func (c Config) ResolveThreshold() time.Duration {
	return time.Duration(c.ResolveThresholdMs) * time.Millisecond
}

func (c Config) SweepPeriod() time.Duration {
	return time.Duration(c.SweepPeriodMs) * time.Millisecond
}
