package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	DB struct {
		DSN string
	}
	Definitions struct {
		Path  string
		Watch bool
	}
	API struct {
		Port          string
		BasePath      string
		MetricsPublic bool
	}
	Logging struct {
		Dir   string
		Level string
	}
	Evaluation struct {
		Enabled       bool
		Interval      time.Duration
		ManualEnabled bool
	}
	Dispatch struct {
		Enabled            bool
		Interval           time.Duration
		BatchSize          int
		AttemptGracePeriod time.Duration
		SuppressionRecheck time.Duration
	}
	Lease struct {
		Name    string
		Backend string
	}
	Redis struct {
		Addr     string
		Password string
		DB       int
	}
	Kafka struct {
		Brokers []string
		Topic   string
		GroupID string
	}
	InstanceID string
}

// Load reads environment variables, applies defaults, and returns a Config.
func Load() (Config, error) {
	// Load .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("failed to load .env file: %w", err)
	}

	var cfg Config
	var errs []string

	cfg.DB.DSN = os.Getenv("DB_DSN")

	cfg.Definitions.Path = envString("DEFINITIONS_PATH", "config/definitions.yaml")
	cfg.Definitions.Watch = envBool("DEFINITIONS_WATCH", true, &errs)

	cfg.API.Port = envString("API_PORT", ":8080")
	cfg.API.BasePath = envString("API_BASE_PATH", "/api/v1")
	cfg.API.MetricsPublic = envBool("METRICS_PUBLIC", false, &errs)

	cfg.Logging.Dir = os.Getenv("LOG_DIR")
	cfg.Logging.Level = envString("LOG_LEVEL", "info")

	cfg.Evaluation.Enabled = envBool("EVALUATION_ENABLED", true, &errs)
	cfg.Evaluation.Interval = envDuration("EVALUATION_INTERVAL", 60*time.Second, &errs)
	cfg.Evaluation.ManualEnabled = envBool("MANUAL_EVALUATION_ENABLED", false, &errs)

	cfg.Dispatch.Enabled = envBool("DISPATCH_ENABLED", true, &errs)
	cfg.Dispatch.Interval = envDuration("DISPATCH_INTERVAL", 15*time.Second, &errs)
	cfg.Dispatch.BatchSize = envInt("DISPATCH_BATCH_SIZE", 50, &errs)
	cfg.Dispatch.AttemptGracePeriod = envDuration("ATTEMPT_GRACE_PERIOD", 2*time.Minute, &errs)
	cfg.Dispatch.SuppressionRecheck = envDuration("SUPPRESSION_RECHECK", 5*time.Minute, &errs)

	cfg.Lease.Name = os.Getenv("SCHEDULER_LEASE_NAME")
	cfg.Lease.Backend = envString("LEASE_BACKEND", "memory")

	cfg.Redis.Addr = envString("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	cfg.Redis.DB = envInt("REDIS_DB", 0, &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.Kafka.Brokers = append(cfg.Kafka.Brokers, b)
			}
		}
	}
	cfg.Kafka.Topic = envString("KAFKA_TOPIC", "preflight.runs")
	cfg.Kafka.GroupID = envString("KAFKA_GROUP_ID", "preflight-alerting")

	cfg.InstanceID = os.Getenv("INSTANCE_ID")
	if cfg.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "preflight"
		}
		cfg.InstanceID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	// Validate settings
	switch cfg.Lease.Backend {
	case "memory", "redis":
	case "postgres":
		if cfg.DB.DSN == "" {
			errs = append(errs, "LEASE_BACKEND=postgres requires DB_DSN")
		}
	default:
		errs = append(errs, fmt.Sprintf("LEASE_BACKEND: unknown backend %q", cfg.Lease.Backend))
	}
	if cfg.Evaluation.Interval <= 0 {
		errs = append(errs, "EVALUATION_INTERVAL must be positive")
	}
	if cfg.Dispatch.Interval <= 0 {
		errs = append(errs, "DISPATCH_INTERVAL must be positive")
	}
	if cfg.Dispatch.BatchSize <= 0 {
		errs = append(errs, "DISPATCH_BATCH_SIZE must be positive")
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("invalid configuration: %v", errs)
	}

	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return b
}

func envInt(key string, def int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return n
}

func envDuration(key string, def time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return d
}
