package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("INSTANCE_ID", "test-1")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.API.Port)
	assert.Equal(t, "/api/v1", cfg.API.BasePath)
	assert.False(t, cfg.API.MetricsPublic)
	assert.Equal(t, time.Minute, cfg.Evaluation.Interval)
	assert.False(t, cfg.Evaluation.ManualEnabled)
	assert.Equal(t, 15*time.Second, cfg.Dispatch.Interval)
	assert.Equal(t, 50, cfg.Dispatch.BatchSize)
	assert.Equal(t, 2*time.Minute, cfg.Dispatch.AttemptGracePeriod)
	assert.Equal(t, "memory", cfg.Lease.Backend)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.Equal(t, "test-1", cfg.InstanceID)
}

func TestLoad_Overrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("EVALUATION_INTERVAL", "30s")
	t.Setenv("MANUAL_EVALUATION_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("LEASE_BACKEND", "redis")
	t.Setenv("SCHEDULER_LEASE_NAME", "preflight")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Evaluation.Interval)
	assert.True(t, cfg.Evaluation.ManualEnabled)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "redis", cfg.Lease.Backend)
	assert.Equal(t, "preflight", cfg.Lease.Name)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string][2]string{
		"bad duration":      {"DISPATCH_INTERVAL", "soon"},
		"negative interval": {"EVALUATION_INTERVAL", "-1s"},
		"bad bool":          {"METRICS_PUBLIC", "maybe"},
		"unknown backend":   {"LEASE_BACKEND", "zookeeper"},
		"postgres lease":    {"LEASE_BACKEND", "postgres"},
		"zero batch":        {"DISPATCH_BATCH_SIZE", "0"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv("DB_DSN", "")
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
