package bootstrap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDurationUnmarshalYAML(t *testing.T) {
	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte(`
app:
  hold_ttl: 10m
  sweep_interval: 45s
  hold_retention: 48h
`), &cfg))
	assert.Equal(t, 10*time.Minute, cfg.App.HoldTTL.Std())
	assert.Equal(t, 45*time.Second, cfg.App.SweepInterval.Std())
	assert.Equal(t, 48*time.Hour, cfg.App.HoldRetention.Std())

	assert.Error(t, yaml.Unmarshal([]byte("app:\n  hold_ttl: banana\n"), &cfg))
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()
	assert.Equal(t, 15*time.Minute, cfg.App.HoldTTL.Std())
	assert.Equal(t, 30*time.Second, cfg.App.SweepInterval.Std())
	assert.Equal(t, 24*time.Hour, cfg.App.HoldRetention.Std())
	assert.Equal(t, "hold-events-topic", cfg.Infra.Kafka.HoldEventsTopic)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MYSQL_DSN", "user:pw@tcp(db:3306)/turnstile")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("HOLD_TTL", "5m")

	cfg := defaultConfig()
	applyEnvOverrides(&cfg)

	assert.Equal(t, "user:pw@tcp(db:3306)/turnstile", cfg.Infra.Mysql.DSN)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Infra.Kafka.Brokers)
	assert.Equal(t, 5*time.Minute, cfg.App.HoldTTL.Std())
}
