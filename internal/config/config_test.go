package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "nova.messaging", cfg.KafkaTopicPrefix)
	assert.Equal(t, 15*time.Minute, cfg.EditWindow)
	assert.Equal(t, 2*time.Hour, cfg.RecallWindow)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatPeriod)
	assert.Equal(t, int64(10000), cfg.FanoutMaxLen)
	assert.Equal(t, "noop", cfg.PushProvider)
	assert.False(t, cfg.DevAuthBypass)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("EDIT_WINDOW", "5m")
	t.Setenv("KAFKA_BROKERS", "a:9092,b:9092, ,")
	t.Setenv("DEV_AUTH_BYPASS", "true")
	t.Setenv("OUTBOX_BATCH_SIZE", "25")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.EditWindow)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.DevAuthBypass)
	assert.Equal(t, 25, cfg.OutboxBatchSize)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Run("bad duration", func(t *testing.T) {
		t.Setenv("RECALL_WINDOW", "two hours")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("negative window", func(t *testing.T) {
		t.Setenv("EDIT_WINDOW", "-1m")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("bad bool", func(t *testing.T) {
		t.Setenv("DEV_AUTH_BYPASS", "yep")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("unknown push provider", func(t *testing.T) {
		t.Setenv("PUSH_PROVIDER", "carrier-pigeon")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("empty brokers", func(t *testing.T) {
		t.Setenv("KAFKA_BROKERS", ",")
		_, err := Load()
		assert.Error(t, err)
	})
}
