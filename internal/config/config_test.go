package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Processor.BatchSize)
	assert.Equal(t, 3, cfg.Processor.MaxRetries)
	assert.Equal(t, 5*time.Minute, cfg.Processor.Interval)
	assert.Equal(t, 60*time.Second, cfg.Dedup.Window)
	assert.Equal(t, []int{404, 410}, cfg.Channels.WebPush.PermanentStatusSet)
	assert.Contains(t, cfg.Channels.Firebase.PermanentErrorCodes, "registration-token-not-registered")
	assert.Equal(t, "pending-notifications", cfg.Kafka.Topic)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("PROCESSOR_BATCH_SIZE", "25")
	t.Setenv("PROCESSOR_INTERVAL", "30s")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("VAPID_PUBLIC_KEY", "pub")
	t.Setenv("VAPID_PRIVATE_KEY", "priv")
	t.Setenv("VAPID_SUBJECT", "mailto:ops@example.com")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 25, cfg.Processor.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.Processor.Interval)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Channels.WebPush.Enabled())
	assert.NoError(t, cfg.RequireChannels())
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	cfg.Processor.BatchSize = 0
	assert.Error(t, cfg.Validate())
}

func TestRequireChannels(t *testing.T) {
	cfg := &Config{}
	assert.ErrorIs(t, cfg.RequireChannels(), ErrNoChannels)

	cfg.Channels.Firebase.CredentialsPath = "/etc/firebase.json"
	assert.NoError(t, cfg.RequireChannels())

	cfg = &Config{}
	cfg.Channels.WebPush = WebPushConfig{PublicKey: "pub", PrivateKey: "priv"}
	assert.Error(t, cfg.RequireChannels(), "subject is required with VAPID keys")
}
