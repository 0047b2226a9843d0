package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quel-tryon-client/modules/common/model"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("SUPABASE_URL", "https://project.supabase.co")
	t.Setenv("SUPABASE_SERVICE_KEY", "service-key")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.AppEnv)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "localhost:6379", cfg.GetRedisAddr())
	assert.Equal(t, "jobs:queue", cfg.JobQueue)
	assert.Equal(t, "generated-images", cfg.SupabaseStorageBucket)
	assert.Equal(t, 3.0, cfg.PollBackoffFactor)
	assert.Equal(t, time.Hour, cfg.ActiveJobTTL)
	assert.Equal(t, 2*time.Second, cfg.PollInterval(model.KindTextToFashion))
	assert.Equal(t, 5*time.Second, cfg.PollInterval(model.KindAvatarCreation))
	assert.Same(t, cfg, GetConfig())
}

func TestLoadConfig_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("POLL_INTERVAL_CLASSIC_MS", "1500")
	t.Setenv("POLL_BACKOFF_FACTOR", "2.5")
	t.Setenv("ACTIVE_JOB_TTL", "30m")
	t.Setenv("REDIS_USE_TLS", "true")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 1500*time.Millisecond, cfg.PollInterval(model.KindClassic))
	assert.Equal(t, 2.5, cfg.PollBackoffFactor)
	assert.Equal(t, 30*time.Minute, cfg.ActiveJobTTL)
	assert.True(t, cfg.RedisUseTLS)
}

func TestLoadConfig_MissingSupabase(t *testing.T) {
	t.Setenv("SUPABASE_URL", "")
	t.Setenv("SUPABASE_SERVICE_KEY", "")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SupabaseURL")
}

func TestLoadConfig_BackoffOutOfRange(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("POLL_BACKOFF_FACTOR", "10")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PollBackoffFactor")
}

func TestPollInterval_Fallback(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, 3*time.Second, cfg.PollInterval(model.KindClassic))
}
