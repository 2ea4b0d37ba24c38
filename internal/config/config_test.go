package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Reward.ProcessingTimeout.Duration)
	assert.Equal(t, time.Minute, cfg.Reward.AnalyticsCacheTTL.Duration)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, []string{"*"}, cfg.Security.Origins())
}

func TestLoadConfigFileAndEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  port: "9090"
  shutdown_timeout: 5s
database:
  path: /tmp/rewards.db
reward:
  processing_timeout: 3s
  analytics_cache_ttl: 30s
features:
  withdrawals: false
  analytics_cache: true
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("DATABASE_PATH", "/tmp/override.db")
	t.Setenv("FEATURE_WITHDRAWALS", "true")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout.Duration)
	assert.Equal(t, "/tmp/override.db", cfg.Database.Path)
	assert.Equal(t, 3*time.Second, cfg.Reward.ProcessingTimeout.Duration)
	assert.Equal(t, 30*time.Second, cfg.Reward.AnalyticsCacheTTL.Duration)
	assert.True(t, cfg.Features["withdrawals"])
	assert.True(t, cfg.Features["analytics_cache"])
}

func TestLoadConfigRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("reward:\n  processing_timeout: soon\n"), 0o600))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse duration")
}

func TestValidate(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	cfg.Server.EnableTLS = true
	cfg.Tracing.SampleRatio = 2
	cfg.Reward.ProcessingTimeout.Duration = 0

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tls requires")
	assert.Contains(t, err.Error(), "sample_ratio")
	assert.Contains(t, err.Error(), "processing_timeout")
}
