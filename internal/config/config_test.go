package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DATABASE_URL", "postgres://localhost/jobs")
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Equal(t, 10*time.Minute, cfg.Audio.SegmentLength)
	assert.Equal(t, 20*time.Second, cfg.Audio.SearchRadius)
	assert.Equal(t, 3, cfg.Jobs.MaxAttempts)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention.FailedUploadTTL)
	assert.Equal(t, 5, cfg.Retention.DeletionRetries)
	assert.Equal(t, 10*time.Minute, cfg.Retention.DeletionRetryAfter)
}

func TestLoadOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("JOBS_STALE_AFTER", "90s")
	t.Setenv("AUDIO_SILENCE_THRESHOLD_DB", "-35.5")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("RETENTION_DELETION_RETRIES", "2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 90*time.Second, cfg.Jobs.StaleAfter)
	assert.Equal(t, -35.5, cfg.Audio.SilenceThreshold)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 2, cfg.Retention.DeletionRetries)
}

func TestLoadReportsEveryBadValue(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SERVER_PORT", "eighty")
	t.Setenv("JOBS_STALE_AFTER", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SERVER_PORT")
	assert.Contains(t, err.Error(), "JOBS_STALE_AFTER")
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load()
	require.NoError(t, err)
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
	assert.Contains(t, err.Error(), "JWT_SECRET")

	cfg.Database.URL = "postgres://x"
	cfg.Auth.JWTSecret = "s"
	cfg.Worker.HeartbeatInterval = cfg.Jobs.StaleAfter
	assert.Error(t, cfg.Validate())
}
