package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "127.0.0.1", cfg.Runtime.HostIP)
	assert.Equal(t, int64(512*1024*1024), cfg.Runtime.MemoryBytes)
	assert.Equal(t, int64(50000), cfg.Runtime.CPUQuota)
	assert.Equal(t, int64(100000), cfg.Runtime.CPUPeriod)
	assert.Equal(t, 30*time.Second, cfg.Lease.ProvisionTimeout)
	assert.Equal(t, time.Second, cfg.Lease.PollInterval)
	assert.Equal(t, 10*time.Minute, cfg.Lease.DefaultDuration)
	assert.True(t, cfg.Lease.StopOnProvisionTimeout)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("DOCKER_HOST_IP", "10.0.0.5")
	t.Setenv("CONTAINER_MEMORY_MB", "256")
	t.Setenv("PROVISION_TIMEOUT", "45s")
	t.Setenv("STOP_ON_PROVISION_TIMEOUT", "off")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DB_RETRY_BASE_DELAY", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5", cfg.Runtime.HostIP)
	assert.Equal(t, int64(256*1024*1024), cfg.Runtime.MemoryBytes)
	assert.Equal(t, 45*time.Second, cfg.Lease.ProvisionTimeout)
	assert.False(t, cfg.Lease.StopOnProvisionTimeout)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, 50*time.Millisecond, cfg.Retry.DatabaseRetryBaseDelay)
}

func TestValidateRejectsUnlimitedContainers(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("CONTAINER_MEMORY_MB", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONTAINER_MEMORY_MB")
}

func TestValidateRequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestAllowedOrigins(t *testing.T) {
	cfg := &Config{FrontendURL: "https://ctf.example.org"}
	assert.Equal(t, []string{"https://ctf.example.org"}, cfg.AllowedOrigins())

	assert.Equal(t, []string{"ctf.example.org"}, cfg.OriginHosts())

	cfg.FrontendURL = "http://localhost:5173"
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins())
	assert.Equal(t, []string{"*"}, cfg.OriginHosts())
}
