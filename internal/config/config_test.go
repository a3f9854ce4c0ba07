package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "runstream", cfg.Service.Name)
	assert.Equal(t, "info", cfg.Service.LogLevel)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Dispatch.CancelGrace)
	assert.Equal(t, 64, cfg.Gateway.QueueSize)
	assert.Equal(t, 30*time.Second, cfg.Gateway.PingInterval)
	assert.Equal(t, 90*time.Second, cfg.Gateway.PongTimeout)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("RUNSTREAM_SERVER_ADDR", "127.0.0.1:9999")
	t.Setenv("RUNSTREAM_EXECUTOR_COMMAND", "/usr/local/bin/trainer")
	t.Setenv("RUNSTREAM_DISPATCH_CANCEL_GRACE", "3s")
	t.Setenv("RUNSTREAM_GATEWAY_QUEUE_SIZE", "128")
	t.Setenv("RUNSTREAM_SERVICE_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Addr)
	assert.Equal(t, "/usr/local/bin/trainer", cfg.Executor.Command)
	assert.Equal(t, 3*time.Second, cfg.Dispatch.CancelGrace)
	assert.Equal(t, 128, cfg.Gateway.QueueSize)
	assert.Equal(t, "debug", cfg.Service.LogLevel)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	t.Setenv("RUNSTREAM_SERVICE_LOG_LEVEL", "loud")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}
