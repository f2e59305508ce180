package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martin/aria/internal/config"
	"github.com/martin/aria/internal/logger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.AI.APIKey = "test-key"
	cfg.DataDir = t.TempDir()
	cfg.WorkspacePath = t.TempDir()
	cfg.Channels.WebSocket.Enabled = false
	cfg.Scheduler.WatchStore = false
	return cfg
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New(logger.Config{Level: "error", Console: false})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestNew_InvalidConfigRejected(t *testing.T) {
	cfg := testConfig(t)
	cfg.AI.APIKey = ""

	_, err := New(cfg, testLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestNew_WiresCollaborators(t *testing.T) {
	d, err := New(testConfig(t), testLogger(t))
	require.NoError(t, err)

	// Built-in tools are registered
	names := d.Registry().Names()
	assert.Contains(t, names, "current_time")
	assert.Contains(t, names, "delegate_task")

	assert.NotNil(t, d.Scheduler())
	assert.Equal(t, int64(0), int64(d.Uptime()))
}

func TestDaemon_StartStop(t *testing.T) {
	d, err := New(testConfig(t), testLogger(t))
	require.NoError(t, err)

	require.NoError(t, d.Start())
	assert.Error(t, d.Start()) // double start rejected
	assert.Greater(t, int64(d.Uptime()), int64(-1))

	require.NoError(t, d.Stop())
	assert.NoError(t, d.Stop()) // idempotent
}

func TestDaemon_SchedulerDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.Enabled = false

	d, err := New(cfg, testLogger(t))
	require.NoError(t, err)
	assert.Nil(t, d.Scheduler())

	require.NoError(t, d.Start())
	require.NoError(t, d.Stop())
}
