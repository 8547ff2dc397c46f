package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "claude", cfg.Bridge.Command)
	assert.Equal(t, 10*time.Minute, cfg.Approval.TimeoutDuration())
	assert.Equal(t, 5*time.Second, cfg.Bridge.StopTimeoutDuration())
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
state_dir: /tmp/relay-test
bridge:
  command: fakecli
  stop_timeout: 2s
approval:
  timeout: 100ms
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "fakecli", cfg.Bridge.Command)
	assert.Equal(t, 100*time.Millisecond, cfg.Approval.TimeoutDuration())
	// Untouched sections keep defaults.
	assert.Equal(t, 5000, cfg.Store.BusyTimeoutMS)
	assert.Equal(t, filepath.Join("/tmp/relay-test", "coderelay.db"), cfg.StorePath())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CODERELAY_BRIDGE_COMMAND", "env-cli")
	t.Setenv("CODERELAY_DEBUG", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "env-cli", cfg.Bridge.Command)
	assert.True(t, cfg.Logging.Debug)
}

func TestInvalidDurationRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("approval:\n  timeout: soon\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestPolicyPathResolution(t *testing.T) {
	cfg := Default()
	cfg.StateDir = "/var/lib/relay"

	assert.Equal(t, "/var/lib/relay/approval_policy.yaml", cfg.PolicyPath())

	cfg.Approval.PolicyPath = "/etc/relay/policy.yaml"
	assert.Equal(t, "/etc/relay/policy.yaml", cfg.PolicyPath())

	cfg.Approval.PolicyPath = ""
	assert.Equal(t, "", cfg.PolicyPath())
}
