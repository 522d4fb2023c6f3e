package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	require.Equal(t, "local", cfg.UserID)
	require.Equal(t, 3, cfg.Sensor.ReadRetries)
	require.Equal(t, 500*time.Millisecond, cfg.SensorRetryDelay())
	require.Equal(t, 30*time.Second, cfg.SyncInterval())
	require.Equal(t, 2*time.Minute, cfg.DegradedGrace())
	require.True(t, cfg.API.Enabled)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	require.Equal(t, Default().UserID, cfg.UserID)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
version = 1
user_id = "alice"

[sync]
interval_sec = 60

[profile]
height_cm = 172.0
weight_kg = 64.0

[cloud]
base_url = "https://ledger.example.com"
token = "sekrit"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "alice", cfg.UserID)
	require.Equal(t, time.Minute, cfg.SyncInterval())
	require.Equal(t, "https://ledger.example.com", cfg.Cloud.BaseURL)

	// Unset sections keep their defaults.
	require.Equal(t, 3, cfg.Sensor.ReadRetries)

	profile := cfg.BiometricProfile()
	require.InDelta(t, 172.0, profile.HeightCm, 1e-9)
	require.InDelta(t, 64.0, profile.WeightKg, 1e-9)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
version = 1
user_id = ""

[sync]
interval_sec = -5
`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "user_id")
	require.Contains(t, err.Error(), "interval_sec")
}

func TestLoadRejectsBadToml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("not [valid toml"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateChecksLogging(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "chatty"
	require.Error(t, cfg.Validate())
}

func TestDefaultPathEnvOverride(t *testing.T) {
	t.Setenv("STEPSYNCD_CONFIG", "/tmp/alt/config.toml")
	require.Equal(t, "/tmp/alt/config.toml", DefaultPath())
}

func TestLoggingSetup(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "json"
	cfg.Logging.Output = "stderr"

	lc, err := cfg.LoggingSetup()
	require.NoError(t, err)
	require.Equal(t, "stderr", lc.Output)
}
