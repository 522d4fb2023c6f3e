// Package config handles configuration loading and validation for
// stepsyncd.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"stepsyncd/internal/biometrics"
	"stepsyncd/internal/logging"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version"`

	// UserID identifies the logged-in user the engine reconciles for.
	UserID string `toml:"user_id"`

	// Storage configuration for local persistence.
	Storage StorageConfig `toml:"storage"`

	// Sensor configuration for the device step counter.
	Sensor SensorConfig `toml:"sensor"`

	// Sync configuration for the periodic reconciliation loop.
	Sync SyncConfig `toml:"sync"`

	// HealthLedger configuration for the shared platform ledger.
	HealthLedger HealthLedgerConfig `toml:"health_ledger"`

	// Cloud configuration for the durable multi-device record.
	Cloud CloudConfig `toml:"cloud"`

	// Profile holds the user's biometrics for derived figures.
	Profile ProfileConfig `toml:"profile"`

	// API configuration for the local HTTP surface.
	API APIConfig `toml:"api"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging"`
}

// StorageConfig configures the SQLite state store.
type StorageConfig struct {
	// Path to the local database file.
	Path string `toml:"path"`
}

// SensorConfig configures the device step counter source.
type SensorConfig struct {
	// Simulated replaces the platform sensor with an in-process one.
	Simulated bool `toml:"simulated"`

	// ReadTimeoutSec bounds a direct cumulative read.
	ReadTimeoutSec int `toml:"read_timeout_sec"`

	// ReadRetries is the number of attempts for a direct read.
	ReadRetries int `toml:"read_retries"`

	// ReadRetryDelayMs is the fixed delay between attempts.
	ReadRetryDelayMs int `toml:"read_retry_delay_ms"`

	// DegradedGraceSec is how long the sensor may stay unavailable
	// before tracking is reported as degraded.
	DegradedGraceSec int `toml:"degraded_grace_sec"`
}

// SyncConfig configures the periodic synchronization cycle.
type SyncConfig struct {
	// IntervalSec between periodic syncNow cycles.
	IntervalSec int `toml:"interval_sec"`

	// IOTimeoutSec bounds each health-platform or cloud call.
	IOTimeoutSec int `toml:"io_timeout_sec"`

	// ShutdownTimeoutSec bounds the best-effort final sync on exit.
	ShutdownTimeoutSec int `toml:"shutdown_timeout_sec"`
}

// HealthLedgerConfig configures the shared health-platform ledger.
type HealthLedgerConfig struct {
	// Dir containing the shared ledger file. A missing directory means
	// the platform has no health subsystem.
	Dir string `toml:"dir"`

	// Watch enables change notifications from other writers.
	Watch bool `toml:"watch"`
}

// CloudConfig configures the cloud ledger client.
type CloudConfig struct {
	// BaseURL of the step ledger API. Empty disables cloud sync
	// (simulated/test runs use the in-memory ledger).
	BaseURL string `toml:"base_url"`

	// Token is the bearer token for the API.
	Token string `toml:"token"`

	// TimeoutSec bounds each request.
	TimeoutSec int `toml:"timeout_sec"`
}

// ProfileConfig is the user's biometric profile. Zero values mean
// "unknown" and fall back to population defaults (quality Basic).
type ProfileConfig struct {
	HeightCm float64 `toml:"height_cm"`
	WeightKg float64 `toml:"weight_kg"`
	Age      int     `toml:"age"`
	Gender   string  `toml:"gender"`
	Metric   bool    `toml:"metric"`
}

// APIConfig configures the daemon's local HTTP surface.
type APIConfig struct {
	// Enabled turns the API on.
	Enabled bool `toml:"enabled"`

	// Listen address, loopback by default.
	Listen string `toml:"listen"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	Output     string `toml:"output"`
	FilePath   string `toml:"file_path"`
	MaxSizeMB  int64  `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

// Default returns the default configuration.
func Default() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Version: Version,
		UserID:  "local",
		Storage: StorageConfig{
			Path: filepath.Join(dataDir, "stepsyncd.db"),
		},
		Sensor: SensorConfig{
			ReadTimeoutSec:   5,
			ReadRetries:      3,
			ReadRetryDelayMs: 500,
			DegradedGraceSec: 120,
		},
		Sync: SyncConfig{
			IntervalSec:        30,
			IOTimeoutSec:       10,
			ShutdownTimeoutSec: 5,
		},
		HealthLedger: HealthLedgerConfig{
			Dir:   filepath.Join(dataDir, "health"),
			Watch: true,
		},
		Cloud: CloudConfig{
			TimeoutSec: 10,
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8377",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

func defaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		homeDir, _ := os.UserHomeDir()
		dataHome = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataHome, "stepsyncd")
}

// DefaultPath returns the default config file location, honoring the
// STEPSYNCD_CONFIG environment variable.
func DefaultPath() string {
	if p := os.Getenv("STEPSYNCD_CONFIG"); p != "" {
		return p
	}
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		homeDir, _ := os.UserHomeDir()
		configHome = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configHome, "stepsyncd", "config.toml")
}

// Load reads the config at path, layered over defaults. A missing file
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("stat config: %w", err)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	var errs []error

	if c.Version <= 0 || c.Version > Version {
		errs = append(errs, fmt.Errorf("unsupported config version %d", c.Version))
	}
	if c.UserID == "" {
		errs = append(errs, errors.New("user_id must not be empty"))
	}
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path must not be empty"))
	}
	if c.Sync.IntervalSec <= 0 {
		errs = append(errs, errors.New("sync.interval_sec must be positive"))
	}
	if c.Sync.IOTimeoutSec <= 0 {
		errs = append(errs, errors.New("sync.io_timeout_sec must be positive"))
	}
	if c.Sensor.ReadRetries <= 0 {
		errs = append(errs, errors.New("sensor.read_retries must be positive"))
	}
	if c.Sensor.ReadRetryDelayMs < 0 {
		errs = append(errs, errors.New("sensor.read_retry_delay_ms must not be negative"))
	}
	if c.API.Enabled && c.API.Listen == "" {
		errs = append(errs, errors.New("api.listen must be set when the api is enabled"))
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseFormat(c.Logging.Format); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// LoggingConfig converts the toml section to the logging package form.
func (c *Config) LoggingSetup() (*logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Logging.Format)
	if err != nil {
		return nil, err
	}

	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = format
	if c.Logging.Output != "" {
		lc.Output = c.Logging.Output
	}
	if c.Logging.FilePath != "" {
		lc.FilePath = c.Logging.FilePath
	}
	if c.Logging.MaxSizeMB > 0 {
		lc.MaxSizeMB = c.Logging.MaxSizeMB
	}
	if c.Logging.MaxBackups > 0 {
		lc.MaxBackups = c.Logging.MaxBackups
	}
	return lc, nil
}

// BiometricProfile converts the profile section to the formula input.
func (c *Config) BiometricProfile() biometrics.Profile {
	return biometrics.Profile{
		HeightCm: c.Profile.HeightCm,
		WeightKg: c.Profile.WeightKg,
		Age:      c.Profile.Age,
		Gender:   biometrics.Gender(c.Profile.Gender),
		Metric:   c.Profile.Metric,
	}
}

// SyncInterval returns the periodic sync interval as a duration.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.IntervalSec) * time.Second
}

// IOTimeout returns the per-call I/O timeout as a duration.
func (c *Config) IOTimeout() time.Duration {
	return time.Duration(c.Sync.IOTimeoutSec) * time.Second
}

// ShutdownTimeout returns the final-flush timeout as a duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Sync.ShutdownTimeoutSec) * time.Second
}

// SensorReadTimeout returns the direct-read timeout as a duration.
func (c *Config) SensorReadTimeout() time.Duration {
	return time.Duration(c.Sensor.ReadTimeoutSec) * time.Second
}

// SensorRetryDelay returns the fixed delay between read attempts.
func (c *Config) SensorRetryDelay() time.Duration {
	return time.Duration(c.Sensor.ReadRetryDelayMs) * time.Millisecond
}

// DegradedGrace returns the sensor-unavailable grace period.
func (c *Config) DegradedGrace() time.Duration {
	return time.Duration(c.Sensor.DegradedGraceSec) * time.Second
}
