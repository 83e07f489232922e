package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hyperengineering/pipesync/internal/validation"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Auth     AuthConfig     `yaml:"auth"`
	Sync     SyncConfig     `yaml:"sync"`
	Worker   WorkerConfig   `yaml:"worker"`
	Log      LogConfig      `yaml:"log"`
	Params   ParamsConfig   `yaml:"params"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// GatewayConfig contains CRM gateway delivery settings.
type GatewayConfig struct {
	URL     string   `yaml:"url"`
	APIKey  string   `yaml:"-"` // env-only, never in YAML
	Domain  string   `yaml:"domain"`
	Timeout Duration `yaml:"timeout"`
}

// PipedriveConfig identifies the target CRM account forwarded with each query.
type PipedriveConfig struct {
	CompanyDomain string `yaml:"company_domain"`
	APIKey        string `yaml:"-"` // env-only, never in YAML
}

// AuthConfig contains authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// SyncConfig contains orchestrator settings.
type SyncConfig struct {
	HeartbeatTTL     Duration `yaml:"heartbeat_ttl"`
	ForceResetAfter  Duration `yaml:"force_reset_after"`
	WatchdogInterval Duration `yaml:"watchdog_interval"`
}

// WorkerConfig contains background worker settings.
type WorkerConfig struct {
	SweepInterval  Duration `yaml:"sweep_interval"`
	SweepBatchSize int      `yaml:"sweep_batch_size"`
	DebounceWindow Duration `yaml:"debounce_window"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("PIPESYNC_CONFIG_PATH", "config/pipesync.yaml")

	// Missing file is not an error; defaults + env are enough
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/pipesync.db",
		},
		Gateway: GatewayConfig{
			Timeout: Duration(15 * time.Second),
		},
		Sync: SyncConfig{
			HeartbeatTTL:     Duration(60 * time.Second),
			ForceResetAfter:  Duration(4 * time.Hour),
			WatchdogInterval: Duration(1 * time.Minute),
		},
		Worker: WorkerConfig{
			SweepInterval:  Duration(5 * time.Minute),
			SweepBatchSize: 25,
			DebounceWindow: Duration(60 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Params: defaultParams(),
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("PIPESYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("PIPESYNC_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = Duration(d)
		}
	}
	if v := os.Getenv("PIPESYNC_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = Duration(d)
		}
	}
	if v := os.Getenv("PIPESYNC_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}

	// Database
	if v := os.Getenv("PIPESYNC_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Gateway
	if v := os.Getenv("PIPESYNC_GATEWAY_URL"); v != "" {
		cfg.Gateway.URL = v
	}
	if v := os.Getenv("PIPESYNC_GATEWAY_API_KEY"); v != "" {
		cfg.Gateway.APIKey = v
	}
	if v := os.Getenv("PIPESYNC_GATEWAY_DOMAIN"); v != "" {
		cfg.Gateway.Domain = v
	}
	if v := os.Getenv("PIPESYNC_GATEWAY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Gateway.Timeout = Duration(d)
		}
	}

	// Pipedrive account
	if v := os.Getenv("PIPESYNC_PIPEDRIVE_API_KEY"); v != "" {
		cfg.Params.Pipedrive.APIKey = v
	}
	if v := os.Getenv("PIPESYNC_PIPEDRIVE_DOMAIN"); v != "" {
		cfg.Params.Pipedrive.CompanyDomain = v
	}

	// Auth
	if v := os.Getenv("PIPESYNC_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Sync
	if v := os.Getenv("PIPESYNC_HEARTBEAT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.HeartbeatTTL = Duration(d)
		}
	}
	if v := os.Getenv("PIPESYNC_FORCE_RESET_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.ForceResetAfter = Duration(d)
		}
	}
	if v := os.Getenv("PIPESYNC_WATCHDOG_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.WatchdogInterval = Duration(d)
		}
	}

	// Worker
	if v := os.Getenv("PIPESYNC_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.SweepInterval = Duration(d)
		}
	}
	if v := os.Getenv("PIPESYNC_SWEEP_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.SweepBatchSize = n
		}
	}
	if v := os.Getenv("PIPESYNC_DEBOUNCE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.DebounceWindow = Duration(d)
		}
	}

	// Log
	if v := os.Getenv("PIPESYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("PIPESYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks that required configuration values are set.
// In dev mode (PIPESYNC_DEV_MODE=true), credential validation is skipped.
func (c *Config) validate() error {
	var v validation.Collector

	if os.Getenv("PIPESYNC_DEV_MODE") != "true" {
		v.Add(validation.ValidateRequired("PIPESYNC_GATEWAY_API_KEY", c.Gateway.APIKey))
		v.Add(validation.ValidateRequired("PIPESYNC_API_KEY", c.Auth.APIKey))
		v.Add(validation.ValidateURL("gateway.url", c.Gateway.URL))
	} else if c.Gateway.URL != "" {
		v.Add(validation.ValidateURL("gateway.url", c.Gateway.URL))
	}
	v.Add(validation.ValidatePositive("worker.sweep_batch_size", int64(c.Worker.SweepBatchSize)))

	if v.HasErrors() {
		return fmt.Errorf("invalid configuration: %s", v.Error())
	}

	if err := c.Params.validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
