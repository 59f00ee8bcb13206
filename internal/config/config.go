// Package config loads edusync configuration from YAML with environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all edusync configuration.
type Config struct {
	// Path of the on-device SQLite database
	Database string `yaml:"database"`

	Remote  RemoteConfig  `yaml:"remote"`
	Sync    SyncConfig    `yaml:"sync"`
	Auth    AuthConfig    `yaml:"auth"`
	Logging LoggingConfig `yaml:"logging"`
	Server  ServerConfig  `yaml:"server"`
}

// RemoteConfig points the device at the remote authority.
type RemoteConfig struct {
	Endpoint string `yaml:"endpoint"` // e.g. http://portal.school.local:8420
	Timeout  string `yaml:"timeout"`  // per request
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	Interval      string `yaml:"interval"`       // periodic trigger
	ProbeInterval string `yaml:"probe_interval"` // connectivity watcher
	ProbeTimeout  string `yaml:"probe_timeout"`
	BackoffBase   string `yaml:"backoff_base"`
	BackoffMax    string `yaml:"backoff_max"`
	PullPageSize  int    `yaml:"pull_page_size"`
}

// AuthConfig tunes the session manager.
type AuthConfig struct {
	LogoutTimeout string `yaml:"logout_timeout"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	Debug bool   `yaml:"debug"`
	JSON  bool   `yaml:"json"`
}

// ServerConfig configures `edusync serve`, the reference remote authority.
type ServerConfig struct {
	Listen     string      `yaml:"listen"`
	SessionTTL string      `yaml:"session_ttl"`
	Storage    MinioConfig `yaml:"storage"`
}

// MinioConfig is the S3-compatible bucket backing the server.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Database: filepath.Join(".edusync", "edusync.db"),
		Remote: RemoteConfig{
			Endpoint: "http://localhost:8420",
			Timeout:  "15s",
		},
		Sync: SyncConfig{
			Interval:      "5m",
			ProbeInterval: "30s",
			ProbeTimeout:  "5s",
			BackoffBase:   "1s",
			BackoffMax:    "60s",
			PullPageSize:  200,
		},
		Auth: AuthConfig{
			LogoutTimeout: "3s",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Server: ServerConfig{
			Listen:     ":8420",
			SessionTTL: "24h",
			Storage: MinioConfig{
				Bucket: "edusync",
			},
		},
	}
}

// Load reads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save writes configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("EDUSYNC_DB"); v != "" {
		c.Database = v
	}
	if v := os.Getenv("EDUSYNC_ENDPOINT"); v != "" {
		c.Remote.Endpoint = v
	}
	if v := os.Getenv("EDUSYNC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("EDUSYNC_MINIO_ENDPOINT"); v != "" {
		c.Server.Storage.Endpoint = v
	}
	if v := os.Getenv("EDUSYNC_MINIO_ACCESS_KEY"); v != "" {
		c.Server.Storage.AccessKey = v
	}
	if v := os.Getenv("EDUSYNC_MINIO_SECRET_KEY"); v != "" {
		c.Server.Storage.SecretKey = v
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func (c *Config) GetRemoteTimeout() time.Duration {
	return parseDuration(c.Remote.Timeout, 15*time.Second)
}

func (c *Config) GetSyncInterval() time.Duration {
	return parseDuration(c.Sync.Interval, 5*time.Minute)
}

func (c *Config) GetProbeInterval() time.Duration {
	return parseDuration(c.Sync.ProbeInterval, 30*time.Second)
}

func (c *Config) GetProbeTimeout() time.Duration {
	return parseDuration(c.Sync.ProbeTimeout, 5*time.Second)
}

func (c *Config) GetBackoffBase() time.Duration {
	return parseDuration(c.Sync.BackoffBase, time.Second)
}

func (c *Config) GetBackoffMax() time.Duration {
	return parseDuration(c.Sync.BackoffMax, 60*time.Second)
}

func (c *Config) GetLogoutTimeout() time.Duration {
	return parseDuration(c.Auth.LogoutTimeout, 3*time.Second)
}

func (c *Config) GetSessionTTL() time.Duration {
	return parseDuration(c.Server.SessionTTL, 24*time.Hour)
}

// Validate checks the settings the device side cannot run without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database) == "" {
		return fmt.Errorf("database path not configured")
	}
	if !strings.HasPrefix(c.Remote.Endpoint, "http://") && !strings.HasPrefix(c.Remote.Endpoint, "https://") {
		return fmt.Errorf("invalid remote endpoint %q: must start with http:// or https://", c.Remote.Endpoint)
	}
	if c.Sync.PullPageSize <= 0 {
		return fmt.Errorf("invalid pull_page_size %d: must be positive", c.Sync.PullPageSize)
	}
	if c.GetBackoffBase() > c.GetBackoffMax() {
		return fmt.Errorf("backoff_base %s exceeds backoff_max %s", c.Sync.BackoffBase, c.Sync.BackoffMax)
	}
	return nil
}
