// Package config loads labflow daemon settings from a YAML file with
// LABFLOW_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fentz26/labflow/internal/scheduler"
	"github.com/fentz26/labflow/internal/store"
)

// Config holds daemon configuration.
type Config struct {
	// Listen is the API server address.
	Listen string `yaml:"listen"`
	// Backend selects the task store: json, sqlite or memory.
	Backend string `yaml:"backend"`
	// DataDir holds the task collection and the audit log.
	DataDir string `yaml:"data_dir"`
	// UploadDir holds attachment files, one subdirectory per task.
	UploadDir string `yaml:"upload_dir"`
	// UsersFile is the YAML user directory. Empty disables permission checks.
	UsersFile string `yaml:"users_file"`
	// MaxUploadMB caps a single attachment.
	MaxUploadMB int64 `yaml:"max_upload_mb"`
	// RateLimit is the number of API requests allowed per client per minute.
	RateLimit int `yaml:"rate_limit_per_minute"`

	Redis     RedisConfig      `yaml:"redis"`
	Scheduler scheduler.Config `yaml:"scheduler"`
}

// RedisConfig configures task event notifications.
type RedisConfig struct {
	// Addr of the Redis server. Empty disables notifications.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Instance namespaces every key.
	Instance string `yaml:"instance"`
}

// DefaultDir is ~/.labflow, falling back to ./.labflow.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".labflow"
	}
	return filepath.Join(home, ".labflow")
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	dir := DefaultDir()
	return &Config{
		Listen:      "127.0.0.1:7466",
		Backend:     store.BackendJSON,
		DataDir:     filepath.Join(dir, "data"),
		UploadDir:   filepath.Join(dir, "uploads"),
		MaxUploadMB: 50,
		RateLimit:   600,
		Redis:       RedisConfig{Instance: "default"},
		Scheduler:   *scheduler.DefaultConfig(),
	}
}

// Load reads path (if it exists) over the defaults and then applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// DefaultPath is ~/.labflow/labflow.yml.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "labflow.yml")
}

func (c *Config) applyEnv() error {
	c.Listen = getEnv("LABFLOW_LISTEN", c.Listen)
	c.Backend = getEnv("LABFLOW_BACKEND", c.Backend)
	c.DataDir = getEnv("LABFLOW_DATA_DIR", c.DataDir)
	c.UploadDir = getEnv("LABFLOW_UPLOAD_DIR", c.UploadDir)
	c.UsersFile = getEnv("LABFLOW_USERS_FILE", c.UsersFile)
	c.Redis.Addr = getEnv("LABFLOW_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("LABFLOW_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.Instance = getEnv("LABFLOW_INSTANCE", c.Redis.Instance)

	var err error
	if c.MaxUploadMB, err = getEnvAsInt64("LABFLOW_MAX_UPLOAD_MB", c.MaxUploadMB); err != nil {
		return err
	}
	rl, err := getEnvAsInt64("LABFLOW_RATE_LIMIT", int64(c.RateLimit))
	if err != nil {
		return err
	}
	c.RateLimit = int(rl)
	if c.Scheduler.Interval, err = getEnvAsDuration("LABFLOW_SWEEP_INTERVAL", c.Scheduler.Interval); err != nil {
		return err
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen must not be empty (e.g. 127.0.0.1:7466)")
	}
	switch c.Backend {
	case store.BackendJSON, store.BackendSQLite, store.BackendMemory:
	default:
		return fmt.Errorf("invalid backend %q, must be: json, sqlite, or memory", c.Backend)
	}
	if c.Backend != store.BackendMemory && c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.UploadDir == "" {
		return fmt.Errorf("upload_dir must not be empty")
	}
	if c.MaxUploadMB < 1 {
		return fmt.Errorf("max_upload_mb must be at least 1")
	}
	if c.RateLimit < 1 {
		return fmt.Errorf("rate_limit_per_minute must be at least 1")
	}
	return c.Scheduler.Validate()
}

// MaxUploadBytes is MaxUploadMB in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return c.MaxUploadMB << 20
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvAsInt64(key string, defaultVal int64) (int64, error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid integer value for %s", key)
		}
		return i, nil
	}
	return defaultVal, nil
}

func getEnvAsDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid duration value for %s", key)
		}
		return d, nil
	}
	return defaultVal, nil
}
