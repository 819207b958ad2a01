package genquota

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted in StoreConfig.Backend.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendEtcd     = "etcd"
	BackendSpanner  = "spanner"
)

// Config is the top-level configuration.
type Config struct {
	Limit        int64         `yaml:"limit"`
	ResetHour    int           `yaml:"reset_hour"`
	Timezone     string        `yaml:"timezone"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Store        StoreConfig   `yaml:"store"`
	Server       ServerConfig  `yaml:"server"`
	Log          LogConfig     `yaml:"log"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Backend  string         `yaml:"backend"`
	Key      string         `yaml:"key"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Etcd     EtcdConfig     `yaml:"etcd"`
	Spanner  SpannerConfig  `yaml:"spanner"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type PostgresConfig struct {
	DSN         string `yaml:"dsn"`
	TablePrefix string `yaml:"table_prefix"`
}

type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	KeyPrefix   string        `yaml:"key_prefix"`
}

type SpannerConfig struct {
	Database string `yaml:"database"`
	Table    string `yaml:"table"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr        string `yaml:"addr"`
	MetricsPath string `yaml:"metrics_path"`

	// MaxBodyBytes caps request bodies. Zero disables the cap.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// LogConfig configures the daemon's slog handler.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// DefaultConfig returns the configuration used when a field is not set.
func DefaultConfig() Config {
	return Config{
		Limit:        100,
		ResetHour:    1,
		Timezone:     "Local",
		PollInterval: 5 * time.Second,
		Store: StoreConfig{
			Backend: BackendMemory,
			Key:     "generation_counter",
			Etcd: EtcdConfig{
				DialTimeout: 5 * time.Second,
			},
		},
		Server: ServerConfig{
			Addr:         ":8080",
			MetricsPath:  "/metrics",
			MaxBodyBytes: 32 << 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads and parses a YAML config file on top of DefaultConfig.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("genquota: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("genquota: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Location resolves Timezone. "" and "Local" mean the process time zone.
func (c Config) Location() (*time.Location, error) {
	switch c.Timezone {
	case "", "Local":
		return time.Local, nil
	case "UTC":
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("genquota: config: timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if c.Limit <= 0 {
		return fmt.Errorf("genquota: config: limit must be > 0, got %d", c.Limit)
	}
	if c.ResetHour < 0 || c.ResetHour > 23 {
		return fmt.Errorf("genquota: config: reset_hour must be in [0, 23], got %d", c.ResetHour)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("genquota: config: poll_interval must not be negative")
	}

	s := c.Store
	if s.Key == "" {
		return fmt.Errorf("genquota: config: store.key is required")
	}
	switch s.Backend {
	case BackendMemory:
	case BackendRedis:
		if s.Redis.Addr == "" {
			return fmt.Errorf("genquota: config: store.redis.addr is required")
		}
	case BackendPostgres:
		if s.Postgres.DSN == "" {
			return fmt.Errorf("genquota: config: store.postgres.dsn is required")
		}
	case BackendEtcd:
		if len(s.Etcd.Endpoints) == 0 {
			return fmt.Errorf("genquota: config: store.etcd.endpoints is required")
		}
	case BackendSpanner:
		if s.Spanner.Database == "" {
			return fmt.Errorf("genquota: config: store.spanner.database is required")
		}
	default:
		return fmt.Errorf("genquota: config: unknown store backend %q", s.Backend)
	}

	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("genquota: config: log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}
