// Package config loads and validates engine configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Engine        EngineConfig        `yaml:"engine"`
	Generator     GeneratorConfig     `yaml:"generator"`
	Events        EventsConfig        `yaml:"events"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects and configures the persistence adapter.
type StorageConfig struct {
	Driver   string         `yaml:"driver"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// RedisConfig describes the Redis adapter.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// PostgresConfig describes the PostgreSQL adapter.
type PostgresConfig struct {
	DSN     string `yaml:"dsn"`
	DSNEnv  string `yaml:"dsn_env"`
	Migrate bool   `yaml:"migrate"`
}

// EngineConfig describes execution limits.
type EngineConfig struct {
	MaxSteps int `yaml:"max_steps"`
}

// GeneratorConfig configures the snowflake id generator.
type GeneratorConfig struct {
	MachineID uint16 `yaml:"machine_id"`
}

// EventsConfig describes the in-process event bus.
type EventsConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// DefinitionsConfig lists YAML files holding plays and approval templates, and the
// directory seed served by the in-memory directory.
type DefinitionsConfig struct {
	Files     []string `yaml:"files"`
	Directory string   `yaml:"directory"`
}

// ObservabilityConfig describes logging and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			Driver: DriverMemory,
			Redis: RedisConfig{
				Addr:         "localhost:6379",
				PoolSize:     10,
				MinIdleConns: 2,
				IdleTimeout:  5 * time.Minute,
			},
			Postgres: PostgresConfig{
				DSNEnv:  "PLAYENGINE_POSTGRES_DSN",
				Migrate: true,
			},
		},
		Engine: EngineConfig{
			MaxSteps: 1000,
		},
		Generator: GeneratorConfig{
			MachineID: 1,
		},
		Events: EventsConfig{
			BufferSize: 100,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates the result. An empty path loads the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// PostgresDSN returns the configured DSN, falling back to the DSN environment variable.
func (c *Config) PostgresDSN() string {
	if c.Storage.Postgres.DSN != "" {
		return c.Storage.Postgres.DSN
	}
	if c.Storage.Postgres.DSNEnv != "" {
		return os.Getenv(c.Storage.Postgres.DSNEnv)
	}
	return ""
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Addr == "" {
		errs = append(errs, "server.addr is required")
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Storage.Redis.Addr == "" {
			errs = append(errs, "storage.redis.addr is required for the redis driver")
		}
	case DriverPostgres:
		if c.PostgresDSN() == "" {
			errs = append(errs, "storage.postgres.dsn or the variable named by dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.driver %q must be one of memory, redis, postgres", c.Storage.Driver))
	}
	if c.Engine.MaxSteps < 1 {
		errs = append(errs, "engine.max_steps must be positive")
	}
	if c.Generator.MachineID > 1023 {
		errs = append(errs, "generator.machine_id must be between 0 and 1023")
	}
	if c.Events.BufferSize < 1 {
		errs = append(errs, "events.buffer_size must be positive")
	}
	if c.Observability.Metrics.Enabled && !strings.HasPrefix(c.Observability.Metrics.Path, "/") {
		errs = append(errs, "observability.metrics.path must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads PLAYENGINE_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PLAYENGINE_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("PLAYENGINE_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("PLAYENGINE_REDIS_ADDR"); v != "" {
		cfg.Storage.Redis.Addr = v
	}
	if v := os.Getenv("PLAYENGINE_REDIS_PASSWORD"); v != "" {
		cfg.Storage.Redis.Password = v
	}
	if v := os.Getenv("PLAYENGINE_ENGINE_MAX_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MaxSteps = n
		}
	}
	if v := os.Getenv("PLAYENGINE_GENERATOR_MACHINE_ID"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 16); err == nil {
			cfg.Generator.MachineID = uint16(n)
		}
	}
	if v := os.Getenv("PLAYENGINE_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
