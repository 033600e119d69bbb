// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

// Package config loads the engine configuration from file and environment.
// Settings come from sagaflow.yaml (current directory or /etc/sagaflow) and
// can be overridden with SAGAFLOW_* environment variables, e.g.
// SAGAFLOW_STORAGE_BACKEND=redis.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backend selectors.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// ErrInvalidConfig is returned when the loaded configuration is unusable.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the engine's full configuration tree.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Storage StorageConfig `mapstructure:"storage"`
	Events  EventsConfig  `mapstructure:"events"`
	Saga    SagaConfig    `mapstructure:"saga"`
	Monitor MonitorConfig `mapstructure:"monitor"`
	Server  ServerConfig  `mapstructure:"server"`
}

// LoggingConfig selects the logger profile.
type LoggingConfig struct {
	// Development switches to human-readable console output.
	Development bool `mapstructure:"development"`
}

// StorageConfig selects and configures the state store backend.
type StorageConfig struct {
	// Backend is one of memory, redis, postgres.
	Backend string `mapstructure:"backend"`

	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig holds the Redis backend settings.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	PoolSize    int           `mapstructure:"pool_size"`
}

// PostgresConfig holds the PostgreSQL backend settings.
type PostgresConfig struct {
	DSN          string `mapstructure:"dsn"`
	TableName    string `mapstructure:"table_name"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
}

// EventsConfig configures the event channel.
type EventsConfig struct {
	// Enabled switches NATS publishing on. When false events are dropped.
	Enabled bool `mapstructure:"enabled"`

	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// SagaConfig holds engine-wide execution defaults.
type SagaConfig struct {
	// DefaultTimeout is the saga deadline for definitions without one.
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`

	// CompensationMaxAttempts bounds retries per compensate action.
	CompensationMaxAttempts int `mapstructure:"compensation_max_attempts"`

	// CompensationBackoff is the initial delay between compensation attempts.
	CompensationBackoff time.Duration `mapstructure:"compensation_backoff"`
}

// MonitorConfig holds the timeout monitor settings.
type MonitorConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	BatchLimit int           `mapstructure:"batch_limit"`
}

// ServerConfig holds the operational HTTP server settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.key_prefix", "sagaflow:")
	v.SetDefault("storage.redis.dial_timeout", 5*time.Second)
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.table_name", "saga_states")
	v.SetDefault("storage.postgres.auto_migrate", true)
	v.SetDefault("events.enabled", false)
	v.SetDefault("events.url", "nats://localhost:4222")
	v.SetDefault("events.subject_prefix", "sagaflow.events")
	v.SetDefault("saga.default_timeout", 5*time.Minute)
	v.SetDefault("saga.compensation_max_attempts", 5)
	v.SetDefault("saga.compensation_backoff", 500*time.Millisecond)
	v.SetDefault("monitor.interval", 30*time.Second)
	v.SetDefault("monitor.batch_limit", 100)
	v.SetDefault("server.addr", ":9090")
}

// Load reads configuration from the given file, or from the default search
// paths when path is empty. Missing files are not an error; defaults and
// environment variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("sagaflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/sagaflow")
	}

	v.SetEnvPrefix("SAGAFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("%w: storage.redis.addr is required for the redis backend", ErrInvalidConfig)
		}
	case BackendPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("%w: storage.postgres.dsn is required for the postgres backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage backend %q", ErrInvalidConfig, c.Storage.Backend)
	}

	if c.Events.Enabled && c.Events.URL == "" {
		return fmt.Errorf("%w: events.url is required when events are enabled", ErrInvalidConfig)
	}
	if c.Saga.DefaultTimeout <= 0 {
		return fmt.Errorf("%w: saga.default_timeout must be positive", ErrInvalidConfig)
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("%w: monitor.interval must be positive", ErrInvalidConfig)
	}
	return nil
}
