// Package config loads the process configuration.
//
// Values come from, in increasing precedence: built-in defaults, an optional
// YAML file, and LANDING_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the full process configuration.
type Config struct {
	Database    string            `yaml:"database" env:"LANDING_DATABASE"`
	LogLevel    string            `yaml:"log_level" env:"LANDING_LOG_LEVEL"`
	Concurrency int               `yaml:"concurrency" env:"LANDING_CONCURRENCY"`
	Redis       RedisConfig       `yaml:"redis"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// RedisConfig locates the bus.
type RedisConfig struct {
	Addr          string        `yaml:"addr" env:"LANDING_REDIS_ADDR"`
	Password      string        `yaml:"password" env:"LANDING_REDIS_PASSWORD"`
	DB            int           `yaml:"db" env:"LANDING_REDIS_DB"`
	RebuildKey    string        `yaml:"rebuild_key" env:"LANDING_REDIS_REBUILD_KEY"`
	TrustRootsKey string        `yaml:"trust_roots_key" env:"LANDING_REDIS_TRUST_ROOTS_KEY"`
	PollTimeout   time.Duration `yaml:"poll_timeout" env:"LANDING_REDIS_POLL_TIMEOUT"`
}

// MaintenanceConfig holds the maintenance loop cadences.
type MaintenanceConfig struct {
	Tick             time.Duration `yaml:"tick" env:"LANDING_MAINTENANCE_TICK"`
	WarmUp           time.Duration `yaml:"warm_up" env:"LANDING_MAINTENANCE_WARM_UP"`
	RefreshInterval  time.Duration `yaml:"refresh_interval" env:"LANDING_MAINTENANCE_REFRESH_INTERVAL"`
	ResubmitInterval time.Duration `yaml:"resubmit_interval" env:"LANDING_MAINTENANCE_RESUBMIT_INTERVAL"`
	// ResubmitGrace is how long a transaction stays pending before it is resubmitted.
	ResubmitGrace time.Duration `yaml:"resubmit_grace" env:"LANDING_MAINTENANCE_RESUBMIT_GRACE"`
	// ResubmitMaxAttempts caps resubmissions of one transaction.
	ResubmitMaxAttempts int `yaml:"resubmit_max_attempts" env:"LANDING_MAINTENANCE_RESUBMIT_MAX_ATTEMPTS"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Database:    "landing.db",
		LogLevel:    "info",
		Concurrency: 4,
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			RebuildKey:    "Landing:rebuild",
			TrustRootsKey: "millegrille:trust_roots",
			PollTimeout:   time.Second,
		},
		Maintenance: MaintenanceConfig{
			Tick:             20 * time.Second,
			WarmUp:           5 * time.Second,
			RefreshInterval:  5 * time.Minute,
			ResubmitInterval: 5 * time.Minute,
			ResubmitGrace:    time.Minute,

			ResubmitMaxAttempts: 5,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is not empty) and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeYAML rejects unknown keys so typos do not silently fall back to defaults.
func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks the configuration for values the process cannot run with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Database) == "" {
		errs = append(errs, errors.New("database is required"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("concurrency must be positive, got %d", c.Concurrency))
	}
	if c.Redis.PollTimeout <= 0 {
		errs = append(errs, errors.New("redis.poll_timeout must be positive"))
	}

	m := c.Maintenance
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"maintenance.tick", m.Tick},
		{"maintenance.refresh_interval", m.RefreshInterval},
		{"maintenance.resubmit_interval", m.ResubmitInterval},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.name, d.value))
		}
	}
	if m.WarmUp < 0 {
		errs = append(errs, fmt.Errorf("maintenance.warm_up must not be negative, got %s", m.WarmUp))
	}
	if m.ResubmitGrace < 0 {
		errs = append(errs, fmt.Errorf("maintenance.resubmit_grace must not be negative, got %s", m.ResubmitGrace))
	}
	if m.ResubmitMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("maintenance.resubmit_max_attempts must be positive, got %d", m.ResubmitMaxAttempts))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel returns the configured log level.
// Call after Validate; an unknown level falls back to info.
func (c Config) SlogLevel() slog.Level {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log_level %q", s)
	}
	return level, nil
}
