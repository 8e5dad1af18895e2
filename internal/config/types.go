// Package config loads fieldflow configuration from defaults, a YAML file,
// FIELDFLOW_ environment variables and command-line flags.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/leapstack-labs/fieldflow/internal/formula"
	"github.com/leapstack-labs/fieldflow/internal/outbox"
	"github.com/leapstack-labs/fieldflow/internal/planner"
	"github.com/leapstack-labs/fieldflow/internal/state"
	"github.com/leapstack-labs/fieldflow/internal/telemetry"
)

// Config holds all fieldflow configuration.
type Config struct {
	Database  DatabaseConfig         `koanf:"database"`
	Planner   PlannerConfig          `koanf:"planner"`
	Queue     QueueConfig            `koanf:"queue"`
	Retention outbox.RetentionConfig `koanf:"retention"`
	Formula   FormulaConfig          `koanf:"formula"`
	HTTP      HTTPConfig             `koanf:"http"`
	Log       LogConfig              `koanf:"log"`
	Telemetry telemetry.Config       `koanf:"telemetry"`
	Output    string                 `koanf:"output"`
}

// DatabaseConfig selects and tunes the state store.
type DatabaseConfig struct {
	Driver       string `koanf:"driver"` // sqlite or postgres
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
}

// StoreConfig converts the section into store options.
func (d DatabaseConfig) StoreConfig(logger *slog.Logger) state.Config {
	return state.Config{
		Driver:       d.Driver,
		DSN:          expandEnvVars(d.DSN),
		MaxOpenConns: d.MaxOpenConns,
		Logger:       logger,
	}
}

// PlannerConfig holds the sync thresholds and task sizing.
type PlannerConfig struct {
	SyncMaxLevel            int   `koanf:"sync_max_level"`
	SyncComplexityThreshold int64 `koanf:"sync_complexity_threshold"`
	MaxStepsPerTask         int   `koanf:"max_steps_per_task"`
	MaxRebalances           int   `koanf:"max_rebalances"`
}

// Thresholds returns the planner thresholds.
func (p PlannerConfig) Thresholds() planner.Thresholds {
	return planner.Thresholds{
		SyncMaxLevel:            p.SyncMaxLevel,
		SyncComplexityThreshold: p.SyncComplexityThreshold,
	}
}

// QueueConfig tunes the outbox workers.
type QueueConfig struct {
	Workers         int            `koanf:"workers"`
	PollInterval    time.Duration  `koanf:"poll_interval"`
	LockTimeout     time.Duration  `koanf:"lock_timeout"`
	MaxAttempts     int            `koanf:"max_attempts"`
	PoisonThreshold int            `koanf:"poison_threshold"`
	Backoff         outbox.Backoff `koanf:"backoff"`
}

// Settings returns the worker settings.
func (q QueueConfig) Settings() outbox.Settings {
	return outbox.Settings{
		PollInterval:    q.PollInterval,
		LockTimeout:     q.LockTimeout,
		MaxAttempts:     q.MaxAttempts,
		PoisonThreshold: q.PoisonThreshold,
		Backoff:         q.Backoff,
	}
}

// FormulaConfig tunes expression evaluation.
type FormulaConfig struct {
	PoolSize int    `koanf:"pool_size"`
	MaxSteps uint64 `koanf:"max_steps"`
}

// EvaluatorConfig converts the section into evaluator options.
func (f FormulaConfig) EvaluatorConfig(logger *slog.Logger) formula.Config {
	return formula.Config{PoolSize: f.PoolSize, MaxSteps: f.MaxSteps, Logger: logger}
}

// HTTPConfig configures the inspection API.
type HTTPConfig struct {
	Addr string `koanf:"addr"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn or error
	Format string `koanf:"format"` // text or json
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", l.Level)
	}
	return level, nil
}

// Validate checks values the loader cannot default.
func (c *Config) Validate() error {
	if _, err := state.ParseDialect(c.Database.Driver); err != nil {
		return err
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue.workers must be at least 1, got %d", c.Queue.Workers)
	}
	if c.Planner.SyncMaxLevel < 0 {
		return fmt.Errorf("planner.sync_max_level must not be negative, got %d", c.Planner.SyncMaxLevel)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q (want text or json)", c.Log.Format)
	}
	return nil
}
