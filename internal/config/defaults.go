package config

import (
	"github.com/leapstack-labs/fieldflow/internal/api"
	"github.com/leapstack-labs/fieldflow/internal/engine"
	"github.com/leapstack-labs/fieldflow/internal/outbox"
)

// Config file names, searched in order.
const (
	ConfigFileName    = "fieldflow.yaml"
	ConfigFileNameAlt = "fieldflow.yml"
)

// EnvPrefix prefixes environment overrides. Nested keys are separated by
// a double underscore: FIELDFLOW_QUEUE__LOCK_TIMEOUT=30s.
const EnvPrefix = "FIELDFLOW_"

// Default configuration values.
const (
	DefaultDriver  = "sqlite"
	DefaultDSN     = "fieldflow.db"
	DefaultWorkers = 4
	DefaultOutput  = "auto"
)

// defaults is the lowest configuration layer.
func defaults() map[string]any {
	b := outbox.DefaultBackoff
	s := outbox.DefaultSettings
	return map[string]any{
		"database.driver":         DefaultDriver,
		"database.dsn":            DefaultDSN,
		"database.max_open_conns": 0,

		"planner.sync_max_level":            engine.DefaultSyncMaxLevel,
		"planner.sync_complexity_threshold": engine.DefaultSyncComplexityThreshold,
		"planner.max_steps_per_task":        outbox.DefaultMaxStepsPerTask,
		"planner.max_rebalances":            0,

		"queue.workers":            DefaultWorkers,
		"queue.poll_interval":      s.PollInterval.String(),
		"queue.lock_timeout":       s.LockTimeout.String(),
		"queue.max_attempts":       s.MaxAttempts,
		"queue.poison_threshold":   s.PoisonThreshold,
		"queue.backoff.base":       b.Base.String(),
		"queue.backoff.max":        b.Max.String(),
		"queue.backoff.multiplier": b.Multiplier,
		"queue.backoff.jitter":     b.Jitter,

		"retention.schedule":        outbox.DefaultRetentionSchedule,
		"retention.done_ttl":        "24h",
		"retention.dead_letter_ttl": "0s",

		"http.addr": api.DefaultAddr,

		"log.level":  "info",
		"log.format": "text",

		"telemetry.enabled":      false,
		"telemetry.exporter":     "stdout",
		"telemetry.service_name": "fieldflow",
		"telemetry.sample_rate":  1.0,

		"output": DefaultOutput,
	}
}
