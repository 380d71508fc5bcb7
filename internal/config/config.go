package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"   validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Redis    RedisConfig    `mapstructure:"redis"    validate:"required"`
	Runner   RunnerConfig   `mapstructure:"runner"   validate:"required"`
}

// ServerConfig contains process-level settings shared by every component.
type ServerConfig struct {
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
}

// RedisConfig contains connection settings for the pub/sub bus and the
// real-time event fan-out.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// RunnerConfig contains the task runner's identity and timing policy.
//
// The intervals default to the values the system was tuned with
// (10s heartbeat, 30s staleness = three missed beats, 3s progress
// throttle, 5s cancellation sync) but are deliberately configurable:
// they trade detection latency against store write load and should be
// adjusted to observed store latency, not treated as load-bearing.
type RunnerConfig struct {
	// ID identifies this process in task records. Resolved once at
	// startup: explicit config/env value, then hostname, then a random
	// identifier. Never recomputed per call.
	ID string `mapstructure:"id" validate:"required"`

	// HeartbeatInterval is how often a running task's liveness timestamp
	// is refreshed in the durable store.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"required,gt=0"`

	// HeartbeatStaleAfter is how old a task's last heartbeat may be before
	// the zombie reaper considers its runner dead.
	HeartbeatStaleAfter time.Duration `mapstructure:"heartbeat_stale_after" validate:"required,gt=0"`

	// ProgressWriteInterval is the minimum spacing between durable progress
	// writes for a single task. Progress updates between writes are
	// broadcast only.
	ProgressWriteInterval time.Duration `mapstructure:"progress_write_interval" validate:"required,gt=0"`

	// CancelSyncInterval is how often the cancellation propagator reconciles
	// its in-memory set against the durable store. This is the fallback
	// path; pub/sub delivery is the fast path.
	CancelSyncInterval time.Duration `mapstructure:"cancel_sync_interval" validate:"required,gt=0"`

	// ZombieSweepSchedule is an optional cron expression for periodic zombie
	// sweeps after the mandatory startup sweep. Empty disables the schedule.
	ZombieSweepSchedule string `mapstructure:"zombie_sweep_schedule"`
}
