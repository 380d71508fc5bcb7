// Package config handles loading, validation, and access to application
// configuration from environment variables and optional config files.
// All tunable runner policy (heartbeat cadence, staleness thresholds,
// progress throttling) lives here rather than as constants in the task
// package, since these values are policy, not invariants.
package config
