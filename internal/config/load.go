package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Load configuration from environment variables and optionally config files.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	// Defaults. Runner timing values mirror the constants the system was
	// originally tuned with; see RunnerConfig for their meaning.
	// Every key needs a default registered so viper's Unmarshal sees
	// env-only overrides; required-but-empty values fail validation below.
	v.SetDefault("server.log_level", "info")
	v.SetDefault("database.url", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("runner.id", resolveRunnerID())
	v.SetDefault("runner.heartbeat_interval", "10s")
	v.SetDefault("runner.heartbeat_stale_after", "30s")
	v.SetDefault("runner.progress_write_interval", "3s")
	v.SetDefault("runner.cancel_sync_interval", "5s")
	v.SetDefault("runner.zombie_sweep_schedule", "")

	// Optional config file in the working directory.
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file is fine; environment variables still apply.
	}

	// Environment variables with the TASKRUNNER_ prefix override everything,
	// e.g. TASKRUNNER_DATABASE_URL maps to database.url.
	v.SetEnvPrefix("TASKRUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// resolveRunnerID determines this process's identity for task ownership.
// Precedence: hostname (stable across restarts of the same pod), then a
// random identifier so a runner id is never empty. An explicit
// TASKRUNNER_RUNNER_ID or config-file value overrides both via viper.
func resolveRunnerID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "runner-" + uuid.NewString()
}
