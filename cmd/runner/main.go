// Package main implements the entry point for a task runner pod. Each pod
// is a peer: it applies schema migrations, reclaims tasks abandoned by dead
// processes, then executes tasks submitted by the embedding application
// until it receives a shutdown signal.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/phrazzld/taskrunner/internal/config"
	"github.com/phrazzld/taskrunner/internal/platform/logger"
	"github.com/phrazzld/taskrunner/internal/platform/metrics"
	"github.com/phrazzld/taskrunner/internal/platform/postgres"
	redisplatform "github.com/phrazzld/taskrunner/internal/platform/redis"
	"github.com/phrazzld/taskrunner/internal/task"
	"github.com/phrazzld/taskrunner/migrations"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("runner exited with error: %v", err)
	}
}

// run loads configuration, wires dependencies, performs the startup zombie
// sweep, and blocks until the context is cancelled by a shutdown signal.
func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	appLogger, err := logger.Setup(cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}

	appLogger.Info("task runner starting",
		"runner_id", cfg.Runner.ID,
		"log_level", cfg.Server.LogLevel)

	db, err := sql.Open("pgx", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = redisClient.Close() }()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		// Redis carries the fast cancellation path and the UI fan-out; the
		// runner still converges through the durable store without it.
		appLogger.Warn("redis unavailable at startup, continuing with store-only signaling",
			"addr", cfg.Redis.Addr,
			"error", err)
	}

	taskStore := postgres.NewPostgresTaskStore(db)
	broadcaster := redisplatform.NewBroadcaster(redisClient)
	bus := redisplatform.NewBus(redisClient, appLogger)

	runnerCfg := task.DefaultRunnerConfig()
	runnerCfg.RunnerID = cfg.Runner.ID
	runnerCfg.HeartbeatInterval = cfg.Runner.HeartbeatInterval
	runnerCfg.HeartbeatStaleAfter = cfg.Runner.HeartbeatStaleAfter
	runnerCfg.ProgressWriteInterval = cfg.Runner.ProgressWriteInterval
	runnerCfg.CancelSyncInterval = cfg.Runner.CancelSyncInterval

	runner := task.NewRunner(taskStore, broadcaster, bus, runnerCfg, appLogger)
	runner.RegisterHooks(metrics.NewTaskHooks(prometheus.DefaultRegisterer))
	runner.Start(ctx)

	// Reclaim work orphaned by a previous life of this pod (or any dead
	// peer) before accepting new tasks.
	reaped, err := runner.CleanupZombieTasks(ctx)
	if err != nil {
		return fmt.Errorf("startup zombie sweep failed: %w", err)
	}
	appLogger.Info("startup zombie sweep finished", "reaped", reaped)

	if cfg.Runner.ZombieSweepSchedule != "" {
		if err := runner.ScheduleZombieSweeps(cfg.Runner.ZombieSweepSchedule); err != nil {
			return fmt.Errorf("failed to schedule zombie sweeps: %w", err)
		}
	}

	appLogger.Info("task runner ready")
	<-ctx.Done()

	appLogger.Info("shutdown signal received, draining tasks")
	runner.Stop()
	appLogger.Info("task runner stopped")

	return nil
}
