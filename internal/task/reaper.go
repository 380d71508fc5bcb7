package task

import (
	"context"
	"fmt"
	"time"

	"github.com/phrazzld/taskrunner/internal/platform/logger"
	"github.com/robfig/cron/v3"
)

// CleanupZombieTasks reclaims tasks left pending or running by a process
// that died without cleaning up. Intended to run once at process startup
// before new tasks are accepted; ScheduleZombieSweeps adds periodic passes.
//
// A task is reaped when it has no runner recorded, or when its heartbeat
// (falling back to creation time for tasks that never started) is older
// than the staleness threshold. Runner identity alone never reaps: a
// reused identifier could belong to a still-live replica of the same
// logical role, so liveness is always judged by the heartbeat. Identity
// only sharpens the failure reason. Terminal tasks are never touched.
//
// Returns the number of tasks force-failed.
func (r *Runner) CleanupZombieTasks(ctx context.Context) (int, error) {
	log := r.logger.With("component", "reaper")
	ctx = logger.WithLogger(ctx, log)

	stuck, err := r.store.GetTasksByStatus(ctx, TaskStatusPending, TaskStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to list non-terminal tasks: %w", err)
	}

	now := time.Now().UTC()
	count := 0
	for _, t := range stuck {
		reason := r.zombieReason(t, now)
		if reason == "" {
			// Legitimately running on another live process.
			continue
		}

		log.Warn("reaping zombie task",
			"task_id", t.ID,
			"task_status", t.Status,
			"task_runner_id", t.RunnerID,
			"reason", reason)
		r.failTask(ctx, t.ID, reason)
		count++
	}

	if count > 0 {
		log.Info("zombie sweep complete", "reaped", count, "inspected", len(stuck))
	}
	return count, nil
}

// zombieReason classifies one non-terminal task. An empty return means the
// task should be left alone.
func (r *Runner) zombieReason(t *Task, now time.Time) string {
	if t.RunnerID == "" {
		return "task abandoned: no runner recorded"
	}

	lastSeen := t.CreatedAt
	if t.LastHeartbeat != nil {
		lastSeen = *t.LastHeartbeat
	}
	age := now.Sub(lastSeen)
	if age < r.cfg.HeartbeatStaleAfter {
		return ""
	}

	if t.RunnerID == r.cfg.RunnerID {
		return fmt.Sprintf("task abandoned: runner %q restarted without finishing it (last heartbeat %s ago)",
			t.RunnerID, age.Round(time.Second))
	}
	return fmt.Sprintf("task abandoned: heartbeat from runner %q stale for %s",
		t.RunnerID, age.Round(time.Second))
}

// ScheduleZombieSweeps runs CleanupZombieTasks on the given cron schedule
// (e.g. "@every 5m") until Stop is called.
func (r *Runner) ScheduleZombieSweeps(spec string) error {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if _, err := r.CleanupZombieTasks(context.Background()); err != nil {
			r.logger.Error("periodic zombie sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid zombie sweep schedule %q: %w", spec, err)
	}

	r.sweepCron = c
	c.Start()
	r.logger.Info("scheduled periodic zombie sweeps", "schedule", spec)
	return nil
}

func (r *Runner) stopSweeps() {
	if r.sweepCron != nil {
		r.sweepCron.Stop()
	}
}
