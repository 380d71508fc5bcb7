package task

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskrunner/internal/platform/logger"
)

// Handle is the object passed into a task handler for reporting progress,
// emitting events, terminating the task, and polling cancellation.
//
// All methods are fire-and-forget: they return immediately and the
// underlying store/broadcast operations run on a per-task single-writer
// queue, so ordering of writes for the same task is preserved. The runner
// drains the queue after the handler returns, so writes issued just before
// returning are never lost.
type Handle struct {
	taskID uuid.UUID
	runner *Runner
	writer *taskWriter
}

// TaskID returns the id of the task this handle controls.
func (h *Handle) TaskID() uuid.UUID {
	return h.taskID
}

// Emit appends a domain event to the durable event log and broadcasts it to
// real-time subscribers.
func (h *Handle) Emit(eventType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.runner.logger.Warn("failed to marshal event payload",
			"task_id", h.taskID,
			"event_type", eventType,
			"error", err)
		return
	}
	h.writer.submit(func(ctx context.Context) {
		h.runner.recordEvent(ctx, h.taskID, eventType, raw)
	})
}

// EmitTransient broadcasts an event without persisting it. Intended for
// high-frequency updates (e.g. streaming tokens) where write amplification
// in the event log is unacceptable and late subscribers do not need replay.
func (h *Handle) EmitTransient(eventType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.runner.logger.Warn("failed to marshal transient event payload",
			"task_id", h.taskID,
			"event_type", eventType,
			"error", err)
		return
	}
	h.writer.submit(func(ctx context.Context) {
		h.runner.broadcast(ctx, h.taskID, eventType, raw)
	})
}

// SetProgress reports handler progress (0-100). Every call broadcasts
// immediately; durable writes are throttled to one per configured interval,
// except progress >= 100 which always persists.
func (h *Handle) SetProgress(progress int, message string) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	h.writer.submit(func(ctx context.Context) {
		payload, err := json.Marshal(progressPayload{Progress: progress, Message: message})
		if err != nil {
			return
		}

		if h.runner.throttle.shouldPersist(h.taskID, progress, time.Now()) {
			if err := h.runner.store.UpdateProgress(ctx, h.taskID, progress, message); err != nil {
				logger.FromContext(ctx).Warn("failed to persist progress",
					"task_id", h.taskID,
					"progress", progress,
					"error", err)
			}
			if err := h.runner.store.AppendEvent(ctx, h.taskID, EventProgress, payload); err != nil {
				logger.FromContext(ctx).Warn("failed to append progress event",
					"task_id", h.taskID,
					"error", err)
			}
		}

		h.runner.broadcast(ctx, h.taskID, EventProgress, payload)
	})
}

// Complete terminates the task successfully with the given output. The
// output is durably recorded exactly once, on the transition into completed.
func (h *Handle) Complete(output any) {
	raw, err := json.Marshal(output)
	if err != nil {
		h.runner.logger.Error("failed to marshal task output",
			"task_id", h.taskID,
			"error", err)
		h.Fail(err)
		return
	}
	h.writer.submit(func(ctx context.Context) {
		h.runner.completeTask(ctx, h.taskID, raw)
	})
}

// Fail terminates the task with the given error as its recorded reason.
func (h *Handle) Fail(err error) {
	reason := "task failed"
	if err != nil {
		reason = err.Error()
	}
	h.writer.submit(func(ctx context.Context) {
		h.runner.failTask(ctx, h.taskID, reason)
	})
}

// IsCancelled is a non-blocking poll of the local cancellation set.
// Handlers should check it at their natural checkpoints and exit early;
// the runner never forcibly interrupts handler code.
func (h *Handle) IsCancelled() bool {
	return h.runner.cancels.isCancelled(h.taskID)
}

type progressPayload struct {
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
}
