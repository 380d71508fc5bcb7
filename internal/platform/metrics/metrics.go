package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/phrazzld/taskrunner/internal/task"
)

// TaskHooks implements task.Hooks, counting lifecycle transitions and
// observing task durations. Register it with Runner.RegisterHooks.
type TaskHooks struct {
	created  *prometheus.CounterVec
	finished *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewTaskHooks creates the hook set, registering its collectors with reg.
func NewTaskHooks(reg prometheus.Registerer) *TaskHooks {
	factory := promauto.With(reg)
	return &TaskHooks{
		created: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskrunner_tasks_created_total",
				Help: "Total number of tasks created",
			},
			[]string{"task_type"},
		),
		finished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskrunner_tasks_finished_total",
				Help: "Total number of tasks reaching a terminal state",
			},
			[]string{"task_type", "status"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskrunner_task_duration_seconds",
				Help:    "Histogram of task execution duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
			},
			[]string{"task_type"},
		),
	}
}

// OnTaskCreated implements task.Hooks.
func (h *TaskHooks) OnTaskCreated(ctx context.Context, t *task.Task) {
	h.created.WithLabelValues(string(t.Type)).Inc()
}

// OnTaskCompleted implements task.Hooks.
func (h *TaskHooks) OnTaskCompleted(ctx context.Context, t *task.Task) {
	h.finished.WithLabelValues(string(t.Type), string(t.Status)).Inc()
	h.observeDuration(t)
}

// OnTaskFailed implements task.Hooks.
func (h *TaskHooks) OnTaskFailed(ctx context.Context, t *task.Task) {
	h.finished.WithLabelValues(string(t.Type), string(t.Status)).Inc()
	h.observeDuration(t)
}

func (h *TaskHooks) observeDuration(t *task.Task) {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return
	}
	d := t.CompletedAt.Sub(*t.StartedAt)
	if d < 0 {
		return
	}
	h.duration.WithLabelValues(string(t.Type)).Observe(d.Seconds())
}
