package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/blastline/campaign-engine/internal/platform/jobqueue"
	"github.com/blastline/campaign-engine/internal/scheduler_service/domain"
	"github.com/blastline/campaign-engine/internal/scheduler_service/repository"
)

// RepeatingQueue is the durable-queue surface the scheduler drives.
type RepeatingQueue interface {
	ListRepeating(ctx context.Context) ([]*jobqueue.RepeatingJob, error)
	AddRepeating(ctx context.Context, key, jobType string, payload []byte, cronExpr, timezone string) error
	RemoveRepeating(ctx context.Context, key string) error
	Enqueue(ctx context.Context, jobType string, payload []byte, opts jobqueue.Options) (string, error)
}

// Reconciler keeps the durable queue's repeating-job registrations in lock
// step with the scheduled-task table. It runs on startup and synchronously
// after every task mutation.
type Reconciler struct {
	tasks  repository.ScheduledTaskRepository
	queue  RepeatingQueue
	logger *slog.Logger
}

func NewReconciler(tasks repository.ScheduledTaskRepository, queue RepeatingQueue, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		tasks:  tasks,
		queue:  queue,
		logger: logger.With("service", "scheduler_reconciler"),
	}
}

// Reconcile removes registrations whose task no longer exists or is
// disabled, then registers-or-replaces every enabled task. Replacement is
// always remove-then-add inside AddRepeating, never patch-in-place. Pending
// one-off instances are left alone; only schedule registrations are touched.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	tasks, err := r.tasks.ListAll(ctx)
	if err != nil {
		reconcileRunsCounter.WithLabelValues("error").Inc()
		return fmt.Errorf("list scheduled tasks: %w", err)
	}
	registered, err := r.queue.ListRepeating(ctx)
	if err != nil {
		reconcileRunsCounter.WithLabelValues("error").Inc()
		return fmt.Errorf("list repeating jobs: %w", err)
	}

	byID := make(map[uuid.UUID]*domain.ScheduledTask, len(tasks))
	for _, task := range tasks {
		byID[task.ID] = task
	}

	var removed int
	for _, job := range registered {
		taskID, ours := domain.TaskIDFromRepeatKey(job.Key)
		if !ours {
			// Registrations owned by other components are out of scope.
			continue
		}
		task, exists := byID[taskID]
		if exists && task.Enabled {
			continue
		}
		if err := r.queue.RemoveRepeating(ctx, job.Key); err != nil && !errors.Is(err, jobqueue.ErrNotFound) {
			reconcileRunsCounter.WithLabelValues("error").Inc()
			return fmt.Errorf("remove stale registration %s: %w", job.Key, err)
		}
		removed++
	}

	var active int
	for _, task := range tasks {
		if !task.Enabled {
			continue
		}
		if err := r.queue.AddRepeating(ctx, task.RepeatKey(), task.JobType, task.Payload, task.CronExpr, task.Timezone); err != nil {
			reconcileRunsCounter.WithLabelValues("error").Inc()
			return fmt.Errorf("register task %s: %w", task.ID, err)
		}
		active++
	}

	registrationsGauge.Set(float64(active))
	reconcileRunsCounter.WithLabelValues("ok").Inc()
	r.logger.InfoContext(ctx, "Scheduler reconciled", "active", active, "removed", removed)
	return nil
}

// RunNow enqueues a one-off run of the task with a unique job id, so rapid
// repeated requests never deduplicate against each other or against the
// recurring instances. The persisted recurrence is not altered.
func (r *Reconciler) RunNow(ctx context.Context, taskID uuid.UUID) (string, error) {
	task, err := r.tasks.GetByID(ctx, taskID)
	if err != nil {
		return "", err
	}
	jobID := fmt.Sprintf("%s:manual:%s", task.RepeatKey(), uuid.NewString())
	id, err := r.queue.Enqueue(ctx, task.JobType, task.Payload, jobqueue.Options{JobID: jobID})
	if err != nil {
		return "", fmt.Errorf("enqueue manual run of task %s: %w", taskID, err)
	}
	manualRunsCounter.Inc()
	r.logger.InfoContext(ctx, "Manual task run enqueued", "task_id", taskID, "job_id", id)
	return id, nil
}
