package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// HandlerFunc processes one job. Returning nil completes the job; returning
// an error wrapping ErrFatal fails it immediately; any other error schedules
// a retry until the job's attempt budget is exhausted.
type HandlerFunc func(ctx context.Context, job *Job) error

// WorkerConfig tunes the polling worker.
type WorkerConfig struct {
	PollInterval time.Duration
	Concurrency  int
}

// Worker pulls due jobs from the queue and dispatches them to registered
// handlers, at most Concurrency jobs in flight at a time.
type Worker struct {
	queue    *Queue
	logger   *slog.Logger
	config   WorkerConfig
	handlers map[string]HandlerFunc
}

func NewWorker(queue *Queue, logger *slog.Logger, cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Worker{
		queue:    queue,
		logger:   logger.With("component", "jobqueue_worker"),
		config:   cfg,
		handlers: make(map[string]HandlerFunc),
	}
}

// Register binds a handler to a job type. Must be called before Run.
func (w *Worker) Register(jobType string, handler HandlerFunc) {
	w.handlers[jobType] = handler
}

// Run polls until the context is cancelled. Each poll cycle first reclaims
// jobs stranded by a dead worker, then materialises due repeating
// registrations, then acquires and processes due one-off instances.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Job queue worker starting",
		"poll_interval", w.config.PollInterval, "concurrency", w.config.Concurrency)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	sem := make(chan struct{}, w.config.Concurrency)

	for {
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "Job queue worker stopping", "reason", ctx.Err())
			// Let in-flight jobs settle.
			for i := 0; i < w.config.Concurrency; i++ {
				sem <- struct{}{}
			}
			return ctx.Err()
		case <-ticker.C:
		}

		if err := w.queue.reclaimStale(ctx); err != nil {
			w.logger.ErrorContext(ctx, "Failed to reclaim stale jobs", "error", err)
		}
		if err := w.queue.materializeDueRepeating(ctx); err != nil {
			w.logger.ErrorContext(ctx, "Failed to materialize repeating jobs", "error", err)
			// Transient infra failure; next tick retries.
		}

		free := w.config.Concurrency - len(sem)
		if free <= 0 {
			continue
		}
		jobs, err := w.queue.acquireDue(ctx, free)
		if err != nil {
			w.logger.ErrorContext(ctx, "Failed to acquire due jobs", "error", err)
			continue
		}

		for _, job := range jobs {
			sem <- struct{}{}
			go func(job *Job) {
				defer func() { <-sem }()
				w.process(ctx, job)
			}(job)
		}
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	logger := w.logger.With("job_id", job.ID, "job_type", job.Type, "attempt", job.Attempts)

	handler, ok := w.handlers[job.Type]
	if !ok {
		logger.ErrorContext(ctx, "No handler registered for job type")
		if err := w.queue.markFailed(ctx, job.ID, "no handler registered for job type "+job.Type); err != nil {
			logger.ErrorContext(ctx, "Failed to mark job failed", "error", err)
		}
		return
	}

	err := handler(ctx, job)
	switch {
	case err == nil:
		if err := w.queue.markCompleted(ctx, job.ID); err != nil {
			logger.ErrorContext(ctx, "Failed to mark job completed", "error", err)
		}
	case errors.Is(err, ErrFatal):
		logger.ErrorContext(ctx, "Job failed fatally, no retry", "error", err)
		if mErr := w.queue.markFailed(ctx, job.ID, err.Error()); mErr != nil {
			logger.ErrorContext(ctx, "Failed to mark job failed", "error", mErr)
		}
	case job.Attempts >= job.MaxAttempts:
		logger.WarnContext(ctx, "Job failed after max attempts", "error", err, "max_attempts", job.MaxAttempts)
		cause := fmt.Sprintf("failed after %d attempts: %v", job.Attempts, err)
		if mErr := w.queue.markFailed(ctx, job.ID, cause); mErr != nil {
			logger.ErrorContext(ctx, "Failed to mark job failed", "error", mErr)
		}
	default:
		nextRunAt := w.queue.now().UTC().Add(retryBackoff(job.Attempts))
		logger.InfoContext(ctx, "Scheduling job retry", "error", err, "next_run_at", nextRunAt)
		if mErr := w.queue.markForRetry(ctx, job.ID, nextRunAt, err.Error()); mErr != nil {
			logger.ErrorContext(ctx, "Failed to mark job for retry", "error", mErr)
		}
	}
}

// retryBackoff grows linearly with the attempt count.
func retryBackoff(attempt int) time.Duration {
	return time.Duration(attempt) * 30 * time.Second
}
