package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/robfig/cron/v3"
)

// DB is the subset of pgxpool.Pool the queue needs; pgxmock satisfies it too.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// cronParser accepts standard 5-field cron expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Queue is the PostgreSQL-backed durable job queue.
type Queue struct {
	db                 DB
	logger             *slog.Logger
	defaultMaxAttempts int
	visibilityTimeout  time.Duration
	now                func() time.Time
}

func NewQueue(db DB, logger *slog.Logger) *Queue {
	return &Queue{
		db:                 db,
		logger:             logger.With("component", "jobqueue"),
		defaultMaxAttempts: 3,
		visibilityTimeout:  5 * time.Minute,
		now:                time.Now,
	}
}

// Enqueue inserts a one-off job. When opts.JobID is set and a job with that
// id already exists, the call is a no-op and the existing id is returned.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload []byte, opts Options) (string, error) {
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.defaultMaxAttempts
	}
	runAt := q.now().UTC().Add(opts.Delay)

	query := `
		INSERT INTO queue_jobs (id, job_type, payload, status, priority, run_at, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (id) DO NOTHING
	`
	tag, err := q.db.Exec(ctx, query, id, jobType, payload, StatusPending, opts.Priority, runAt, maxAttempts, q.now().UTC())
	if err != nil {
		q.logger.ErrorContext(ctx, "Failed to enqueue job", "error", err, "job_type", jobType, "job_id", id)
		return "", fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	if tag.RowsAffected() == 0 {
		q.logger.InfoContext(ctx, "Job already enqueued, deduplicated", "job_id", id)
	}
	return id, nil
}

// CancelPending cancels a pending one-off job. Instances materialised from a
// repeating registration are refused; remove the registration instead.
func (q *Queue) CancelPending(ctx context.Context, jobID string) error {
	var repeatKey *string
	err := q.db.QueryRow(ctx, `SELECT repeat_key FROM queue_jobs WHERE id = $1`, jobID).Scan(&repeatKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lookup job %s: %w", jobID, err)
	}
	if repeatKey != nil {
		return ErrRepeatingInstance
	}

	tag, err := q.db.Exec(ctx,
		`UPDATE queue_jobs SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		StatusCancelled, q.now().UTC(), jobID, StatusPending)
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AddRepeating registers (or replaces) a repeating job under key. Replacement
// is always remove-then-add so no stale schedule state survives.
func (q *Queue) AddRepeating(ctx context.Context, key, jobType string, payload []byte, cronExpr, timezone string) error {
	next, err := nextRun(cronExpr, timezone, q.now().UTC())
	if err != nil {
		return err
	}
	if err := q.RemoveRepeating(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	query := `
		INSERT INTO repeating_jobs (key, job_type, payload, cron_expr, timezone, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`
	if _, err := q.db.Exec(ctx, query, key, jobType, payload, cronExpr, timezone, next, q.now().UTC()); err != nil {
		q.logger.ErrorContext(ctx, "Failed to add repeating job", "error", err, "key", key)
		return fmt.Errorf("add repeating %s: %w", key, err)
	}
	q.logger.InfoContext(ctx, "Repeating job registered", "key", key, "cron", cronExpr, "timezone", timezone, "next_run_at", next)
	return nil
}

// RemoveRepeating deletes a repeating registration. Already-materialised
// instances are left untouched.
func (q *Queue) RemoveRepeating(ctx context.Context, key string) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM repeating_jobs WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("remove repeating %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	q.logger.InfoContext(ctx, "Repeating job removed", "key", key)
	return nil
}

// ListRepeating returns all repeating registrations.
func (q *Queue) ListRepeating(ctx context.Context) ([]*RepeatingJob, error) {
	rows, err := q.db.Query(ctx, `
		SELECT key, job_type, payload, cron_expr, timezone, next_run_at, created_at, updated_at
		FROM repeating_jobs ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list repeating jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*RepeatingJob
	for rows.Next() {
		j := &RepeatingJob{}
		if err := rows.Scan(&j.Key, &j.JobType, &j.Payload, &j.CronExpr, &j.Timezone, &j.NextRunAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan repeating job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// materializeDueRepeating turns due repeating registrations into one-off
// instances. The instance id embeds the registration key and the scheduled
// fire time, so two pollers racing on the same tick insert once.
func (q *Queue) materializeDueRepeating(ctx context.Context) error {
	rows, err := q.db.Query(ctx, `
		SELECT key, job_type, payload, cron_expr, timezone, next_run_at
		FROM repeating_jobs WHERE next_run_at <= $1`, q.now().UTC())
	if err != nil {
		return fmt.Errorf("select due repeating jobs: %w", err)
	}
	due := make([]*RepeatingJob, 0)
	for rows.Next() {
		j := &RepeatingJob{}
		if err := rows.Scan(&j.Key, &j.JobType, &j.Payload, &j.CronExpr, &j.Timezone, &j.NextRunAt); err != nil {
			rows.Close()
			return fmt.Errorf("scan due repeating job: %w", err)
		}
		due = append(due, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, j := range due {
		instanceID := fmt.Sprintf("%s:%d", j.Key, j.NextRunAt.Unix())
		insert := `
			INSERT INTO queue_jobs (id, job_type, payload, status, priority, run_at, repeat_key, max_attempts, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $8, $8)
			ON CONFLICT (id) DO NOTHING
		`
		if _, err := q.db.Exec(ctx, insert, instanceID, j.JobType, j.Payload, StatusPending, j.NextRunAt, j.Key, q.defaultMaxAttempts, q.now().UTC()); err != nil {
			q.logger.ErrorContext(ctx, "Failed to materialize repeating instance", "error", err, "key", j.Key)
			continue
		}

		next, err := nextRun(j.CronExpr, j.Timezone, q.now().UTC())
		if err != nil {
			q.logger.ErrorContext(ctx, "Invalid cron expression on registration", "error", err, "key", j.Key)
			continue
		}
		if _, err := q.db.Exec(ctx,
			`UPDATE repeating_jobs SET next_run_at = $1, updated_at = $2 WHERE key = $3 AND next_run_at = $4`,
			next, q.now().UTC(), j.Key, j.NextRunAt); err != nil {
			q.logger.ErrorContext(ctx, "Failed to advance repeating schedule", "error", err, "key", j.Key)
		}
	}
	return nil
}

// reclaimStale returns processing jobs whose claim is older than the
// visibility timeout to the retry set. A worker that dies between acquiring
// and settling a job loses its claim; acquisition already counted the
// attempt, so jobs out of attempts fail instead of cycling forever.
func (q *Queue) reclaimStale(ctx context.Context) error {
	now := q.now().UTC()
	cutoff := now.Add(-q.visibilityTimeout)

	if _, err := q.db.Exec(ctx, `
		UPDATE queue_jobs SET status = $1, last_error = $2, updated_at = $3
		WHERE status = $4 AND updated_at <= $5 AND attempts >= max_attempts`,
		StatusFailed, "worker lost before completion", now, StatusProcessing, cutoff); err != nil {
		return fmt.Errorf("fail exhausted stale jobs: %w", err)
	}

	tag, err := q.db.Exec(ctx, `
		UPDATE queue_jobs SET status = $1, run_at = $2, updated_at = $2
		WHERE status = $3 AND updated_at <= $4`,
		StatusRetry, now, StatusProcessing, cutoff)
	if err != nil {
		return fmt.Errorf("reclaim stale jobs: %w", err)
	}
	if tag.RowsAffected() > 0 {
		q.logger.WarnContext(ctx, "Reclaimed stale processing jobs", "count", tag.RowsAffected())
	}
	return nil
}

// acquireDue claims up to limit due jobs for processing.
func (q *Queue) acquireDue(ctx context.Context, limit int) ([]*Job, error) {
	query := `
		WITH due AS (
			SELECT id FROM queue_jobs
			WHERE (status = $1 OR status = $2) AND run_at <= $3
			ORDER BY priority DESC, run_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		UPDATE queue_jobs qj
		SET status = $5, attempts = qj.attempts + 1, updated_at = $6
		FROM due WHERE qj.id = due.id
		RETURNING qj.id, qj.job_type, qj.payload, qj.status, qj.priority, qj.run_at, qj.repeat_key,
		          qj.attempts, qj.max_attempts, qj.last_error, qj.created_at, qj.updated_at
	`
	now := q.now().UTC()
	rows, err := q.db.Query(ctx, query, StatusPending, StatusRetry, now, limit, StatusProcessing, now)
	if err != nil {
		return nil, fmt.Errorf("acquire due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j := &Job{}
		if err := rows.Scan(&j.ID, &j.Type, &j.Payload, &j.Status, &j.Priority, &j.RunAt, &j.RepeatKey,
			&j.Attempts, &j.MaxAttempts, &j.LastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan acquired job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (q *Queue) markCompleted(ctx context.Context, jobID string) error {
	_, err := q.db.Exec(ctx,
		`UPDATE queue_jobs SET status = $1, last_error = NULL, updated_at = $2 WHERE id = $3`,
		StatusCompleted, q.now().UTC(), jobID)
	return err
}

func (q *Queue) markFailed(ctx context.Context, jobID string, cause string) error {
	_, err := q.db.Exec(ctx,
		`UPDATE queue_jobs SET status = $1, last_error = $2, updated_at = $3 WHERE id = $4`,
		StatusFailed, cause, q.now().UTC(), jobID)
	return err
}

func (q *Queue) markForRetry(ctx context.Context, jobID string, nextRunAt time.Time, cause string) error {
	_, err := q.db.Exec(ctx,
		`UPDATE queue_jobs SET status = $1, run_at = $2, last_error = $3, updated_at = $4 WHERE id = $5`,
		StatusRetry, nextRunAt, cause, q.now().UTC(), jobID)
	return err
}

// nextRun computes the next fire time of a cron expression in its timezone.
func nextRun(cronExpr, timezone string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	return sched.Next(after.In(loc)).UTC(), nil
}

// ValidateSchedule reports whether a cron expression and timezone are usable.
func ValidateSchedule(cronExpr, timezone string) error {
	_, err := nextRun(cronExpr, timezone, time.Now())
	return err
}
