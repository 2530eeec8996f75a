package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/blastline/campaign-engine/internal/scheduler_service/domain"
	"github.com/blastline/campaign-engine/internal/scheduler_service/repository"
)

type PgScheduledTaskRepository struct {
	db     DB
	logger *slog.Logger
}

func NewPgScheduledTaskRepository(db DB, logger *slog.Logger) repository.ScheduledTaskRepository {
	return &PgScheduledTaskRepository{db: db, logger: logger.With("component", "scheduled_task_repository_pg")}
}

func (r *PgScheduledTaskRepository) Create(ctx context.Context, task *domain.ScheduledTask) error {
	query := `
		INSERT INTO scheduled_tasks (id, name, job_type, payload, cron_expr, timezone, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`
	_, err := r.db.Exec(ctx, query,
		task.ID, task.Name, task.JobType, task.Payload, task.CronExpr, task.Timezone, task.Enabled, task.CreatedAt)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error creating scheduled task", "error", err, "task_id", task.ID)
		return fmt.Errorf("create scheduled task: %w", err)
	}
	return nil
}

func (r *PgScheduledTaskRepository) Update(ctx context.Context, task *domain.ScheduledTask) error {
	query := `
		UPDATE scheduled_tasks
		SET name = $2, job_type = $3, payload = $4, cron_expr = $5, timezone = $6, enabled = $7, updated_at = $8
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query,
		task.ID, task.Name, task.JobType, task.Payload, task.CronExpr, task.Timezone, task.Enabled, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update scheduled task %s: %w", task.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

func (r *PgScheduledTaskRepository) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE scheduled_tasks SET enabled = $2, updated_at = $3 WHERE id = $1`,
		id, enabled, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("toggle scheduled task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

func (r *PgScheduledTaskRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM scheduled_tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete scheduled task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

func (r *PgScheduledTaskRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.ScheduledTask, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, job_type, payload, cron_expr, timezone, enabled, created_at, updated_at
		FROM scheduled_tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, fmt.Errorf("get scheduled task %s: %w", id, err)
	}
	return task, nil
}

func (r *PgScheduledTaskRepository) ListAll(ctx context.Context) ([]*domain.ScheduledTask, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, name, job_type, payload, cron_expr, timezone, enabled, created_at, updated_at
		FROM scheduled_tasks ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list scheduled tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(row pgx.Row) (*domain.ScheduledTask, error) {
	var task domain.ScheduledTask
	err := row.Scan(&task.ID, &task.Name, &task.JobType, &task.Payload,
		&task.CronExpr, &task.Timezone, &task.Enabled, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &task, nil
}
