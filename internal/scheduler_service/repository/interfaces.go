package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/blastline/campaign-engine/internal/scheduler_service/domain"
)

type ScheduledTaskRepository interface {
	Create(ctx context.Context, task *domain.ScheduledTask) error
	Update(ctx context.Context, task *domain.ScheduledTask) error
	SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
	Delete(ctx context.Context, id uuid.UUID) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.ScheduledTask, error)
	ListAll(ctx context.Context) ([]*domain.ScheduledTask, error)
}
