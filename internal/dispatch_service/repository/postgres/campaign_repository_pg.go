package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/blastline/campaign-engine/internal/dispatch_service/domain"
	"github.com/blastline/campaign-engine/internal/dispatch_service/repository"
)

type PgCampaignRepository struct {
	db     DB
	logger *slog.Logger
}

func NewPgCampaignRepository(db DB, logger *slog.Logger) repository.CampaignRepository {
	return &PgCampaignRepository{db: db, logger: logger.With("component", "campaign_repository_pg")}
}

func (r *PgCampaignRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	query := `
		SELECT id, name, channel_type, status, scheduled_at, queue_job_id, template_id, account_id, settings, created_at, updated_at
		FROM campaigns WHERE id = $1
	`
	c := &domain.Campaign{}
	var settingsJSON []byte
	err := r.db.QueryRow(ctx, query, id).Scan(
		&c.ID, &c.Name, &c.ChannelType, &c.Status, &c.ScheduledAt, &c.QueueJobID,
		&c.TemplateID, &c.AccountID, &settingsJSON, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCampaignNotFound
		}
		r.logger.ErrorContext(ctx, "Error getting campaign by ID", "error", err, "campaign_id", id)
		return nil, fmt.Errorf("get campaign %s: %w", id, err)
	}
	if len(settingsJSON) > 0 {
		if err := json.Unmarshal(settingsJSON, &c.Settings); err != nil {
			return nil, fmt.Errorf("decode campaign settings %s: %w", id, err)
		}
	}
	return c, nil
}

func (r *PgCampaignRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.CampaignStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE campaigns SET status = $1, updated_at = $2 WHERE id = $3`,
		status, time.Now().UTC(), id)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating campaign status", "error", err, "campaign_id", id, "new_status", status)
		return fmt.Errorf("update campaign %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrCampaignNotFound
	}
	r.logger.InfoContext(ctx, "Campaign status updated", "campaign_id", id, "new_status", status)
	return nil
}

func (r *PgCampaignRepository) SetQueueJobID(ctx context.Context, id uuid.UUID, jobID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE campaigns SET queue_job_id = $1, updated_at = $2 WHERE id = $3`,
		jobID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set campaign %s queue job id: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrCampaignNotFound
	}
	return nil
}

func (r *PgCampaignRepository) TemplateExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM templates WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check template %s: %w", id, err)
	}
	return exists, nil
}

func (r *PgCampaignRepository) AccountExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM channel_accounts WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check channel account %s: %w", id, err)
	}
	return exists, nil
}
