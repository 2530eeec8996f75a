package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/blastline/campaign-engine/internal/dispatch_service/domain"
	"github.com/blastline/campaign-engine/internal/dispatch_service/repository"
)

type PgRecipientRepository struct {
	db     DB
	logger *slog.Logger
}

func NewPgRecipientRepository(db DB, logger *slog.Logger) repository.RecipientRepository {
	return &PgRecipientRepository{db: db, logger: logger.With("component", "recipient_repository_pg")}
}

func (r *PgRecipientRepository) ListByCampaign(ctx context.Context, campaignID uuid.UUID) ([]*domain.Recipient, error) {
	query := `
		SELECT id, campaign_id, destination, template_data, rendered_content, created_at
		FROM recipients WHERE campaign_id = $1
		ORDER BY created_at ASC, id ASC
	`
	rows, err := r.db.Query(ctx, query, campaignID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing recipients", "error", err, "campaign_id", campaignID)
		return nil, fmt.Errorf("list recipients for campaign %s: %w", campaignID, err)
	}
	defer rows.Close()

	var recipients []*domain.Recipient
	for rows.Next() {
		rec := &domain.Recipient{}
		if err := rows.Scan(&rec.ID, &rec.CampaignID, &rec.Destination, &rec.TemplateData, &rec.RenderedContent, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		recipients = append(recipients, rec)
	}
	return recipients, rows.Err()
}
