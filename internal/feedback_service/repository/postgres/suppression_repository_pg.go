package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/blastline/campaign-engine/internal/core_domain"
	"github.com/blastline/campaign-engine/internal/feedback_service/repository"
)

type PgSuppressionWriteRepository struct {
	db     DB
	logger *slog.Logger
}

func NewPgSuppressionWriteRepository(db DB, logger *slog.Logger) repository.SuppressionWriteRepository {
	return &PgSuppressionWriteRepository{db: db, logger: logger.With("component", "suppression_write_repository_pg")}
}

// Upsert keeps the first suppression for a destination; a later complaint
// does not overwrite an earlier hard bounce.
func (r *PgSuppressionWriteRepository) Upsert(ctx context.Context, entry *core_domain.SuppressionEntry) (bool, error) {
	query := `
		INSERT INTO suppressions (id, destination, reason, source_event, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (destination) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query,
		entry.ID, entry.Destination, entry.Reason, entry.SourceEvent, entry.CreatedAt)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error upserting suppression", "error", err, "destination", entry.Destination)
		return false, fmt.Errorf("upsert suppression: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

type PgUnsubscribeWriteRepository struct {
	db     DB
	logger *slog.Logger
}

func NewPgUnsubscribeWriteRepository(db DB, logger *slog.Logger) repository.UnsubscribeWriteRepository {
	return &PgUnsubscribeWriteRepository{db: db, logger: logger.With("component", "unsubscribe_write_repository_pg")}
}

func (r *PgUnsubscribeWriteRepository) Insert(ctx context.Context, entry *core_domain.UnsubscribeEntry) (bool, error) {
	query := `
		INSERT INTO unsubscribes (id, address_hash, scope, campaign_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (address_hash, scope) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query,
		entry.ID, entry.AddressHash, entry.Scope, entry.CampaignID, entry.CreatedAt)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error inserting unsubscribe", "error", err, "scope", entry.Scope)
		return false, fmt.Errorf("insert unsubscribe: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
