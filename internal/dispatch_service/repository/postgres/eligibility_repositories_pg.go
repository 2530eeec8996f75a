package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/blastline/campaign-engine/internal/core_domain"
	"github.com/blastline/campaign-engine/internal/dispatch_service/repository"
)

// PgSuppressionReadRepository answers the resolver's single batched
// suppression lookup with one ANY($1) query.
type PgSuppressionReadRepository struct {
	db     DB
	logger *slog.Logger
}

func NewPgSuppressionReadRepository(db DB, logger *slog.Logger) repository.SuppressionReadRepository {
	return &PgSuppressionReadRepository{db: db, logger: logger.With("component", "suppression_read_repository_pg")}
}

func (r *PgSuppressionReadRepository) FindByDestinations(ctx context.Context, destinations []string) (map[string]core_domain.SuppressionReason, error) {
	found := make(map[string]core_domain.SuppressionReason)
	if len(destinations) == 0 {
		return found, nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT destination, reason FROM suppressions WHERE destination = ANY($1)`, destinations)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error querying suppressions", "error", err, "count", len(destinations))
		return nil, fmt.Errorf("find suppressions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var destination string
		var reason core_domain.SuppressionReason
		if err := rows.Scan(&destination, &reason); err != nil {
			return nil, fmt.Errorf("scan suppression: %w", err)
		}
		found[destination] = reason
	}
	return found, rows.Err()
}

// PgUnsubscribeReadRepository answers the resolver's single batched opt-out
// lookup: global entries plus entries scoped to the given campaign.
type PgUnsubscribeReadRepository struct {
	db     DB
	logger *slog.Logger
}

func NewPgUnsubscribeReadRepository(db DB, logger *slog.Logger) repository.UnsubscribeReadRepository {
	return &PgUnsubscribeReadRepository{db: db, logger: logger.With("component", "unsubscribe_read_repository_pg")}
}

func (r *PgUnsubscribeReadRepository) FindByHashes(ctx context.Context, hashes []string, campaignID uuid.UUID) (map[string]struct{}, error) {
	found := make(map[string]struct{})
	if len(hashes) == 0 {
		return found, nil
	}
	query := `
		SELECT address_hash FROM unsubscribes
		WHERE address_hash = ANY($1) AND (scope = $2 OR (scope = $3 AND campaign_id = $4))
	`
	rows, err := r.db.Query(ctx, query, hashes, core_domain.UnsubscribeGlobal, core_domain.UnsubscribeCampaign, campaignID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error querying unsubscribes", "error", err, "count", len(hashes))
		return nil, fmt.Errorf("find unsubscribes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("scan unsubscribe: %w", err)
		}
		found[hash] = struct{}{}
	}
	return found, rows.Err()
}
