package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/blastline/campaign-engine/internal/core_domain"
	"github.com/blastline/campaign-engine/internal/dispatch_service/domain"
	"github.com/blastline/campaign-engine/internal/dispatch_service/repository"
)

// Verdict classifies one recipient's eligibility.
type Verdict string

const (
	VerdictAllowed            Verdict = "allowed"
	VerdictDeniedUnsubscribed Verdict = "denied_unsubscribed"
	VerdictDeniedSuppressed   Verdict = "denied_suppressed"
)

// Decision is the per-recipient outcome of an eligibility run.
type Decision struct {
	Verdict Verdict
	Reason  core_domain.SuppressionReason // set for denied_suppressed
}

// EligibilityResolver produces an allow/deny decision per recipient with a
// bounded query count: one batched unsubscribe lookup and one batched
// suppression lookup per campaign, regardless of recipient count.
type EligibilityResolver struct {
	unsubscribes repository.UnsubscribeReadRepository
	suppressions repository.SuppressionReadRepository
	logger       *slog.Logger
}

func NewEligibilityResolver(
	unsubscribes repository.UnsubscribeReadRepository,
	suppressions repository.SuppressionReadRepository,
	logger *slog.Logger,
) *EligibilityResolver {
	return &EligibilityResolver{
		unsubscribes: unsubscribes,
		suppressions: suppressions,
		logger:       logger.With("component", "eligibility_resolver"),
	}
}

// Resolve classifies every recipient of a campaign. A recipient found in
// both the unsubscribe and suppression sets is denied_unsubscribed; the
// explicit opt-out takes precedence over the derived suppression.
func (r *EligibilityResolver) Resolve(ctx context.Context, campaignID uuid.UUID, recipients []*domain.Recipient) (map[uuid.UUID]Decision, error) {
	decisions := make(map[uuid.UUID]Decision, len(recipients))
	if len(recipients) == 0 {
		return decisions, nil
	}

	// Normalize once and deduplicate before hitting storage.
	normalized := make(map[uuid.UUID]string, len(recipients))
	uniqueDestinations := make([]string, 0, len(recipients))
	uniqueHashes := make([]string, 0, len(recipients))
	seen := make(map[string]struct{}, len(recipients))
	for _, rec := range recipients {
		n := core_domain.NormalizeDestination(rec.Destination)
		normalized[rec.ID] = n
		if _, ok := seen[n]; !ok {
			seen[n] = struct{}{}
			uniqueDestinations = append(uniqueDestinations, n)
			uniqueHashes = append(uniqueHashes, core_domain.HashAddress(n))
		}
	}

	unsubscribed, err := r.unsubscribes.FindByHashes(ctx, uniqueHashes, campaignID)
	if err != nil {
		return nil, fmt.Errorf("batched unsubscribe lookup: %w", err)
	}
	suppressed, err := r.suppressions.FindByDestinations(ctx, uniqueDestinations)
	if err != nil {
		return nil, fmt.Errorf("batched suppression lookup: %w", err)
	}

	var denied int
	for _, rec := range recipients {
		n := normalized[rec.ID]
		if _, ok := unsubscribed[core_domain.HashAddress(n)]; ok {
			decisions[rec.ID] = Decision{Verdict: VerdictDeniedUnsubscribed}
			denied++
			continue
		}
		if reason, ok := suppressed[n]; ok {
			decisions[rec.ID] = Decision{Verdict: VerdictDeniedSuppressed, Reason: reason}
			denied++
			continue
		}
		decisions[rec.ID] = Decision{Verdict: VerdictAllowed}
	}

	r.logger.InfoContext(ctx, "Eligibility resolved",
		"campaign_id", campaignID, "recipients", len(recipients), "denied", denied)
	return decisions, nil
}
