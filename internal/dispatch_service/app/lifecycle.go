package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/blastline/campaign-engine/internal/dispatch_service/domain"
	"github.com/blastline/campaign-engine/internal/dispatch_service/repository"
	"github.com/blastline/campaign-engine/internal/platform/jobqueue"
	"github.com/blastline/campaign-engine/internal/platform/messagebroker"
)

// JobEnqueuer is the queue surface the lifecycle needs.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload []byte, opts jobqueue.Options) (string, error)
	CancelPending(ctx context.Context, jobID string) error
}

// Lifecycle owns the externally-requested campaign transitions: start,
// pause, resume, archive. The dispatch engine itself only moves campaigns
// into processing and finished.
type Lifecycle struct {
	campaigns repository.CampaignRepository
	queue     JobEnqueuer
	publisher EventPublisher
	logger    *slog.Logger
}

func NewLifecycle(campaigns repository.CampaignRepository, queue JobEnqueuer, publisher EventPublisher, logger *slog.Logger) *Lifecycle {
	return &Lifecycle{
		campaigns: campaigns,
		queue:     queue,
		publisher: publisher,
		logger:    logger.With("service", "campaign_lifecycle"),
	}
}

// Start enqueues the campaign's send job, optionally delayed, and records
// the job id on the campaign row. Only pending campaigns can start.
func (l *Lifecycle) Start(ctx context.Context, campaignID uuid.UUID, delay time.Duration) (string, error) {
	campaign, err := l.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return "", err
	}
	if campaign.Status != domain.CampaignPending {
		return "", fmt.Errorf("%w: cannot start campaign in status %s", domain.ErrInvalidTransition, campaign.Status)
	}
	jobID, err := l.enqueueSendJob(ctx, campaign, delay)
	if err != nil {
		return "", err
	}
	if err := l.transition(ctx, campaignID, domain.CampaignScheduled); err != nil {
		return "", err
	}
	l.logger.InfoContext(ctx, "Campaign started", "campaign_id", campaignID, "job_id", jobID, "delay", delay)
	return jobID, nil
}

// Pause marks the campaign paused. A running job observes the pause at its
// next batch boundary; a still-scheduled job is cancelled outright so it
// never starts.
func (l *Lifecycle) Pause(ctx context.Context, campaignID uuid.UUID) error {
	campaign, err := l.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return err
	}
	switch campaign.Status {
	case domain.CampaignScheduled, domain.CampaignProcessing:
	default:
		return fmt.Errorf("%w: cannot pause campaign in status %s", domain.ErrInvalidTransition, campaign.Status)
	}

	if campaign.Status == domain.CampaignScheduled && campaign.QueueJobID != nil {
		err := l.queue.CancelPending(ctx, *campaign.QueueJobID)
		if err != nil && !errors.Is(err, jobqueue.ErrNotFound) {
			return fmt.Errorf("cancel scheduled job: %w", err)
		}
	}
	if err := l.transition(ctx, campaignID, domain.CampaignPaused); err != nil {
		return err
	}
	l.logger.InfoContext(ctx, "Campaign paused", "campaign_id", campaignID)
	return nil
}

// Resume re-enqueues the send job for a paused campaign. The dispatcher
// skips recipients that already hold a terminal record, so the re-run picks
// up exactly where the pause stopped.
func (l *Lifecycle) Resume(ctx context.Context, campaignID uuid.UUID) (string, error) {
	campaign, err := l.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return "", err
	}
	if campaign.Status != domain.CampaignPaused {
		return "", fmt.Errorf("%w: cannot resume campaign in status %s", domain.ErrInvalidTransition, campaign.Status)
	}
	jobID, err := l.enqueueSendJob(ctx, campaign, 0)
	if err != nil {
		return "", err
	}
	if err := l.transition(ctx, campaignID, domain.CampaignScheduled); err != nil {
		return "", err
	}
	l.logger.InfoContext(ctx, "Campaign resumed", "campaign_id", campaignID, "job_id", jobID)
	return jobID, nil
}

// Archive retires a finished campaign.
func (l *Lifecycle) Archive(ctx context.Context, campaignID uuid.UUID) error {
	campaign, err := l.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign.Status != domain.CampaignFinished {
		return fmt.Errorf("%w: cannot archive campaign in status %s", domain.ErrInvalidTransition, campaign.Status)
	}
	return l.transition(ctx, campaignID, domain.CampaignArchived)
}

func (l *Lifecycle) enqueueSendJob(ctx context.Context, campaign *domain.Campaign, delay time.Duration) (string, error) {
	payload := SendJobPayload{CampaignID: campaign.ID.String()}
	if campaign.TemplateID != nil {
		payload.TemplateID = campaign.TemplateID.String()
	}
	if campaign.AccountID != nil {
		payload.ChannelAccountID = campaign.AccountID.String()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	jobID, err := l.queue.Enqueue(ctx, JobTypeCampaignSend, data, jobqueue.Options{Delay: delay})
	if err != nil {
		return "", fmt.Errorf("enqueue send job for campaign %s: %w", campaign.ID, err)
	}
	if err := l.campaigns.SetQueueJobID(ctx, campaign.ID, jobID); err != nil {
		return "", fmt.Errorf("record queue job id: %w", err)
	}
	return jobID, nil
}

func (l *Lifecycle) transition(ctx context.Context, campaignID uuid.UUID, status domain.CampaignStatus) error {
	if err := l.campaigns.UpdateStatus(ctx, campaignID, status); err != nil {
		return fmt.Errorf("transition campaign to %s: %w", status, err)
	}
	event, err := json.Marshal(messagebroker.CampaignStateChangedEvent{
		CampaignID: campaignID.String(),
		State:      string(status),
	})
	if err != nil {
		return err
	}
	if err := l.publisher.Publish(ctx, messagebroker.SubjectCampaignStateChanged, event); err != nil {
		l.logger.WarnContext(ctx, "Failed to publish state change", "error", err, "campaign_id", campaignID)
	}
	return nil
}
