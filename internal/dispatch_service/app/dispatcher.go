package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/blastline/campaign-engine/internal/core_domain"
	"github.com/blastline/campaign-engine/internal/dispatch_service/adapters/channel"
	"github.com/blastline/campaign-engine/internal/dispatch_service/domain"
	"github.com/blastline/campaign-engine/internal/dispatch_service/repository"
	"github.com/blastline/campaign-engine/internal/platform/jobqueue"
	"github.com/blastline/campaign-engine/internal/platform/messagebroker"
)

// JobTypeCampaignSend is the queue job type the dispatcher handles.
const JobTypeCampaignSend = "campaign:send"

// SendJobPayload is the durable-queue payload enqueued by the API layer.
type SendJobPayload struct {
	CampaignID       string `json:"campaignId"`
	TemplateID       string `json:"templateId,omitempty"`
	ChannelAccountID string `json:"channelAccountId,omitempty"`
}

// RateLimiter gates each unit send against the shared budget.
type RateLimiter interface {
	Acquire(ctx context.Context, budgetPerSecond int) error
}

// EventPublisher publishes progress and lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// DispatcherConfig tunes the engine.
type DispatcherConfig struct {
	// PerCampaignRatePerSec is this worker's share of the global send budget.
	PerCampaignRatePerSec int
	// DefaultBatchSize applies when the campaign settings carry none.
	DefaultBatchSize int
}

// Dispatcher consumes one campaign send job at a time: resolves eligibility
// once, walks the recipient list in fixed-size batches, dispatches each batch
// concurrently through the channel adapter gated by the rate limiter, and
// persists an auditable delivery record per recipient.
type Dispatcher struct {
	campaigns  repository.CampaignRepository
	recipients repository.RecipientRepository
	records    repository.DeliveryRecordRepository
	resolver   *EligibilityResolver
	limiter    RateLimiter
	channels   map[domain.ChannelType]channel.Channel
	publisher  EventPublisher
	config     DispatcherConfig
	logger     *slog.Logger
}

func NewDispatcher(
	campaigns repository.CampaignRepository,
	recipients repository.RecipientRepository,
	records repository.DeliveryRecordRepository,
	resolver *EligibilityResolver,
	limiter RateLimiter,
	channels map[domain.ChannelType]channel.Channel,
	publisher EventPublisher,
	config DispatcherConfig,
	logger *slog.Logger,
) *Dispatcher {
	if config.DefaultBatchSize <= 0 {
		config.DefaultBatchSize = 25
	}
	if config.PerCampaignRatePerSec <= 0 {
		config.PerCampaignRatePerSec = 1
	}
	return &Dispatcher{
		campaigns:  campaigns,
		recipients: recipients,
		records:    records,
		resolver:   resolver,
		limiter:    limiter,
		channels:   channels,
		publisher:  publisher,
		config:     config,
		logger:     logger.With("service", "dispatch_engine"),
	}
}

// HandleSendJob processes one campaign send job. Only a missing campaign,
// template, or channel account is fatal to the job; every transport-level
// failure settles into a per-recipient delivery record instead.
func (d *Dispatcher) HandleSendJob(ctx context.Context, job *jobqueue.Job) error {
	var payload SendJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("%w: malformed send job payload: %v", jobqueue.ErrFatal, err)
	}
	campaignID, err := uuid.Parse(payload.CampaignID)
	if err != nil {
		return fmt.Errorf("%w: invalid campaign id %q: %v", jobqueue.ErrFatal, payload.CampaignID, err)
	}
	logger := d.logger.With("campaign_id", campaignID, "job_id", job.ID)

	campaign, err := d.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		if errors.Is(err, domain.ErrCampaignNotFound) {
			campaignJobsProcessedCounter.WithLabelValues("fatal").Inc()
			return fmt.Errorf("%w: %v", jobqueue.ErrFatal, err)
		}
		return fmt.Errorf("load campaign: %w", err)
	}

	switch campaign.Status {
	case domain.CampaignFinished, domain.CampaignArchived:
		logger.InfoContext(ctx, "Campaign already settled, nothing to do", "status", campaign.Status)
		return nil
	case domain.CampaignPaused:
		logger.InfoContext(ctx, "Campaign is paused, leaving job completed until resume re-enqueues")
		return nil
	}

	if err := d.checkConfiguration(ctx, campaign); err != nil {
		campaignJobsProcessedCounter.WithLabelValues("fatal").Inc()
		return err
	}

	// The campaign's job-id must reference the live queue job for the
	// duration of processing.
	if err := d.campaigns.SetQueueJobID(ctx, campaignID, job.ID); err != nil {
		return fmt.Errorf("record queue job id: %w", err)
	}
	if err := d.transition(ctx, campaignID, domain.CampaignProcessing); err != nil {
		return err
	}

	recipients, err := d.recipients.ListByCampaign(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("list recipients: %w", err)
	}
	decisions, err := d.resolver.Resolve(ctx, campaignID, recipients)
	if err != nil {
		return fmt.Errorf("resolve eligibility: %w", err)
	}
	existing, err := d.records.ExistingByRecipient(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("load existing delivery records: %w", err)
	}

	total := len(recipients)
	var sent atomic.Int64
	for _, prior := range existing {
		if prior.Status == core_domain.DeliverySent || prior.Status == core_domain.DeliveryDelivered {
			sent.Add(1)
		}
	}

	batchSize := campaign.Settings.BatchSize
	if batchSize <= 0 {
		batchSize = d.config.DefaultBatchSize
	}
	ch, ok := d.channels[campaign.ChannelType]
	if !ok {
		campaignJobsProcessedCounter.WithLabelValues("fatal").Inc()
		return fmt.Errorf("%w: no channel adapter for type %q", jobqueue.ErrFatal, campaign.ChannelType)
	}

	logger.InfoContext(ctx, "Dispatching campaign",
		"recipients", total, "batch_size", batchSize, "channel", campaign.ChannelType)

	for start := 0; start < total; start += batchSize {
		// Pause is honored only at batch boundaries; an in-flight batch
		// always settles completely.
		if start > 0 {
			current, err := d.campaigns.GetByID(ctx, campaignID)
			if err != nil {
				return fmt.Errorf("reload campaign between batches: %w", err)
			}
			if current.Status == domain.CampaignPaused {
				logger.InfoContext(ctx, "Campaign paused, stopping at batch boundary", "dispatched", start)
				campaignJobsProcessedCounter.WithLabelValues("paused").Inc()
				return nil
			}
		}

		end := start + batchSize
		if end > total {
			end = total
		}
		batch := recipients[start:end]
		batchStart := time.Now()
		timer := prometheus.NewTimer(batchDurationHist.WithLabelValues(string(campaign.ChannelType)))

		d.dispatchBatch(ctx, campaign, ch, batch, decisions, existing, &sent)
		timer.ObserveDuration()

		d.publishProgress(ctx, campaignID, int(sent.Load()), total)

		if end < total {
			d.paceBatch(ctx, campaign, len(batch), time.Since(batchStart))
		}
	}

	if err := d.transition(ctx, campaignID, domain.CampaignFinished); err != nil {
		return err
	}
	d.publishEvent(ctx, messagebroker.SubjectCampaignFinished, messagebroker.CampaignFinishedEvent{CampaignID: campaignID.String()})
	campaignJobsProcessedCounter.WithLabelValues("finished").Inc()
	logger.InfoContext(ctx, "Campaign finished", "sent", sent.Load(), "total", total)
	return nil
}

// checkConfiguration verifies the referenced template and channel account
// exist. These are the only fatal-to-job conditions.
func (d *Dispatcher) checkConfiguration(ctx context.Context, campaign *domain.Campaign) error {
	if campaign.TemplateID == nil {
		return fmt.Errorf("%w: campaign %s has no template", jobqueue.ErrFatal, campaign.ID)
	}
	ok, err := d.campaigns.TemplateExists(ctx, *campaign.TemplateID)
	if err != nil {
		return fmt.Errorf("check template: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %v (%s)", jobqueue.ErrFatal, domain.ErrTemplateNotFound, *campaign.TemplateID)
	}

	if campaign.AccountID == nil {
		return fmt.Errorf("%w: campaign %s has no channel account", jobqueue.ErrFatal, campaign.ID)
	}
	ok, err = d.campaigns.AccountExists(ctx, *campaign.AccountID)
	if err != nil {
		return fmt.Errorf("check channel account: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %v (%s)", jobqueue.ErrFatal, domain.ErrAccountNotFound, *campaign.AccountID)
	}
	return nil
}

// dispatchBatch settles every member of the batch concurrently. One
// recipient's failure never aborts its siblings; each goroutine converts its
// own errors into delivery-record state.
func (d *Dispatcher) dispatchBatch(
	ctx context.Context,
	campaign *domain.Campaign,
	ch channel.Channel,
	batch []*domain.Recipient,
	decisions map[uuid.UUID]Decision,
	existing map[uuid.UUID]repository.ExistingRecord,
	sent *atomic.Int64,
) {
	var wg sync.WaitGroup
	for _, rec := range batch {
		var prior *repository.ExistingRecord
		if e, ok := existing[rec.ID]; ok {
			if e.Status.IsTerminal() {
				// Re-run after pause/crash: this recipient is already settled.
				continue
			}
			prior = &e
		}
		wg.Add(1)
		go func(rec *domain.Recipient, prior *repository.ExistingRecord) {
			defer wg.Done()
			d.dispatchRecipient(ctx, campaign, ch, rec, decisions[rec.ID], prior, sent)
		}(rec, prior)
	}
	wg.Wait()
}

func (d *Dispatcher) dispatchRecipient(
	ctx context.Context,
	campaign *domain.Campaign,
	ch channel.Channel,
	rec *domain.Recipient,
	decision Decision,
	prior *repository.ExistingRecord,
	sent *atomic.Int64,
) {
	logger := d.logger.With("campaign_id", campaign.ID, "recipient_id", rec.ID)
	channelLabel := string(campaign.ChannelType)

	// Denial is not a silent drop; it leaves a terminal, auditable record.
	if decision.Verdict != VerdictAllowed {
		record := d.newRecord(campaign, rec)
		switch decision.Verdict {
		case VerdictDeniedUnsubscribed:
			record.Status = core_domain.DeliverySkippedUnsubscribed
		case VerdictDeniedSuppressed:
			record.Status = core_domain.DeliverySkippedSuppressed
			detail := fmt.Sprintf("suppressed: %s", decision.Reason)
			record.ErrorDetail = &detail
		}
		if err := d.records.Create(ctx, record); err != nil {
			logger.ErrorContext(ctx, "Failed to create skipped delivery record", "error", err)
			return
		}
		recipientsDispatchedCounter.WithLabelValues(channelLabel, string(record.Status)).Inc()
		return
	}

	// Pending record goes in before the transport call so a crash mid-send
	// still leaves an auditable row. A pending row left by an interrupted
	// run is resumed instead of inserting a second one.
	var recordID uuid.UUID
	if prior != nil && prior.Status == core_domain.DeliveryPending {
		recordID = prior.RecordID
	} else {
		record := d.newRecord(campaign, rec)
		record.Status = core_domain.DeliveryPending
		if err := d.records.Create(ctx, record); err != nil {
			logger.ErrorContext(ctx, "Failed to create pending delivery record", "error", err)
			return
		}
		recordID = record.ID
	}

	token, err := d.records.EnsureCorrelationToken(ctx, recordID, uuid.NewString())
	if err != nil {
		d.settleFailure(ctx, logger, recordID, channelLabel, fmt.Errorf("ensure correlation token: %w", err))
		return
	}

	waitStart := time.Now()
	if err := d.limiter.Acquire(ctx, d.config.PerCampaignRatePerSec); err != nil {
		d.settleFailure(ctx, logger, recordID, channelLabel, fmt.Errorf("acquire send slot: %w", err))
		return
	}
	rateLimiterWaitHist.WithLabelValues(channelLabel).Observe(time.Since(waitStart).Seconds())

	transportMessageID, err := ch.Send(ctx, channel.SendRequest{
		DeliveryRecordID: recordID,
		CorrelationToken: token,
		Destination:      rec.Destination,
		Content:          rec.RenderedContent,
		Subject:          campaign.Settings.Subject,
		FromAddress:      campaign.Settings.FromAddress,
		FromName:         campaign.Settings.FromName,
		SessionID:        campaign.Settings.SessionID,
	})
	if err != nil {
		d.settleFailure(ctx, logger, recordID, channelLabel, err)
		return
	}

	if err := d.records.MarkSent(ctx, recordID, transportMessageID, time.Now().UTC()); err != nil {
		logger.ErrorContext(ctx, "Send succeeded but record update failed", "error", err, "transport_message_id", transportMessageID)
		return
	}
	sent.Add(1)
	recipientsDispatchedCounter.WithLabelValues(channelLabel, string(core_domain.DeliverySent)).Inc()
}

func (d *Dispatcher) newRecord(campaign *domain.Campaign, rec *domain.Recipient) *core_domain.DeliveryRecord {
	return &core_domain.DeliveryRecord{
		ID:          uuid.New(),
		CampaignID:  campaign.ID,
		RecipientID: rec.ID,
		Content:     rec.RenderedContent,
		CreatedAt:   time.Now().UTC(),
	}
}

func (d *Dispatcher) settleFailure(ctx context.Context, logger *slog.Logger, recordID uuid.UUID, channelLabel string, cause error) {
	logger.WarnContext(ctx, "Recipient send failed", "error", cause, "record_id", recordID)
	if err := d.records.MarkFailed(ctx, recordID, cause.Error()); err != nil {
		logger.ErrorContext(ctx, "Failed to mark delivery record failed", "error", err, "record_id", recordID)
	}
	recipientsDispatchedCounter.WithLabelValues(channelLabel, string(core_domain.DeliveryFailed)).Inc()
}

// paceBatch sleeps out the remainder of the minimum inter-batch interval so
// sustained throughput stays at or below the per-campaign budget even when
// individual sends are fast.
func (d *Dispatcher) paceBatch(ctx context.Context, campaign *domain.Campaign, batchLen int, elapsed time.Duration) {
	interval := time.Duration(float64(batchLen) / float64(d.config.PerCampaignRatePerSec) * float64(time.Second))
	if override, err := time.ParseDuration(campaign.Settings.InterBatchDelay); err == nil && override > interval {
		interval = override
	}
	remaining := interval - elapsed
	if remaining <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(remaining):
	}
}

func (d *Dispatcher) transition(ctx context.Context, campaignID uuid.UUID, status domain.CampaignStatus) error {
	if err := d.campaigns.UpdateStatus(ctx, campaignID, status); err != nil {
		return fmt.Errorf("transition campaign to %s: %w", status, err)
	}
	d.publishEvent(ctx, messagebroker.SubjectCampaignStateChanged, messagebroker.CampaignStateChangedEvent{
		CampaignID: campaignID.String(),
		State:      string(status),
	})
	return nil
}

func (d *Dispatcher) publishProgress(ctx context.Context, campaignID uuid.UUID, sent, total int) {
	d.publishEvent(ctx, messagebroker.SubjectCampaignProgress, messagebroker.ProgressEvent{
		CampaignID: campaignID.String(),
		Sent:       sent,
		Total:      total,
	})
}

// publishEvent is best-effort; event delivery never fails a job.
func (d *Dispatcher) publishEvent(ctx context.Context, subject string, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		d.logger.ErrorContext(ctx, "Failed to marshal event", "error", err, "subject", subject)
		return
	}
	if err := d.publisher.Publish(ctx, subject, data); err != nil {
		d.logger.WarnContext(ctx, "Failed to publish event", "error", err, "subject", subject)
	}
}
