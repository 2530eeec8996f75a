package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blastline/campaign-engine/internal/core_domain"
	"github.com/blastline/campaign-engine/internal/dispatch_service/adapters/channel"
	"github.com/blastline/campaign-engine/internal/dispatch_service/domain"
	"github.com/blastline/campaign-engine/internal/dispatch_service/repository"
	"github.com/blastline/campaign-engine/internal/platform/jobqueue"
	"github.com/blastline/campaign-engine/internal/platform/messagebroker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- fakes ---------------------------------------------------------------

type memCampaignRepo struct {
	mu             sync.Mutex
	campaign       *domain.Campaign
	getErr         error
	statusOnReload domain.CampaignStatus // applied from the second GetByID on
	gets           int
	statusHistory  []domain.CampaignStatus
	jobID          string
	templates      map[uuid.UUID]bool
	accounts       map[uuid.UUID]bool
}

func (m *memCampaignRepo) GetByID(_ context.Context, _ uuid.UUID) (*domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.gets++
	c := *m.campaign
	if m.gets > 1 && m.statusOnReload != "" {
		c.Status = m.statusOnReload
	}
	return &c, nil
}

func (m *memCampaignRepo) UpdateStatus(_ context.Context, _ uuid.UUID, status domain.CampaignStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaign.Status = status
	m.statusHistory = append(m.statusHistory, status)
	return nil
}

func (m *memCampaignRepo) SetQueueJobID(_ context.Context, _ uuid.UUID, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobID = jobID
	return nil
}

func (m *memCampaignRepo) TemplateExists(_ context.Context, id uuid.UUID) (bool, error) {
	return m.templates[id], nil
}

func (m *memCampaignRepo) AccountExists(_ context.Context, id uuid.UUID) (bool, error) {
	return m.accounts[id], nil
}

type memRecipientRepo struct {
	list []*domain.Recipient
}

func (m *memRecipientRepo) ListByCampaign(context.Context, uuid.UUID) ([]*domain.Recipient, error) {
	return m.list, nil
}

type memDeliveryRepo struct {
	mu       sync.Mutex
	records  map[uuid.UUID]*core_domain.DeliveryRecord // by record id
	existing map[uuid.UUID]repository.ExistingRecord   // by recipient id
	tokens   map[uuid.UUID]string                      // preexisting correlation tokens by record id
	creates  int
}

func newMemDeliveryRepo() *memDeliveryRepo {
	return &memDeliveryRepo{
		records:  make(map[uuid.UUID]*core_domain.DeliveryRecord),
		existing: make(map[uuid.UUID]repository.ExistingRecord),
		tokens:   make(map[uuid.UUID]string),
	}
}

func (m *memDeliveryRepo) Create(_ context.Context, record *core_domain.DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *record
	m.records[record.ID] = &cp
	m.creates++
	return nil
}

func (m *memDeliveryRepo) ExistingByRecipient(context.Context, uuid.UUID) (map[uuid.UUID]repository.ExistingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uuid.UUID]repository.ExistingRecord, len(m.existing))
	for k, v := range m.existing {
		out[k] = v
	}
	return out, nil
}

func (m *memDeliveryRepo) EnsureCorrelationToken(_ context.Context, recordID uuid.UUID, candidate string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tok, ok := m.tokens[recordID]; ok {
		return tok, nil
	}
	m.tokens[recordID] = candidate
	if rec, ok := m.records[recordID]; ok {
		rec.CorrelationToken = &candidate
	}
	return candidate, nil
}

func (m *memDeliveryRepo) MarkSent(_ context.Context, recordID uuid.UUID, transportMessageID string, sentAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordID]
	if !ok {
		return jobqueue.ErrNotFound
	}
	rec.Status = core_domain.DeliverySent
	rec.TransportMessageID = &transportMessageID
	rec.SentAt = &sentAt
	return nil
}

func (m *memDeliveryRepo) MarkFailed(_ context.Context, recordID uuid.UUID, errorDetail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordID]
	if !ok {
		return jobqueue.ErrNotFound
	}
	rec.Status = core_domain.DeliveryFailed
	rec.ErrorDetail = &errorDetail
	return nil
}

func (m *memDeliveryRepo) byStatus(status core_domain.DeliveryState) []*core_domain.DeliveryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core_domain.DeliveryRecord
	for _, rec := range m.records {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	return out
}

type noopLimiter struct {
	mu       sync.Mutex
	acquires int
}

func (l *noopLimiter) Acquire(context.Context, int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquires++
	return nil
}

type capturingPublisher struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func newCapturingPublisher() *capturingPublisher {
	return &capturingPublisher{messages: make(map[string][][]byte)}
}

func (p *capturingPublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages[subject] = append(p.messages[subject], data)
	return nil
}

func (p *capturingPublisher) bySubject(subject string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.messages[subject]
}

type fakeChannel struct {
	mu       sync.Mutex
	sent     []channel.SendRequest
	failFor  map[string]error // by destination
	nextID   int
}

func (c *fakeChannel) CheckReachable(context.Context, string) (bool, error) { return true, nil }

func (c *fakeChannel) Send(_ context.Context, req channel.SendRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.failFor[req.Destination]; ok {
		return "", err
	}
	c.sent = append(c.sent, req)
	c.nextID++
	return uuid.NewString(), nil
}

type staticUnsubRepo struct {
	mu     sync.Mutex
	hashes map[string]struct{}
	calls  int
}

func (r *staticUnsubRepo) FindByHashes(_ context.Context, _ []string, _ uuid.UUID) (map[string]struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.hashes, nil
}

type staticSuppRepo struct {
	mu      sync.Mutex
	entries map[string]core_domain.SuppressionReason
	calls   int
}

func (r *staticSuppRepo) FindByDestinations(_ context.Context, _ []string) (map[string]core_domain.SuppressionReason, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.entries, nil
}

func hashOf(destination string) string {
	return core_domain.HashAddress(core_domain.NormalizeDestination(destination))
}

// --- harness -------------------------------------------------------------

type dispatcherHarness struct {
	dispatcher *Dispatcher
	campaigns  *memCampaignRepo
	recipients *memRecipientRepo
	records    *memDeliveryRepo
	limiter    *noopLimiter
	publisher  *capturingPublisher
	channel    *fakeChannel
	unsubs     *staticUnsubRepo
	supps      *staticSuppRepo
	campaign   *domain.Campaign
}

func newHarness(t *testing.T, recipients []*domain.Recipient, batchSize int) *dispatcherHarness {
	t.Helper()
	templateID := uuid.New()
	accountID := uuid.New()
	campaign := &domain.Campaign{
		ID:          uuid.New(),
		Name:        "spring-launch",
		ChannelType: domain.ChannelEmail,
		Status:      domain.CampaignPending,
		TemplateID:  &templateID,
		AccountID:   &accountID,
		Settings:    domain.ChannelSettings{BatchSize: batchSize},
	}
	for _, rec := range recipients {
		rec.CampaignID = campaign.ID
	}
	h := &dispatcherHarness{
		campaigns: &memCampaignRepo{
			campaign:  campaign,
			templates: map[uuid.UUID]bool{templateID: true},
			accounts:  map[uuid.UUID]bool{accountID: true},
		},
		recipients: &memRecipientRepo{list: recipients},
		records:    newMemDeliveryRepo(),
		limiter:    &noopLimiter{},
		publisher:  newCapturingPublisher(),
		channel:    &fakeChannel{failFor: map[string]error{}},
		unsubs:     &staticUnsubRepo{hashes: map[string]struct{}{}},
		supps:      &staticSuppRepo{entries: map[string]core_domain.SuppressionReason{}},
		campaign:   campaign,
	}
	resolver := NewEligibilityResolver(h.unsubs, h.supps, testLogger())
	h.dispatcher = NewDispatcher(
		h.campaigns, h.recipients, h.records, resolver, h.limiter,
		map[domain.ChannelType]channel.Channel{domain.ChannelEmail: h.channel},
		h.publisher,
		DispatcherConfig{PerCampaignRatePerSec: 100000, DefaultBatchSize: 25},
		testLogger(),
	)
	return h
}

func newRecipient(destination string) *domain.Recipient {
	return &domain.Recipient{
		ID:              uuid.New(),
		Destination:     destination,
		RenderedContent: "hello " + destination,
	}
}

func sendJob(campaignID uuid.UUID) *jobqueue.Job {
	payload, _ := json.Marshal(SendJobPayload{CampaignID: campaignID.String()})
	return &jobqueue.Job{ID: "job-1", Type: JobTypeCampaignSend, Payload: payload}
}

// --- tests ---------------------------------------------------------------

func TestDispatcher_MixedEligibilityOutcomes(t *testing.T) {
	unsubscribed := newRecipient("opted.out@example.com")
	suppressed := newRecipient("bounced@example.com")
	clean := newRecipient("alice@example.com")
	h := newHarness(t, []*domain.Recipient{unsubscribed, suppressed, clean}, 10)
	h.unsubs.hashes[hashOf(unsubscribed.Destination)] = struct{}{}
	h.supps.entries[core_domain.NormalizeDestination(suppressed.Destination)] = core_domain.SuppressionHardBounce

	err := h.dispatcher.HandleSendJob(context.Background(), sendJob(h.campaign.ID))
	require.NoError(t, err)

	// Exactly one transport call, for the one eligible recipient.
	require.Len(t, h.channel.sent, 1)
	assert.Equal(t, clean.Destination, h.channel.sent[0].Destination)

	// Every recipient gets exactly one record; skips are terminal and auditable.
	assert.Len(t, h.records.records, 3)
	assert.Len(t, h.records.byStatus(core_domain.DeliverySkippedUnsubscribed), 1)
	assert.Len(t, h.records.byStatus(core_domain.DeliverySkippedSuppressed), 1)
	sent := h.records.byStatus(core_domain.DeliverySent)
	require.Len(t, sent, 1)
	assert.Equal(t, clean.ID, sent[0].RecipientID)
	require.NotNil(t, sent[0].TransportMessageID)
	require.NotNil(t, sent[0].SentAt)

	skipped := h.records.byStatus(core_domain.DeliverySkippedSuppressed)[0]
	require.NotNil(t, skipped.ErrorDetail)
	assert.Contains(t, *skipped.ErrorDetail, string(core_domain.SuppressionHardBounce))

	assert.Equal(t, domain.CampaignFinished, h.campaign.Status)
	assert.Len(t, h.publisher.bySubject(messagebroker.SubjectCampaignFinished), 1)

	// One batched lookup each, regardless of recipient count.
	assert.Equal(t, 1, h.unsubs.calls)
	assert.Equal(t, 1, h.supps.calls)
}

func TestDispatcher_TransportFailureDoesNotFailJob(t *testing.T) {
	flaky := newRecipient("flaky@example.com")
	fine := newRecipient("fine@example.com")
	h := newHarness(t, []*domain.Recipient{flaky, fine}, 10)
	h.channel.failFor[flaky.Destination] = &channel.TransportError{Code: "smtp_451", Err: errors.New("try again later")}

	err := h.dispatcher.HandleSendJob(context.Background(), sendJob(h.campaign.ID))
	require.NoError(t, err, "a per-recipient transport failure never fails the job")

	failed := h.records.byStatus(core_domain.DeliveryFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, flaky.ID, failed[0].RecipientID)
	require.NotNil(t, failed[0].ErrorDetail)
	assert.Contains(t, *failed[0].ErrorDetail, "smtp_451")

	require.Len(t, h.records.byStatus(core_domain.DeliverySent), 1)
	assert.Equal(t, domain.CampaignFinished, h.campaign.Status)
}

func TestDispatcher_MissingCampaignIsFatal(t *testing.T) {
	h := newHarness(t, nil, 10)
	h.campaigns.getErr = domain.ErrCampaignNotFound

	err := h.dispatcher.HandleSendJob(context.Background(), sendJob(uuid.New()))
	assert.ErrorIs(t, err, jobqueue.ErrFatal)
}

func TestDispatcher_MissingTemplateIsFatal(t *testing.T) {
	h := newHarness(t, []*domain.Recipient{newRecipient("a@example.com")}, 10)
	h.campaigns.templates = map[uuid.UUID]bool{}

	err := h.dispatcher.HandleSendJob(context.Background(), sendJob(h.campaign.ID))
	require.ErrorIs(t, err, jobqueue.ErrFatal)
	assert.ErrorContains(t, err, "template")
	assert.Empty(t, h.channel.sent)
}

func TestDispatcher_MissingAccountIsFatal(t *testing.T) {
	h := newHarness(t, []*domain.Recipient{newRecipient("a@example.com")}, 10)
	h.campaigns.accounts = map[uuid.UUID]bool{}

	err := h.dispatcher.HandleSendJob(context.Background(), sendJob(h.campaign.ID))
	require.ErrorIs(t, err, jobqueue.ErrFatal)
	assert.Empty(t, h.channel.sent)
}

func TestDispatcher_MalformedPayloadIsFatal(t *testing.T) {
	h := newHarness(t, nil, 10)

	err := h.dispatcher.HandleSendJob(context.Background(), &jobqueue.Job{ID: "j", Payload: json.RawMessage(`{broken`)})
	assert.ErrorIs(t, err, jobqueue.ErrFatal)
}

func TestDispatcher_PauseStopsAtBatchBoundary(t *testing.T) {
	recipients := []*domain.Recipient{
		newRecipient("a@example.com"), newRecipient("b@example.com"),
		newRecipient("c@example.com"), newRecipient("d@example.com"),
	}
	h := newHarness(t, recipients, 2)
	h.campaigns.statusOnReload = domain.CampaignPaused

	err := h.dispatcher.HandleSendJob(context.Background(), sendJob(h.campaign.ID))
	require.NoError(t, err, "observing a pause is a clean stop, not a job failure")

	// First batch settles completely, second batch never starts.
	assert.Len(t, h.channel.sent, 2)
	assert.NotContains(t, h.campaigns.statusHistory, domain.CampaignFinished)
	assert.Empty(t, h.publisher.bySubject(messagebroker.SubjectCampaignFinished))
}

func TestDispatcher_RerunSkipsSettledRecipients(t *testing.T) {
	done := newRecipient("done@example.com")
	todo := newRecipient("todo@example.com")
	h := newHarness(t, []*domain.Recipient{done, todo}, 10)
	h.records.existing[done.ID] = repository.ExistingRecord{RecordID: uuid.New(), Status: core_domain.DeliverySent}

	err := h.dispatcher.HandleSendJob(context.Background(), sendJob(h.campaign.ID))
	require.NoError(t, err)

	require.Len(t, h.channel.sent, 1, "already settled recipient is not re-sent")
	assert.Equal(t, todo.Destination, h.channel.sent[0].Destination)

	// Progress counts the previously sent recipient.
	progress := h.publisher.bySubject(messagebroker.SubjectCampaignProgress)
	require.NotEmpty(t, progress)
	var last messagebroker.ProgressEvent
	require.NoError(t, json.Unmarshal(progress[len(progress)-1], &last))
	assert.Equal(t, 2, last.Sent)
	assert.Equal(t, 2, last.Total)
}

func TestDispatcher_RerunResumesPendingRecord(t *testing.T) {
	rec := newRecipient("interrupted@example.com")
	h := newHarness(t, []*domain.Recipient{rec}, 10)

	// A previous run crashed after creating the pending row and stamping its
	// correlation token, but before the transport call settled.
	priorID := uuid.New()
	priorToken := "tok-from-first-run"
	h.records.records[priorID] = &core_domain.DeliveryRecord{
		ID:          priorID,
		CampaignID:  h.campaign.ID,
		RecipientID: rec.ID,
		Status:      core_domain.DeliveryPending,
	}
	h.records.tokens[priorID] = priorToken
	h.records.existing[rec.ID] = repository.ExistingRecord{RecordID: priorID, Status: core_domain.DeliveryPending}

	err := h.dispatcher.HandleSendJob(context.Background(), sendJob(h.campaign.ID))
	require.NoError(t, err)

	require.Len(t, h.channel.sent, 1)
	assert.Equal(t, priorID, h.channel.sent[0].DeliveryRecordID, "the pending row is resumed")
	assert.Equal(t, priorToken, h.channel.sent[0].CorrelationToken, "the first run's token is never regenerated")

	assert.Equal(t, 0, h.records.creates, "no second row for the same recipient")
	require.Len(t, h.records.records, 1)
	assert.Equal(t, core_domain.DeliverySent, h.records.records[priorID].Status)
}

func TestDispatcher_CorrelationTokenTravelsWithSend(t *testing.T) {
	rec := newRecipient("alice@example.com")
	h := newHarness(t, []*domain.Recipient{rec}, 10)

	err := h.dispatcher.HandleSendJob(context.Background(), sendJob(h.campaign.ID))
	require.NoError(t, err)

	require.Len(t, h.channel.sent, 1)
	token := h.channel.sent[0].CorrelationToken
	require.NotEmpty(t, token)

	sent := h.records.byStatus(core_domain.DeliverySent)
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].CorrelationToken)
	assert.Equal(t, token, *sent[0].CorrelationToken, "the token on the wire matches the persisted one")
}

func TestDispatcher_ProgressPerBatchAndJobIDRecorded(t *testing.T) {
	recipients := []*domain.Recipient{
		newRecipient("a@example.com"), newRecipient("b@example.com"),
		newRecipient("c@example.com"),
	}
	h := newHarness(t, recipients, 2)

	err := h.dispatcher.HandleSendJob(context.Background(), sendJob(h.campaign.ID))
	require.NoError(t, err)

	assert.Equal(t, "job-1", h.campaigns.jobID)
	progress := h.publisher.bySubject(messagebroker.SubjectCampaignProgress)
	require.Len(t, progress, 2, "one progress event per batch")

	var last messagebroker.ProgressEvent
	require.NoError(t, json.Unmarshal(progress[1], &last))
	assert.Equal(t, 3, last.Sent)
	assert.Equal(t, 3, last.Total)
	assert.Equal(t, 3, h.limiter.acquires, "every transport send holds a rate slot")
}
