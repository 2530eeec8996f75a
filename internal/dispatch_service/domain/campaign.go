package domain

import (
	"time"

	"github.com/google/uuid"
)

// ChannelType selects the transport a campaign goes out on.
type ChannelType string

const (
	ChannelEmail   ChannelType = "email"
	ChannelSession ChannelType = "session" // session-based messaging (WhatsApp-style)
)

// CampaignStatus defines the campaign lifecycle. Only the dispatch engine
// moves a campaign into processing/finished; the API layer owns
// create/archive/pause/resume.
type CampaignStatus string

const (
	CampaignPending    CampaignStatus = "pending"
	CampaignScheduled  CampaignStatus = "scheduled"
	CampaignProcessing CampaignStatus = "processing"
	CampaignPaused     CampaignStatus = "paused"
	CampaignFinished   CampaignStatus = "finished"
	CampaignArchived   CampaignStatus = "archived"
)

// ChannelSettings is the serialized per-campaign channel configuration.
type ChannelSettings struct {
	BatchSize       int    `json:"batch_size"`
	InterBatchDelay string `json:"inter_batch_delay,omitempty"` // duration string, optional override
	SessionID       string `json:"session_id,omitempty"`        // session channel only
	FromAddress     string `json:"from_address,omitempty"`      // email channel only
	FromName        string `json:"from_name,omitempty"`
	Subject         string `json:"subject,omitempty"`
}

// Campaign is one batch send operation against a recipient list.
type Campaign struct {
	ID          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	ChannelType ChannelType     `json:"channel_type"`
	Status      CampaignStatus  `json:"status"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	QueueJobID  *string         `json:"queue_job_id,omitempty"` // must reference a live or completed queue job
	TemplateID  *uuid.UUID      `json:"template_id,omitempty"`
	AccountID   *uuid.UUID      `json:"account_id,omitempty"` // channel account (SMTP pool or session owner)
	Settings    ChannelSettings `json:"settings"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Recipient is one destination plus its per-recipient template data within a
// campaign. Immutable once a delivery record references it, except for
// template re-application before send.
type Recipient struct {
	ID              uuid.UUID `json:"id"`
	CampaignID      uuid.UUID `json:"campaign_id"`
	Destination     string    `json:"destination"`
	TemplateData    []byte    `json:"template_data,omitempty"`
	RenderedContent string    `json:"rendered_content"`
	CreatedAt       time.Time `json:"created_at"`
}
