package domain

import (
	"time"

	"github.com/google/uuid"
)

// Queue defaults applied when configuration leaves a value unset.
const (
	DefaultBatchSize         = 20
	DefaultInterBatchDelay   = 2 * time.Minute
	DefaultMaxRetries        = 3
	DefaultRetryDelay        = 5 * time.Minute
	DefaultStaleAfter        = 10 * time.Minute
	DefaultMaxBatchesPerRun  = 10
	DefaultReclaimLimit      = 100
	AbandonedBatchReason     = "recovered from abandoned processing state"
	MissingCredentialMessage = "no webhook credential configured"
)

// Channel identifies the outbound delivery channel of a campaign.
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelCalls    Channel = "calls"
)

// Valid reports whether the channel is supported.
func (c Channel) Valid() bool {
	return c == ChannelWhatsApp || c == ChannelCalls
}

// CampaignStatus enumerates lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignStatusPending    CampaignStatus = "pending"
	CampaignStatusInProgress CampaignStatus = "in_progress"
	CampaignStatusCompleted  CampaignStatus = "completed"
	CampaignStatusFailed     CampaignStatus = "failed"
)

// IsTerminal reports whether no further progress can be recorded.
func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignStatusCompleted || s == CampaignStatusFailed
}

// BatchStatus enumerates lifecycle stages for a queued batch.
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusSent       BatchStatus = "sent"
	BatchStatusFailed     BatchStatus = "failed"
)

// IsTerminal reports whether the batch has reached sent or failed.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchStatusSent || s == BatchStatusFailed
}

// Campaign tracks the aggregate progress of one outbound send.
type Campaign struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	Channel       Channel
	TotalContacts int
	TotalBatches  int
	BatchesSent   int
	BatchesFailed int
	Status        CampaignStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// Finished returns the number of batches that reached a terminal state.
func (c Campaign) Finished() int {
	return c.BatchesSent + c.BatchesFailed
}

// TerminalCampaignStatus derives the final campaign status once every batch is terminal.
// A campaign where nothing was delivered is failed; partial delivery still completes.
func TerminalCampaignStatus(sent, failed int) CampaignStatus {
	if sent == 0 && failed > 0 {
		return CampaignStatusFailed
	}
	return CampaignStatusCompleted
}

// Contact is a single recipient reference plus its template variables.
type Contact struct {
	ID        string         `json:"id"`
	Phone     string         `json:"phone,omitempty"`
	Name      string         `json:"name,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
}

// Batch is a fixed-size slice of a campaign's contacts and the unit of dispatch and retry.
type Batch struct {
	ID             uuid.UUID
	CampaignID     uuid.UUID
	TenantID       uuid.UUID
	BatchNumber    int
	TotalBatches   int
	Channel        Channel
	Contacts       []Contact
	WebhookURL     string
	WebhookPayload map[string]any
	Status         BatchStatus
	RetryCount     int
	ScheduledFor   time.Time
	ProcessedAt    *time.Time
	ErrorMessage   *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DispatchAttempt captures one webhook call for auditing.
type DispatchAttempt struct {
	BatchID    uuid.UUID
	CampaignID uuid.UUID
	TenantID   uuid.UUID
	Attempt    int
	Success    bool
	StatusCode int
	Error      string
	Duration   time.Duration
	CreatedAt  time.Time
}
