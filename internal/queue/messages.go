package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/acme/campaign-dispatch/internal/domain"
)

// Campaign lifecycle event types.
const (
	EventCampaignStarted   = "campaign.started"
	EventCampaignCompleted = "campaign.completed"
)

// CampaignEvent is published when a campaign starts sending and when its
// last batch reaches a terminal state.
type CampaignEvent struct {
	Type          string                `json:"type"`
	CampaignID    uuid.UUID             `json:"campaign_id"`
	TenantID      uuid.UUID             `json:"tenant_id"`
	Channel       domain.Channel        `json:"channel"`
	Status        domain.CampaignStatus `json:"status"`
	TotalBatches  int                   `json:"total_batches"`
	BatchesSent   int                   `json:"batches_sent"`
	BatchesFailed int                   `json:"batches_failed"`
	OccurredAt    time.Time             `json:"occurred_at"`
}

// NewCampaignEvent snapshots a campaign into an event.
func NewCampaignEvent(eventType string, c *domain.Campaign, at time.Time) CampaignEvent {
	return CampaignEvent{
		Type:          eventType,
		CampaignID:    c.ID,
		TenantID:      c.TenantID,
		Channel:       c.Channel,
		Status:        c.Status,
		TotalBatches:  c.TotalBatches,
		BatchesSent:   c.BatchesSent,
		BatchesFailed: c.BatchesFailed,
		OccurredAt:    at.UTC(),
	}
}
