package dispatch

import "github.com/acme/campaign-dispatch/internal/domain"

// BatchInfo tells the receiver where a batch sits within its campaign.
type BatchInfo struct {
	BatchNumber     int `json:"batch_number"`
	TotalBatches    int `json:"total_batches"`
	ContactsInBatch int `json:"contacts_in_batch"`
}

// BuildPayload merges the campaign template with the batch contacts and
// batch_info. The two reserved keys always win over template keys.
func BuildPayload(batch *domain.Batch) map[string]any {
	body := make(map[string]any, len(batch.WebhookPayload)+2)
	for k, v := range batch.WebhookPayload {
		body[k] = v
	}

	contacts := batch.Contacts
	if contacts == nil {
		contacts = []domain.Contact{}
	}
	body["contacts"] = contacts
	body["batch_info"] = BatchInfo{
		BatchNumber:     batch.BatchNumber,
		TotalBatches:    batch.TotalBatches,
		ContactsInBatch: len(contacts),
	}
	return body
}
