package campaign

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/acme/campaign-dispatch/internal/domain"
	"github.com/acme/campaign-dispatch/internal/repository"
	apperrors "github.com/acme/campaign-dispatch/pkg/errors"
)

// ErrAttemptLogDisabled is returned by ListAttempts when no attempt log is wired.
var ErrAttemptLogDisabled = fmt.Errorf("%w: attempt log disabled", apperrors.ErrUnavailable)

// Service enqueues campaigns and serves their progress.
type Service struct {
	campaigns       repository.CampaignRepository
	batches         repository.BatchRepository
	attempts        repository.AttemptLog
	batchSize       int
	interBatchDelay time.Duration
	now             func() time.Time
}

// NewService constructs a campaign service. attempts may be nil.
func NewService(
	campaigns repository.CampaignRepository,
	batches repository.BatchRepository,
	attempts repository.AttemptLog,
	batchSize int,
	interBatchDelay time.Duration,
) *Service {
	if batchSize <= 0 {
		batchSize = domain.DefaultBatchSize
	}
	if interBatchDelay < 0 {
		interBatchDelay = domain.DefaultInterBatchDelay
	}
	return &Service{
		campaigns:       campaigns,
		batches:         batches,
		attempts:        attempts,
		batchSize:       batchSize,
		interBatchDelay: interBatchDelay,
		now:             time.Now,
	}
}

// EnqueueInput captures a campaign send request.
type EnqueueInput struct {
	TenantID       uuid.UUID
	Channel        domain.Channel
	WebhookURL     string
	WebhookPayload map[string]any
	Contacts       []domain.Contact
}

// Enqueue splits the contacts into batches staggered interBatchDelay apart
// and stores the campaign with all of its batches atomically.
func (s *Service) Enqueue(ctx context.Context, input EnqueueInput) (*domain.Campaign, []*domain.Batch, error) {
	if err := validateEnqueueInput(input); err != nil {
		return nil, nil, err
	}

	now := s.now().UTC()
	chunks := Partition(input.Contacts, s.batchSize)
	campaign := &domain.Campaign{
		ID:            uuid.New(),
		TenantID:      input.TenantID,
		Channel:       input.Channel,
		TotalContacts: len(input.Contacts),
		TotalBatches:  len(chunks),
		Status:        domain.CampaignStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	batches := make([]*domain.Batch, 0, len(chunks))
	for i, chunk := range chunks {
		number := i + 1
		batches = append(batches, &domain.Batch{
			ID:             uuid.New(),
			CampaignID:     campaign.ID,
			TenantID:       campaign.TenantID,
			BatchNumber:    number,
			TotalBatches:   len(chunks),
			Channel:        campaign.Channel,
			Contacts:       chunk,
			WebhookURL:     input.WebhookURL,
			WebhookPayload: copyPayload(input.WebhookPayload),
			Status:         domain.BatchStatusPending,
			ScheduledFor:   ScheduleAt(now, number, s.interBatchDelay),
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	if err := s.campaigns.CreateWithBatches(ctx, campaign, batches); err != nil {
		return nil, nil, fmt.Errorf("campaign service: enqueue: %w", err)
	}
	return campaign, batches, nil
}

// Get retrieves a campaign by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.campaigns.Get(ctx, id)
}

// List returns a tenant's most recent campaigns.
func (s *Service) List(ctx context.Context, tenantID uuid.UUID, limit int) ([]*domain.Campaign, error) {
	if tenantID == uuid.Nil {
		return nil, apperrors.Validationf("tenant_id is required")
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.campaigns.List(ctx, tenantID, limit)
}

// ListBatches returns the batches of an existing campaign.
func (s *Service) ListBatches(ctx context.Context, campaignID uuid.UUID) ([]*domain.Batch, error) {
	if _, err := s.campaigns.Get(ctx, campaignID); err != nil {
		return nil, err
	}
	return s.batches.ListByCampaign(ctx, campaignID)
}

// ListAttempts pages through the webhook attempts of a batch.
func (s *Service) ListAttempts(ctx context.Context, batchID uuid.UUID, limit int, pageState []byte) ([]domain.DispatchAttempt, []byte, error) {
	if s.attempts == nil {
		return nil, nil, ErrAttemptLogDisabled
	}
	if _, err := s.batches.GetBatch(ctx, batchID); err != nil {
		return nil, nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.attempts.ListAttempts(ctx, batchID, limit, pageState)
}

// Partition splits contacts into consecutive chunks of at most size,
// preserving order. An empty list yields no chunks.
func Partition(contacts []domain.Contact, size int) [][]domain.Contact {
	if size <= 0 {
		size = domain.DefaultBatchSize
	}
	if len(contacts) == 0 {
		return nil
	}

	chunks := make([][]domain.Contact, 0, (len(contacts)+size-1)/size)
	for start := 0; start < len(contacts); start += size {
		end := start + size
		if end > len(contacts) {
			end = len(contacts)
		}
		chunk := make([]domain.Contact, end-start)
		copy(chunk, contacts[start:end])
		chunks = append(chunks, chunk)
	}
	return chunks
}

// ScheduleAt returns the release time of the 1-based batch number.
func ScheduleAt(start time.Time, batchNumber int, delay time.Duration) time.Time {
	if batchNumber < 1 {
		batchNumber = 1
	}
	return start.Add(time.Duration(batchNumber-1) * delay)
}

func validateEnqueueInput(input EnqueueInput) error {
	var problems []string

	if input.TenantID == uuid.Nil {
		problems = append(problems, "tenant_id is required")
	}
	if !input.Channel.Valid() {
		problems = append(problems, fmt.Sprintf("unsupported channel %q", input.Channel))
	}
	if err := validateWebhookURL(input.WebhookURL); err != nil {
		problems = append(problems, err.Error())
	}
	if len(input.Contacts) == 0 {
		problems = append(problems, "at least one contact is required")
	}
	for i, c := range input.Contacts {
		if strings.TrimSpace(c.ID) == "" && strings.TrimSpace(c.Phone) == "" {
			problems = append(problems, fmt.Sprintf("contact %d needs an id or phone", i))
			break
		}
	}

	if len(problems) > 0 {
		return apperrors.Validationf("%s", strings.Join(problems, "; "))
	}
	return nil
}

func validateWebhookURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("webhook_url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return errors.New("webhook_url must be an absolute URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("webhook_url must use http or https")
	}
	return nil
}

func copyPayload(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
