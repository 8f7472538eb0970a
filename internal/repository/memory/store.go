// Package memory is a process-local implementation of the repository
// interfaces. It follows the same guarded transitions as the Postgres store
// and backs local runs and tests.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/campaign-dispatch/internal/domain"
	"github.com/acme/campaign-dispatch/internal/repository"
	apperrors "github.com/acme/campaign-dispatch/pkg/errors"
)

type credentialKey struct {
	tenantID uuid.UUID
	channel  domain.Channel
}

// Store keeps campaigns, batches, credentials and attempts behind one mutex.
type Store struct {
	mu          sync.Mutex
	campaigns   map[uuid.UUID]*domain.Campaign
	batches     map[uuid.UUID]*domain.Batch
	credentials map[credentialKey]string
	attempts    map[uuid.UUID][]domain.DispatchAttempt
}

var (
	_ repository.CampaignRepository   = (*Store)(nil)
	_ repository.BatchRepository      = (*Store)(nil)
	_ repository.ProgressRepository   = (*Store)(nil)
	_ repository.CredentialRepository = (*Store)(nil)
	_ repository.AttemptLog           = (*Store)(nil)
)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		campaigns:   make(map[uuid.UUID]*domain.Campaign),
		batches:     make(map[uuid.UUID]*domain.Batch),
		credentials: make(map[credentialKey]string),
		attempts:    make(map[uuid.UUID][]domain.DispatchAttempt),
	}
}

func (s *Store) CreateWithBatches(_ context.Context, campaign *domain.Campaign, batches []*domain.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.campaigns[campaign.ID]; ok {
		return repository.ErrConflict
	}
	for _, b := range batches {
		if _, ok := s.batches[b.ID]; ok {
			return repository.ErrConflict
		}
	}

	s.campaigns[campaign.ID] = cloneCampaign(campaign)
	for _, b := range batches {
		s.batches[b.ID] = cloneBatch(b)
	}
	return nil
}

func (s *Store) Get(_ context.Context, id uuid.UUID) (*domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneCampaign(c), nil
}

func (s *Store) List(_ context.Context, tenantID uuid.UUID, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Campaign, 0)
	for _, c := range s.campaigns {
		if c.TenantID == tenantID {
			out = append(out, cloneCampaign(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkInProgress(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if c.Status != domain.CampaignStatusPending {
		return false, nil
	}
	c.Status = domain.CampaignStatusInProgress
	c.UpdatedAt = at
	return true, nil
}

func (s *Store) ClaimDue(_ context.Context, now time.Time, limit int) ([]*domain.Batch, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*domain.Batch, 0)
	for _, b := range s.batches {
		if b.Status == domain.BatchStatusPending && !b.ScheduledFor.After(now) {
			due = append(due, b)
		}
	}
	sortBySchedule(due)
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*domain.Batch, 0, len(due))
	for _, b := range due {
		b.Status = domain.BatchStatusProcessing
		b.UpdatedAt = now
		claimed = append(claimed, cloneBatch(b))
	}
	return claimed, nil
}

func (s *Store) ListStale(_ context.Context, cutoff time.Time, limit int) ([]*domain.Batch, error) {
	if limit <= 0 {
		limit = domain.DefaultReclaimLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stale := make([]*domain.Batch, 0)
	for _, b := range s.batches {
		if b.Status == domain.BatchStatusProcessing && b.UpdatedAt.Before(cutoff) {
			stale = append(stale, cloneBatch(b))
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].UpdatedAt.Before(stale[j].UpdatedAt)
	})
	if len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (s *Store) Reclaim(_ context.Context, t repository.Transition, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[t.BatchID]
	if !ok {
		return false, repository.ErrNotFound
	}
	if b.Status != domain.BatchStatusProcessing || !b.UpdatedAt.Before(cutoff) {
		return false, nil
	}
	applyTransition(b, t)
	return true, nil
}

func (s *Store) Reschedule(_ context.Context, t repository.Transition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[t.BatchID]
	if !ok {
		return false, repository.ErrNotFound
	}
	if b.Status != domain.BatchStatusProcessing {
		return false, nil
	}
	applyTransition(b, t)
	return true, nil
}

func (s *Store) Release(_ context.Context, id uuid.UUID, scheduledFor, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if b.Status != domain.BatchStatusProcessing {
		return false, nil
	}
	b.Status = domain.BatchStatusPending
	b.ScheduledFor = scheduledFor
	b.UpdatedAt = at
	return true, nil
}

func (s *Store) ListByCampaign(_ context.Context, campaignID uuid.UUID) ([]*domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Batch, 0)
	for _, b := range s.batches {
		if b.CampaignID == campaignID {
			out = append(out, cloneBatch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].BatchNumber < out[j].BatchNumber
	})
	return out, nil
}

// GetBatch returns a copy of a batch.
func (s *Store) GetBatch(_ context.Context, id uuid.UUID) (*domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneBatch(b), nil
}

func (s *Store) RecordOutcome(_ context.Context, rec repository.OutcomeRecord) (repository.OutcomeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[rec.BatchID]
	if !ok {
		return repository.OutcomeResult{}, repository.ErrNotFound
	}
	if b.Status != domain.BatchStatusProcessing {
		return repository.OutcomeResult{}, nil
	}
	if rec.StaleBefore != nil && !b.UpdatedAt.Before(*rec.StaleBefore) {
		return repository.OutcomeResult{}, nil
	}

	at := rec.At
	b.Status = rec.Status
	b.RetryCount = rec.RetryCount
	b.ErrorMessage = cloneString(rec.ErrorMessage)
	b.ProcessedAt = &at
	b.UpdatedAt = at

	result := repository.OutcomeResult{Applied: true}
	c, ok := s.campaigns[rec.CampaignID]
	if !ok {
		return result, nil
	}
	if c.Finished() >= c.TotalBatches {
		result.Campaign = cloneCampaign(c)
		return result, nil
	}

	if rec.Status == domain.BatchStatusSent {
		c.BatchesSent++
	} else {
		c.BatchesFailed++
	}
	c.UpdatedAt = at
	switch {
	case c.Finished() >= c.TotalBatches:
		c.Status = domain.TerminalCampaignStatus(c.BatchesSent, c.BatchesFailed)
		completedAt := at
		c.CompletedAt = &completedAt
		result.Completed = true
	case c.Status == domain.CampaignStatusPending:
		c.Status = domain.CampaignStatusInProgress
	}
	result.Campaign = cloneCampaign(c)
	return result, nil
}

func (s *Store) GetCredential(_ context.Context, tenantID uuid.UUID, channel domain.Channel) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.credentials[credentialKey{tenantID: tenantID, channel: channel}]
	if !ok {
		return "", repository.ErrNotFound
	}
	return v, nil
}

func (s *Store) UpsertCredential(_ context.Context, tenantID uuid.UUID, channel domain.Channel, ciphertext string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.credentials[credentialKey{tenantID: tenantID, channel: channel}] = ciphertext
	return nil
}

func (s *Store) AppendAttempt(_ context.Context, attempt domain.DispatchAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts[attempt.BatchID] = append(s.attempts[attempt.BatchID], attempt)
	return nil
}

// ListAttempts pages through attempts oldest first. The page state is the
// decimal offset of the next item.
func (s *Store) ListAttempts(_ context.Context, batchID uuid.UUID, limit int, pageState []byte) ([]domain.DispatchAttempt, []byte, error) {
	if limit <= 0 {
		limit = 50
	}
	offset := 0
	if len(pageState) > 0 {
		n, err := strconv.Atoi(string(pageState))
		if err != nil || n < 0 {
			return nil, nil, apperrors.Validationf("invalid page state")
		}
		offset = n
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.attempts[batchID]
	if offset >= len(all) {
		return []domain.DispatchAttempt{}, nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	page := append([]domain.DispatchAttempt(nil), all[offset:end]...)
	var next []byte
	if end < len(all) {
		next = []byte(strconv.Itoa(end))
	}
	return page, next, nil
}

func applyTransition(b *domain.Batch, t repository.Transition) {
	b.Status = domain.BatchStatusPending
	b.RetryCount = t.RetryCount
	b.ScheduledFor = t.ScheduledFor
	msg := t.ErrorMessage
	b.ErrorMessage = &msg
	b.UpdatedAt = t.At
}

func sortBySchedule(batches []*domain.Batch) {
	sort.Slice(batches, func(i, j int) bool {
		if batches[i].ScheduledFor.Equal(batches[j].ScheduledFor) {
			return batches[i].BatchNumber < batches[j].BatchNumber
		}
		return batches[i].ScheduledFor.Before(batches[j].ScheduledFor)
	})
}

func cloneCampaign(c *domain.Campaign) *domain.Campaign {
	cp := *c
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func cloneBatch(b *domain.Batch) *domain.Batch {
	cp := *b
	cp.Contacts = append([]domain.Contact(nil), b.Contacts...)
	if b.WebhookPayload != nil {
		cp.WebhookPayload = make(map[string]any, len(b.WebhookPayload))
		for k, v := range b.WebhookPayload {
			cp.WebhookPayload[k] = v
		}
	}
	if b.ProcessedAt != nil {
		t := *b.ProcessedAt
		cp.ProcessedAt = &t
	}
	cp.ErrorMessage = cloneString(b.ErrorMessage)
	return &cp
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
