package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/campaign-dispatch/internal/domain"
	apperrors "github.com/acme/campaign-dispatch/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// CampaignRepository persists campaigns together with their batches.
type CampaignRepository interface {
	// CreateWithBatches writes the campaign and every batch atomically.
	CreateWithBatches(ctx context.Context, campaign *domain.Campaign, batches []*domain.Batch) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	List(ctx context.Context, tenantID uuid.UUID, limit int) ([]*domain.Campaign, error)
	// MarkInProgress moves a pending campaign to in_progress. It reports false
	// when the campaign had already left pending.
	MarkInProgress(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
}

// BatchRepository owns the batch state machine up to, but not including,
// terminal transitions, which go through ProgressRepository.
type BatchRepository interface {
	// ClaimDue atomically moves up to limit due pending batches to processing
	// and returns them ordered by scheduled_for.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.Batch, error)
	// ListStale returns processing batches last touched before cutoff.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Batch, error)
	// Reclaim returns a stale processing batch to pending. It reports false
	// when the row was no longer processing or was touched after cutoff.
	Reclaim(ctx context.Context, t Transition, cutoff time.Time) (bool, error)
	// Reschedule returns a processing batch to pending for another attempt.
	Reschedule(ctx context.Context, t Transition) (bool, error)
	// Release returns a processing batch to pending without consuming a retry.
	Release(ctx context.Context, id uuid.UUID, scheduledFor, at time.Time) (bool, error)
	GetBatch(ctx context.Context, id uuid.UUID) (*domain.Batch, error)
	ListByCampaign(ctx context.Context, campaignID uuid.UUID) ([]*domain.Batch, error)
}

// ProgressRepository applies terminal batch outcomes and campaign counters together.
type ProgressRepository interface {
	RecordOutcome(ctx context.Context, rec OutcomeRecord) (OutcomeResult, error)
}

// CredentialRepository stores encrypted tenant webhook secrets.
type CredentialRepository interface {
	GetCredential(ctx context.Context, tenantID uuid.UUID, channel domain.Channel) (string, error)
	UpsertCredential(ctx context.Context, tenantID uuid.UUID, channel domain.Channel, ciphertext string, at time.Time) error
}

// AttemptLog keeps an append-only audit of webhook calls.
type AttemptLog interface {
	AppendAttempt(ctx context.Context, attempt domain.DispatchAttempt) error
	ListAttempts(ctx context.Context, batchID uuid.UUID, limit int, pageState []byte) ([]domain.DispatchAttempt, []byte, error)
}

// Transition describes a non-terminal batch state change decided by the retry policy.
type Transition struct {
	BatchID      uuid.UUID
	RetryCount   int
	ScheduledFor time.Time
	ErrorMessage string
	At           time.Time
}

// OutcomeRecord is a terminal batch outcome to be folded into campaign progress.
type OutcomeRecord struct {
	BatchID      uuid.UUID
	CampaignID   uuid.UUID
	Status       domain.BatchStatus
	RetryCount   int
	ErrorMessage *string
	At           time.Time
	// StaleBefore, when set, restricts the update to rows untouched since then.
	StaleBefore *time.Time
}

// OutcomeResult reports what RecordOutcome changed.
type OutcomeResult struct {
	Applied   bool
	Completed bool
	Campaign  *domain.Campaign
}
