package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/campaign-dispatch/internal/domain"
	"github.com/acme/campaign-dispatch/internal/repository"
)

const batchColumns = `id, campaign_id, tenant_id, batch_number, total_batches, channel, contacts,
	webhook_url, webhook_payload, status, retry_count, scheduled_for, processed_at, error_message,
	created_at, updated_at`

// claimDueQuery locks due rows with SKIP LOCKED so overlapping runs never
// see the same row, and re-checks status on the update itself.
const claimDueQuery = `WITH due AS (
	SELECT id FROM campaign_queue
	 WHERE status = 'pending' AND scheduled_for <= $1
	 ORDER BY scheduled_for ASC, batch_number ASC
	 LIMIT $2
	 FOR UPDATE SKIP LOCKED
)
UPDATE campaign_queue q
   SET status = 'processing', updated_at = $1
  FROM due
 WHERE q.id = due.id AND q.status = 'pending'
RETURNING q.id, q.campaign_id, q.tenant_id, q.batch_number, q.total_batches, q.channel, q.contacts,
	q.webhook_url, q.webhook_payload, q.status, q.retry_count, q.scheduled_for, q.processed_at,
	q.error_message, q.created_at, q.updated_at`

// BatchRepository implements repository.BatchRepository over the campaign_queue table.
type BatchRepository struct {
	db *sqlx.DB
}

// NewBatchRepository constructs the repository.
func NewBatchRepository(db *sqlx.DB) *BatchRepository {
	return &BatchRepository{db: db}
}

// ClaimDue moves up to limit due batches to processing in a single statement.
func (r *BatchRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.Batch, error) {
	if limit <= 0 {
		return nil, nil
	}

	batches, err := r.query(ctx, claimDueQuery, now, limit)
	if err != nil {
		return nil, fmt.Errorf("batch repo: claim due: %w", err)
	}
	// RETURNING order is unspecified.
	sort.SliceStable(batches, func(i, j int) bool {
		if batches[i].ScheduledFor.Equal(batches[j].ScheduledFor) {
			return batches[i].BatchNumber < batches[j].BatchNumber
		}
		return batches[i].ScheduledFor.Before(batches[j].ScheduledFor)
	})
	return batches, nil
}

// ListStale lists processing batches untouched since cutoff.
func (r *BatchRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Batch, error) {
	if limit <= 0 {
		limit = domain.DefaultReclaimLimit
	}
	batches, err := r.query(ctx, `SELECT `+batchColumns+` FROM campaign_queue
		WHERE status = 'processing' AND updated_at < $1
		ORDER BY updated_at ASC LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("batch repo: list stale: %w", err)
	}
	return batches, nil
}

// Reclaim returns a stale batch to pending.
func (r *BatchRepository) Reclaim(ctx context.Context, t repository.Transition, cutoff time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE campaign_queue SET
		status = 'pending', retry_count = $2, scheduled_for = $3, error_message = $4, updated_at = $5
		WHERE id = $1 AND status = 'processing' AND updated_at < $6`,
		t.BatchID, t.RetryCount, t.ScheduledFor, t.ErrorMessage, t.At, cutoff)
	if err != nil {
		return false, fmt.Errorf("batch repo: reclaim: %w", err)
	}
	return applied(res)
}

// Reschedule returns a processing batch to pending for a later retry.
func (r *BatchRepository) Reschedule(ctx context.Context, t repository.Transition) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE campaign_queue SET
		status = 'pending', retry_count = $2, scheduled_for = $3, error_message = $4, updated_at = $5
		WHERE id = $1 AND status = 'processing'`,
		t.BatchID, t.RetryCount, t.ScheduledFor, t.ErrorMessage, t.At)
	if err != nil {
		return false, fmt.Errorf("batch repo: reschedule: %w", err)
	}
	return applied(res)
}

// Release hands a claimed batch back without touching retry_count.
func (r *BatchRepository) Release(ctx context.Context, id uuid.UUID, scheduledFor, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE campaign_queue SET
		status = 'pending', scheduled_for = $2, updated_at = $3
		WHERE id = $1 AND status = 'processing'`, id, scheduledFor, at)
	if err != nil {
		return false, fmt.Errorf("batch repo: release: %w", err)
	}
	return applied(res)
}

// GetBatch fetches one batch.
func (r *BatchRepository) GetBatch(ctx context.Context, id uuid.UUID) (*domain.Batch, error) {
	var record batchRecord
	err := r.db.GetContext(ctx, &record, `SELECT `+batchColumns+` FROM campaign_queue WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("batch repo: get: %w", err)
	}
	return record.toDomain()
}

// ListByCampaign returns every batch of a campaign in batch order.
func (r *BatchRepository) ListByCampaign(ctx context.Context, campaignID uuid.UUID) ([]*domain.Batch, error) {
	batches, err := r.query(ctx, `SELECT `+batchColumns+` FROM campaign_queue
		WHERE campaign_id = $1 ORDER BY batch_number ASC`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("batch repo: list by campaign: %w", err)
	}
	return batches, nil
}

func (r *BatchRepository) query(ctx context.Context, q string, args ...any) ([]*domain.Batch, error) {
	rows, err := r.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*domain.Batch
	for rows.Next() {
		var record batchRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		batch, err := record.toDomain()
		if err != nil {
			return nil, err
		}
		results = append(results, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows err: %w", err)
	}
	return results, nil
}

type batchRecord struct {
	ID             uuid.UUID      `db:"id"`
	CampaignID     uuid.UUID      `db:"campaign_id"`
	TenantID       uuid.UUID      `db:"tenant_id"`
	BatchNumber    int            `db:"batch_number"`
	TotalBatches   int            `db:"total_batches"`
	Channel        string         `db:"channel"`
	Contacts       []byte         `db:"contacts"`
	WebhookURL     string         `db:"webhook_url"`
	WebhookPayload []byte         `db:"webhook_payload"`
	Status         string         `db:"status"`
	RetryCount     int            `db:"retry_count"`
	ScheduledFor   time.Time      `db:"scheduled_for"`
	ProcessedAt    sql.NullTime   `db:"processed_at"`
	ErrorMessage   sql.NullString `db:"error_message"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r batchRecord) toDomain() (*domain.Batch, error) {
	batch := &domain.Batch{
		ID:           r.ID,
		CampaignID:   r.CampaignID,
		TenantID:     r.TenantID,
		BatchNumber:  r.BatchNumber,
		TotalBatches: r.TotalBatches,
		Channel:      domain.Channel(r.Channel),
		WebhookURL:   r.WebhookURL,
		Status:       domain.BatchStatus(r.Status),
		RetryCount:   r.RetryCount,
		ScheduledFor: r.ScheduledFor,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if len(r.Contacts) > 0 {
		if err := json.Unmarshal(r.Contacts, &batch.Contacts); err != nil {
			return nil, fmt.Errorf("batch %s: decode contacts: %w", r.ID, err)
		}
	}
	if len(r.WebhookPayload) > 0 {
		if err := json.Unmarshal(r.WebhookPayload, &batch.WebhookPayload); err != nil {
			return nil, fmt.Errorf("batch %s: decode payload: %w", r.ID, err)
		}
	}
	if r.ProcessedAt.Valid {
		t := r.ProcessedAt.Time
		batch.ProcessedAt = &t
	}
	if r.ErrorMessage.Valid {
		msg := r.ErrorMessage.String
		batch.ErrorMessage = &msg
	}
	return batch, nil
}
