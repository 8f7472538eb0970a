package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/campaign-dispatch/internal/domain"
	"github.com/acme/campaign-dispatch/internal/repository"
)

const campaignColumns = `id, tenant_id, channel, total_contacts, total_batches, batches_sent, batches_failed,
	status, created_at, updated_at, completed_at`

// CampaignRepository implements repository.CampaignRepository using PostgreSQL.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository constructs a new repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// CreateWithBatches inserts the campaign row and all of its queue rows in one transaction.
func (r *CampaignRepository) CreateWithBatches(ctx context.Context, campaign *domain.Campaign, batches []*domain.Batch) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, `INSERT INTO campaigns (
			id, tenant_id, channel, total_contacts, total_batches, batches_sent, batches_failed,
			status, created_at, updated_at, completed_at
		) VALUES (
			:id, :tenant_id, :channel, :total_contacts, :total_batches, :batches_sent, :batches_failed,
			:status, :created_at, :updated_at, :completed_at
		)`, map[string]any{
			"id":             campaign.ID,
			"tenant_id":      campaign.TenantID,
			"channel":        string(campaign.Channel),
			"total_contacts": campaign.TotalContacts,
			"total_batches":  campaign.TotalBatches,
			"batches_sent":   campaign.BatchesSent,
			"batches_failed": campaign.BatchesFailed,
			"status":         string(campaign.Status),
			"created_at":     campaign.CreatedAt,
			"updated_at":     campaign.UpdatedAt,
			"completed_at":   campaign.CompletedAt,
		})
		if err != nil {
			return fmt.Errorf("campaign repo: insert campaign: %w", mapWriteError(err))
		}

		if len(batches) == 0 {
			return nil
		}

		rows := make([]map[string]any, 0, len(batches))
		for _, b := range batches {
			contacts, err := json.Marshal(b.Contacts)
			if err != nil {
				return fmt.Errorf("campaign repo: marshal contacts: %w", err)
			}
			payload, err := json.Marshal(b.WebhookPayload)
			if err != nil {
				return fmt.Errorf("campaign repo: marshal payload: %w", err)
			}
			rows = append(rows, map[string]any{
				"id":              b.ID,
				"campaign_id":     b.CampaignID,
				"tenant_id":       b.TenantID,
				"batch_number":    b.BatchNumber,
				"total_batches":   b.TotalBatches,
				"channel":         string(b.Channel),
				"contacts":        contacts,
				"webhook_url":     b.WebhookURL,
				"webhook_payload": payload,
				"status":          string(b.Status),
				"retry_count":     b.RetryCount,
				"scheduled_for":   b.ScheduledFor,
				"created_at":      b.CreatedAt,
				"updated_at":      b.UpdatedAt,
			})
		}

		if _, err := tx.NamedExecContext(ctx, `INSERT INTO campaign_queue (
			id, campaign_id, tenant_id, batch_number, total_batches, channel, contacts,
			webhook_url, webhook_payload, status, retry_count, scheduled_for, created_at, updated_at
		) VALUES (
			:id, :campaign_id, :tenant_id, :batch_number, :total_batches, :channel, :contacts,
			:webhook_url, :webhook_payload, :status, :retry_count, :scheduled_for, :created_at, :updated_at
		)`, rows); err != nil {
			return fmt.Errorf("campaign repo: insert batches: %w", mapWriteError(err))
		}
		return nil
	})
}

// Get fetches a campaign by id.
func (r *CampaignRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return getCampaign(ctx, r.db, id)
}

// List returns a tenant's campaigns, newest first.
func (r *CampaignRepository) List(ctx context.Context, tenantID uuid.UUID, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT `+campaignColumns+`
		FROM campaigns WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list: %w", err)
	}
	defer rows.Close()

	var results []*domain.Campaign
	for rows.Next() {
		var record campaignRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("campaign repo: scan: %w", err)
		}
		campaign := record.toDomain()
		results = append(results, &campaign)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: rows err: %w", err)
	}
	return results, nil
}

// MarkInProgress flips a pending campaign to in_progress.
func (r *CampaignRepository) MarkInProgress(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE campaigns SET status = 'in_progress', updated_at = $2
		WHERE id = $1 AND status = 'pending'`, id, at)
	if err != nil {
		return false, fmt.Errorf("campaign repo: mark in progress: %w", err)
	}
	ok, err := applied(res)
	if err != nil {
		return false, fmt.Errorf("campaign repo: %w", err)
	}
	return ok, nil
}

func getCampaign(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID) (*domain.Campaign, error) {
	var record campaignRecord
	err := sqlx.GetContext(ctx, q, &record, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign repo: get: %w", err)
	}
	campaign := record.toDomain()
	return &campaign, nil
}

type campaignRecord struct {
	ID            uuid.UUID    `db:"id"`
	TenantID      uuid.UUID    `db:"tenant_id"`
	Channel       string       `db:"channel"`
	TotalContacts int          `db:"total_contacts"`
	TotalBatches  int          `db:"total_batches"`
	BatchesSent   int          `db:"batches_sent"`
	BatchesFailed int          `db:"batches_failed"`
	Status        string       `db:"status"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
	CompletedAt   sql.NullTime `db:"completed_at"`
}

func (r campaignRecord) toDomain() domain.Campaign {
	campaign := domain.Campaign{
		ID:            r.ID,
		TenantID:      r.TenantID,
		Channel:       domain.Channel(r.Channel),
		TotalContacts: r.TotalContacts,
		TotalBatches:  r.TotalBatches,
		BatchesSent:   r.BatchesSent,
		BatchesFailed: r.BatchesFailed,
		Status:        domain.CampaignStatus(r.Status),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		campaign.CompletedAt = &t
	}
	return campaign
}
