package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/acme/campaign-dispatch/internal/domain"
	"github.com/acme/campaign-dispatch/internal/repository"
)

// ProgressRepository folds terminal batch outcomes into campaign counters.
type ProgressRepository struct {
	db *sqlx.DB
}

// NewProgressRepository builds the repository.
func NewProgressRepository(db *sqlx.DB) *ProgressRepository {
	return &ProgressRepository{db: db}
}

// RecordOutcome finalises the batch and bumps the campaign counter in one
// transaction. The counter update is guarded so a campaign never counts more
// terminal batches than it has, and the statement that reaches the total is
// the only one that sets the terminal status and completed_at.
func (r *ProgressRepository) RecordOutcome(ctx context.Context, rec repository.OutcomeRecord) (repository.OutcomeResult, error) {
	var result repository.OutcomeResult

	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE campaign_queue SET
			status = $2, retry_count = $3, error_message = $4, processed_at = $5, updated_at = $5
			WHERE id = $1 AND status = 'processing'
			  AND ($6::timestamptz IS NULL OR updated_at < $6::timestamptz)`,
			rec.BatchID, string(rec.Status), rec.RetryCount, rec.ErrorMessage, rec.At, rec.StaleBefore)
		if err != nil {
			return fmt.Errorf("progress repo: finalise batch: %w", err)
		}
		ok, err := applied(res)
		if err != nil {
			return fmt.Errorf("progress repo: %w", err)
		}
		if !ok {
			return nil
		}
		result.Applied = true

		var sentDelta, failedDelta int
		if rec.Status == domain.BatchStatusSent {
			sentDelta = 1
		} else {
			failedDelta = 1
		}

		var record campaignRecord
		rows, err := tx.QueryxContext(ctx, `UPDATE campaigns SET
			batches_sent = batches_sent + $2,
			batches_failed = batches_failed + $3,
			status = CASE
				WHEN batches_sent + batches_failed + 1 >= total_batches THEN
					CASE WHEN batches_sent + $2 = 0 THEN 'failed' ELSE 'completed' END
				WHEN status = 'pending' THEN 'in_progress'
				ELSE status
			END,
			completed_at = CASE
				WHEN batches_sent + batches_failed + 1 >= total_batches THEN $4
				ELSE completed_at
			END,
			updated_at = $4
			WHERE id = $1 AND batches_sent + batches_failed < total_batches
			RETURNING `+campaignColumns, rec.CampaignID, sentDelta, failedDelta, rec.At)
		if err != nil {
			return fmt.Errorf("progress repo: increment campaign: %w", err)
		}
		defer rows.Close()

		if rows.Next() {
			if err := rows.StructScan(&record); err != nil {
				return fmt.Errorf("progress repo: scan campaign: %w", err)
			}
			campaign := record.toDomain()
			result.Campaign = &campaign
			result.Completed = campaign.Finished() >= campaign.TotalBatches
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("progress repo: rows err: %w", err)
		}
		return nil
	})
	if err != nil {
		return repository.OutcomeResult{}, err
	}
	return result, nil
}
