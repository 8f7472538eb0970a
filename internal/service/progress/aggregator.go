// Package progress folds terminal batch outcomes into campaign progress and
// announces campaign lifecycle transitions.
package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/campaign-dispatch/internal/queue"
	"github.com/acme/campaign-dispatch/internal/repository"
	"github.com/acme/campaign-dispatch/pkg/logger"
)

// Aggregator owns the only path by which batches become terminal.
type Aggregator struct {
	campaigns repository.CampaignRepository
	progress  repository.ProgressRepository
	publisher queue.Publisher
	logger    *logger.Logger
	now       func() time.Time
}

// NewAggregator wires the aggregator. A nil publisher drops events.
func NewAggregator(campaigns repository.CampaignRepository, progress repository.ProgressRepository, publisher queue.Publisher, log *logger.Logger) *Aggregator {
	if publisher == nil {
		publisher = queue.NopPublisher{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Aggregator{
		campaigns: campaigns,
		progress:  progress,
		publisher: publisher,
		logger:    log.Component("progress"),
		now:       time.Now,
	}
}

// Start moves a pending campaign to in_progress and announces it once.
func (a *Aggregator) Start(ctx context.Context, campaignID uuid.UUID) error {
	now := a.now().UTC()
	started, err := a.campaigns.MarkInProgress(ctx, campaignID, now)
	if err != nil {
		return fmt.Errorf("progress: start campaign %s: %w", campaignID, err)
	}
	if !started {
		return nil
	}

	campaign, err := a.campaigns.Get(ctx, campaignID)
	if err != nil {
		a.logger.Warn("progress: reload started campaign", zap.String("campaign_id", campaignID.String()), zap.Error(err))
		return nil
	}
	a.publish(ctx, queue.NewCampaignEvent(queue.EventCampaignStarted, campaign, now))
	return nil
}

// Record applies a terminal outcome. A false Applied means another actor
// already finalised or moved the batch; nothing was counted.
func (a *Aggregator) Record(ctx context.Context, rec repository.OutcomeRecord) (repository.OutcomeResult, error) {
	res, err := a.progress.RecordOutcome(ctx, rec)
	if err != nil {
		return repository.OutcomeResult{}, fmt.Errorf("progress: record batch %s: %w", rec.BatchID, err)
	}
	if !res.Applied {
		a.logger.Info("progress: outcome skipped, batch no longer processing",
			zap.String("batch_id", rec.BatchID.String()),
			zap.String("status", string(rec.Status)),
		)
		return res, nil
	}

	if res.Completed && res.Campaign != nil {
		a.logger.Info("progress: campaign finished",
			zap.String("campaign_id", res.Campaign.ID.String()),
			zap.String("status", string(res.Campaign.Status)),
			zap.Int("batches_sent", res.Campaign.BatchesSent),
			zap.Int("batches_failed", res.Campaign.BatchesFailed),
		)
		a.publish(ctx, queue.NewCampaignEvent(queue.EventCampaignCompleted, res.Campaign, rec.At))
	}
	return res, nil
}

func (a *Aggregator) publish(ctx context.Context, evt queue.CampaignEvent) {
	if err := a.publisher.Publish(ctx, evt); err != nil {
		a.logger.Warn("progress: publish event failed",
			zap.String("type", evt.Type),
			zap.String("campaign_id", evt.CampaignID.String()),
			zap.Error(err),
		)
	}
}
