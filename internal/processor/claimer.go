package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/campaign-dispatch/internal/domain"
	"github.com/acme/campaign-dispatch/internal/repository"
	"github.com/acme/campaign-dispatch/pkg/logger"
)

// Claimer takes exclusive ownership of due batches.
type Claimer struct {
	batches  repository.BatchRepository
	progress ProgressRecorder
	limit    int
	logger   *logger.Logger
}

// NewClaimer builds a claimer that takes at most limit batches per call.
func NewClaimer(batches repository.BatchRepository, progress ProgressRecorder, limit int, log *logger.Logger) *Claimer {
	if limit <= 0 {
		limit = domain.DefaultMaxBatchesPerRun
	}
	return &Claimer{batches: batches, progress: progress, limit: limit, logger: log.Component("claimer")}
}

// Claim moves due batches to processing and marks their campaigns started.
func (c *Claimer) Claim(ctx context.Context, now time.Time) ([]*domain.Batch, error) {
	ctx, span := tracer.Start(ctx, "queue.claim")
	defer span.End()

	claimed, err := c.batches.ClaimDue(ctx, now, c.limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("claimer: claim due: %w", err)
	}
	span.SetAttributes(attribute.Int("batches.claimed", len(claimed)))

	started := make(map[uuid.UUID]struct{})
	for _, b := range claimed {
		if _, ok := started[b.CampaignID]; ok {
			continue
		}
		started[b.CampaignID] = struct{}{}
		if err := c.progress.Start(ctx, b.CampaignID); err != nil {
			c.logger.Warn("claimer: mark campaign started", zap.String("campaign_id", b.CampaignID.String()), zap.Error(err))
		}
	}

	if len(claimed) > 0 {
		c.logger.Info("claimer: claimed batches", zap.Int("count", len(claimed)), zap.Int("limit", c.limit))
	}
	return claimed, nil
}
