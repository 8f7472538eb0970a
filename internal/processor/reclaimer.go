package processor

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/campaign-dispatch/internal/domain"
	"github.com/acme/campaign-dispatch/internal/metrics"
	"github.com/acme/campaign-dispatch/internal/repository"
	"github.com/acme/campaign-dispatch/internal/service/retry"
	"github.com/acme/campaign-dispatch/pkg/logger"
)

// Reclaimer recovers batches whose owning run died while they were processing.
type Reclaimer struct {
	batches    repository.BatchRepository
	progress   ProgressRecorder
	policy     retry.Policy
	staleAfter time.Duration
	limit      int
	logger     *logger.Logger
}

// NewReclaimer builds a reclaimer.
func NewReclaimer(batches repository.BatchRepository, progress ProgressRecorder, policy retry.Policy, staleAfter time.Duration, limit int, log *logger.Logger) *Reclaimer {
	if staleAfter <= 0 {
		staleAfter = domain.DefaultStaleAfter
	}
	if limit <= 0 {
		limit = domain.DefaultReclaimLimit
	}
	return &Reclaimer{
		batches:    batches,
		progress:   progress,
		policy:     policy,
		staleAfter: staleAfter,
		limit:      limit,
		logger:     log.Component("reclaimer"),
	}
}

// Reclaim charges one attempt to every stale batch and either re-queues it
// for immediate dispatch or fails it when no attempts remain. It returns the
// number of rows it changed. Only the listing error is fatal.
func (r *Reclaimer) Reclaim(ctx context.Context, now time.Time) (int, error) {
	ctx, span := tracer.Start(ctx, "queue.reclaim")
	defer span.End()

	cutoff := now.Add(-r.staleAfter)
	stale, err := r.batches.ListStale(ctx, cutoff, r.limit)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("reclaimer: list stale: %w", err)
	}
	span.SetAttributes(attribute.Int("batches.stale", len(stale)))

	reclaimed := 0
	for _, b := range stale {
		fields := []zap.Field{
			zap.String("batch_id", b.ID.String()),
			zap.String("campaign_id", b.CampaignID.String()),
			zap.Int("retry_count", b.RetryCount),
			zap.Time("updated_at", b.UpdatedAt),
		}

		ok, err := r.reclaimOne(ctx, b, now, cutoff)
		if err != nil {
			span.RecordError(err)
			r.logger.Error("reclaimer: batch not reclaimed", append(fields, zap.Error(err))...)
			continue
		}
		if !ok {
			r.logger.Debug("reclaimer: batch moved on before reclaim", fields...)
			continue
		}
		reclaimed++
		metrics.BatchesReclaimed.Inc()
		r.logger.Warn("reclaimer: recovered abandoned batch", fields...)
	}

	if reclaimed > 0 {
		r.logger.Info("reclaimer: sweep finished", zap.Int("reclaimed", reclaimed), zap.Int("stale", len(stale)))
	}
	return reclaimed, nil
}

func (r *Reclaimer) reclaimOne(ctx context.Context, b *domain.Batch, now, cutoff time.Time) (bool, error) {
	d := r.policy.OnAbandoned(b, now)

	if d.Action == retry.ActionReschedule {
		return r.batches.Reclaim(ctx, repository.Transition{
			BatchID:      b.ID,
			RetryCount:   d.RetryCount,
			ScheduledFor: d.ScheduledFor,
			ErrorMessage: *d.ErrorMessage,
			At:           now,
		}, cutoff)
	}

	res, err := r.progress.Record(ctx, repository.OutcomeRecord{
		BatchID:      b.ID,
		CampaignID:   b.CampaignID,
		Status:       d.Status,
		RetryCount:   d.RetryCount,
		ErrorMessage: d.ErrorMessage,
		At:           now,
		StaleBefore:  &cutoff,
	})
	if err != nil {
		return false, err
	}
	return res.Applied, nil
}
