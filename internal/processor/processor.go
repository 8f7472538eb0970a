// Package processor drains the campaign batch queue: it reclaims abandoned
// batches, claims due ones and dispatches them one at a time.
package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/campaign-dispatch/internal/domain"
	"github.com/acme/campaign-dispatch/internal/metrics"
	"github.com/acme/campaign-dispatch/internal/repository"
	"github.com/acme/campaign-dispatch/internal/service/dispatch"
	"github.com/acme/campaign-dispatch/internal/service/retry"
	"github.com/acme/campaign-dispatch/pkg/logger"
)

var tracer = otel.Tracer("dispatch.processor")

// stateWriteTimeout bounds the writes that record a dispatch result once the
// webhook call has returned, even if the run context is gone by then.
const stateWriteTimeout = 10 * time.Second

// Dispatcher delivers one batch.
type Dispatcher interface {
	Dispatch(ctx context.Context, batch *domain.Batch) dispatch.Outcome
}

// ProgressRecorder is the progress aggregator as seen by the queue.
type ProgressRecorder interface {
	Start(ctx context.Context, campaignID uuid.UUID) error
	Record(ctx context.Context, rec repository.OutcomeRecord) (repository.OutcomeResult, error)
}

// Throttle bounds concurrent dispatches per tenant and channel.
type Throttle interface {
	Acquire(ctx context.Context, tenantID uuid.UUID, channel domain.Channel) (bool, error)
	Release(ctx context.Context, tenantID uuid.UUID, channel domain.Channel) error
}

// RunStats summarises one ProcessQueue call. Processed counts every claimed
// batch; Failed counts failed webhook attempts whether or not they were retried.
type RunStats struct {
	Processed  int `json:"processed"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Retried    int `json:"retried"`
	Exhausted  int `json:"exhausted"`
	Deferred   int `json:"deferred"`
	Reclaimed  int `json:"reclaimed"`
}

// Deps are the collaborators of a Processor. Throttle and Attempts are optional.
type Deps struct {
	Batches    repository.BatchRepository
	Progress   ProgressRecorder
	Dispatcher Dispatcher
	Throttle   Throttle
	Attempts   repository.AttemptLog
	Logger     *logger.Logger
}

// Options tune a Processor. Zero values take the queue defaults.
type Options struct {
	MaxBatchesPerRun int
	StaleAfter       time.Duration
	ReclaimLimit     int
	DeferDelay       time.Duration
	Policy           retry.Policy
}

// Processor runs the queue.
type Processor struct {
	batches    repository.BatchRepository
	progress   ProgressRecorder
	dispatcher Dispatcher
	throttle   Throttle
	attempts   repository.AttemptLog
	reclaimer  *Reclaimer
	claimer    *Claimer
	policy     retry.Policy
	deferDelay time.Duration
	logger     *logger.Logger
	now        func() time.Time
}

// New constructs a Processor.
func New(deps Deps, opts Options) *Processor {
	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}
	policy := retry.NewPolicy(opts.Policy.MaxRetries, opts.Policy.RetryDelay)
	deferDelay := opts.DeferDelay
	if deferDelay <= 0 {
		deferDelay = 30 * time.Second
	}

	return &Processor{
		batches:    deps.Batches,
		progress:   deps.Progress,
		dispatcher: deps.Dispatcher,
		throttle:   deps.Throttle,
		attempts:   deps.Attempts,
		reclaimer:  NewReclaimer(deps.Batches, deps.Progress, policy, opts.StaleAfter, opts.ReclaimLimit, log),
		claimer:    NewClaimer(deps.Batches, deps.Progress, opts.MaxBatchesPerRun, log),
		policy:     policy,
		deferDelay: deferDelay,
		logger:     log.Component("processor"),
		now:        time.Now,
	}
}

// ProcessQueue performs one pass over the queue. Failures of individual
// batches are recorded on the batch and never fail the run; only an
// unreachable store does.
func (p *Processor) ProcessQueue(ctx context.Context) (stats RunStats, err error) {
	ctx, span := tracer.Start(ctx, "queue.process")
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		metrics.RecordRun(err)
		span.End()
	}()

	now := p.now().UTC()

	stats.Reclaimed, err = p.reclaimer.Reclaim(ctx, now)
	if err != nil {
		return stats, fmt.Errorf("processor: %w", err)
	}

	claimed, err := p.claimer.Claim(ctx, now)
	if err != nil {
		return stats, fmt.Errorf("processor: %w", err)
	}
	span.SetAttributes(attribute.Int("batches.claimed", len(claimed)))

	for i, b := range claimed {
		if ctx.Err() != nil {
			p.releaseRemaining(ctx, claimed[i:])
			break
		}
		if !p.processBatch(ctx, b, &stats) {
			if rest := claimed[i+1:]; len(rest) > 0 {
				p.releaseRemaining(ctx, rest)
			}
			break
		}
	}

	if stats != (RunStats{}) {
		p.logger.Info("processor: run finished",
			zap.Int("processed", stats.Processed),
			zap.Int("successful", stats.Successful),
			zap.Int("failed", stats.Failed),
			zap.Int("retried", stats.Retried),
			zap.Int("exhausted", stats.Exhausted),
			zap.Int("deferred", stats.Deferred),
			zap.Int("reclaimed", stats.Reclaimed),
		)
	}
	return stats, nil
}

// processBatch reports false when the rest of the run cannot be dispatched.
func (p *Processor) processBatch(ctx context.Context, b *domain.Batch, stats *RunStats) bool {
	ctx, span := tracer.Start(ctx, "batch.dispatch", trace.WithAttributes(
		attribute.String("batch.id", b.ID.String()),
		attribute.String("campaign.id", b.CampaignID.String()),
		attribute.Int("batch.number", b.BatchNumber),
		attribute.Int("batch.retry_count", b.RetryCount),
	))
	defer span.End()

	fields := []zap.Field{
		zap.String("batch_id", b.ID.String()),
		zap.String("campaign_id", b.CampaignID.String()),
		zap.Int("batch_number", b.BatchNumber),
		zap.Int("total_batches", b.TotalBatches),
	}

	if p.throttle != nil {
		admitted, err := p.throttle.Acquire(ctx, b.TenantID, b.Channel)
		switch {
		case err != nil:
			p.logger.Warn("processor: throttle unavailable, dispatching anyway", append(fields, zap.Error(err))...)
		case !admitted:
			p.deferBatch(ctx, b, stats, fields)
			return true
		default:
			defer func() {
				if err := p.throttle.Release(context.WithoutCancel(ctx), b.TenantID, b.Channel); err != nil {
					p.logger.Warn("processor: throttle release", append(fields, zap.Error(err))...)
				}
			}()
		}
	}

	outcome := p.dispatcher.Dispatch(ctx, b)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stateWriteTimeout)
	defer cancel()

	now := p.now().UTC()

	// Nothing went on the wire: hand the batch back as it was.
	if outcome.Kind == dispatch.KindDeferred {
		stats.Processed++
		stats.Deferred++
		metrics.BatchesDeferred.Inc()
		metrics.RecordOutcome(string(b.Channel), "deferred")
		if _, err := p.batches.Release(writeCtx, b.ID, b.ScheduledFor, now); err != nil {
			p.logger.Error("processor: release paced batch", append(fields, zap.Error(err))...)
		}
		p.logger.Info("processor: webhook pacing exhausted for this run, batch released", append(fields, zap.String("reason", outcome.Reason))...)
		return false
	}

	if outcome.Kind != dispatch.KindConfiguration {
		metrics.RecordWebhook(string(b.Channel), outcome.Success, outcome.Duration)
	}
	p.logAttempt(writeCtx, b, outcome, now)
	stats.Processed++

	// A run cut short mid-request hands the batch back without charging it.
	if !outcome.Success && ctx.Err() != nil {
		stats.Deferred++
		if _, err := p.batches.Release(writeCtx, b.ID, now, now); err != nil {
			p.logger.Error("processor: release interrupted batch", append(fields, zap.Error(err))...)
		}
		return false
	}

	var d retry.Decision
	if outcome.Success {
		stats.Successful++
		d = p.policy.OnSuccess(b, now)
	} else {
		stats.Failed++
		span.SetAttributes(attribute.String("failure.kind", string(outcome.Kind)))
		d = p.policy.OnFailure(b, outcome.Reason, now)
	}

	if err := p.apply(writeCtx, b, d, now, stats, fields); err != nil {
		span.RecordError(err)
		p.logger.Error("processor: could not record batch result", append(fields, zap.Error(err))...)
	}
	return true
}

func (p *Processor) apply(ctx context.Context, b *domain.Batch, d retry.Decision, now time.Time, stats *RunStats, fields []zap.Field) error {
	fields = append(fields, zap.Int("retry_count", d.RetryCount))

	if d.Action == retry.ActionReschedule {
		ok, err := p.batches.Reschedule(ctx, repository.Transition{
			BatchID:      b.ID,
			RetryCount:   d.RetryCount,
			ScheduledFor: d.ScheduledFor,
			ErrorMessage: *d.ErrorMessage,
			At:           now,
		})
		if err != nil {
			return fmt.Errorf("reschedule: %w", err)
		}
		if !ok {
			p.logger.Warn("processor: batch ownership lost before reschedule", fields...)
			return nil
		}
		stats.Retried++
		metrics.RecordOutcome(string(b.Channel), "retried")
		p.logger.Info("processor: batch scheduled for retry",
			append(fields, zap.Time("scheduled_for", d.ScheduledFor), zap.String("error", *d.ErrorMessage))...)
		return nil
	}

	res, err := p.progress.Record(ctx, repository.OutcomeRecord{
		BatchID:      b.ID,
		CampaignID:   b.CampaignID,
		Status:       d.Status,
		RetryCount:   d.RetryCount,
		ErrorMessage: d.ErrorMessage,
		At:           now,
	})
	if err != nil {
		return err
	}
	if !res.Applied {
		p.logger.Warn("processor: batch ownership lost before completion", fields...)
		return nil
	}

	if d.Exhausted() {
		stats.Exhausted++
		metrics.RecordOutcome(string(b.Channel), "exhausted")
		p.logger.Error("processor: batch failed permanently", append(fields, zap.String("error", *d.ErrorMessage))...)
		return nil
	}
	metrics.RecordOutcome(string(b.Channel), "sent")
	p.logger.Info("processor: batch sent", fields...)
	return nil
}

func (p *Processor) deferBatch(ctx context.Context, b *domain.Batch, stats *RunStats, fields []zap.Field) {
	now := p.now().UTC()
	next := now.Add(p.deferDelay)

	stats.Processed++
	stats.Deferred++
	metrics.BatchesDeferred.Inc()
	metrics.RecordOutcome(string(b.Channel), "deferred")

	if _, err := p.batches.Release(ctx, b.ID, next, now); err != nil {
		p.logger.Error("processor: release throttled batch", append(fields, zap.Error(err))...)
		return
	}
	p.logger.Info("processor: tenant at dispatch limit, batch deferred", append(fields, zap.Time("scheduled_for", next))...)
}

func (p *Processor) releaseRemaining(ctx context.Context, batches []*domain.Batch) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stateWriteTimeout)
	defer cancel()

	now := p.now().UTC()
	for _, b := range batches {
		if _, err := p.batches.Release(writeCtx, b.ID, b.ScheduledFor, now); err != nil {
			p.logger.Error("processor: release unprocessed batch", zap.String("batch_id", b.ID.String()), zap.Error(err))
		}
	}
	p.logger.Warn("processor: released unprocessed batches", zap.Int("count", len(batches)))
}

func (p *Processor) logAttempt(ctx context.Context, b *domain.Batch, outcome dispatch.Outcome, now time.Time) {
	if p.attempts == nil {
		return
	}
	err := p.attempts.AppendAttempt(ctx, domain.DispatchAttempt{
		BatchID:    b.ID,
		CampaignID: b.CampaignID,
		TenantID:   b.TenantID,
		Attempt:    b.RetryCount + 1,
		Success:    outcome.Success,
		StatusCode: outcome.StatusCode,
		Error:      outcome.Reason,
		Duration:   outcome.Duration,
		CreatedAt:  now,
	})
	if err != nil {
		p.logger.Warn("processor: append attempt log", zap.String("batch_id", b.ID.String()), zap.Error(err))
	}
}
