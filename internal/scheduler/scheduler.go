package scheduler

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/campaign-dispatch/internal/processor"
	"github.com/acme/campaign-dispatch/pkg/logger"
)

// Runner performs one queue pass.
type Runner interface {
	ProcessQueue(ctx context.Context) (processor.RunStats, error)
}

// Scheduler triggers the queue processor on a fixed interval.
type Scheduler struct {
	runner     Runner
	interval   time.Duration
	runTimeout time.Duration
	logger     *logger.Logger
}

// New constructs a scheduler.
func New(runner Runner, interval, runTimeout time.Duration, log *logger.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if runTimeout <= 0 {
		runTimeout = 5 * time.Minute
	}
	return &Scheduler{
		runner:     runner,
		interval:   interval,
		runTimeout: runTimeout,
		logger:     log.Component("scheduler"),
	}
}

// Run executes the loop until cancelled. Ticks never overlap: a slow pass
// delays the next one instead of running beside it.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler: tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) error {
	tracer := otel.Tracer("dispatch.scheduler")
	sctx, span := tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	sctx, cancel := context.WithTimeout(sctx, s.runTimeout)
	defer cancel()

	started := time.Now()
	stats, err := s.runner.ProcessQueue(sctx)
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(
		attribute.Int("batches.processed", stats.Processed),
		attribute.Int("batches.failed", stats.Failed),
	)
	s.logger.Debug("scheduler: tick finished",
		zap.Int("processed", stats.Processed),
		zap.Int("successful", stats.Successful),
		zap.Int("failed", stats.Failed),
		zap.Duration("elapsed", time.Since(started)),
	)
	return nil
}
