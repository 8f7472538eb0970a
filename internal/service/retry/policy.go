// Package retry decides what happens to a batch after a dispatch attempt.
package retry

import (
	"time"

	"github.com/acme/campaign-dispatch/internal/domain"
)

// Action names the storage transition a decision requires.
type Action string

const (
	// ActionComplete finalises the batch (sent or failed) through progress aggregation.
	ActionComplete Action = "complete"
	// ActionReschedule returns the batch to pending for a later attempt.
	ActionReschedule Action = "reschedule"
)

// Decision is the next state for a batch.
type Decision struct {
	Action       Action
	Status       domain.BatchStatus
	RetryCount   int
	ScheduledFor time.Time
	ErrorMessage *string
	ProcessedAt  *time.Time
}

// Exhausted reports whether the decision gives up on the batch.
func (d Decision) Exhausted() bool {
	return d.Action == ActionComplete && d.Status == domain.BatchStatusFailed
}

// Policy is a fixed-delay retry policy with a cap on attempts.
type Policy struct {
	MaxRetries int
	RetryDelay time.Duration
}

// NewPolicy returns a policy with non-positive values replaced by defaults.
func NewPolicy(maxRetries int, retryDelay time.Duration) Policy {
	if maxRetries <= 0 {
		maxRetries = domain.DefaultMaxRetries
	}
	if retryDelay <= 0 {
		retryDelay = domain.DefaultRetryDelay
	}
	return Policy{MaxRetries: maxRetries, RetryDelay: retryDelay}
}

// OnSuccess marks the batch sent.
func (p Policy) OnSuccess(batch *domain.Batch, now time.Time) Decision {
	at := now
	return Decision{
		Action:      ActionComplete,
		Status:      domain.BatchStatusSent,
		RetryCount:  batch.RetryCount,
		ProcessedAt: &at,
	}
}

// OnFailure consumes one retry. The batch goes back to pending after
// RetryDelay while attempts remain, otherwise it fails with retry_count equal
// to MaxRetries.
func (p Policy) OnFailure(batch *domain.Batch, reason string, now time.Time) Decision {
	return p.fail(batch, reason, now, now.Add(p.RetryDelay))
}

// OnAbandoned treats a stuck processing batch as a failed attempt that may
// run again immediately.
func (p Policy) OnAbandoned(batch *domain.Batch, now time.Time) Decision {
	return p.fail(batch, domain.AbandonedBatchReason, now, now)
}

func (p Policy) fail(batch *domain.Batch, reason string, now, next time.Time) Decision {
	attempts := batch.RetryCount + 1
	msg := reason

	if attempts < p.MaxRetries {
		return Decision{
			Action:       ActionReschedule,
			Status:       domain.BatchStatusPending,
			RetryCount:   attempts,
			ScheduledFor: next,
			ErrorMessage: &msg,
		}
	}

	if attempts > p.MaxRetries {
		attempts = p.MaxRetries
	}
	at := now
	return Decision{
		Action:       ActionComplete,
		Status:       domain.BatchStatusFailed,
		RetryCount:   attempts,
		ErrorMessage: &msg,
		ProcessedAt:  &at,
	}
}
