package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BatchOutcomes counts per-batch results of a queue run.
	BatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_batch_outcomes_total",
			Help: "Batch dispatch outcomes by channel",
		},
		[]string{"channel", "outcome"}, // sent, retried, exhausted, deferred
	)

	// WebhookDuration tracks webhook round trips.
	WebhookDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "dispatch_webhook_duration_seconds",
			Help: "Duration of webhook POSTs in seconds",
			Buckets: []float64{
				0.05,
				0.1,
				0.25,
				0.5,
				1.0,
				2.5,
				5.0,
				10.0,
				30.0,
			},
		},
		[]string{"channel", "result"},
	)

	BatchesReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_batches_reclaimed_total",
		Help: "Batches recovered from an abandoned processing state",
	})

	BatchesDeferred = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_batches_deferred_total",
		Help: "Claimed batches handed back because the tenant throttle was full",
	})

	// QueueRuns counts ProcessQueue invocations by result (ok, error).
	QueueRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_queue_runs_total",
			Help: "Queue processing runs",
		},
		[]string{"result"},
	)
)

// RecordOutcome increments the outcome counter for a channel.
func RecordOutcome(channel, outcome string) {
	BatchOutcomes.WithLabelValues(channel, outcome).Inc()
}

// RecordWebhook observes one webhook call.
func RecordWebhook(channel string, success bool, d time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	WebhookDuration.WithLabelValues(channel, result).Observe(d.Seconds())
}

// RecordRun counts a queue run.
func RecordRun(err error) {
	if err != nil {
		QueueRuns.WithLabelValues("error").Inc()
		return
	}
	QueueRuns.WithLabelValues("ok").Inc()
}
