package retry

import (
	"testing"
	"time"

	"github.com/acme/campaign-dispatch/internal/domain"
)

func TestNewPolicyDefaults(t *testing.T) {
	p := NewPolicy(0, -time.Second)
	if p.MaxRetries != 3 || p.RetryDelay != 5*time.Minute {
		t.Fatalf("unexpected defaults: %+v", p)
	}
}

func TestOnFailure(t *testing.T) {
	now := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)
	p := NewPolicy(3, 5*time.Minute)

	cases := []struct {
		name       string
		retryCount int
		action     Action
		status     domain.BatchStatus
		wantCount  int
	}{
		{name: "first failure retries", retryCount: 0, action: ActionReschedule, status: domain.BatchStatusPending, wantCount: 1},
		{name: "second failure retries", retryCount: 1, action: ActionReschedule, status: domain.BatchStatusPending, wantCount: 2},
		{name: "third failure exhausts", retryCount: 2, action: ActionComplete, status: domain.BatchStatusFailed, wantCount: 3},
		{name: "over budget stays capped", retryCount: 5, action: ActionComplete, status: domain.BatchStatusFailed, wantCount: 3},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := p.OnFailure(&domain.Batch{RetryCount: tc.retryCount}, "HTTP 500", now)
			if d.Action != tc.action || d.Status != tc.status {
				t.Fatalf("got %s/%s, want %s/%s", d.Action, d.Status, tc.action, tc.status)
			}
			if d.RetryCount != tc.wantCount {
				t.Fatalf("retry count = %d, want %d", d.RetryCount, tc.wantCount)
			}
			if d.ErrorMessage == nil || *d.ErrorMessage != "HTTP 500" {
				t.Fatalf("error message not recorded: %v", d.ErrorMessage)
			}
			if tc.action == ActionReschedule && !d.ScheduledFor.Equal(now.Add(5*time.Minute)) {
				t.Fatalf("scheduled for %s, want now+5m", d.ScheduledFor)
			}
			if tc.action == ActionComplete && (d.ProcessedAt == nil || !d.Exhausted()) {
				t.Fatalf("exhausted decision missing processed_at: %+v", d)
			}
		})
	}
}

func TestOnAbandonedReschedulesImmediately(t *testing.T) {
	now := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)
	p := NewPolicy(3, 5*time.Minute)

	d := p.OnAbandoned(&domain.Batch{RetryCount: 0}, now)
	if d.Action != ActionReschedule || !d.ScheduledFor.Equal(now) {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if *d.ErrorMessage != domain.AbandonedBatchReason {
		t.Fatalf("unexpected reason %q", *d.ErrorMessage)
	}

	d = p.OnAbandoned(&domain.Batch{RetryCount: 2}, now)
	if !d.Exhausted() || d.RetryCount != 3 {
		t.Fatalf("abandoned batch on last attempt should fail: %+v", d)
	}
}

func TestOnSuccessKeepsRetryCount(t *testing.T) {
	now := time.Now()
	d := NewPolicy(3, time.Minute).OnSuccess(&domain.Batch{RetryCount: 2}, now)
	if d.Status != domain.BatchStatusSent || d.RetryCount != 2 || d.ProcessedAt == nil {
		t.Fatalf("unexpected success decision: %+v", d)
	}
	if d.Exhausted() {
		t.Fatalf("success is not exhaustion")
	}
}
