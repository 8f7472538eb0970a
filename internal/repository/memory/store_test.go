package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/campaign-dispatch/internal/domain"
	"github.com/acme/campaign-dispatch/internal/repository"
)

func seed(t *testing.T, s *Store, now time.Time, batches int) (*domain.Campaign, []*domain.Batch) {
	t.Helper()
	c := &domain.Campaign{
		ID:           uuid.New(),
		TenantID:     uuid.New(),
		Channel:      domain.ChannelWhatsApp,
		TotalBatches: batches,
		Status:       domain.CampaignStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	out := make([]*domain.Batch, 0, batches)
	for i := 1; i <= batches; i++ {
		out = append(out, &domain.Batch{
			ID:           uuid.New(),
			CampaignID:   c.ID,
			TenantID:     c.TenantID,
			BatchNumber:  i,
			TotalBatches: batches,
			Status:       domain.BatchStatusPending,
			ScheduledFor: now.Add(time.Duration(i-1) * time.Minute),
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	if err := s.CreateWithBatches(context.Background(), c, out); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return c, out
}

func TestClaimDueOnlyTakesDuePendingInOrder(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	_, batches := seed(t, s, now, 3)

	claimed, err := s.ClaimDue(ctx, now.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 due batches, got %d", len(claimed))
	}
	if claimed[0].ID != batches[0].ID || claimed[1].ID != batches[1].ID {
		t.Fatalf("claim order not by scheduled_for")
	}
	for _, b := range claimed {
		if b.Status != domain.BatchStatusProcessing {
			t.Fatalf("claimed batch status = %s", b.Status)
		}
	}

	again, err := s.ClaimDue(ctx, now.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("processing batches were claimed twice")
	}
}

func TestConcurrentClaimsAreDisjoint(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	seed(t, s, now, 1)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.ClaimDue(ctx, now, 10)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			mu.Lock()
			total += len(claimed)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != 1 {
		t.Fatalf("expected exactly one claim to win, got %d", total)
	}
}

func TestRecordOutcomeCountsOnceAndCompletes(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c, batches := seed(t, s, now, 2)

	if _, err := s.ClaimDue(ctx, now.Add(time.Hour), 10); err != nil {
		t.Fatalf("claim: %v", err)
	}

	res, err := s.RecordOutcome(ctx, repository.OutcomeRecord{BatchID: batches[0].ID, CampaignID: c.ID, Status: domain.BatchStatusSent, At: now})
	if err != nil || !res.Applied || res.Completed {
		t.Fatalf("first outcome: res=%+v err=%v", res, err)
	}

	dup, err := s.RecordOutcome(ctx, repository.OutcomeRecord{BatchID: batches[0].ID, CampaignID: c.ID, Status: domain.BatchStatusSent, At: now})
	if err != nil || dup.Applied {
		t.Fatalf("duplicate outcome applied: res=%+v err=%v", dup, err)
	}

	msg := "HTTP 500"
	res, err = s.RecordOutcome(ctx, repository.OutcomeRecord{BatchID: batches[1].ID, CampaignID: c.ID, Status: domain.BatchStatusFailed, RetryCount: 3, ErrorMessage: &msg, At: now})
	if err != nil || !res.Completed {
		t.Fatalf("final outcome: res=%+v err=%v", res, err)
	}

	got, _ := s.Get(ctx, c.ID)
	if got.BatchesSent != 1 || got.BatchesFailed != 1 {
		t.Fatalf("unexpected counters: sent=%d failed=%d", got.BatchesSent, got.BatchesFailed)
	}
	if got.Status != domain.CampaignStatusCompleted || got.CompletedAt == nil {
		t.Fatalf("campaign not completed: %+v", got)
	}
}

func TestReclaimRespectsCutoff(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	_, batches := seed(t, s, now, 1)

	if _, err := s.ClaimDue(ctx, now, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}

	ok, err := s.Reclaim(ctx, repository.Transition{BatchID: batches[0].ID, RetryCount: 1, ScheduledFor: now, At: now}, now)
	if err != nil || ok {
		t.Fatalf("fresh processing row must not be reclaimed: ok=%v err=%v", ok, err)
	}

	ok, err = s.Reclaim(ctx, repository.Transition{BatchID: batches[0].ID, RetryCount: 1, ScheduledFor: now, ErrorMessage: domain.AbandonedBatchReason, At: now}, now.Add(time.Second))
	if err != nil || !ok {
		t.Fatalf("stale row not reclaimed: ok=%v err=%v", ok, err)
	}
	b, _ := s.GetBatch(ctx, batches[0].ID)
	if b.Status != domain.BatchStatusPending || b.RetryCount != 1 {
		t.Fatalf("unexpected batch after reclaim: %+v", b)
	}
}

func TestListAttemptsPaging(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	batchID := uuid.New()
	for i := 1; i <= 5; i++ {
		_ = s.AppendAttempt(ctx, domain.DispatchAttempt{BatchID: batchID, Attempt: i})
	}

	page, next, err := s.ListAttempts(ctx, batchID, 2, nil)
	if err != nil || len(page) != 2 || next == nil {
		t.Fatalf("first page: len=%d next=%v err=%v", len(page), next, err)
	}
	page, next, _ = s.ListAttempts(ctx, batchID, 2, next)
	if page[0].Attempt != 3 {
		t.Fatalf("expected attempt 3, got %d", page[0].Attempt)
	}
	page, next, _ = s.ListAttempts(ctx, batchID, 2, next)
	if len(page) != 1 || next != nil {
		t.Fatalf("last page: len=%d next=%v", len(page), next)
	}
}
