package campaign

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/campaign-dispatch/internal/domain"
	"github.com/acme/campaign-dispatch/internal/repository/memory"
	apperrors "github.com/acme/campaign-dispatch/pkg/errors"
)

func contacts(n int) []domain.Contact {
	out := make([]domain.Contact, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, domain.Contact{ID: fmt.Sprintf("c%d", i), Phone: fmt.Sprintf("+1555%04d", i)})
	}
	return out
}

func TestPartitionPreservesOrderAndSizes(t *testing.T) {
	for _, n := range []int{0, 1, 19, 20, 21, 45, 100} {
		chunks := Partition(contacts(n), 20)

		want := (n + 19) / 20
		if len(chunks) != want {
			t.Fatalf("n=%d: got %d chunks, want %d", n, len(chunks), want)
		}

		var flat []domain.Contact
		for i, c := range chunks {
			if len(c) == 0 || len(c) > 20 {
				t.Fatalf("n=%d: chunk %d has size %d", n, i, len(c))
			}
			if i < len(chunks)-1 && len(c) != 20 {
				t.Fatalf("n=%d: only the last chunk may be short", n)
			}
			flat = append(flat, c...)
		}
		if len(flat) != n {
			t.Fatalf("n=%d: lost contacts, got %d", n, len(flat))
		}
		for i, c := range flat {
			if c.ID != fmt.Sprintf("c%d", i) {
				t.Fatalf("n=%d: order changed at %d", n, i)
			}
		}
	}
}

func TestScheduleAt(t *testing.T) {
	start := time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)
	if got := ScheduleAt(start, 1, 2*time.Minute); !got.Equal(start) {
		t.Fatalf("first batch should be immediate, got %s", got)
	}
	if got := ScheduleAt(start, 3, 2*time.Minute); !got.Equal(start.Add(4 * time.Minute)) {
		t.Fatalf("third batch at %s", got)
	}
}

func TestEnqueueFortyFiveContacts(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	svc := NewService(store, store, store, 20, 2*time.Minute)
	now := time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	campaign, batches, err := svc.Enqueue(ctx, EnqueueInput{
		TenantID:       uuid.New(),
		Channel:        domain.ChannelWhatsApp,
		WebhookURL:     "https://hooks.example.com/send",
		WebhookPayload: map[string]any{"template": "welcome"},
		Contacts:       contacts(45),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if campaign.TotalBatches != 3 || campaign.TotalContacts != 45 || campaign.Status != domain.CampaignStatusPending {
		t.Fatalf("unexpected campaign %+v", campaign)
	}

	stored, err := svc.ListBatches(ctx, campaign.ID)
	if err != nil {
		t.Fatalf("list batches: %v", err)
	}
	if len(stored) != 3 || len(batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(stored))
	}

	sizes := []int{20, 20, 5}
	for i, b := range stored {
		if b.BatchNumber != i+1 || b.TotalBatches != 3 {
			t.Fatalf("batch %d numbering wrong: %+v", i, b)
		}
		if len(b.Contacts) != sizes[i] {
			t.Fatalf("batch %d size %d, want %d", i+1, len(b.Contacts), sizes[i])
		}
		if want := now.Add(time.Duration(i) * 2 * time.Minute); !b.ScheduledFor.Equal(want) {
			t.Fatalf("batch %d scheduled %s, want %s", i+1, b.ScheduledFor, want)
		}
		if b.Status != domain.BatchStatusPending || b.RetryCount != 0 {
			t.Fatalf("batch %d not fresh: %+v", i+1, b)
		}
	}

	batches[0].WebhookPayload["template"] = "mutated"
	if batches[1].WebhookPayload["template"] != "welcome" {
		t.Fatalf("batches share one payload map")
	}
}

func TestEnqueueValidation(t *testing.T) {
	svc := NewService(memory.NewStore(), memory.NewStore(), nil, 20, time.Minute)
	valid := EnqueueInput{
		TenantID:   uuid.New(),
		Channel:    domain.ChannelCalls,
		WebhookURL: "https://hooks.example.com",
		Contacts:   contacts(1),
	}

	cases := map[string]func(EnqueueInput) EnqueueInput{
		"no tenant":     func(in EnqueueInput) EnqueueInput { in.TenantID = uuid.Nil; return in },
		"bad channel":   func(in EnqueueInput) EnqueueInput { in.Channel = "sms"; return in },
		"relative url":  func(in EnqueueInput) EnqueueInput { in.WebhookURL = "/hook"; return in },
		"ftp url":       func(in EnqueueInput) EnqueueInput { in.WebhookURL = "ftp://hooks.example.com"; return in },
		"no contacts":   func(in EnqueueInput) EnqueueInput { in.Contacts = nil; return in },
		"blank contact": func(in EnqueueInput) EnqueueInput { in.Contacts = []domain.Contact{{}}; return in },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := svc.Enqueue(context.Background(), mutate(valid))
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	if _, _, err := svc.Enqueue(context.Background(), valid); err != nil {
		t.Fatalf("valid input rejected: %v", err)
	}
}

func TestListAttemptsDisabled(t *testing.T) {
	store := memory.NewStore()
	svc := NewService(store, store, nil, 20, time.Minute)
	_, _, err := svc.ListAttempts(context.Background(), uuid.New(), 10, nil)
	if !errors.Is(err, apperrors.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestListBatchesUnknownCampaign(t *testing.T) {
	store := memory.NewStore()
	svc := NewService(store, store, nil, 20, time.Minute)
	if _, err := svc.ListBatches(context.Background(), uuid.New()); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
