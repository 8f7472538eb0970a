package processor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/campaign-dispatch/internal/domain"
	"github.com/acme/campaign-dispatch/internal/repository/memory"
	campaignsvc "github.com/acme/campaign-dispatch/internal/service/campaign"
	"github.com/acme/campaign-dispatch/internal/service/dispatch"
	"github.com/acme/campaign-dispatch/internal/service/progress"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeDispatcher struct {
	mu      sync.Mutex
	calls   map[uuid.UUID]int
	respond func(b *domain.Batch, call int) dispatch.Outcome
}

func newFakeDispatcher(respond func(b *domain.Batch, call int) dispatch.Outcome) *fakeDispatcher {
	if respond == nil {
		respond = func(*domain.Batch, int) dispatch.Outcome { return ok() }
	}
	return &fakeDispatcher{calls: make(map[uuid.UUID]int), respond: respond}
}

func (f *fakeDispatcher) Dispatch(_ context.Context, b *domain.Batch) dispatch.Outcome {
	f.mu.Lock()
	f.calls[b.ID]++
	call := f.calls[b.ID]
	f.mu.Unlock()
	return f.respond(b, call)
}

func (f *fakeDispatcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func ok() dispatch.Outcome {
	return dispatch.Outcome{Success: true, StatusCode: 200}
}

func httpFailure(code int, body string) dispatch.Outcome {
	return dispatch.Outcome{StatusCode: code, Reason: body, Kind: dispatch.KindHTTPStatus}
}

type fakeThrottle struct {
	mu       sync.Mutex
	admit    bool
	err      error
	acquired int
	released int
}

func (f *fakeThrottle) Acquire(context.Context, uuid.UUID, domain.Channel) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquired++
	return f.admit, f.err
}

func (f *fakeThrottle) Release(context.Context, uuid.UUID, domain.Channel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return nil
}

type failingStaleStore struct {
	*memory.Store
}

func (failingStaleStore) ListStale(context.Context, time.Time, int) ([]*domain.Batch, error) {
	return nil, errors.New("connection refused")
}

func seedCampaign(t *testing.T, store *memory.Store, start time.Time, contacts int, delay time.Duration) (*domain.Campaign, []*domain.Batch) {
	t.Helper()
	return seedCampaignAt(t, store, start, contacts, delay, "https://hooks.example.com/send")
}

func seedCampaignAt(t *testing.T, store *memory.Store, start time.Time, contacts int, delay time.Duration, webhookURL string) (*domain.Campaign, []*domain.Batch) {
	t.Helper()

	list := make([]domain.Contact, contacts)
	for i := range list {
		list[i] = domain.Contact{ID: fmt.Sprintf("c-%d", i), Phone: fmt.Sprintf("+1555000%04d", i)}
	}
	chunks := campaignsvc.Partition(list, domain.DefaultBatchSize)

	c := &domain.Campaign{
		ID:            uuid.New(),
		TenantID:      uuid.New(),
		Channel:       domain.ChannelWhatsApp,
		TotalContacts: contacts,
		TotalBatches:  len(chunks),
		Status:        domain.CampaignStatusPending,
		CreatedAt:     start,
		UpdatedAt:     start,
	}
	batches := make([]*domain.Batch, len(chunks))
	for i, chunk := range chunks {
		batches[i] = &domain.Batch{
			ID:             uuid.New(),
			CampaignID:     c.ID,
			TenantID:       c.TenantID,
			BatchNumber:    i + 1,
			TotalBatches:   len(chunks),
			Channel:        c.Channel,
			Contacts:       chunk,
			WebhookURL:     webhookURL,
			WebhookPayload: map[string]any{"template": "spring-sale"},
			Status:         domain.BatchStatusPending,
			ScheduledFor:   campaignsvc.ScheduleAt(start, i+1, delay),
			CreatedAt:      start,
			UpdatedAt:      start,
		}
	}
	if err := store.CreateWithBatches(context.Background(), c, batches); err != nil {
		t.Fatalf("seed campaign: %v", err)
	}
	return c, batches
}

func newProcessor(store *memory.Store, d Dispatcher, throttle Throttle, at *time.Time) *Processor {
	agg := progress.NewAggregator(store, store, nil, nil)
	deps := Deps{Batches: store, Progress: agg, Dispatcher: d, Attempts: store}
	if throttle != nil {
		deps.Throttle = throttle
	}
	p := New(deps, Options{})
	p.now = func() time.Time { return *at }
	return p
}

func runAt(t *testing.T, p *Processor, clock *time.Time, at time.Time) RunStats {
	t.Helper()
	*clock = at
	stats, err := p.ProcessQueue(context.Background())
	if err != nil {
		t.Fatalf("process queue at %s: %v", at, err)
	}
	return stats
}

func mustBatch(t *testing.T, store *memory.Store, id uuid.UUID) *domain.Batch {
	t.Helper()
	b, err := store.GetBatch(context.Background(), id)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	return b
}

func mustCampaign(t *testing.T, store *memory.Store, id uuid.UUID) *domain.Campaign {
	t.Helper()
	c, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get campaign: %v", err)
	}
	return c
}

func TestProcessQueueEmpty(t *testing.T) {
	store := memory.NewStore()
	clock := t0
	p := newProcessor(store, newFakeDispatcher(nil), nil, &clock)

	stats := runAt(t, p, &clock, t0)
	if stats != (RunStats{}) {
		t.Fatalf("expected zero stats, got %+v", stats)
	}
}

func TestProcessQueueRetriesFailedBatchThenCompletes(t *testing.T) {
	store := memory.NewStore()
	c, batches := seedCampaign(t, store, t0, 45, 2*time.Minute)
	first := batches[0].ID

	d := newFakeDispatcher(func(b *domain.Batch, call int) dispatch.Outcome {
		if b.ID == first && call == 1 {
			return httpFailure(500, "upstream exploded")
		}
		return ok()
	})
	clock := t0
	p := newProcessor(store, d, nil, &clock)

	stats := runAt(t, p, &clock, t0)
	if stats.Processed != 1 || stats.Failed != 1 || stats.Retried != 1 || stats.Successful != 0 {
		t.Fatalf("unexpected first run stats: %+v", stats)
	}
	b1 := mustBatch(t, store, first)
	if b1.Status != domain.BatchStatusPending || b1.RetryCount != 1 {
		t.Fatalf("expected batch 1 pending with one retry, got %s/%d", b1.Status, b1.RetryCount)
	}
	if !b1.ScheduledFor.Equal(t0.Add(5 * time.Minute)) {
		t.Fatalf("expected retry at t0+5m, got %s", b1.ScheduledFor)
	}
	if b1.ErrorMessage == nil || *b1.ErrorMessage != "upstream exploded" {
		t.Fatalf("expected error message from response body, got %v", b1.ErrorMessage)
	}
	if got := mustCampaign(t, store, c.ID); got.Status != domain.CampaignStatusInProgress || got.BatchesSent != 0 || got.BatchesFailed != 0 {
		t.Fatalf("expected in_progress campaign with no counted batches, got %+v", got)
	}

	stats = runAt(t, p, &clock, t0.Add(4*time.Minute))
	if stats.Processed != 2 || stats.Successful != 2 || stats.Failed != 0 {
		t.Fatalf("unexpected second run stats: %+v", stats)
	}

	stats = runAt(t, p, &clock, t0.Add(5*time.Minute))
	if stats.Processed != 1 || stats.Successful != 1 {
		t.Fatalf("unexpected third run stats: %+v", stats)
	}

	final := mustCampaign(t, store, c.ID)
	if final.Status != domain.CampaignStatusCompleted || final.BatchesSent != 3 || final.BatchesFailed != 0 {
		t.Fatalf("unexpected final campaign: %+v", final)
	}
	if final.CompletedAt == nil || !final.CompletedAt.Equal(t0.Add(5*time.Minute)) {
		t.Fatalf("expected completed_at t0+5m, got %v", final.CompletedAt)
	}
	if d.total() != 4 {
		t.Fatalf("expected 4 webhook calls, got %d", d.total())
	}

	attempts, _, err := store.ListAttempts(context.Background(), first, 10, nil)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 2 || attempts[0].Success || !attempts[1].Success || attempts[1].Attempt != 2 {
		t.Fatalf("unexpected attempt log: %+v", attempts)
	}
}

func TestProcessQueueReclaimsStaleBatch(t *testing.T) {
	store := memory.NewStore()
	c, batches := seedCampaign(t, store, t0, 5, 2*time.Minute)

	// A run that claimed the batch and died.
	if _, err := store.ClaimDue(context.Background(), t0, 10); err != nil {
		t.Fatalf("claim: %v", err)
	}

	d := newFakeDispatcher(nil)
	clock := t0
	p := newProcessor(store, d, nil, &clock)

	stats := runAt(t, p, &clock, t0.Add(11*time.Minute))
	if stats.Reclaimed != 1 || stats.Processed != 1 || stats.Successful != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	b := mustBatch(t, store, batches[0].ID)
	if b.Status != domain.BatchStatusSent || b.RetryCount != 1 {
		t.Fatalf("expected sent with one retry charged, got %s/%d", b.Status, b.RetryCount)
	}
	if got := mustCampaign(t, store, c.ID); got.Status != domain.CampaignStatusCompleted || got.BatchesSent != 1 {
		t.Fatalf("unexpected campaign: %+v", got)
	}
}

func TestProcessQueueLeavesFreshProcessingBatch(t *testing.T) {
	store := memory.NewStore()
	_, batches := seedCampaign(t, store, t0, 5, 2*time.Minute)
	if _, err := store.ClaimDue(context.Background(), t0, 10); err != nil {
		t.Fatalf("claim: %v", err)
	}

	d := newFakeDispatcher(nil)
	clock := t0
	p := newProcessor(store, d, nil, &clock)

	stats := runAt(t, p, &clock, t0.Add(9*time.Minute))
	if stats != (RunStats{}) {
		t.Fatalf("expected nothing to happen, got %+v", stats)
	}
	if b := mustBatch(t, store, batches[0].ID); b.Status != domain.BatchStatusProcessing {
		t.Fatalf("expected batch still processing, got %s", b.Status)
	}
}

func TestProcessQueueExhaustsRetries(t *testing.T) {
	store := memory.NewStore()
	c, batches := seedCampaign(t, store, t0, 3, 2*time.Minute)

	d := newFakeDispatcher(func(*domain.Batch, int) dispatch.Outcome {
		return httpFailure(503, "")
	})
	clock := t0
	p := newProcessor(store, d, nil, &clock)

	runAt(t, p, &clock, t0)
	runAt(t, p, &clock, t0.Add(5*time.Minute))
	stats := runAt(t, p, &clock, t0.Add(10*time.Minute))
	if stats.Failed != 1 || stats.Exhausted != 1 || stats.Retried != 0 {
		t.Fatalf("unexpected final run stats: %+v", stats)
	}

	b := mustBatch(t, store, batches[0].ID)
	if b.Status != domain.BatchStatusFailed || b.RetryCount != 3 {
		t.Fatalf("expected failed with retry_count 3, got %s/%d", b.Status, b.RetryCount)
	}
	if b.ProcessedAt == nil {
		t.Fatalf("expected processed_at on failed batch")
	}

	got := mustCampaign(t, store, c.ID)
	if got.Status != domain.CampaignStatusFailed || got.BatchesFailed != 1 {
		t.Fatalf("expected failed campaign, got %+v", got)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(t0.Add(10*time.Minute)) {
		t.Fatalf("expected completed_at t0+10m, got %v", got.CompletedAt)
	}

	// A terminal batch is never claimed again.
	if stats := runAt(t, p, &clock, t0.Add(time.Hour)); stats != (RunStats{}) {
		t.Fatalf("expected no work after exhaustion, got %+v", stats)
	}
	if d.total() != 3 {
		t.Fatalf("expected 3 webhook calls, got %d", d.total())
	}
}

func TestProcessQueueDefersThrottledBatch(t *testing.T) {
	store := memory.NewStore()
	_, batches := seedCampaign(t, store, t0, 3, 2*time.Minute)

	d := newFakeDispatcher(nil)
	throttle := &fakeThrottle{admit: false}
	clock := t0
	p := newProcessor(store, d, throttle, &clock)

	stats := runAt(t, p, &clock, t0)
	if stats.Processed != 1 || stats.Deferred != 1 || stats.Failed != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if d.total() != 0 {
		t.Fatalf("throttled batch must not be dispatched")
	}
	if throttle.released != 0 {
		t.Fatalf("refused slot must not be released")
	}

	b := mustBatch(t, store, batches[0].ID)
	if b.Status != domain.BatchStatusPending || b.RetryCount != 0 {
		t.Fatalf("expected pending without retry charge, got %s/%d", b.Status, b.RetryCount)
	}
	if !b.ScheduledFor.Equal(t0.Add(30 * time.Second)) {
		t.Fatalf("expected deferral to t0+30s, got %s", b.ScheduledFor)
	}
}

func TestProcessQueueReleasesThrottleSlot(t *testing.T) {
	store := memory.NewStore()
	seedCampaign(t, store, t0, 3, 2*time.Minute)

	throttle := &fakeThrottle{admit: true}
	clock := t0
	p := newProcessor(store, newFakeDispatcher(nil), throttle, &clock)

	stats := runAt(t, p, &clock, t0)
	if stats.Successful != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if throttle.acquired != 1 || throttle.released != 1 {
		t.Fatalf("expected one acquire and one release, got %d/%d", throttle.acquired, throttle.released)
	}
}

func TestProcessQueueThrottleErrorFailsOpen(t *testing.T) {
	store := memory.NewStore()
	seedCampaign(t, store, t0, 3, 2*time.Minute)

	d := newFakeDispatcher(nil)
	throttle := &fakeThrottle{err: errors.New("redis down")}
	clock := t0
	p := newProcessor(store, d, throttle, &clock)

	stats := runAt(t, p, &clock, t0)
	if stats.Successful != 1 || d.total() != 1 {
		t.Fatalf("expected dispatch despite throttle error, stats %+v", stats)
	}
	if throttle.released != 0 {
		t.Fatalf("slot that was never taken must not be released")
	}
}

func TestOverlappingProcessorsDispatchEachBatchOnce(t *testing.T) {
	store := memory.NewStore()
	c, batches := seedCampaign(t, store, t0, 200, 0)

	d := newFakeDispatcher(nil)
	clockA, clockB := t0, t0
	a := newProcessor(store, d, nil, &clockA)
	b := newProcessor(store, d, nil, &clockB)

	var wg sync.WaitGroup
	results := make([]RunStats, 2)
	for i, p := range []*Processor{a, b} {
		wg.Add(1)
		go func(i int, p *Processor) {
			defer wg.Done()
			stats, err := p.ProcessQueue(context.Background())
			if err != nil {
				t.Errorf("process queue: %v", err)
			}
			results[i] = stats
		}(i, p)
	}
	wg.Wait()

	if got := results[0].Processed + results[1].Processed; got != len(batches) {
		t.Fatalf("expected %d batches processed in total, got %d", len(batches), got)
	}
	d.mu.Lock()
	for _, batch := range batches {
		if d.calls[batch.ID] != 1 {
			t.Errorf("batch %d dispatched %d times", batch.BatchNumber, d.calls[batch.ID])
		}
	}
	d.mu.Unlock()

	got := mustCampaign(t, store, c.ID)
	if got.BatchesSent != len(batches) || got.Status != domain.CampaignStatusCompleted {
		t.Fatalf("unexpected campaign: %+v", got)
	}
}

func TestProcessQueueListingErrorAbortsRun(t *testing.T) {
	store := memory.NewStore()
	seedCampaign(t, store, t0, 3, 2*time.Minute)

	d := newFakeDispatcher(nil)
	agg := progress.NewAggregator(store, store, nil, nil)
	p := New(Deps{Batches: failingStaleStore{store}, Progress: agg, Dispatcher: d}, Options{})
	p.now = func() time.Time { return t0 }

	if _, err := p.ProcessQueue(context.Background()); err == nil {
		t.Fatalf("expected error when stale listing fails")
	}
	if d.total() != 0 {
		t.Fatalf("no batch may be dispatched after a listing error")
	}
}

func TestProcessQueueCancelledReleasesClaims(t *testing.T) {
	store := memory.NewStore()
	_, batches := seedCampaign(t, store, t0, 60, 0)

	d := newFakeDispatcher(nil)
	clock := t0
	p := newProcessor(store, d, nil, &clock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stats, err := p.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("process queue: %v", err)
	}
	if stats.Processed != 0 || d.total() != 0 {
		t.Fatalf("expected no dispatch on cancelled run, got %+v", stats)
	}
	for _, b := range batches {
		got := mustBatch(t, store, b.ID)
		if got.Status != domain.BatchStatusPending || got.RetryCount != 0 {
			t.Fatalf("batch %d not released: %s/%d", b.BatchNumber, got.Status, got.RetryCount)
		}
	}
}

type tokenSource struct{}

func (tokenSource) Get(context.Context, uuid.UUID, domain.Channel) (string, bool, error) {
	return "tenant-token", true, nil
}

func TestProcessQueuePacingReleasesUnsentBatchesUncharged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := memory.NewStore()
	c, batches := seedCampaignAt(t, store, t0, 60, 0, srv.URL)

	// One request fits the burst; the next would wait far past the deadline.
	d := dispatch.NewDispatcher(tokenSource{}, dispatch.Options{RatePerSecond: 0.001, Burst: 1}, nil)
	clock := t0
	p := newProcessor(store, d, nil, &clock)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stats, err := p.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("process queue: %v", err)
	}
	if stats.Successful != 1 || stats.Deferred != 1 || stats.Failed != 0 || stats.Retried != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	sent := 0
	for _, b := range batches {
		got := mustBatch(t, store, b.ID)
		attempts, _, err := store.ListAttempts(context.Background(), b.ID, 10, nil)
		if err != nil {
			t.Fatalf("list attempts: %v", err)
		}
		if got.Status == domain.BatchStatusSent {
			sent++
			continue
		}
		if got.Status != domain.BatchStatusPending || got.RetryCount != 0 || got.ErrorMessage != nil {
			t.Fatalf("batch %d charged without a request: %s/%d", b.BatchNumber, got.Status, got.RetryCount)
		}
		if !got.ScheduledFor.Equal(b.ScheduledFor) {
			t.Fatalf("batch %d rescheduled to %s", b.BatchNumber, got.ScheduledFor)
		}
		if len(attempts) != 0 {
			t.Fatalf("batch %d has attempt rows without a request: %+v", b.BatchNumber, attempts)
		}
	}
	if sent != 1 {
		t.Fatalf("expected exactly one sent batch, got %d", sent)
	}
	if got := mustCampaign(t, store, c.ID); got.BatchesSent != 1 || got.BatchesFailed != 0 || got.Status != domain.CampaignStatusInProgress {
		t.Fatalf("unexpected campaign: %+v", got)
	}
}
