package memory_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	engine "github.com/imggo/engine"
	"github.com/imggo/engine/id"
	"github.com/imggo/engine/job"
	"github.com/imggo/engine/store/memory"
	"github.com/imggo/engine/webhook"
)

func newQueuedJob(t *testing.T, s *memory.Store, apiKey string) *job.Job {
	t.Helper()
	j := job.New(apiKey, "ptn_invoice", job.Input{URL: "https://example.com/a.png"})
	if err := s.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return j
}

func claimOne(t *testing.T, s *memory.Store) *job.Job {
	t.Helper()
	j, err := s.ClaimNextJob(context.Background())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if j == nil {
		t.Fatal("expected a claimable job")
	}
	return j
}

// ──────────────────────────────────────────────────
// Job store
// ──────────────────────────────────────────────────

func TestJobStore_CreateAndGet(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	j := newQueuedJob(t, s, "key_a")

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != job.StatusQueued {
		t.Errorf("status = %q, want queued", got.Status)
	}
	if got.PatternID != "ptn_invoice" {
		t.Errorf("pattern_id = %q", got.PatternID)
	}

	// Duplicate create is rejected.
	if err := s.CreateJob(ctx, j); !errors.Is(err, engine.ErrJobAlreadyExists) {
		t.Fatalf("expected ErrJobAlreadyExists, got %v", err)
	}

	// Unknown ID.
	if _, err := s.GetJob(ctx, id.NewJobID()); !errors.Is(err, engine.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestJobStore_GetReturnsCopy(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	j := newQueuedJob(t, s, "key_a")

	got, _ := s.GetJob(ctx, j.ID)
	got.Status = job.StatusFailed
	got.PatternID = "ptn_mutated"

	again, _ := s.GetJob(ctx, j.ID)
	if again.Status != job.StatusQueued || again.PatternID != "ptn_invoice" {
		t.Fatal("mutation of a returned job leaked into the store")
	}
}

func TestJobStore_ClaimOrderAndTransition(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	first := newQueuedJob(t, s, "key_a")
	second := newQueuedJob(t, s, "key_a")

	claimed := claimOne(t, s)
	if claimed.ID != first.ID {
		t.Errorf("claimed %s, want oldest %s", claimed.ID, first.ID)
	}
	if claimed.Status != job.StatusProcessing {
		t.Errorf("status = %q, want processing", claimed.Status)
	}
	if claimed.StartedAt == nil {
		t.Error("expected StartedAt to be set")
	}

	if next := claimOne(t, s); next.ID != second.ID {
		t.Errorf("claimed %s, want %s", next.ID, second.ID)
	}

	// Queue drained.
	j, err := s.ClaimNextJob(ctx)
	if err != nil {
		t.Fatalf("claim on empty queue: %v", err)
	}
	if j != nil {
		t.Fatalf("expected nil job on empty queue, got %s", j.ID)
	}
}

func TestJobStore_ConcurrentClaimNoDoubleDelivery(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	const jobs = 40
	for range jobs {
		newQueuedJob(t, s, "key_a")
	}

	var mu sync.Mutex
	seen := make(map[string]int)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, err := s.ClaimNextJob(ctx)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if j == nil {
					return
				}
				mu.Lock()
				seen[j.ID.String()]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Fatalf("claimed %d distinct jobs, want %d", len(seen), jobs)
	}
	for jobID, n := range seen {
		if n != 1 {
			t.Errorf("job %s claimed %d times", jobID, n)
		}
	}
}

func TestJobStore_CompleteAndFail(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	j := newQueuedJob(t, s, "key_a")

	// Terminal transition from queued is illegal.
	if _, err := s.CompleteJob(ctx, j.ID, &job.Result{}); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition from queued, got %v", err)
	}

	claimOne(t, s)

	result := &job.Result{Data: json.RawMessage(`{"total":7}`), Confidence: 0.9}
	done, err := s.CompleteJob(ctx, j.ID, result)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != job.StatusCompleted || done.CompletedAt == nil {
		t.Fatalf("unexpected completed job: %+v", done)
	}

	// Completed jobs cannot transition again.
	if _, err := s.FailJob(ctx, j.ID, &job.Error{Code: job.CodeInternal, Message: "x"}); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition from completed, got %v", err)
	}

	// Failure path.
	k := newQueuedJob(t, s, "key_a")
	claimOne(t, s)
	failed, err := s.FailJob(ctx, k.ID, &job.Error{Code: job.CodeInvalidImage, Message: "bad"})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Status != job.StatusFailed || failed.FailedAt == nil || failed.Error.Code != job.CodeInvalidImage {
		t.Fatalf("unexpected failed job: %+v", failed)
	}
}

func TestJobStore_ListAndCount(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	for range 3 {
		newQueuedJob(t, s, "key_a")
	}
	newQueuedJob(t, s, "key_b")

	all, err := s.ListJobsByStatus(ctx, job.StatusQueued, job.ListOpts{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 queued jobs, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].CreatedAt.Before(all[i-1].CreatedAt) {
			t.Fatal("list not ordered oldest first")
		}
	}

	byKey, _ := s.ListJobsByStatus(ctx, job.StatusQueued, job.ListOpts{APIKey: "key_b"})
	if len(byKey) != 1 {
		t.Fatalf("expected 1 job for key_b, got %d", len(byKey))
	}

	page, _ := s.ListJobsByStatus(ctx, job.StatusQueued, job.ListOpts{Limit: 2, Offset: 3})
	if len(page) != 1 {
		t.Fatalf("expected 1 job on last page, got %d", len(page))
	}

	n, err := s.CountJobs(ctx, job.CountOpts{Status: job.StatusQueued})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 4 {
		t.Fatalf("count = %d, want 4", n)
	}
	n, _ = s.CountJobs(ctx, job.CountOpts{APIKey: "key_a"})
	if n != 3 {
		t.Fatalf("count for key_a = %d, want 3", n)
	}
}

func TestJobStore_PurgeKeepsNonTerminal(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	terminal := newQueuedJob(t, s, "key_a")
	waiting := newQueuedJob(t, s, "key_a")

	claimOne(t, s) // claims the oldest, terminal
	if _, err := s.CompleteJob(ctx, terminal.ID, &job.Result{}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	n, err := s.PurgeJobsBefore(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d jobs, want 1", n)
	}

	if _, err := s.GetJob(ctx, terminal.ID); !errors.Is(err, engine.ErrJobNotFound) {
		t.Fatal("terminal job should be purged")
	}
	if _, err := s.GetJob(ctx, waiting.ID); err != nil {
		t.Fatal("queued job must survive purge")
	}
}

// ──────────────────────────────────────────────────
// Idempotency store
// ──────────────────────────────────────────────────

func TestJobStore_ReapStaleRequeues(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	s := memory.New(memory.WithNow(func() time.Time { return now }))
	ctx := context.Background()

	stale := newQueuedJob(t, s, "key_a")
	fresh := newQueuedJob(t, s, "key_a")
	if got := claimOne(t, s); got.ID != stale.ID {
		t.Fatalf("claimed %s, want %s", got.ID, stale.ID)
	}

	// Fresh claim stays put.
	n, err := s.ReapStaleJobs(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 0 {
		t.Fatalf("reaped %d fresh jobs, want 0", n)
	}

	now = now.Add(10 * time.Minute)
	n, err = s.ReapStaleJobs(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped %d jobs, want 1", n)
	}

	got, _ := s.GetJob(ctx, stale.ID)
	if got.Status != job.StatusQueued {
		t.Errorf("status = %q, want queued", got.Status)
	}
	if got.StartedAt != nil {
		t.Error("expected StartedAt to be cleared")
	}

	// The requeued job rejoins behind the jobs already waiting.
	if got := claimOne(t, s); got.ID != fresh.ID {
		t.Errorf("claimed %s, want %s", got.ID, fresh.ID)
	}
	if got := claimOne(t, s); got.ID != stale.ID {
		t.Errorf("claimed %s, want requeued %s", got.ID, stale.ID)
	}
}

func TestIdempotency_LookupOrReserve(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	first := id.NewJobID()
	got, reserved, err := s.LookupOrReserve(ctx, "key_a", "idem-1", first, time.Hour)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !reserved || got != first {
		t.Fatalf("expected fresh reservation for %s, got %s reserved=%v", first, got, reserved)
	}

	// Same pair returns the original job.
	second := id.NewJobID()
	got, reserved, err = s.LookupOrReserve(ctx, "key_a", "idem-1", second, time.Hour)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if reserved || got != first {
		t.Fatalf("expected replay of %s, got %s reserved=%v", first, got, reserved)
	}

	// Same key under a different API key is independent.
	_, reserved, _ = s.LookupOrReserve(ctx, "key_b", "idem-1", second, time.Hour)
	if !reserved {
		t.Fatal("keys must be scoped per api key")
	}
}

func TestIdempotency_ExpiryFreesKey(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	s := memory.New(memory.WithNow(func() time.Time { return now }))
	ctx := context.Background()

	first := id.NewJobID()
	if _, reserved, _ := s.LookupOrReserve(ctx, "key_a", "idem-1", first, time.Hour); !reserved {
		t.Fatal("expected fresh reservation")
	}

	now = now.Add(2 * time.Hour)

	second := id.NewJobID()
	got, reserved, err := s.LookupOrReserve(ctx, "key_a", "idem-1", second, time.Hour)
	if err != nil {
		t.Fatalf("reserve after expiry: %v", err)
	}
	if !reserved || got != second {
		t.Fatalf("expected expired key to be reusable, got %s reserved=%v", got, reserved)
	}
}

func TestIdempotency_ConcurrentReserveOneWinner(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	const callers = 20
	var wins sync.Map
	var reservedCount int64
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			jobID := id.NewJobID()
			got, reserved, err := s.LookupOrReserve(ctx, "key_a", "race", jobID, time.Hour)
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			wins.Store(i, got.String())
			if reserved {
				mu.Lock()
				reservedCount++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if reservedCount != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", reservedCount)
	}

	// All callers observed the same job ID.
	var canonical string
	wins.Range(func(_, v any) bool {
		if canonical == "" {
			canonical = v.(string)
		} else if v.(string) != canonical {
			t.Errorf("divergent job IDs: %s vs %s", canonical, v)
		}
		return true
	})
}

func TestIdempotency_GetRecordAndPurge(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	s := memory.New(memory.WithNow(func() time.Time { return now }))
	ctx := context.Background()

	jobID := id.NewJobID()
	s.LookupOrReserve(ctx, "key_a", "idem-1", jobID, time.Hour)

	rec, err := s.GetRecord(ctx, "key_a", "idem-1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.JobID != jobID || !rec.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected record: %+v", rec)
	}

	if _, err := s.GetRecord(ctx, "key_a", "missing"); !errors.Is(err, engine.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}

	n, err := s.PurgeExpired(ctx, now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}
}

// ──────────────────────────────────────────────────
// Webhook + delivery stores
// ──────────────────────────────────────────────────

func TestWebhookStore_CRUD(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	sub, err := webhook.NewSubscription("https://example.com/hook", []string{"job.completed"}, "secret")
	if err != nil {
		t.Fatalf("new subscription: %v", err)
	}
	if err := s.CreateWebhook(ctx, sub); err != nil {
		t.Fatalf("create webhook: %v", err)
	}

	got, err := s.GetWebhook(ctx, sub.ID)
	if err != nil {
		t.Fatalf("get webhook: %v", err)
	}
	if got.URL != sub.URL || got.Secret != "secret" {
		t.Fatalf("unexpected subscription: %+v", got)
	}

	active, _ := s.ListActiveWebhooks(ctx, "job.completed")
	if len(active) != 1 {
		t.Fatalf("expected 1 active subscription, got %d", len(active))
	}
	none, _ := s.ListActiveWebhooks(ctx, "job.failed")
	if len(none) != 0 {
		t.Fatalf("expected no failed-event subscriptions, got %d", len(none))
	}

	if err := s.DeleteWebhook(ctx, sub.ID); err != nil {
		t.Fatalf("delete webhook: %v", err)
	}
	if _, err := s.GetWebhook(ctx, sub.ID); !errors.Is(err, engine.ErrWebhookNotFound) {
		t.Fatalf("expected ErrWebhookNotFound, got %v", err)
	}
	if err := s.DeleteWebhook(ctx, sub.ID); !errors.Is(err, engine.ErrWebhookNotFound) {
		t.Fatalf("expected ErrWebhookNotFound on double delete, got %v", err)
	}
}

func newAttempt(jobID id.JobID, number int, scheduledAt time.Time) *webhook.Attempt {
	return &webhook.Attempt{
		Entity:      engine.NewEntity(),
		ID:          id.NewDeliveryID(),
		JobID:       jobID,
		URL:         "https://example.com/hook",
		Event:       "job.completed",
		Payload:     []byte(`{}`),
		Number:      number,
		ScheduledAt: scheduledAt,
		Outcome:     webhook.OutcomePending,
	}
}

func TestDeliveryStore_ClaimDueRespectsScheduleAndLimit(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	jobID := id.NewJobID()
	now := time.Now().UTC()

	due1 := newAttempt(jobID, 1, now.Add(-2*time.Minute))
	due2 := newAttempt(jobID, 1, now.Add(-time.Minute))
	future := newAttempt(jobID, 1, now.Add(time.Hour))
	for _, a := range []*webhook.Attempt{due2, due1, future} {
		if err := s.CreateAttempt(ctx, a); err != nil {
			t.Fatalf("create attempt: %v", err)
		}
	}

	claimed, err := s.ClaimDueAttempts(ctx, now, 1)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != due1.ID {
		t.Fatalf("expected oldest due attempt %s, got %+v", due1.ID, claimed)
	}

	claimed, _ = s.ClaimDueAttempts(ctx, now, 10)
	if len(claimed) != 1 || claimed[0].ID != due2.ID {
		t.Fatalf("expected remaining due attempt %s, got %+v", due2.ID, claimed)
	}

	// Nothing else is due; the future attempt stays pending.
	claimed, _ = s.ClaimDueAttempts(ctx, now, 10)
	if len(claimed) != 0 {
		t.Fatalf("expected no due attempts, got %d", len(claimed))
	}
}

func TestDeliveryStore_SettleAndList(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	jobID := id.NewJobID()
	a := newAttempt(jobID, 1, time.Now().Add(-time.Minute))
	s.CreateAttempt(ctx, a)
	s.ClaimDueAttempts(ctx, time.Now(), 10)

	if err := s.SettleAttempt(ctx, a.ID, webhook.OutcomeFailed, 502, "status 502"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if err := s.SettleAttempt(ctx, id.NewDeliveryID(), webhook.OutcomeSuccess, 200, ""); !errors.Is(err, engine.ErrDeliveryNotFound) {
		t.Fatalf("expected ErrDeliveryNotFound, got %v", err)
	}

	attempts, err := s.ListAttemptsByJob(ctx, jobID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(attempts))
	}
	got := attempts[0]
	if got.Outcome != webhook.OutcomeFailed || got.ResponseStatus != 502 || got.AttemptedAt == nil {
		t.Fatalf("unexpected settled attempt: %+v", got)
	}
}

func TestDeliveryStore_ReapStale(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	s := memory.New(memory.WithNow(func() time.Time { return now }))
	ctx := context.Background()

	a := newAttempt(id.NewJobID(), 1, now.Add(-time.Minute))
	s.CreateAttempt(ctx, a)
	s.ClaimDueAttempts(ctx, now, 10)

	// Not stale yet.
	n, err := s.ReapStaleAttempts(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 0 {
		t.Fatalf("reaped %d, want 0", n)
	}

	now = now.Add(10 * time.Minute)
	n, _ = s.ReapStaleAttempts(ctx, 5*time.Minute)
	if n != 1 {
		t.Fatalf("reaped %d, want 1", n)
	}

	// The reaped attempt is claimable again.
	claimed, _ := s.ClaimDueAttempts(ctx, now, 10)
	if len(claimed) != 1 || claimed[0].ID != a.ID {
		t.Fatalf("expected reaped attempt to be claimable, got %+v", claimed)
	}
}

func TestDeliveryStore_PurgeSettledOnly(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	settled := newAttempt(id.NewJobID(), 1, time.Now().Add(-time.Minute))
	pending := newAttempt(id.NewJobID(), 1, time.Now().Add(time.Hour))
	s.CreateAttempt(ctx, settled)
	s.CreateAttempt(ctx, pending)
	s.ClaimDueAttempts(ctx, time.Now(), 10)
	s.SettleAttempt(ctx, settled.ID, webhook.OutcomeSuccess, 200, "")

	n, err := s.PurgeAttemptsBefore(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}

	remaining, _ := s.ListAttemptsByJob(ctx, pending.JobID)
	if len(remaining) != 1 {
		t.Fatal("pending attempt must survive purge")
	}
}

func TestStore_ClosedReturnsError(t *testing.T) {
	t.Parallel()
	s := memory.New()
	s.Close()

	if err := s.CreateJob(context.Background(), job.New("k", "p", job.Input{URL: "https://example.com/a.png"})); !errors.Is(err, engine.ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
	if _, err := s.ClaimNextJob(context.Background()); !errors.Is(err, engine.ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
	if _, _, err := s.LookupOrReserve(context.Background(), "k", "i", id.NewJobID(), time.Hour); !errors.Is(err, engine.ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
}
