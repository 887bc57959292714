package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/imggo/engine/backoff"
	"github.com/imggo/engine/id"
	"github.com/imggo/engine/job"
)

func TestDefaultSchedule(t *testing.T) {
	t.Parallel()

	schedule := DefaultSchedule()
	if got := schedule.Attempts(); got != 6 {
		t.Fatalf("Attempts() = %d, want 6", got)
	}

	wantDelays := []time.Duration{
		0,
		30 * time.Second,
		2 * time.Minute,
		10 * time.Minute,
		30 * time.Minute,
		time.Hour,
	}
	for i, want := range wantDelays {
		if got := schedule.Delay(i + 1); got != want {
			t.Fatalf("Delay(%d) = %s, want %s", i+1, got, want)
		}
	}

	if got := schedule.Cumulative(6); got != time.Hour+42*time.Minute+30*time.Second {
		t.Fatalf("Cumulative(6) = %s, want 1h42m30s", got)
	}
}

func TestBuildEvent(t *testing.T) {
	t.Parallel()

	t.Run("completed", func(t *testing.T) {
		t.Parallel()

		j := job.New("key", "ptn_invoice", job.Input{URL: "https://example.com/a.png"})
		j.Status = job.StatusCompleted
		j.Result = &job.Result{Data: json.RawMessage(`{"total":42}`), Confidence: 0.97}

		event, body, err := BuildEvent(j)
		if err != nil {
			t.Fatalf("BuildEvent: %v", err)
		}
		if event != EventJobCompleted {
			t.Fatalf("event = %q, want %q", event, EventJobCompleted)
		}

		var env struct {
			Event string `json:"event"`
			Data  struct {
				JobID  string `json:"job_id"`
				Status string `json:"status"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &env); err != nil {
			t.Fatalf("unmarshal body: %v", err)
		}
		if env.Event != EventJobCompleted {
			t.Fatalf("body event = %q, want %q", env.Event, EventJobCompleted)
		}
		if env.Data.JobID != j.ID.String() {
			t.Fatalf("body job_id = %q, want %q", env.Data.JobID, j.ID)
		}
		if env.Data.Status != "completed" {
			t.Fatalf("body status = %q, want completed", env.Data.Status)
		}
	})

	t.Run("failed", func(t *testing.T) {
		t.Parallel()

		j := job.New("key", "ptn_invoice", job.Input{URL: "https://example.com/a.png"})
		j.Status = job.StatusFailed
		j.Error = &job.Error{Code: job.CodeInvalidImage, Message: "not an image"}

		event, _, err := BuildEvent(j)
		if err != nil {
			t.Fatalf("BuildEvent: %v", err)
		}
		if event != EventJobFailed {
			t.Fatalf("event = %q, want %q", event, EventJobFailed)
		}
	})

	t.Run("rejects non-terminal jobs", func(t *testing.T) {
		t.Parallel()

		j := job.New("key", "ptn_invoice", job.Input{URL: "https://example.com/a.png"})
		if _, _, err := BuildEvent(j); err == nil {
			t.Fatal("expected error for queued job")
		}
	})
}

// fakeSubStore is an in-memory Store for notifier tests.
type fakeSubStore struct {
	mu   sync.Mutex
	subs []*Subscription
}

func (f *fakeSubStore) CreateWebhook(_ context.Context, sub *Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, sub)
	return nil
}

func (f *fakeSubStore) GetWebhook(_ context.Context, webhookID id.WebhookID) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		if sub.ID == webhookID {
			return sub, nil
		}
	}
	return nil, nil
}

func (f *fakeSubStore) DeleteWebhook(_ context.Context, webhookID id.WebhookID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, sub := range f.subs {
		if sub.ID == webhookID {
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeSubStore) ListActiveWebhooks(_ context.Context, event string) ([]*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Subscription
	for _, sub := range f.subs {
		if sub.Active && sub.Subscribed(event) {
			out = append(out, sub)
		}
	}
	return out, nil
}

// fakeDeliveryStore is an in-memory DeliveryStore for notifier tests.
type fakeDeliveryStore struct {
	mu       sync.Mutex
	attempts []*Attempt
}

func (f *fakeDeliveryStore) CreateAttempt(_ context.Context, attempt *Attempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, attempt)
	return nil
}

func (f *fakeDeliveryStore) ClaimDueAttempts(_ context.Context, now time.Time, limit int) ([]*Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Attempt
	for _, a := range f.attempts {
		if len(out) >= limit {
			break
		}
		if a.Outcome == OutcomePending && !a.ScheduledAt.After(now) {
			a.Outcome = OutcomeInFlight
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeDeliveryStore) SettleAttempt(_ context.Context, deliveryID id.DeliveryID, outcome Outcome, responseStatus int, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.attempts {
		if a.ID == deliveryID {
			a.Outcome = outcome
			a.ResponseStatus = responseStatus
			a.LastError = lastError
			return nil
		}
	}
	return nil
}

func (f *fakeDeliveryStore) ListAttemptsByJob(_ context.Context, jobID id.JobID) ([]*Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Attempt
	for _, a := range f.attempts {
		if a.JobID == jobID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeDeliveryStore) ReapStaleAttempts(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func (f *fakeDeliveryStore) PurgeAttemptsBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeDeliveryStore) snapshot() []Attempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Attempt, 0, len(f.attempts))
	for _, a := range f.attempts {
		out = append(out, *a)
	}
	return out
}

func completedJob(t *testing.T) *job.Job {
	t.Helper()
	j := job.New("key", "ptn_invoice", job.Input{URL: "https://example.com/a.png"})
	j.Status = job.StatusCompleted
	j.Result = &job.Result{Data: json.RawMessage(`{"ok":true}`), Confidence: 0.9}
	return j
}

func TestEnqueueJobFanout(t *testing.T) {
	t.Parallel()

	subs := &fakeSubStore{}
	completedSub, err := NewSubscription("https://example.com/completed", []string{EventJobCompleted}, "s1")
	if err != nil {
		t.Fatalf("NewSubscription: %v", err)
	}
	failedSub, err := NewSubscription("https://example.com/failed", []string{EventJobFailed}, "s2")
	if err != nil {
		t.Fatalf("NewSubscription: %v", err)
	}
	subs.subs = []*Subscription{completedSub, failedSub}

	deliveries := &fakeDeliveryStore{}
	n := NewNotifier(subs, deliveries)

	j := completedJob(t)
	j.WebhookURL = "https://example.com/per-job"
	if err := n.EnqueueJob(context.Background(), j); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got := deliveries.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected 2 attempts (matching subscription + per-job url), got %d", len(got))
	}
	for _, a := range got {
		if a.Number != 1 {
			t.Fatalf("expected first attempt, got %d", a.Number)
		}
		if a.Outcome != OutcomePending {
			t.Fatalf("expected pending outcome, got %s", a.Outcome)
		}
	}
	if got[0].URL != "https://example.com/completed" || got[0].Secret != "s1" {
		t.Fatalf("unexpected subscription attempt: %+v", got[0])
	}
	if got[1].URL != "https://example.com/per-job" || got[1].Secret != "" {
		t.Fatalf("expected unsigned per-job attempt, got %+v", got[1])
	}
}

func TestNotifierRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	var lastSig atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastSig.Store(r.Header.Get(SignatureHeader))
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	subs := &fakeSubStore{}
	sub, err := NewSubscription(srv.URL, []string{EventJobCompleted}, "whsec_retry")
	if err != nil {
		t.Fatalf("NewSubscription: %v", err)
	}
	subs.subs = []*Subscription{sub}

	deliveries := &fakeDeliveryStore{}
	n := NewNotifier(subs, deliveries,
		WithSchedule(backoff.NewTable(0, 5*time.Millisecond, 5*time.Millisecond, 5*time.Millisecond)),
		WithPollInterval(5*time.Millisecond),
		WithConcurrency(1),
	)

	if err := n.EnqueueJob(context.Background(), completedJob(t)); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop(context.Background())

	deadline := time.After(5 * time.Second)
	for {
		attempts := deliveries.snapshot()
		if succeeded(attempts) {
			if len(attempts) != 3 {
				t.Fatalf("expected 3 attempts, got %d", len(attempts))
			}
			if attempts[0].Outcome != OutcomeFailed || attempts[0].ResponseStatus != http.StatusBadGateway {
				t.Fatalf("unexpected first attempt: %+v", attempts[0])
			}
			if attempts[2].Number != 3 {
				t.Fatalf("expected third attempt to succeed, got attempt %d", attempts[2].Number)
			}
			sig, _ := lastSig.Load().(string)
			if !Verify("whsec_retry", attempts[2].Payload, sig) {
				t.Fatalf("delivered signature %q does not verify", sig)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("delivery never succeeded, attempts: %+v", attempts)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestNotifierAbandonsAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	subs := &fakeSubStore{}
	sub, err := NewSubscription(srv.URL, nil, "s")
	if err != nil {
		t.Fatalf("NewSubscription: %v", err)
	}
	subs.subs = []*Subscription{sub}

	deliveries := &fakeDeliveryStore{}
	n := NewNotifier(subs, deliveries,
		WithSchedule(backoff.NewTable(0, 5*time.Millisecond, 5*time.Millisecond)),
		WithPollInterval(5*time.Millisecond),
		WithConcurrency(1),
	)

	if err := n.EnqueueJob(context.Background(), completedJob(t)); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop(context.Background())

	deadline := time.After(5 * time.Second)
	for {
		attempts := deliveries.snapshot()
		if len(attempts) == 3 && allFailed(attempts) {
			// Give the notifier a chance to wrongly schedule a fourth.
			time.Sleep(50 * time.Millisecond)
			if got := len(deliveries.snapshot()); got != 3 {
				t.Fatalf("expected exactly 3 attempts, got %d", got)
			}
			if calls.Load() != 3 {
				t.Fatalf("expected 3 requests, got %d", calls.Load())
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("attempts never exhausted: %+v", attempts)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func succeeded(attempts []Attempt) bool {
	for _, a := range attempts {
		if a.Outcome == OutcomeSuccess {
			return true
		}
	}
	return false
}

func allFailed(attempts []Attempt) bool {
	for _, a := range attempts {
		if a.Outcome != OutcomeFailed {
			return false
		}
	}
	return true
}
