package audithook_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	ah "github.com/imggo/engine/audit_hook"
	"github.com/imggo/engine/job"
)

// mockRecorder captures audit events for verification.
type mockRecorder struct {
	mu     sync.Mutex
	events []*ah.AuditEvent
}

func (m *mockRecorder) Record(_ context.Context, evt *ah.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *mockRecorder) last() *ah.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return nil
	}
	return m.events[len(m.events)-1]
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func newTestJob() *job.Job {
	return job.New("key_a", "ptn_receipt", job.Input{URL: "https://example.com/receipt.png"})
}

func TestHookName(t *testing.T) {
	rec := &mockRecorder{}
	h := ah.New(rec)
	if h.Name() != "audit-hook" {
		t.Errorf("expected name %q, got %q", "audit-hook", h.Name())
	}
}

func TestJobLifecycleEvents(t *testing.T) {
	rec := &mockRecorder{}
	h := ah.New(rec)
	ctx := context.Background()
	j := newTestJob()

	if err := h.OnJobQueued(ctx, j); err != nil {
		t.Fatalf("OnJobQueued: %v", err)
	}
	evt := rec.last()
	if evt.Action != ah.ActionJobQueued || evt.Severity != ah.SeverityInfo {
		t.Fatalf("unexpected queued event: %+v", evt)
	}
	if evt.ResourceID != j.ID.String() || evt.Metadata["pattern_id"] != "ptn_receipt" {
		t.Fatalf("unexpected queued metadata: %+v", evt)
	}
	if evt.Metadata["input_kind"] != "url" {
		t.Fatalf("expected input_kind url, got %v", evt.Metadata["input_kind"])
	}

	j.Result = &job.Result{Data: json.RawMessage(`{}`), Confidence: 0.9}
	if err := h.OnJobCompleted(ctx, j, 250*time.Millisecond); err != nil {
		t.Fatalf("OnJobCompleted: %v", err)
	}
	evt = rec.last()
	if evt.Action != ah.ActionJobCompleted || evt.Outcome != ah.OutcomeSuccess {
		t.Fatalf("unexpected completed event: %+v", evt)
	}
	if evt.Metadata["elapsed_ms"] != int64(250) {
		t.Fatalf("expected elapsed_ms 250, got %v", evt.Metadata["elapsed_ms"])
	}
	if evt.Metadata["confidence"] != 0.9 {
		t.Fatalf("expected confidence 0.9, got %v", evt.Metadata["confidence"])
	}

	jobErr := &job.Error{Code: job.CodeTimeout, Message: "analysis timed out"}
	if err := h.OnJobFailed(ctx, j, jobErr); err != nil {
		t.Fatalf("OnJobFailed: %v", err)
	}
	evt = rec.last()
	if evt.Action != ah.ActionJobFailed || evt.Severity != ah.SeverityCritical || evt.Outcome != ah.OutcomeFailure {
		t.Fatalf("unexpected failed event: %+v", evt)
	}
	if evt.Metadata["code"] != job.CodeTimeout || evt.Reason == "" {
		t.Fatalf("unexpected failed metadata: %+v", evt)
	}
}

func TestWithActionsFilters(t *testing.T) {
	rec := &mockRecorder{}
	h := ah.New(rec, ah.WithActions(ah.ActionJobFailed))
	ctx := context.Background()
	j := newTestJob()

	if err := h.OnJobQueued(ctx, j); err != nil {
		t.Fatalf("OnJobQueued: %v", err)
	}
	if err := h.OnJobStarted(ctx, j); err != nil {
		t.Fatalf("OnJobStarted: %v", err)
	}
	if rec.count() != 0 {
		t.Fatalf("expected filtered actions to emit nothing, got %d events", rec.count())
	}

	if err := h.OnJobFailed(ctx, j, &job.Error{Code: job.CodeInternal, Message: "boom"}); err != nil {
		t.Fatalf("OnJobFailed: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("expected one event, got %d", rec.count())
	}
}

func TestRecorderErrorsAreSwallowed(t *testing.T) {
	h := ah.New(ah.RecorderFunc(func(context.Context, *ah.AuditEvent) error {
		return errors.New("backend down")
	}))

	// Lifecycle hooks never propagate recorder failures.
	if err := h.OnJobQueued(context.Background(), newTestJob()); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}
