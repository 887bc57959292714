package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/imggo/engine/hook"
	"github.com/imggo/engine/job"
)

// Compile-time interface checks.
var (
	_ hook.Observer     = (*Hook)(nil)
	_ hook.JobQueued    = (*Hook)(nil)
	_ hook.JobStarted   = (*Hook)(nil)
	_ hook.JobCompleted = (*Hook)(nil)
	_ hook.JobFailed    = (*Hook)(nil)
)

// Recorder is the interface audit backends must implement. It is
// defined locally so that this package carries no backend dependency —
// callers inject the concrete recorder at wiring time.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one entry in the audit trail.
type AuditEvent struct {
	// What happened
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	// Details
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// SlogRecorder records audit events as structured log lines. It is the
// default backend for deployments without a dedicated audit store.
func SlogRecorder(logger *slog.Logger) Recorder {
	return RecorderFunc(func(ctx context.Context, evt *AuditEvent) error {
		logger.LogAttrs(ctx, slog.LevelInfo, "audit",
			slog.String("action", evt.Action),
			slog.String("resource", evt.Resource),
			slog.String("resource_id", evt.ResourceID),
			slog.String("outcome", evt.Outcome),
			slog.String("severity", evt.Severity),
			slog.Any("metadata", evt.Metadata),
		)
		return nil
	})
}

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Hook bridges job lifecycle events to an audit trail backend. Each
// lifecycle hook emits a structured audit event through the [Recorder].
type Hook struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates a Hook that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Hook {
	h := &Hook{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Name implements hook.Observer.
func (h *Hook) Name() string { return "audit-hook" }

// OnJobQueued implements hook.JobQueued.
func (h *Hook) OnJobQueued(ctx context.Context, j *job.Job) error {
	return h.record(ctx, ActionJobQueued, SeverityInfo, OutcomeSuccess, j.ID.String(), nil,
		"pattern_id", j.PatternID,
		"input_kind", j.Input.Kind(),
	)
}

// OnJobStarted implements hook.JobStarted.
func (h *Hook) OnJobStarted(ctx context.Context, j *job.Job) error {
	return h.record(ctx, ActionJobStarted, SeverityInfo, OutcomeSuccess, j.ID.String(), nil,
		"pattern_id", j.PatternID,
	)
}

// OnJobCompleted implements hook.JobCompleted.
func (h *Hook) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	kv := []any{
		"pattern_id", j.PatternID,
		"elapsed_ms", elapsed.Milliseconds(),
	}
	if j.Result != nil {
		kv = append(kv, "confidence", j.Result.Confidence)
	}
	return h.record(ctx, ActionJobCompleted, SeverityInfo, OutcomeSuccess, j.ID.String(), nil, kv...)
}

// OnJobFailed implements hook.JobFailed.
func (h *Hook) OnJobFailed(ctx context.Context, j *job.Job, jobErr *job.Error) error {
	var cause error
	kv := []any{"pattern_id", j.PatternID}
	if jobErr != nil {
		cause = jobErr
		kv = append(kv, "code", jobErr.Code)
	}
	return h.record(ctx, ActionJobFailed, SeverityCritical, OutcomeFailure, j.ID.String(), cause, kv...)
}

// record builds and sends an audit event if the action is enabled.
// The kvPairs argument is a list of key-value pairs added to Metadata.
func (h *Hook) record(
	ctx context.Context,
	action, severity, outcome, resourceID string,
	err error,
	kvPairs ...any,
) error {
	if h.enabled != nil && !h.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   ResourceJob,
		Category:   CategoryJob,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := h.recorder.Record(ctx, evt); recErr != nil {
		h.logger.Warn("audithook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
