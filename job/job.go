package job

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/imggo/engine"
	"github.com/imggo/engine/id"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	// StatusQueued means the job is waiting to be claimed by a worker.
	StatusQueued Status = "queued"
	// StatusProcessing means a worker currently owns the job.
	StatusProcessing Status = "processing"
	// StatusCompleted means analysis finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means analysis failed terminally.
	StatusFailed Status = "failed"
)

// statusAliasSucceeded is accepted on parse for StatusCompleted. The
// original API documentation uses both literals interchangeably.
const statusAliasSucceeded = "succeeded"

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus parses a status literal, accepting "succeeded" as an alias
// for StatusCompleted.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return Status(s), nil
	}
	if s == statusAliasSucceeded {
		return StatusCompleted, nil
	}
	return "", fmt.Errorf("job: unknown status %q", s)
}

// Result is the opaque structured payload produced by the analyzer,
// together with its confidence score.
type Result struct {
	Data       json.RawMessage `json:"data"`
	Confidence float64         `json:"confidence"`
}

// Error describes a terminal processing failure.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Processing error codes.
const (
	CodeInvalidImage = "invalid_image"
	CodeTimeout      = "timeout"
	CodeInternal     = "internal_error"
)

// Job represents one image submitted for extraction.
type Job struct {
	engine.Entity

	ID             id.JobID `json:"job_id"`
	PatternID      string   `json:"pattern_id"`
	APIKey         string   `json:"-"`
	Input          Input    `json:"-"`
	Status         Status   `json:"status"`
	Result         *Result  `json:"result,omitempty"`
	Error          *Error   `json:"error,omitempty"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
	// WebhookURL is an optional per-job callback supplied at ingest time,
	// notified in addition to registered subscriptions.
	WebhookURL string `json:"-"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

// New creates a queued Job for the given submission.
func New(apiKey, patternID string, input Input) *Job {
	return &Job{
		Entity:    engine.NewEntity(),
		ID:        id.NewJobID(),
		PatternID: patternID,
		APIKey:    apiKey,
		Input:     input,
		Status:    StatusQueued,
	}
}

// jobJSON mirrors Job for marshalling, adding the "manifest" read alias
// for the result payload.
type jobJSON struct {
	ID             id.JobID   `json:"job_id"`
	PatternID      string     `json:"pattern_id"`
	Status         Status     `json:"status"`
	Result         *Result    `json:"result,omitempty"`
	Manifest       *Result    `json:"manifest,omitempty"`
	Error          *Error     `json:"error,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	FailedAt       *time.Time `json:"failed_at,omitempty"`
}

// MarshalJSON emits the canonical snapshot plus the "manifest" alias.
func (j *Job) MarshalJSON() ([]byte, error) {
	return json.Marshal(jobJSON{
		ID:             j.ID,
		PatternID:      j.PatternID,
		Status:         j.Status,
		Result:         j.Result,
		Manifest:       j.Result,
		Error:          j.Error,
		IdempotencyKey: j.IdempotencyKey,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
		StartedAt:      j.StartedAt,
		CompletedAt:    j.CompletedAt,
		FailedAt:       j.FailedAt,
	})
}
