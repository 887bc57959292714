package webhook

import (
	"context"
	"time"

	engine "github.com/imggo/engine"
	"github.com/imggo/engine/id"
)

// Outcome is the terminal disposition of a single delivery attempt.
type Outcome string

const (
	// OutcomePending marks an attempt waiting for its scheduled time.
	OutcomePending Outcome = "pending"

	// OutcomeInFlight marks an attempt claimed by a notifier worker.
	// Attempts stuck in flight past a threshold are reaped back to
	// pending by ReapStaleAttempts.
	OutcomeInFlight Outcome = "in_flight"

	// OutcomeSuccess marks a delivery acknowledged with a 2xx status.
	OutcomeSuccess Outcome = "success"

	// OutcomeFailed marks a non-2xx response, a transport error, or a
	// timeout. A failed attempt below the schedule cap spawns the next
	// attempt record.
	OutcomeFailed Outcome = "failed"
)

// Settled reports whether the attempt has a final disposition.
func (o Outcome) Settled() bool {
	return o == OutcomeSuccess || o == OutcomeFailed
}

// Attempt is one try at delivering a job event to one endpoint. The
// endpoint URL, secret, and payload are captured at enqueue time so the
// retry schedule keeps running even if the subscription is deleted
// mid-sequence.
type Attempt struct {
	engine.Entity

	ID        id.DeliveryID `json:"delivery_id"`
	JobID     id.JobID      `json:"job_id"`
	WebhookID id.WebhookID  `json:"webhook_id,omitzero"`
	URL       string        `json:"url"`
	Secret    string        `json:"-"`
	Event     string        `json:"event"`
	Payload   []byte        `json:"-"`

	// Number is 1-based within the retry sequence.
	Number      int       `json:"attempt"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Outcome     Outcome   `json:"outcome"`

	AttemptedAt *time.Time `json:"attempted_at,omitempty"`

	// ResponseStatus is the HTTP status of the attempt, or zero when
	// the request never produced a response.
	ResponseStatus int    `json:"response_status,omitempty"`
	LastError      string `json:"last_error,omitempty"`
}

// Next builds the follow-up attempt after a failure, scheduled at the
// given time.
func (a *Attempt) Next(scheduledAt time.Time) *Attempt {
	return &Attempt{
		Entity:      engine.NewEntity(),
		ID:          id.NewDeliveryID(),
		JobID:       a.JobID,
		WebhookID:   a.WebhookID,
		URL:         a.URL,
		Secret:      a.Secret,
		Event:       a.Event,
		Payload:     a.Payload,
		Number:      a.Number + 1,
		ScheduledAt: scheduledAt,
		Outcome:     OutcomePending,
	}
}

// DeliveryStore persists delivery attempts and hands due work to
// notifier workers.
type DeliveryStore interface {
	// CreateAttempt persists a new pending attempt.
	CreateAttempt(ctx context.Context, attempt *Attempt) error

	// ClaimDueAttempts atomically moves up to limit pending attempts
	// whose scheduled time is at or before now into the in-flight
	// state and returns them. No attempt is returned to more than one
	// caller.
	ClaimDueAttempts(ctx context.Context, now time.Time, limit int) ([]*Attempt, error)

	// SettleAttempt records the outcome of an in-flight attempt.
	SettleAttempt(ctx context.Context, deliveryID id.DeliveryID, outcome Outcome, responseStatus int, lastError string) error

	// ListAttemptsByJob returns all attempts for a job, oldest first.
	ListAttemptsByJob(ctx context.Context, jobID id.JobID) ([]*Attempt, error)

	// ReapStaleAttempts returns in-flight attempts older than threshold
	// to the pending state so another worker can retry them.
	ReapStaleAttempts(ctx context.Context, threshold time.Duration) (int64, error)

	// PurgeAttemptsBefore removes settled attempts created before the
	// cutoff and returns how many were removed.
	PurgeAttemptsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
