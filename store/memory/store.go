// Package memory provides a fully in-memory implementation of the
// engine's stores. Safe for concurrent access. Intended for unit
// testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	engine "github.com/imggo/engine"
	"github.com/imggo/engine/id"
	"github.com/imggo/engine/idempotency"
	"github.com/imggo/engine/job"
	"github.com/imggo/engine/webhook"
)

// Verify each subsystem contract at compile time.
var (
	_ job.Store             = (*Store)(nil)
	_ idempotency.Store     = (*Store)(nil)
	_ webhook.Store         = (*Store)(nil)
	_ webhook.DeliveryStore = (*Store)(nil)
)

// Store is the in-memory composite store. All returned records are
// copies: mutating a result never changes stored state.
type Store struct {
	mu     sync.RWMutex
	closed bool

	jobs  map[string]*job.Job
	queue []string // job IDs in enqueue order, claim scans from the front

	reservations map[string]*idempotency.Record // key: apiKey + "\x00" + key

	webhooks   map[string]*webhook.Subscription
	deliveries map[string]*webhook.Attempt

	// now is the time source, replaceable in tests.
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithNow overrides the store's time source, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a new empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		jobs:         make(map[string]*job.Job),
		reservations: make(map[string]*idempotency.Record),
		webhooks:     make(map[string]*webhook.Subscription),
		deliveries:   make(map[string]*webhook.Attempt),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close marks the store closed. Subsequent operations return
// engine.ErrStoreClosed.
func (m *Store) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Store) checkOpen() error {
	if m.closed {
		return engine.ErrStoreClosed
	}
	return nil
}

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// CreateJob persists a new job in queued state.
func (m *Store) CreateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return engine.ErrJobAlreadyExists
	}
	cp := *j
	m.jobs[key] = &cp
	if j.Status == job.StatusQueued {
		m.queue = append(m.queue, key)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, engine.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// ClaimNextJob pops the oldest queued job and moves it to processing.
func (m *Store) ClaimNextJob(_ context.Context) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	for len(m.queue) > 0 {
		key := m.queue[0]
		m.queue = m.queue[1:]

		j, ok := m.jobs[key]
		if !ok || j.Status != job.StatusQueued {
			// Purged or already transitioned, skip.
			continue
		}

		now := m.now().UTC()
		j.Status = job.StatusProcessing
		j.StartedAt = &now
		j.UpdatedAt = now

		cp := *j
		return &cp, nil
	}
	return nil, nil
}

// CompleteJob transitions processing → completed.
func (m *Store) CompleteJob(_ context.Context, jobID id.JobID, result *job.Result) (*job.Job, error) {
	return m.finishJob(jobID, func(j *job.Job, now time.Time) {
		j.Status = job.StatusCompleted
		j.Result = result
		j.CompletedAt = &now
	})
}

// FailJob transitions processing → failed.
func (m *Store) FailJob(_ context.Context, jobID id.JobID, jobErr *job.Error) (*job.Job, error) {
	return m.finishJob(jobID, func(j *job.Job, now time.Time) {
		j.Status = job.StatusFailed
		j.Error = jobErr
		j.FailedAt = &now
	})
}

func (m *Store) finishJob(jobID id.JobID, apply func(*job.Job, time.Time)) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, engine.ErrJobNotFound
	}
	if j.Status != job.StatusProcessing {
		return nil, engine.ErrInvalidTransition
	}

	now := m.now().UTC()
	apply(j, now)
	j.UpdatedAt = now

	cp := *j
	return &cp, nil
}

// ListJobsByStatus returns jobs matching the given status, oldest first.
func (m *Store) ListJobsByStatus(_ context.Context, status job.Status, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	matched := make([]*job.Job, 0)
	for _, j := range m.jobs {
		if j.Status != status {
			continue
		}
		if opts.APIKey != "" && j.APIKey != opts.APIKey {
			continue
		}
		matched = append(matched, j)
	}

	sort.Slice(matched, func(i, k int) bool {
		return matched[i].CreatedAt.Before(matched[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return []*job.Job{}, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	out := make([]*job.Job, len(matched))
	for i, j := range matched {
		cp := *j
		out[i] = &cp
	}
	return out, nil
}

// CountJobs returns the number of jobs matching the given options.
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return 0, err
	}

	var n int64
	for _, j := range m.jobs {
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		if opts.APIKey != "" && j.APIKey != opts.APIKey {
			continue
		}
		n++
	}
	return n, nil
}

// ReapStaleJobs returns processing jobs untouched for longer than
// threshold to the queued state and puts them back on the queue.
func (m *Store) ReapStaleJobs(_ context.Context, threshold time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return 0, err
	}

	cutoff := m.now().UTC().Add(-threshold)
	now := m.now().UTC()
	var n int64
	for key, j := range m.jobs {
		if j.Status != job.StatusProcessing || !j.UpdatedAt.Before(cutoff) {
			continue
		}
		j.Status = job.StatusQueued
		j.StartedAt = nil
		j.UpdatedAt = now
		m.queue = append(m.queue, key)
		n++
	}
	return n, nil
}

// PurgeJobsBefore removes terminal jobs created before the cutoff.
// Queued and processing jobs are never purged.
func (m *Store) PurgeJobsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return 0, err
	}

	var n int64
	for key, j := range m.jobs {
		if j.Status.Terminal() && j.CreatedAt.Before(cutoff) {
			delete(m.jobs, key)
			n++
		}
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Idempotency Store
// ──────────────────────────────────────────────────

func reservationKey(apiKey, key string) string {
	return apiKey + "\x00" + key
}

// LookupOrReserve reserves (apiKey, key) for jobID unless an unexpired
// record already holds it.
func (m *Store) LookupOrReserve(_ context.Context, apiKey, key string, jobID id.JobID, ttl time.Duration) (id.JobID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return id.JobID{}, false, err
	}

	now := m.now().UTC()
	rk := reservationKey(apiKey, key)

	if rec, ok := m.reservations[rk]; ok && !rec.Expired(now) {
		return rec.JobID, false, nil
	}

	m.reservations[rk] = &idempotency.Record{
		APIKey:    apiKey,
		Key:       key,
		JobID:     jobID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	return jobID, true, nil
}

// GetRecord returns the record for (apiKey, key), expired or not.
func (m *Store) GetRecord(_ context.Context, apiKey, key string) (*idempotency.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	rec, ok := m.reservations[reservationKey(apiKey, key)]
	if !ok {
		return nil, engine.ErrJobNotFound
	}
	cp := *rec
	return &cp, nil
}

// PurgeExpired removes reservations whose window has passed.
func (m *Store) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return 0, err
	}

	var n int64
	for key, rec := range m.reservations {
		if rec.Expired(now) {
			delete(m.reservations, key)
			n++
		}
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Webhook Store
// ──────────────────────────────────────────────────

// CreateWebhook persists a new subscription.
func (m *Store) CreateWebhook(_ context.Context, sub *webhook.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	m.webhooks[sub.ID.String()] = cloneSubscription(sub)
	return nil
}

// GetWebhook returns the subscription with the given ID.
func (m *Store) GetWebhook(_ context.Context, webhookID id.WebhookID) (*webhook.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	sub, ok := m.webhooks[webhookID.String()]
	if !ok {
		return nil, engine.ErrWebhookNotFound
	}
	return cloneSubscription(sub), nil
}

// DeleteWebhook removes a subscription.
func (m *Store) DeleteWebhook(_ context.Context, webhookID id.WebhookID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	key := webhookID.String()
	if _, ok := m.webhooks[key]; !ok {
		return engine.ErrWebhookNotFound
	}
	delete(m.webhooks, key)
	return nil
}

// ListActiveWebhooks returns the active subscriptions for an event.
func (m *Store) ListActiveWebhooks(_ context.Context, event string) ([]*webhook.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	out := make([]*webhook.Subscription, 0)
	for _, sub := range m.webhooks {
		if !sub.Active || !sub.Subscribed(event) {
			continue
		}
		out = append(out, cloneSubscription(sub))
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out, nil
}

// ──────────────────────────────────────────────────
// Delivery Store
// ──────────────────────────────────────────────────

// CreateAttempt persists a new pending delivery attempt.
func (m *Store) CreateAttempt(_ context.Context, attempt *webhook.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	m.deliveries[attempt.ID.String()] = cloneAttempt(attempt)
	return nil
}

// ClaimDueAttempts moves due pending attempts into the in-flight state.
func (m *Store) ClaimDueAttempts(_ context.Context, now time.Time, limit int) ([]*webhook.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	due := make([]*webhook.Attempt, 0, limit)
	for _, a := range m.deliveries {
		if a.Outcome == webhook.OutcomePending && !a.ScheduledAt.After(now) {
			due = append(due, a)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		return due[i].ScheduledAt.Before(due[k].ScheduledAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimedAt := m.now().UTC()
	out := make([]*webhook.Attempt, len(due))
	for i, a := range due {
		a.Outcome = webhook.OutcomeInFlight
		a.UpdatedAt = claimedAt
		out[i] = cloneAttempt(a)
	}
	return out, nil
}

// SettleAttempt records the outcome of an in-flight attempt.
func (m *Store) SettleAttempt(_ context.Context, deliveryID id.DeliveryID, outcome webhook.Outcome, responseStatus int, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	a, ok := m.deliveries[deliveryID.String()]
	if !ok {
		return engine.ErrDeliveryNotFound
	}

	now := m.now().UTC()
	a.Outcome = outcome
	a.ResponseStatus = responseStatus
	a.LastError = lastError
	a.AttemptedAt = &now
	a.UpdatedAt = now
	return nil
}

// ListAttemptsByJob returns all attempts for a job, oldest first.
func (m *Store) ListAttemptsByJob(_ context.Context, jobID id.JobID) ([]*webhook.Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	out := make([]*webhook.Attempt, 0)
	for _, a := range m.deliveries {
		if a.JobID == jobID {
			out = append(out, cloneAttempt(a))
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].Number < out[k].Number
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out, nil
}

// ReapStaleAttempts returns in-flight attempts older than threshold to
// the pending state.
func (m *Store) ReapStaleAttempts(_ context.Context, threshold time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return 0, err
	}

	cutoff := m.now().UTC().Add(-threshold)
	var n int64
	for _, a := range m.deliveries {
		if a.Outcome == webhook.OutcomeInFlight && a.UpdatedAt.Before(cutoff) {
			a.Outcome = webhook.OutcomePending
			n++
		}
	}
	return n, nil
}

// PurgeAttemptsBefore removes settled attempts created before the cutoff.
func (m *Store) PurgeAttemptsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return 0, err
	}

	var n int64
	for key, a := range m.deliveries {
		if a.Outcome.Settled() && a.CreatedAt.Before(cutoff) {
			delete(m.deliveries, key)
			n++
		}
	}
	return n, nil
}

func cloneSubscription(sub *webhook.Subscription) *webhook.Subscription {
	cp := *sub
	cp.Events = append([]string(nil), sub.Events...)
	return &cp
}

func cloneAttempt(a *webhook.Attempt) *webhook.Attempt {
	cp := *a
	cp.Payload = append([]byte(nil), a.Payload...)
	if a.AttemptedAt != nil {
		t := *a.AttemptedAt
		cp.AttemptedAt = &t
	}
	return &cp
}
