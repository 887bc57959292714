package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	engine "github.com/imggo/engine"
	"github.com/imggo/engine/backoff"
	"github.com/imggo/engine/id"
	"github.com/imggo/engine/job"
)

// DefaultSchedule returns the delivery retry table: six attempts with
// the first immediate and the rest spread over roughly 1h43m.
func DefaultSchedule() *backoff.Table {
	return backoff.NewTable(
		0,
		30*time.Second,
		2*time.Minute,
		10*time.Minute,
		30*time.Minute,
		time.Hour,
	)
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithLogger sets the notifier logger.
func WithLogger(logger *slog.Logger) NotifierOption {
	return func(n *Notifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithConcurrency sets the number of delivery workers.
func WithConcurrency(workers int) NotifierOption {
	return func(n *Notifier) {
		if workers > 0 {
			n.concurrency = workers
		}
	}
}

// WithPollInterval sets how often idle workers look for due attempts.
func WithPollInterval(interval time.Duration) NotifierOption {
	return func(n *Notifier) {
		if interval > 0 {
			n.pollInterval = interval
		}
	}
}

// WithSchedule overrides the retry table.
func WithSchedule(schedule *backoff.Table) NotifierOption {
	return func(n *Notifier) {
		if schedule != nil {
			n.schedule = schedule
		}
	}
}

// WithHTTPClient sets the client used for delivery requests.
func WithHTTPClient(client *http.Client) NotifierOption {
	return func(n *Notifier) {
		if client != nil {
			n.client = client
		}
	}
}

// WithDeliveryTimeout bounds each delivery request.
func WithDeliveryTimeout(timeout time.Duration) NotifierOption {
	return func(n *Notifier) {
		if timeout > 0 {
			n.timeout = timeout
		}
	}
}

// WithClock overrides the notifier's time source, for tests.
func WithClock(now func() time.Time) NotifierOption {
	return func(n *Notifier) {
		if now != nil {
			n.now = now
		}
	}
}

// Notifier fans terminal job events out to subscribed endpoints and
// runs the persisted retry schedule. It observes the job lifecycle
// through the hook registry and never writes to the Job Store.
type Notifier struct {
	subs       Store
	deliveries DeliveryStore
	schedule   *backoff.Table
	client     *http.Client
	logger     *slog.Logger

	concurrency  int
	pollInterval time.Duration
	timeout      time.Duration
	staleAfter   time.Duration
	now          func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewNotifier builds a notifier over the given stores.
func NewNotifier(subs Store, deliveries DeliveryStore, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		subs:         subs,
		deliveries:   deliveries,
		schedule:     DefaultSchedule(),
		client:       http.DefaultClient,
		logger:       slog.Default(),
		concurrency:  2,
		pollInterval: time.Second,
		timeout:      10 * time.Second,
		staleAfter:   5 * time.Minute,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Name identifies the notifier in the hook registry.
func (n *Notifier) Name() string { return "webhook" }

// OnJobCompleted enqueues delivery attempts for a completed job.
func (n *Notifier) OnJobCompleted(ctx context.Context, j *job.Job, _ time.Duration) error {
	return n.EnqueueJob(ctx, j)
}

// OnJobFailed enqueues delivery attempts for a failed job.
func (n *Notifier) OnJobFailed(ctx context.Context, j *job.Job, _ *job.Error) error {
	return n.EnqueueJob(ctx, j)
}

// EnqueueJob schedules the first delivery attempt for every endpoint
// interested in the job's terminal event: each active subscription for
// the event, plus the job's own webhook URL when one was supplied at
// ingest. Per-job URLs have no registered secret, so those deliveries
// go out unsigned.
func (n *Notifier) EnqueueJob(ctx context.Context, j *job.Job) error {
	event, payload, err := BuildEvent(j)
	if err != nil {
		return err
	}

	subs, err := n.subs.ListActiveWebhooks(ctx, event)
	if err != nil {
		return fmt.Errorf("webhook: list subscriptions: %w", err)
	}

	now := n.now()
	first := now.Add(n.schedule.Delay(1))
	for _, sub := range subs {
		attempt := &Attempt{
			Entity:      engine.NewEntity(),
			ID:          id.NewDeliveryID(),
			JobID:       j.ID,
			WebhookID:   sub.ID,
			URL:         sub.URL,
			Secret:      sub.Secret,
			Event:       event,
			Payload:     payload,
			Number:      1,
			ScheduledAt: first,
			Outcome:     OutcomePending,
		}
		if err := n.deliveries.CreateAttempt(ctx, attempt); err != nil {
			return fmt.Errorf("webhook: enqueue delivery for %s: %w", sub.ID, err)
		}
	}

	if j.WebhookURL != "" {
		attempt := &Attempt{
			Entity:      engine.NewEntity(),
			ID:          id.NewDeliveryID(),
			JobID:       j.ID,
			URL:         j.WebhookURL,
			Event:       event,
			Payload:     payload,
			Number:      1,
			ScheduledAt: first,
			Outcome:     OutcomePending,
		}
		if err := n.deliveries.CreateAttempt(ctx, attempt); err != nil {
			return fmt.Errorf("webhook: enqueue per-job delivery: %w", err)
		}
	}

	return nil
}

// Start launches the delivery workers. It returns immediately.
func (n *Notifier) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	n.cancel = cancel
	n.running = true

	for i := 0; i < n.concurrency; i++ {
		n.wg.Add(1)
		go n.run(runCtx, i)
	}

	n.wg.Add(1)
	go n.reapLoop(runCtx)

	n.logger.Info("webhook notifier started",
		slog.Int("workers", n.concurrency),
		slog.Int("max_attempts", n.schedule.Attempts()),
	)
	return nil
}

// Stop halts the workers and waits for in-flight deliveries, bounded
// by ctx.
func (n *Notifier) Stop(ctx context.Context) error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	cancel := n.cancel
	n.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("webhook: stop: %w", ctx.Err())
	}
}

func (n *Notifier) run(ctx context.Context, worker int) {
	defer n.wg.Done()

	logger := n.logger.With(slog.Int("worker", worker))
	ticker := time.NewTicker(n.pollInterval)
	defer ticker.Stop()

	for {
		n.drain(ctx, logger)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// drain delivers due attempts until the store runs dry or ctx ends.
func (n *Notifier) drain(ctx context.Context, logger *slog.Logger) {
	for ctx.Err() == nil {
		attempts, err := n.deliveries.ClaimDueAttempts(ctx, n.now(), 10)
		if err != nil {
			logger.Error("claim due deliveries", slog.Any("error", err))
			return
		}
		if len(attempts) == 0 {
			return
		}
		for _, attempt := range attempts {
			n.deliver(ctx, logger, attempt)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, logger *slog.Logger, attempt *Attempt) {
	status, err := n.post(ctx, attempt)

	if err == nil && status >= 200 && status < 300 {
		if serr := n.deliveries.SettleAttempt(ctx, attempt.ID, OutcomeSuccess, status, ""); serr != nil {
			logger.Error("settle delivery", slog.String("delivery_id", attempt.ID.String()), slog.Any("error", serr))
		}
		logger.Info("webhook delivered",
			slog.String("delivery_id", attempt.ID.String()),
			slog.String("job_id", attempt.JobID.String()),
			slog.Int("attempt", attempt.Number),
			slog.Int("status", status),
		)
		return
	}

	reason := fmt.Sprintf("status %d", status)
	if err != nil {
		reason = err.Error()
	}
	if serr := n.deliveries.SettleAttempt(ctx, attempt.ID, OutcomeFailed, status, reason); serr != nil {
		logger.Error("settle delivery", slog.String("delivery_id", attempt.ID.String()), slog.Any("error", serr))
	}

	if attempt.Number >= n.schedule.Attempts() {
		logger.Error("webhook delivery abandoned",
			slog.String("delivery_id", attempt.ID.String()),
			slog.String("job_id", attempt.JobID.String()),
			slog.String("url", attempt.URL),
			slog.Int("attempts", attempt.Number),
			slog.String("reason", reason),
		)
		return
	}

	next := attempt.Next(n.now().Add(n.schedule.Delay(attempt.Number + 1)))
	if err := n.deliveries.CreateAttempt(ctx, next); err != nil {
		logger.Error("schedule retry", slog.String("delivery_id", attempt.ID.String()), slog.Any("error", err))
		return
	}
	logger.Warn("webhook delivery failed",
		slog.String("delivery_id", attempt.ID.String()),
		slog.String("job_id", attempt.JobID.String()),
		slog.Int("attempt", attempt.Number),
		slog.String("reason", reason),
		slog.Time("next_attempt", next.ScheduledAt),
	)
}

// post sends one delivery request and returns the response status.
func (n *Notifier) post(ctx context.Context, attempt *Attempt) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, attempt.URL, bytes.NewReader(attempt.Payload))
	if err != nil {
		return 0, fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "imggo-engine/1.0")
	if attempt.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(attempt.Secret, attempt.Payload))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("webhook: deliver: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	return resp.StatusCode, nil
}

func (n *Notifier) reapLoop(ctx context.Context) {
	defer n.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reaped, err := n.deliveries.ReapStaleAttempts(ctx, n.staleAfter)
			if err != nil {
				n.logger.Error("reap stale deliveries", slog.Any("error", err))
				continue
			}
			if reaped > 0 {
				n.logger.Warn("requeued stale deliveries", slog.Int64("count", reaped))
			}
		}
	}
}
