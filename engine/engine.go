// Package engine wires the subsystems together: store, analyzer,
// middleware chain, processing pool, webhook notifier, and retention
// sweeper. It owns admission (Submit) and lifecycle (Start/Stop).
//
// This package exists to break the import cycle: the module root defines
// Entity and the sentinel errors (imported by job, webhook, etc.) and so
// cannot import those packages back. The engine package sits above all
// subsystem packages and below the application layer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	imggo "github.com/imggo/engine"
	"github.com/imggo/engine/backoff"
	"github.com/imggo/engine/hook"
	"github.com/imggo/engine/id"
	"github.com/imggo/engine/job"
	mw "github.com/imggo/engine/middleware"
	"github.com/imggo/engine/process"
	"github.com/imggo/engine/ratelimit"
	"github.com/imggo/engine/retention"
	"github.com/imggo/engine/store"
	"github.com/imggo/engine/webhook"
)

const otelScope = "github.com/imggo/engine"

// Engine is the assembled job processing and webhook delivery engine.
type Engine struct {
	cfg      imggo.Config
	store    store.Store
	analyzer process.Analyzer
	limiter  ratelimit.Admitter
	hooks    *hook.Registry
	notifier *webhook.Notifier
	pool     *process.Pool
	sweeper  *retention.Sweeper
	mws      []mw.Middleware
	logger   *slog.Logger

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets the storage backend. Required.
func WithStore(s store.Store) Option {
	return func(eng *Engine) { eng.store = s }
}

// WithAnalyzer sets the image-analysis capability. Required.
func WithAnalyzer(a process.Analyzer) Option {
	return func(eng *Engine) { eng.analyzer = a }
}

// WithConfig replaces the default configuration wholesale.
func WithConfig(cfg imggo.Config) Option {
	return func(eng *Engine) { eng.cfg = cfg }
}

// WithLogger sets the logger shared by all subsystems.
func WithLogger(logger *slog.Logger) Option {
	return func(eng *Engine) {
		if logger != nil {
			eng.logger = logger
		}
	}
}

// WithConcurrency sets the number of processing workers.
func WithConcurrency(n int) Option {
	return func(eng *Engine) {
		if n > 0 {
			eng.cfg.Concurrency = n
		}
	}
}

// WithNotifierConcurrency sets the number of webhook delivery workers.
func WithNotifierConcurrency(n int) Option {
	return func(eng *Engine) {
		if n > 0 {
			eng.cfg.NotifierConcurrency = n
		}
	}
}

// WithProcessTimeout bounds a single analysis invocation.
func WithProcessTimeout(d time.Duration) Option {
	return func(eng *Engine) {
		if d > 0 {
			eng.cfg.ProcessTimeout = d
		}
	}
}

// WithRateLimiter sets the admission rate limiter. When unset,
// submissions are never throttled.
func WithRateLimiter(l ratelimit.Admitter) Option {
	return func(eng *Engine) { eng.limiter = l }
}

// WithMiddleware appends middleware to the default execution chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithHook registers a lifecycle observer.
func WithHook(o hook.Observer) Option {
	return func(eng *Engine) { eng.hooks.Register(o) }
}

// WithTracerProvider sets a custom OTel TracerProvider. When unset the
// global provider is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider. When unset the
// global provider is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// New assembles an Engine. A store and an analyzer are required.
func New(opts ...Option) (*Engine, error) {
	eng := &Engine{
		cfg:    imggo.DefaultConfig(),
		logger: slog.Default(),
	}
	eng.hooks = hook.NewRegistry(eng.logger)

	for _, opt := range opts {
		opt(eng)
	}

	if eng.store == nil {
		return nil, imggo.ErrNoStore
	}
	if eng.analyzer == nil {
		return nil, imggo.ErrNoAnalyzer
	}

	eng.notifier = webhook.NewNotifier(eng.store, eng.store,
		webhook.WithLogger(eng.logger),
		webhook.WithConcurrency(eng.cfg.NotifierConcurrency),
		webhook.WithPollInterval(eng.cfg.PollInterval),
		webhook.WithDeliveryTimeout(eng.cfg.DeliveryTimeout),
	)
	eng.hooks.Register(eng.notifier)

	tracingMw := mw.Tracing()
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer(otelScope))
	}
	metricsMw := mw.Metrics()
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter(otelScope))
	}

	// Default stack: recover → tracing → metrics → logging → caller → timeout.
	allMws := []mw.Middleware{
		mw.Recover(eng.logger),
		tracingMw,
		metricsMw,
		mw.Logging(eng.logger),
		mw.Caller(),
		mw.Timeout(eng.cfg.ProcessTimeout),
	}
	allMws = append(allMws, eng.mws...)

	executor := process.NewExecutor(eng.analyzer, eng.hooks, eng.store, eng.logger, allMws...)
	eng.pool = process.NewPool(eng.store, executor, eng.hooks, eng.logger,
		process.WithPoolConcurrency(eng.cfg.Concurrency),
		process.WithPollInterval(eng.cfg.PollInterval),
		process.WithStaleThreshold(eng.cfg.StaleJobThreshold),
	)
	eng.sweeper = retention.NewSweeper(eng.store,
		retention.WithLogger(eng.logger),
		retention.WithWindow(eng.cfg.RetentionWindow),
	)

	return eng, nil
}

// Store returns the storage backend.
func (eng *Engine) Store() store.Store { return eng.store }

// Hooks returns the lifecycle observer registry.
func (eng *Engine) Hooks() *hook.Registry { return eng.hooks }

// Config returns the effective configuration.
func (eng *Engine) Config() imggo.Config { return eng.cfg }

// Start launches the processing pool, the webhook notifier, and the
// retention sweeper.
func (eng *Engine) Start(ctx context.Context) error {
	if err := eng.store.Ping(ctx); err != nil {
		return fmt.Errorf("engine: store ping: %w", err)
	}
	if err := eng.notifier.Start(ctx); err != nil {
		return err
	}
	if err := eng.pool.Start(ctx); err != nil {
		return err
	}
	eng.sweeper.Start(ctx)
	eng.logger.Info("engine started",
		slog.Int("concurrency", eng.cfg.Concurrency),
		slog.Int("notifier_concurrency", eng.cfg.NotifierConcurrency),
	)
	return nil
}

// Stop drains the workers within the shutdown timeout and emits the
// Shutdown hook.
func (eng *Engine) Stop(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, eng.cfg.ShutdownTimeout)
		defer cancel()
	}

	poolErr := eng.pool.Stop(ctx)
	notifierErr := eng.notifier.Stop(ctx)
	eng.sweeper.Stop()
	eng.hooks.EmitShutdown(ctx)
	eng.logger.Info("engine stopped")
	return errors.Join(poolErr, notifierErr)
}

// SubmitOptions carries the optional parts of a submission.
type SubmitOptions struct {
	// IdempotencyKey deduplicates resubmissions for 24 hours.
	IdempotencyKey string

	// WebhookURL is notified of this job's terminal event in addition
	// to registered subscriptions.
	WebhookURL string
}

// Submit admits one image submission: validation, idempotency replay,
// rate limiting, reservation, job creation. Returns the job, whether it
// was newly created, and the rate-limit decision when the limiter was
// consulted (replays return before admission and carry a zero Decision).
//
// The reservation is written before the job so a crash mid-sequence
// leaves at worst an orphaned reservation that expires on its own.
func (eng *Engine) Submit(ctx context.Context, apiKey, patternID string, input job.Input, opts SubmitOptions) (*job.Job, bool, ratelimit.Decision, error) {
	var decision ratelimit.Decision

	if patternID == "" {
		return nil, false, decision, &job.ValidationError{
			Code:    job.CodeMissingField,
			Message: "pattern_id is required",
		}
	}
	if err := input.Validate(); err != nil {
		return nil, false, decision, err
	}

	if opts.IdempotencyKey != "" {
		rec, err := eng.store.GetRecord(ctx, apiKey, opts.IdempotencyKey)
		if err != nil && !errors.Is(err, imggo.ErrJobNotFound) {
			return nil, false, decision, err
		}
		if rec != nil && !rec.Expired(time.Now()) {
			existing, err := eng.store.GetJob(ctx, rec.JobID)
			if err != nil {
				return nil, false, decision, err
			}
			return existing, false, decision, nil
		}
	}

	if eng.limiter != nil {
		var err error
		decision, err = eng.limiter.Admit(ctx, apiKey)
		if err != nil {
			return nil, false, decision, err
		}
		if !decision.Allowed {
			return nil, false, decision, imggo.ErrRateLimited
		}
	}

	j := job.New(apiKey, patternID, input)
	j.IdempotencyKey = opts.IdempotencyKey
	j.WebhookURL = opts.WebhookURL

	if opts.IdempotencyKey != "" {
		winner, reserved, err := eng.store.LookupOrReserve(ctx, apiKey, opts.IdempotencyKey, j.ID, eng.cfg.IdempotencyTTL)
		if err != nil {
			return nil, false, decision, err
		}
		if !reserved {
			// Lost the race to a concurrent submission with the same key.
			existing, err := eng.awaitWinner(ctx, winner)
			if err != nil {
				return nil, false, decision, err
			}
			return existing, false, decision, nil
		}
	}

	if err := eng.store.CreateJob(ctx, j); err != nil {
		return nil, false, decision, err
	}
	eng.hooks.EmitJobQueued(ctx, j)
	return j, true, decision, nil
}

// awaitWinner fetches the job that won an idempotency reservation. The
// winner writes its reservation before its job, so a loser arriving in
// that gap reads not-found briefly; poll until the row appears rather
// than surfacing an error for a request that was deduplicated
// correctly.
func (eng *Engine) awaitWinner(ctx context.Context, winner id.JobID) (*job.Job, error) {
	delay := backoff.NewConstant(20 * time.Millisecond)
	deadline := time.Now().Add(2 * time.Second)

	for attempt := 1; ; attempt++ {
		j, err := eng.store.GetJob(ctx, winner)
		if err == nil {
			return j, nil
		}
		if !errors.Is(err, imggo.ErrJobNotFound) {
			return nil, err
		}
		if time.Now().After(deadline) {
			// The winner crashed between reserving and inserting; its
			// reservation expires on its own.
			return nil, fmt.Errorf("engine: idempotent submission in progress: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay.Delay(attempt)):
		}
	}
}

// RateLimit reports the caller's current admission budget without
// consuming it. Backs the rate-limit headers on requests that are not
// themselves admission-checked. Returns a zero Decision when no
// limiter is configured.
func (eng *Engine) RateLimit(ctx context.Context, apiKey string) (ratelimit.Decision, error) {
	if eng.limiter == nil {
		return ratelimit.Decision{}, nil
	}
	return eng.limiter.Peek(ctx, apiKey)
}

// GetJob returns the current snapshot of a job.
func (eng *Engine) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return eng.store.GetJob(ctx, jobID)
}

// RegisterWebhook creates a subscription with a generated secret when
// none is supplied.
func (eng *Engine) RegisterWebhook(ctx context.Context, url string, events []string, secret string) (*webhook.Subscription, error) {
	sub, err := webhook.NewSubscription(url, events, secret)
	if err != nil {
		return nil, err
	}
	if err := eng.store.CreateWebhook(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// UnregisterWebhook deletes a subscription. In-progress delivery
// schedules finish on their denormalized copies.
func (eng *Engine) UnregisterWebhook(ctx context.Context, webhookID id.WebhookID) error {
	return eng.store.DeleteWebhook(ctx, webhookID)
}
