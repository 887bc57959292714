// Package retention runs the background sweeper that enforces the
// storage lifecycle: terminal jobs age out after the retention window,
// expired idempotency reservations are dropped, and settled delivery
// attempts are pruned with their jobs.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// Store is the slice of the storage layer the sweeper purges.
type Store interface {
	PurgeJobsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
	PurgeAttemptsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// cronParser supports standard 5-field cron and descriptors like "@every 1h".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLogger sets the logger for the sweeper.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithWindow sets how long terminal jobs and settled delivery attempts
// are kept before purging.
func WithWindow(window time.Duration) Option {
	return func(s *Sweeper) {
		if window > 0 {
			s.window = window
		}
	}
}

// WithSchedule sets the sweep cadence from a cron expression.
// Descriptors like "@every 1h" are accepted.
func WithSchedule(expr string) (Option, error) {
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	return func(s *Sweeper) { s.schedule = schedule }, nil
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// DefaultWindow is how long terminal jobs remain queryable.
const DefaultWindow = 30 * 24 * time.Hour

// Sweeper purges aged-out records on a cron schedule.
type Sweeper struct {
	store    Store
	logger   *slog.Logger
	schedule cronlib.Schedule
	window   time.Duration
	now      func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSweeper creates a Sweeper with an hourly default schedule.
func NewSweeper(store Store, opts ...Option) *Sweeper {
	schedule, _ := ParseSchedule("@every 1h") //nolint:errcheck // static expression
	s := &Sweeper{
		store:    store,
		logger:   slog.Default(),
		schedule: schedule,
		window:   DefaultWindow,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Window returns the configured retention window.
func (s *Sweeper) Window() time.Duration { return s.window }

// Start launches the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(context.WithoutCancel(ctx))
	s.logger.Info("retention sweeper started",
		slog.Duration("window", s.window),
	)
}

// Stop halts the sweep loop. A sweep already in progress finishes.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("retention sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	for {
		next := s.schedule.Next(s.now())
		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one purge pass immediately.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now()
	cutoff := now.Add(-s.window)

	jobs, err := s.store.PurgeJobsBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("purge jobs failed", slog.String("error", err.Error()))
	}
	reservations, err := s.store.PurgeExpired(ctx, now)
	if err != nil {
		s.logger.Error("purge reservations failed", slog.String("error", err.Error()))
	}
	attempts, err := s.store.PurgeAttemptsBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("purge delivery attempts failed", slog.String("error", err.Error()))
	}

	if jobs > 0 || reservations > 0 || attempts > 0 {
		s.logger.Info("retention sweep",
			slog.Int64("jobs", jobs),
			slog.Int64("reservations", reservations),
			slog.Int64("delivery_attempts", attempts),
		)
	}
}
