package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limits defines the admission ceilings for one API key. A zero value
// disables that ceiling.
type Limits struct {
	// Burst is the maximum requests per BurstInterval.
	Burst int

	// BurstInterval is the short window the burst ceiling covers.
	// Defaults to one second when Burst is set and this is zero.
	BurstInterval time.Duration

	// PerMinute is the sustained requests allowed per minute. This is
	// the ceiling surfaced in the X-RateLimit-* response headers.
	PerMinute int

	// Monthly is the calendar-month quota.
	Monthly int
}

// Decision is the outcome of an admission check.
type Decision struct {
	// Allowed reports whether the request was admitted.
	Allowed bool

	// Limit, Remaining and Reset describe the per-minute bucket, the
	// ceiling clients see in response headers.
	Limit     int
	Remaining int
	Reset     time.Time

	// RetryAfter is how long to wait before retrying. Populated only on
	// denial, from the reset time of the first violated ceiling.
	RetryAfter time.Duration
}

// Admitter is the admission contract consulted by the ingest API before
// a job is created.
type Admitter interface {
	// Admit checks and, when allowed, consumes one request for the key.
	Admit(ctx context.Context, apiKey string) (Decision, error)

	// Peek reports the key's current budget without consuming anything.
	// Backs the X-RateLimit-* headers on reads and other requests that
	// are not themselves admission-checked.
	Peek(ctx context.Context, apiKey string) (Decision, error)
}

// window is a fixed counting window that resets at resetAt.
type window struct {
	count   int
	resetAt time.Time
}

// bucket tracks runtime state for a single API key.
type bucket struct {
	burst  *rate.Limiter
	minute window
	month  window
}

// Limiter is an in-process Admitter. It is safe for concurrent use.
type Limiter struct {
	limits Limits
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithNow overrides the clock. Intended for tests.
func WithNow(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates a Limiter applying the same Limits to every key.
// Buckets are created lazily on first request per key.
func NewLimiter(limits Limits, opts ...Option) *Limiter {
	if limits.Burst > 0 && limits.BurstInterval <= 0 {
		limits.BurstInterval = time.Second
	}
	l := &Limiter{
		limits:  limits,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admit checks the burst, per-minute, and monthly ceilings in order and
// consumes one request from each when all pass. The first violated
// ceiling determines RetryAfter; on denial no counter is decremented.
func (l *Limiter) Admit(_ context.Context, apiKey string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	b := l.bucketFor(apiKey, now)
	l.rollover(b, now)

	d := Decision{
		Limit:     l.limits.PerMinute,
		Remaining: remaining(l.limits.PerMinute, b.minute.count),
		Reset:     b.minute.resetAt,
	}

	// Burst ceiling. Reserve returns the wait for the next token; a
	// cancelled reservation restores it, so denial consumes nothing.
	if b.burst != nil {
		r := b.burst.Reserve()
		if delay := r.Delay(); delay > 0 {
			r.Cancel()
			d.RetryAfter = delay
			return d, nil
		}
		// Token held; cancel on a later ceiling's denial.
		defer func() {
			if !d.Allowed {
				r.Cancel()
			}
		}()
	}

	if l.limits.PerMinute > 0 && b.minute.count >= l.limits.PerMinute {
		d.RetryAfter = b.minute.resetAt.Sub(now)
		return d, nil
	}

	if l.limits.Monthly > 0 && b.month.count >= l.limits.Monthly {
		d.RetryAfter = b.month.resetAt.Sub(now)
		return d, nil
	}

	b.minute.count++
	b.month.count++
	d.Allowed = true
	d.Remaining = remaining(l.limits.PerMinute, b.minute.count)
	return d, nil
}

// Peek reports the key's current budget without consuming anything.
func (l *Limiter) Peek(_ context.Context, apiKey string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	b := l.bucketFor(apiKey, now)
	l.rollover(b, now)

	d := Decision{
		Allowed:   true,
		Limit:     l.limits.PerMinute,
		Remaining: remaining(l.limits.PerMinute, b.minute.count),
		Reset:     b.minute.resetAt,
	}
	if b.burst != nil && b.burst.Tokens() < 1 {
		d.Allowed = false
	}
	if l.limits.PerMinute > 0 && b.minute.count >= l.limits.PerMinute {
		d.Allowed = false
	}
	if l.limits.Monthly > 0 && b.month.count >= l.limits.Monthly {
		d.Allowed = false
	}
	return d, nil
}

func (l *Limiter) bucketFor(apiKey string, now time.Time) *bucket {
	b, ok := l.buckets[apiKey]
	if ok {
		return b
	}

	b = &bucket{
		minute: window{resetAt: now.Truncate(time.Minute).Add(time.Minute)},
		month:  window{resetAt: startOfNextMonth(now)},
	}
	if l.limits.Burst > 0 {
		per := rate.Every(l.limits.BurstInterval / time.Duration(l.limits.Burst))
		b.burst = rate.NewLimiter(per, l.limits.Burst)
	}
	l.buckets[apiKey] = b
	return b
}

// rollover resets windows whose reset time has passed.
func (l *Limiter) rollover(b *bucket, now time.Time) {
	if !now.Before(b.minute.resetAt) {
		b.minute = window{resetAt: now.Truncate(time.Minute).Add(time.Minute)}
	}
	if !now.Before(b.month.resetAt) {
		b.month = window{resetAt: startOfNextMonth(now)}
	}
}

func remaining(limit, count int) int {
	if limit <= 0 {
		return 0
	}
	if count >= limit {
		return 0
	}
	return limit - count
}

func startOfNextMonth(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}
