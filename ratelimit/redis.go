package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compile-time interface check.
var _ Admitter = (*RedisLimiter)(nil)

// RedisLimiter is an Admitter whose counters live in Redis, shared by
// all API workers. Each ceiling is a fixed window keyed by its boundary
// timestamp and bumped with an atomic INCR; over-limit increments are
// compensated with DECR so denial leaves the window count unchanged.
type RedisLimiter struct {
	client redis.Cmdable
	limits Limits
	now    func() time.Time
}

// RedisOption configures a RedisLimiter.
type RedisOption func(*RedisLimiter)

// WithRedisNow overrides the clock. Intended for tests.
func WithRedisNow(now func() time.Time) RedisOption {
	return func(l *RedisLimiter) { l.now = now }
}

// NewRedisLimiter creates a RedisLimiter applying the same Limits to
// every key. The caller owns the Redis client lifecycle.
func NewRedisLimiter(client redis.Cmdable, limits Limits, opts ...RedisOption) *RedisLimiter {
	if limits.Burst > 0 && limits.BurstInterval <= 0 {
		limits.BurstInterval = time.Second
	}
	l := &RedisLimiter{client: client, limits: limits, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ceiling is one fixed window to check, in precedence order.
type ceiling struct {
	name    string
	key     string
	limit   int
	resetAt time.Time
}

// Admit checks the burst, per-minute, and monthly windows in order.
// Windows expire naturally via TTL, so stale keys never accumulate.
func (l *RedisLimiter) Admit(ctx context.Context, apiKey string) (Decision, error) {
	now := l.now().UTC()

	minuteReset := now.Truncate(time.Minute).Add(time.Minute)
	ceilings := make([]ceiling, 0, 3)

	if l.limits.Burst > 0 {
		boundary := now.Truncate(l.limits.BurstInterval)
		ceilings = append(ceilings, ceiling{
			name:    "burst",
			key:     burstKey(apiKey, boundary),
			limit:   l.limits.Burst,
			resetAt: boundary.Add(l.limits.BurstInterval),
		})
	}
	if l.limits.PerMinute > 0 {
		ceilings = append(ceilings, ceiling{
			name:    "minute",
			key:     minuteKey(apiKey, now),
			limit:   l.limits.PerMinute,
			resetAt: minuteReset,
		})
	}
	if l.limits.Monthly > 0 {
		ceilings = append(ceilings, ceiling{
			name:    "month",
			key:     monthKey(apiKey, now),
			limit:   l.limits.Monthly,
			resetAt: startOfNextMonth(now),
		})
	}

	d := Decision{
		Limit:     l.limits.PerMinute,
		Remaining: l.limits.PerMinute,
		Reset:     minuteReset,
	}

	// Increment each window in order; on the first violation, roll back
	// every increment made so far so denial consumes nothing.
	incremented := make([]string, 0, len(ceilings))
	for _, c := range ceilings {
		count, err := l.bump(ctx, c, now)
		if err != nil {
			l.rollback(ctx, incremented)
			return Decision{}, err
		}
		incremented = append(incremented, c.key)

		if c.name == "minute" {
			d.Remaining = remaining(c.limit, int(count))
		}

		if count > int64(c.limit) {
			l.rollback(ctx, incremented)
			d.RetryAfter = c.resetAt.Sub(now)
			if c.name == "minute" {
				d.Remaining = 0
			} else if l.limits.PerMinute > 0 {
				// Denied by the burst or monthly ceiling: the minute
				// budget was not consumed, so report what is actually
				// left rather than zero.
				if n, err := l.minuteCount(ctx, apiKey, now); err == nil {
					d.Remaining = remaining(l.limits.PerMinute, n)
				}
			}
			return d, nil
		}
	}

	d.Allowed = true
	return d, nil
}

// Peek reports the key's current budget without consuming anything.
// Only the per-minute window is read: that is the ceiling surfaced in
// the X-RateLimit-* headers.
func (l *RedisLimiter) Peek(ctx context.Context, apiKey string) (Decision, error) {
	now := l.now().UTC()
	d := Decision{
		Allowed:   true,
		Limit:     l.limits.PerMinute,
		Remaining: l.limits.PerMinute,
		Reset:     now.Truncate(time.Minute).Add(time.Minute),
	}
	if l.limits.PerMinute == 0 {
		return d, nil
	}

	count, err := l.minuteCount(ctx, apiKey, now)
	if err != nil {
		return Decision{}, err
	}
	d.Remaining = remaining(l.limits.PerMinute, count)
	d.Allowed = count < l.limits.PerMinute
	return d, nil
}

// minuteCount reads the per-minute window counter. A missing key means
// no requests this minute.
func (l *RedisLimiter) minuteCount(ctx context.Context, apiKey string, now time.Time) (int, error) {
	n, err := l.client.Get(ctx, minuteKey(apiKey, now)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("engine/ratelimit: get %s: %w", minuteKey(apiKey, now), err)
	}
	return n, nil
}

// bump atomically increments the window counter and refreshes its TTL.
func (l *RedisLimiter) bump(ctx context.Context, c ceiling, now time.Time) (int64, error) {
	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, c.key)
	pipe.ExpireNX(ctx, c.key, c.resetAt.Sub(now)+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("engine/ratelimit: incr %s: %w", c.key, err)
	}
	return incr.Val(), nil
}

// rollback undoes increments after a denial or error. Best effort: a
// lost DECR only under-admits for the remainder of the window.
func (l *RedisLimiter) rollback(ctx context.Context, keys []string) {
	for _, k := range keys {
		l.client.Decr(ctx, k)
	}
}

const keyPrefix = "engine:ratelimit:"

func burstKey(apiKey string, boundary time.Time) string {
	return fmt.Sprintf("%s%s:burst:%d", keyPrefix, apiKey, boundary.UnixNano())
}

func minuteKey(apiKey string, now time.Time) string {
	return fmt.Sprintf("%s%s:minute:%d", keyPrefix, apiKey, now.Unix()/60)
}

func monthKey(apiKey string, now time.Time) string {
	return fmt.Sprintf("%s%s:month:%s", keyPrefix, apiKey, now.Format("200601"))
}
