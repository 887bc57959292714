// Package backoff provides retry delay strategies, used by webhook
// delivery scheduling and the engine's poll loops. All strategies are
// safe for concurrent use (they are stateless).
package backoff

import "time"

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before attempt n (1-indexed).
	// Attempt 1 is the initial delivery.
	Delay(attempt int) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Table
// ──────────────────────────────────────────────────

// Table is a fixed schedule of per-attempt delays. Delay(n) returns the
// nth entry; attempts past the end of the table reuse the last entry.
// Use Attempts() to bound the retry loop to the table length.
type Table struct {
	delays []time.Duration
}

// NewTable creates a fixed-schedule backoff from the given delays.
// It panics when called with no delays (programming error).
func NewTable(delays ...time.Duration) *Table {
	if len(delays) == 0 {
		panic("backoff: table requires at least one delay")
	}
	return &Table{delays: delays}
}

// Delay returns the delay before attempt n (1-indexed), clamped to the
// last table entry.
func (t *Table) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(t.delays) {
		attempt = len(t.delays)
	}
	return t.delays[attempt-1]
}

// Attempts returns the number of scheduled attempts in the table.
func (t *Table) Attempts() int {
	return len(t.delays)
}

// Cumulative returns the total elapsed time from the first attempt up to
// and including attempt n.
func (t *Table) Cumulative(attempt int) time.Duration {
	var total time.Duration
	for n := 1; n <= attempt && n <= len(t.delays); n++ {
		total += t.delays[n-1]
	}
	return total
}
