package engine

import "time"

// Config holds configuration for the Engine.
type Config struct {
	// Concurrency is the number of processing workers claiming jobs.
	Concurrency int

	// NotifierConcurrency is the number of webhook delivery workers.
	NotifierConcurrency int

	// PollInterval is how often idle workers poll for claimable work.
	PollInterval time.Duration

	// ProcessTimeout bounds a single image-analysis invocation. A job
	// that exceeds it is failed with code "timeout" rather than left
	// in processing.
	ProcessTimeout time.Duration

	// DeliveryTimeout bounds a single webhook POST. Non-2xx and timeout
	// both count as a failed attempt.
	DeliveryTimeout time.Duration

	// StaleJobThreshold is how long a processing job may go untouched
	// before the reaper returns it to the queue. Claims orphaned by a
	// crashed worker come back within this window. Must exceed
	// ProcessTimeout so live jobs are never requeued mid-flight.
	StaleJobThreshold time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// IdempotencyTTL is how long an idempotency reservation deduplicates
	// resubmissions of the same (api_key, key) pair.
	IdempotencyTTL time.Duration

	// RetentionWindow is how long terminal jobs remain readable before
	// the sweeper purges them and lookups return not found.
	RetentionWindow time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:         4,
		NotifierConcurrency: 2,
		PollInterval:        time.Second,
		ProcessTimeout:      60 * time.Second,
		StaleJobThreshold:   5 * time.Minute,
		DeliveryTimeout:     10 * time.Second,
		ShutdownTimeout:     30 * time.Second,
		IdempotencyTTL:      24 * time.Hour,
		RetentionWindow:     30 * 24 * time.Hour,
	}
}
