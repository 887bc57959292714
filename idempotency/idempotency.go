// Package idempotency deduplicates job submissions keyed by a
// client-supplied token. A reservation for (api_key, key) maps to at most
// one job for 24 hours; once expired, the key may be reused.
//
// Reservation is the first step of admission: the API layer reserves the
// key for a freshly generated job ID before creating the job, so a crash
// mid-sequence leaves at worst an orphaned reservation that self-heals
// via expiry, never an orphaned job.
package idempotency

import (
	"context"
	"time"

	"github.com/imggo/engine/id"
)

// Record maps a deduplication token to the job it produced.
type Record struct {
	APIKey    string    `json:"api_key"`
	Key       string    `json:"key"`
	JobID     id.JobID  `json:"job_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the record's deduplication window has passed.
// Expiry is advisory for storage reclamation: the job a record points at
// remains immutable regardless.
func (r *Record) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Store defines the persistence contract for idempotency records.
type Store interface {
	// LookupOrReserve atomically reserves (apiKey, key) for jobID with
	// the given TTL. If an unexpired record already exists it returns
	// that record's job ID and reserved=false; otherwise it writes a new
	// record and returns (jobID, true). Concurrent callers with the same
	// pair race on a conditional insert: exactly one wins.
	LookupOrReserve(ctx context.Context, apiKey, key string, jobID id.JobID, ttl time.Duration) (id.JobID, bool, error)

	// GetRecord returns the record for (apiKey, key), expired or not,
	// or engine.ErrJobNotFound when no record exists.
	GetRecord(ctx context.Context, apiKey, key string) (*Record, error)

	// PurgeExpired removes records whose window has passed and returns
	// how many were removed. Used by the retention sweeper.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}
