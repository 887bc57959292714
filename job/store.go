package job

import (
	"context"
	"time"

	"github.com/imggo/engine/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// APIKey filters by owning API key. Empty means all keys.
	APIKey string
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// Status filters by job status. Empty means all statuses.
	Status Status
	// APIKey filters by owning API key. Empty means all keys.
	APIKey string
}

// Store defines the persistence contract for jobs.
//
// ClaimNextJob, CompleteJob and FailJob carry the state machine: claims
// are compare-and-swap transitions out of queued, and terminal
// transitions are only legal from processing. Implementations must
// enforce both under concurrent callers.
type Store interface {
	// CreateJob persists a new job in queued state.
	CreateJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID. Returns engine.ErrJobNotFound for
	// unknown IDs, including jobs purged after the retention window.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// ClaimNextJob atomically selects the oldest queued job, transitions
	// it to processing, records StartedAt, and returns it. Returns
	// (nil, nil) when no job is claimable. Safe under concurrent
	// dispatchers: exactly one claimer wins any given job.
	ClaimNextJob(ctx context.Context) (*Job, error)

	// CompleteJob transitions processing → completed, attaches the
	// result, and sets CompletedAt. Returns engine.ErrInvalidTransition
	// if the job is not in processing.
	CompleteJob(ctx context.Context, jobID id.JobID, result *Result) (*Job, error)

	// FailJob transitions processing → failed, attaches the error, and
	// sets FailedAt. Returns engine.ErrInvalidTransition if the job is
	// not in processing.
	FailJob(ctx context.Context, jobID id.JobID, jobErr *Error) (*Job, error)

	// ListJobsByStatus returns jobs matching the given status.
	ListJobsByStatus(ctx context.Context, status Status, opts ListOpts) ([]*Job, error)

	// CountJobs returns the number of jobs matching the given options.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)

	// ReapStaleJobs returns processing jobs untouched for longer than
	// threshold to the queued state so another worker can claim them.
	// Covers claims orphaned by a crashed worker, whose jobs would
	// otherwise sit in processing forever. Returns how many were
	// requeued.
	ReapStaleJobs(ctx context.Context, threshold time.Duration) (int64, error)

	// PurgeJobsBefore removes jobs created before the cutoff and returns
	// how many were removed. Used by the retention sweeper.
	PurgeJobsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
