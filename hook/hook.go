// Package hook defines lifecycle observers for the processing engine.
// Observers are notified of job lifecycle events (queued, started,
// completed, failed) and can react to them — webhook delivery, metrics,
// audit logging, etc.
//
// Each lifecycle hook is a separate interface so observers opt in only
// to the events they care about. Hook errors are logged and dropped:
// an observer can never block or fail the processing pipeline, and in
// particular webhook delivery problems never touch job state.
package hook

import (
	"context"
	"time"

	"github.com/imggo/engine/job"
)

// Observer is the base interface all lifecycle observers implement.
type Observer interface {
	// Name returns a unique human-readable name for the observer.
	Name() string
}

// JobQueued is called after a job is accepted and persisted.
type JobQueued interface {
	OnJobQueued(ctx context.Context, j *job.Job) error
}

// JobStarted is called when a worker claims a job for analysis.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobCompleted is called after a job reaches the completed state.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobFailed is called after a job reaches the failed state.
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, jobErr *job.Error) error
}

// Shutdown is called once when the engine stops.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
