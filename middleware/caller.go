package middleware

import (
	"context"

	engine "github.com/imggo/engine"
	"github.com/imggo/engine/job"
)

// Caller returns middleware that restores the submitting tenant's API
// key from the job record into the context. This ensures analyzers see
// the same caller identity as the original ingest request.
func Caller() Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		ctx = engine.WithAPIKey(ctx, j.APIKey)
		return next(ctx)
	}
}
