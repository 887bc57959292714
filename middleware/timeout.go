package middleware

import (
	"context"
	"time"

	"github.com/imggo/engine/job"
)

// Timeout returns middleware that enforces a per-job analysis deadline.
// When the deadline is exceeded the context is cancelled and the handler
// should return context.DeadlineExceeded. A non-positive timeout
// disables the deadline.
func Timeout(timeout time.Duration) Middleware {
	return func(ctx context.Context, _ *job.Job, next Handler) error {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return next(ctx)
	}
}
