package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/imggo/engine/job"
)

// Logging returns middleware that logs analysis start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		logger.Info("analysis started",
			slog.String("job_id", j.ID.String()),
			slog.String("pattern_id", j.PatternID),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("analysis failed",
				slog.String("job_id", j.ID.String()),
				slog.String("pattern_id", j.PatternID),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("analysis completed",
				slog.String("job_id", j.ID.String()),
				slog.String("pattern_id", j.PatternID),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
