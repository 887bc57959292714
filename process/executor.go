// Package process provides the analysis execution engine — an Executor
// that runs a claimed job through middleware and the configured
// Analyzer, and a Pool that manages concurrent worker goroutines
// polling the Job Store.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/imggo/engine/hook"
	"github.com/imggo/engine/job"
	"github.com/imggo/engine/middleware"
)

// Analyzer extracts structured data from a job's image according to its
// pattern. Implementations should honor ctx cancellation to stop work
// early, but the Executor enforces the processing deadline either way:
// when it passes the job fails with the timeout code even if Analyze
// never returns.
type Analyzer interface {
	Analyze(ctx context.Context, j *job.Job) (*job.Result, error)
}

// AnalyzerFunc adapts a function to the Analyzer interface.
type AnalyzerFunc func(ctx context.Context, j *job.Job) (*job.Result, error)

// Analyze calls f.
func (f AnalyzerFunc) Analyze(ctx context.Context, j *job.Job) (*job.Result, error) {
	return f(ctx, j)
}

// Executor runs a single job through middleware and the analyzer, then
// records the terminal state and emits lifecycle events. Every path out
// of Execute leaves the job terminal: analysis errors, deadline
// expiries, and panics all land in the failed state.
type Executor struct {
	analyzer Analyzer
	hooks    *hook.Registry
	store    job.Store
	mw       middleware.Middleware
	logger   *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	analyzer Analyzer,
	hooks *hook.Registry,
	store job.Store,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		analyzer: analyzer,
		hooks:    hooks,
		store:    store,
		mw:       middleware.Chain(mws...),
		logger:   logger,
	}
}

// Execute runs a claimed job to a terminal state.
// On success: marks completed, emits JobCompleted.
// On failure: marks failed with a classified error code, emits JobFailed.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	start := time.Now()

	var result *job.Result

	// The terminal handler that calls the analyzer.
	terminal := func(ctx context.Context) error {
		r, err := e.analyze(ctx, j)
		if err != nil {
			return err
		}
		result = r
		return nil
	}

	// Run through middleware chain.
	err := e.mw(ctx, j, terminal)
	elapsed := time.Since(start)

	if err != nil {
		return e.handleFailure(ctx, j, err)
	}

	return e.handleSuccess(ctx, j, result, elapsed)
}

// analyzeOutcome carries the analyzer's return values across goroutines.
type analyzeOutcome struct {
	result *job.Result
	err    error
}

// analyze runs the analyzer on its own goroutine and selects against
// ctx. An analyzer that ignores cancellation cannot hold the worker
// past the deadline: the ctx error wins and the abandoned call writes
// its outcome into the buffered channel and is discarded. The Recover
// middleware cannot see panics on the spawned goroutine, so it carries
// its own recover.
func (e *Executor) analyze(ctx context.Context, j *job.Job) (*job.Result, error) {
	ch := make(chan analyzeOutcome, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				ch <- analyzeOutcome{err: fmt.Errorf("analyzer panic: %v", v)}
			}
		}()
		r, err := e.analyzer.Analyze(ctx, j)
		ch <- analyzeOutcome{result: r, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-ch:
		return out.result, out.err
	}
}

// handleSuccess marks the job as completed and emits the lifecycle event.
func (e *Executor) handleSuccess(ctx context.Context, j *job.Job, result *job.Result, elapsed time.Duration) error {
	updated, err := e.store.CompleteJob(ctx, j.ID, result)
	if err != nil {
		e.logger.Error("failed to update job after success",
			slog.String("job_id", j.ID.String()),
			slog.String("pattern_id", j.PatternID),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.hooks.EmitJobCompleted(ctx, updated, elapsed)
	return nil
}

// handleFailure classifies the error, marks the job as failed, and
// emits the lifecycle event.
func (e *Executor) handleFailure(ctx context.Context, j *job.Job, analyzeErr error) error {
	jobErr := Classify(analyzeErr)

	updated, err := e.store.FailJob(ctx, j.ID, jobErr)
	if err != nil {
		e.logger.Error("failed to update job as failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.hooks.EmitJobFailed(ctx, updated, jobErr)

	e.logger.Warn("job failed",
		slog.String("job_id", j.ID.String()),
		slog.String("pattern_id", j.PatternID),
		slog.String("code", jobErr.Code),
		slog.String("error", jobErr.Message),
	)

	return analyzeErr
}

// Classify maps an analysis error onto the failure taxonomy. A *job.Error
// passes through unchanged, deadline and cancellation errors become the
// timeout code, and everything else is internal.
func Classify(err error) *job.Error {
	var jobErr *job.Error
	if errors.As(err, &jobErr) {
		return jobErr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &job.Error{Code: job.CodeTimeout, Message: "analysis exceeded the processing deadline"}
	}
	return &job.Error{Code: job.CodeInternal, Message: err.Error()}
}
