package process

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/imggo/engine/hook"
	"github.com/imggo/engine/job"
)

// Pool manages a set of concurrent worker goroutines that claim queued
// jobs and run them through the Executor. Claiming is the store's CAS
// transition from queued to processing, so two pools sharing one store
// never analyze the same job twice.
type Pool struct {
	store          job.Store
	executor       *Executor
	hooks          *hook.Registry
	concurrency    int
	pollInterval   time.Duration
	staleThreshold time.Duration
	logger         *slog.Logger

	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	activeJobs map[string]context.CancelFunc
	activeMu   sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithPollInterval sets how often idle workers poll for queued jobs.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithStaleThreshold enables the stale-claim reaper: processing jobs
// untouched for longer than d are returned to the queue. Covers claims
// orphaned by a crashed worker. Must exceed the processing timeout or
// live jobs get requeued mid-flight. Zero disables the reaper.
func WithStaleThreshold(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.staleThreshold = d
		}
	}
}

// NewPool creates a worker pool.
func NewPool(
	store job.Store,
	executor *Executor,
	hooks *hook.Registry,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		store:        store,
		executor:     executor,
		hooks:        hooks,
		concurrency:  4,
		pollInterval: time.Second,
		logger:       logger,
		stopCh:       make(chan struct{}),
		activeJobs:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.Int("concurrency", p.concurrency),
		slog.Duration("poll_interval", p.pollInterval),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.claimLoop()
	}

	if p.staleThreshold > 0 {
		p.wg.Add(1)
		go p.reapLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// If the context has a deadline, active jobs are cancelled when time
// runs out; cancellation drives them to failed via the timeout code,
// never back to queued.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping")

	// Signal all workers to stop.
	close(p.stopCh)

	// Wait for completion or context deadline.
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs()
		p.wg.Wait()
	}

	return nil
}

// claimLoop is run by each worker goroutine.
func (p *Pool) claimLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		j, err := p.store.ClaimNextJob(context.Background())
		if err != nil {
			p.logger.Error("claim error", slog.String("error", err.Error()))
			p.sleep()
			continue
		}

		if j == nil {
			p.sleep()
			continue
		}

		p.hooks.EmitJobStarted(context.Background(), j)

		ctx, cancel := context.WithCancel(context.Background())
		p.trackJob(j.ID.String(), cancel)

		if execErr := p.executor.Execute(ctx, j); execErr != nil {
			p.logger.Debug("job execution failed",
				slog.String("job_id", j.ID.String()),
				slog.String("pattern_id", j.PatternID),
				slog.String("error", execErr.Error()),
			)
		}

		p.untrackJob(j.ID.String())
		cancel()
	}
}

// reapLoop periodically requeues processing jobs whose claim went
// stale, usually because the claiming worker crashed.
func (p *Pool) reapLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.staleThreshold)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			n, err := p.store.ReapStaleJobs(context.Background(), p.staleThreshold)
			if err != nil {
				p.logger.Error("reap stale jobs", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				p.logger.Warn("requeued stale jobs",
					slog.Int64("count", n),
					slog.Duration("threshold", p.staleThreshold),
				)
			}
		}
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) trackJob(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID))
		cancel()
	}
}
