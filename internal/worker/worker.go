package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DukeRupert/quotaledger/internal/metrics"
)

// Worker runs registered jobs on fixed intervals, one goroutine per job.
type Worker struct {
	jobs   map[string]*scheduledJob
	lease  Lease
	config Config
	logger *slog.Logger

	// Synchronization
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
}

type scheduledJob struct {
	handler  JobHandler
	interval time.Duration
	trigger  chan struct{} // buffered(1); coalesces manual run requests
}

// New creates a new Worker with the given configuration.
// The worker must be started with Start() and stopped with Stop().
func New(lease Lease, config Config, logger *slog.Logger) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if lease == nil {
		lease = LocalLease{}
	}

	return &Worker{
		jobs:   make(map[string]*scheduledJob),
		lease:  lease,
		config: config,
		logger: logger,
		stopCh: make(chan struct{}),
	}, nil
}

// Register schedules handler every interval.
// The handler's Type() must be unique. Call this before Start().
func (w *Worker) Register(handler JobHandler, interval time.Duration) error {
	jobType := handler.Type()
	if interval < time.Second {
		return fmt.Errorf("interval for %s must be at least 1 second, got %v", jobType, interval)
	}
	if _, exists := w.jobs[jobType]; exists {
		w.logger.Warn("Overwriting existing handler", "job_type", jobType)
	}
	w.jobs[jobType] = &scheduledJob{
		handler:  handler,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
	w.logger.Debug("Registered job handler", "job_type", jobType, "interval", interval)
	return nil
}

// Start begins running every registered job on its own ticker.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	for _, job := range w.jobs {
		w.wg.Add(1)
		go w.runJob(ctx, job)
	}

	w.logger.Info("Worker started", "jobs", len(w.jobs))
}

// Stop signals all jobs to stop and waits for in-flight runs to finish.
// It respects the configured ShutdownTimeout, after which in-flight runs
// are canceled.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...")
		close(w.stopCh)

		done := make(chan struct{})
		go func() {
			w.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			w.logger.Info("Worker stopped gracefully")
		case <-time.After(w.config.ShutdownTimeout):
			w.logger.Warn("Worker shutdown timeout exceeded, canceling running jobs")
		}

		if w.cancel != nil {
			w.cancel()
		}
	})
}

// runJob is the main loop for one job's goroutine.
// It runs the job on every tick until stopCh is closed.
func (w *Worker) runJob(ctx context.Context, job *scheduledJob) {
	defer w.wg.Done()

	logger := w.logger.With("job_type", job.handler.Type())
	logger.Debug("Job loop started", "interval", job.interval)

	ticker := time.NewTicker(job.interval)
	defer ticker.Stop()

	if w.config.RunOnStart {
		if stop := w.tick(ctx, job, false, logger); stop {
			return
		}
	}

	for {
		forced := false
		select {
		case <-w.stopCh:
			logger.Debug("Job loop stopping")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-job.trigger:
			forced = true
		}

		if stop := w.tick(ctx, job, forced, logger); stop {
			return
		}
	}
}

// tick runs the job once if the lease is granted. A forced run first gives
// up a lease this process still holds from its last run. Returns true when
// the job failed permanently and should no longer be scheduled.
func (w *Worker) tick(ctx context.Context, job *scheduledJob, forced bool, logger *slog.Logger) bool {
	jobType := job.handler.Type()

	if forced {
		if err := w.lease.Release(ctx, jobType); err != nil {
			logger.Warn("Failed to release lease", "error", err)
		}
	}

	acquired, err := w.lease.Acquire(ctx, jobType, leaseTTL(job.interval))
	if err != nil {
		logger.Error("Failed to acquire lease", "error", err)
		return false
	}
	if !acquired {
		metrics.JobSkipped(jobType)
		logger.Debug("Lease held by another replica, skipping run")
		return false
	}

	start := time.Now()
	err = w.executeJob(ctx, job.handler)
	duration := time.Since(start)

	if err != nil {
		metrics.JobFailed(jobType, duration)
		logger.Error("Job failed", "error", err, "duration", duration)

		// Let the next tick on any replica retry.
		if relErr := w.lease.Release(ctx, jobType); relErr != nil {
			logger.Warn("Failed to release lease", "error", relErr)
		}

		if IsPermanent(err) {
			logger.Warn("Job failed with permanent error, will not run again")
			return true
		}
		return false
	}

	metrics.JobCompleted(jobType, duration)
	logger.Info("Job completed", "duration", duration)
	return false
}

// leaseTTL is how long a successful run holds the lease. It must expire
// before the next tick on the same schedule, or that tick is skipped.
func leaseTTL(interval time.Duration) time.Duration {
	return interval * 9 / 10
}

// executeJob runs the handler with a timeout context. A panic in the
// handler is recovered and reported as a failed run.
func (w *Worker) executeJob(ctx context.Context, handler JobHandler) (err error) {
	jobCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", handler.Type(), r)
		}
	}()

	return handler.Handle(jobCtx)
}
