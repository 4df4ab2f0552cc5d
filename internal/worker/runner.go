package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/framemart/framemart/internal/config"
	"github.com/framemart/framemart/internal/models"
	"github.com/framemart/framemart/internal/repository"
)

// Runner manages a pool of workers that acquire jobs from the queue
// and run them through the executor, plus the cron-driven maintenance
// tasks: stale lock recovery and finished job cleanup.
type Runner struct {
	cfg      config.WorkerConfig
	jobs     repository.JobRepository
	executor *Executor
	logger   *slog.Logger

	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewRunner creates a worker pool runner.
func NewRunner(cfg config.WorkerConfig, jobs repository.JobRepository, executor *Executor, logger *slog.Logger) *Runner {
	if cfg.Count < 1 {
		cfg.Count = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Hour
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:      cfg,
		jobs:     jobs,
		executor: executor,
		logger:   logger,
	}
}

// Start launches the worker pool and maintenance schedules. It returns
// once everything is running; Stop blocks until it has all wound down.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("runner already started")
	}

	ctx, r.cancel = context.WithCancel(ctx)

	// Recover locks orphaned by a previous crash before taking new work.
	if n, err := r.jobs.RecoverStaleLocks(ctx, r.cfg.LockTimeout); err != nil {
		r.logger.Warn("startup lock recovery failed", slog.String("error", err.Error()))
	} else if n > 0 {
		r.logger.Info("recovered stale job locks", slog.Int64("count", n))
	}

	for i := 0; i < r.cfg.Count; i++ {
		workerID := fmt.Sprintf("%s-%d-%d", hostname(), os.Getpid(), i)
		r.wg.Add(1)
		go r.workerLoop(ctx, workerID)
	}

	if err := r.startCron(ctx); err != nil {
		r.cancel()
		r.wg.Wait()
		return err
	}

	r.running = true
	r.logger.Info("worker runner started",
		slog.Int("workers", r.cfg.Count),
		slog.Duration("poll_interval", r.cfg.PollInterval),
		slog.Duration("job_timeout", r.cfg.JobTimeout))
	return nil
}

// Stop signals the workers and schedules to finish and waits for them.
// In-flight jobs run to their own timeout or cancellation.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.running = false

	if r.cron != nil {
		cronCtx := r.cron.Stop()
		<-cronCtx.Done()
	}
	r.cancel()
	r.wg.Wait()
	r.logger.Info("worker runner stopped")
}

// workerLoop polls the queue until the context is cancelled.
func (r *Runner) workerLoop(ctx context.Context, workerID string) {
	defer r.wg.Done()
	log := r.logger.With(slog.String("worker_id", workerID))
	log.Debug("worker started")

	for {
		if ctx.Err() != nil {
			log.Debug("worker stopping")
			return
		}

		job, err := r.jobs.AcquireJob(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("job acquisition failed", slog.String("error", err.Error()))
			r.sleep(ctx, r.cfg.PollInterval)
			continue
		}
		if job == nil {
			r.sleep(ctx, r.cfg.PollInterval)
			continue
		}

		r.runJob(ctx, workerID, job)
	}
}

// runJob executes one acquired job under the per-job timeout.
func (r *Runner) runJob(ctx context.Context, workerID string, job *models.Job) {
	log := r.logger.With(
		slog.String("worker_id", workerID),
		slog.String("job_id", job.ID.String()))
	log.Info("job acquired",
		slog.String("video_url", job.VideoURL),
		slog.Int("attempt", job.AttemptCount))

	jobCtx, cancel := context.WithTimeout(ctx, r.cfg.JobTimeout)
	defer cancel()

	if err := r.executor.Execute(jobCtx, job); err != nil {
		// Executor errors mean the job row could not be settled; put it
		// back so another delivery can try.
		log.Error("job settlement failed, releasing lock", slog.String("error", err.Error()))
		if rerr := r.jobs.ReleaseJob(jobCtx, job.ID); rerr != nil {
			log.Error("lock release failed", slog.String("error", rerr.Error()))
		}
	}
}

// startCron wires the recovery and cleanup schedules. Both expressions
// carry a seconds field.
func (r *Runner) startCron(ctx context.Context) error {
	c := cron.New(cron.WithSeconds())

	if expr := r.cfg.RecoveryCron; expr != "" {
		if _, err := c.AddFunc(expr, func() { r.recoverStale(ctx) }); err != nil {
			return fmt.Errorf("invalid recovery cron %q: %w", expr, err)
		}
	}
	if expr := r.cfg.CleanupCron; expr != "" {
		if _, err := c.AddFunc(expr, func() { r.cleanupFinished(ctx) }); err != nil {
			return fmt.Errorf("invalid cleanup cron %q: %w", expr, err)
		}
	}

	c.Start()
	r.cron = c
	return nil
}

// recoverStale returns jobs whose lock outlived the lock timeout to the
// queue. Covers workers that died mid-job.
func (r *Runner) recoverStale(ctx context.Context) {
	n, err := r.jobs.RecoverStaleLocks(ctx, r.cfg.LockTimeout)
	if err != nil {
		r.logger.Error("stale lock recovery failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		r.logger.Warn("recovered stale job locks", slog.Int64("count", n))
	}
}

// cleanupFinished deletes terminal jobs past their retention window.
func (r *Runner) cleanupFinished(ctx context.Context) {
	now := time.Now()
	completedBefore := now.Add(-r.cfg.CompletedJobTTL)
	failedBefore := now.Add(-r.cfg.FailedJobTTL)

	n, err := r.jobs.DeleteFinished(ctx, completedBefore, failedBefore)
	if err != nil {
		r.logger.Error("finished job cleanup failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		r.logger.Info("deleted finished jobs", slog.Int64("count", n))
	}

	// History follows the failed-job retention since it is the longer one.
	h, err := r.jobs.DeleteHistory(ctx, failedBefore)
	if err != nil {
		r.logger.Error("job history cleanup failed", slog.String("error", err.Error()))
		return
	}
	if h > 0 {
		r.logger.Info("deleted job history records", slog.Int64("count", h))
	}
}

// sleep waits for d or until ctx is cancelled.
func (r *Runner) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "worker"
	}
	return h
}
