package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/framemart/framemart/internal/credit"
	"github.com/framemart/framemart/internal/models"
	"github.com/framemart/framemart/internal/pipeline/core"
	"github.com/framemart/framemart/internal/pipeline/processors"
	"github.com/framemart/framemart/internal/pipeline/stacks"
	"github.com/framemart/framemart/internal/repository"
	"github.com/framemart/framemart/internal/storage"
	"github.com/framemart/framemart/internal/webhook"
)

// ExecutorConfig holds job execution settings.
type ExecutorConfig struct {
	// WorkRoot is the directory under which per-job sandboxes live.
	WorkRoot string

	// Concurrency bounds per-item parallel work inside processors.
	Concurrency int

	// ProgressThrottle coalesces progress writes; updates inside the
	// window are dropped except terminal ones.
	ProgressThrottle time.Duration

	// StrictIOValidation fails a job on a missing runtime IO requirement.
	StrictIOValidation bool

	// RetainSandboxOnFailure keeps the job workspace after a failed or
	// cancelled run for debugging.
	RetainSandboxOnFailure bool
}

// Executor runs one acquired job through its stack and settles the
// job's lifecycle: status, result, credits, webhook, history, and
// workspace cleanup.
type Executor struct {
	cfg       ExecutorConfig
	pipeline  *core.Executor
	providers core.ProviderSource
	blobs     storage.BlobStore
	jobs      repository.JobRepository
	ledger    *credit.Ledger
	notifier  *webhook.Notifier
	logger    *slog.Logger

	// lookup resolves a stack id to its template. Tests substitute it to
	// run trimmed stacks.
	lookup func(id string) (*core.StackTemplate, error)
}

// NewExecutor creates a job executor.
func NewExecutor(
	cfg ExecutorConfig,
	pipeline *core.Executor,
	providers core.ProviderSource,
	blobs storage.BlobStore,
	jobs repository.JobRepository,
	ledger *credit.Ledger,
	notifier *webhook.Notifier,
	logger *slog.Logger,
) *Executor {
	if cfg.ProgressThrottle <= 0 {
		cfg.ProgressThrottle = 200 * time.Millisecond
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cfg:       cfg,
		pipeline:  pipeline,
		providers: providers,
		blobs:     blobs,
		jobs:      jobs,
		ledger:    ledger,
		notifier:  notifier,
		logger:    logger,
		lookup:    stacks.Lookup,
	}
}

// Execute runs the job to a terminal or scheduled state. The returned
// error reports infrastructure trouble only; a job failing its pipeline
// is handled internally and returns nil.
func (e *Executor) Execute(ctx context.Context, job *models.Job) error {
	log := e.logger.With(slog.String("job_id", job.ID.String()))

	// Redelivery of a finished job is a no-op.
	if job.IsFinished() {
		log.Warn("acquired job already finished, releasing",
			slog.String("status", string(job.Status)))
		return nil
	}

	template, err := e.lookup(job.Config.Stack)
	if err != nil {
		return e.settleFailure(ctx, job, core.NewError(core.KindValidation, "executor", "unknown stack", err))
	}

	work, err := storage.NewWorkDirs(e.cfg.WorkRoot, job.ID.String())
	if err != nil {
		return e.settleFailure(ctx, job, core.NewError(core.KindResource, "executor", "creating job workspace", err))
	}

	pctx := &core.Context{
		JobID:       job.ID,
		UserID:      job.UserID,
		Seed:        job.ID.String(),
		Work:        work,
		Blobs:       e.blobs,
		Providers:   e.providers,
		Logger:      log,
		Timer:       core.NewTimer(),
		Concurrency: e.cfg.Concurrency,
		JobConfig:   job.Config,
	}

	data := core.NewPipelineData()
	data.Video = &core.VideoData{SourceURL: job.VideoURL}

	cfg := &core.StackConfig{StrictIOValidation: e.cfg.StrictIOValidation}
	for id, opts := range job.Config.ProcessorOptions {
		if cfg.ProcessorOptions == nil {
			cfg.ProcessorOptions = make(map[string]core.Options, len(job.Config.ProcessorOptions))
		}
		cfg.ProcessorOptions[id] = core.Options(opts)
	}

	reporter := newProgressReporter(e.jobs, job, e.cfg.ProgressThrottle, log)

	data, runErr := e.pipeline.Execute(ctx, template, cfg, pctx, data, reporter.report)
	reporter.flush(ctx)

	if runErr != nil {
		return e.settleFailure(ctx, job, runErr)
	}
	return e.settleSuccess(ctx, job, data, work)
}

// settleSuccess finalizes a completed run.
func (e *Executor) settleSuccess(ctx context.Context, job *models.Job, data *core.PipelineData, work *storage.WorkDirs) error {
	var result *models.JobResult
	if raw, ok := data.Extension(processors.ExtJobResult); ok {
		if r, ok := raw.(models.JobResult); ok {
			result = &r
		}
	}

	job.MarkCompleted(result)
	if err := e.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("persisting completed job: %w", err)
	}
	e.recordHistory(ctx, job)

	if err := e.ledger.Commit(ctx, job.ID); err != nil && !errors.Is(err, credit.ErrNoReservation) {
		e.logger.Error("credit commit failed",
			slog.String("job_id", job.ID.String()),
			slog.String("error", err.Error()))
	}

	e.dispatchWebhook(ctx, job)

	if err := work.Cleanup(); err != nil {
		e.logger.Warn("workspace cleanup failed",
			slog.String("job_id", job.ID.String()),
			slog.String("error", err.Error()))
	}

	e.logger.Info("job completed", slog.String("job_id", job.ID.String()))
	return nil
}

// settleFailure finalizes a failed, cancelled, or retried run.
//
// Context errors are infrastructure signals, not verdicts on the job:
// a cancelled context means this worker is shutting down, so the row
// goes straight back to the queue for another delivery; an exceeded
// deadline is the per-job timeout and retries like any transient fault.
// Only a KindCancelled failure with neither cause settles as cancelled.
func (e *Executor) settleFailure(ctx context.Context, job *models.Job, runErr error) error {
	kind := core.KindOf(runErr)
	log := e.logger.With(
		slog.String("job_id", job.ID.String()),
		slog.String("kind", string(kind)))

	// Settlement writes must survive the cancellation that caused them.
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}

	if errors.Is(runErr, context.Canceled) {
		if err := e.jobs.ReleaseJob(ctx, job.ID); err != nil {
			return fmt.Errorf("releasing job on shutdown: %w", err)
		}
		log.Info("worker stopping, job released back to queue")
		return nil
	}

	timedOut := errors.Is(runErr, context.DeadlineExceeded)

	switch {
	case kind == core.KindCancelled && !timedOut:
		job.MarkCancelled()
		job.Error = userMessage(runErr)

	case (retryableKind(kind) || timedOut) && job.AttemptCount < job.MaxAttempts:
		job.MarkFailed(errors.New(userMessage(runErr)))
		job.ScheduleRetry()
		if err := e.jobs.Update(ctx, job); err != nil {
			return fmt.Errorf("scheduling job retry: %w", err)
		}
		log.Warn("job scheduled for retry",
			slog.Int("attempt", job.AttemptCount),
			slog.Int("max_attempts", job.MaxAttempts),
			slog.Time("next_run_at", *job.NextRunAt))
		return nil

	default:
		job.MarkFailed(errors.New(userMessage(runErr)))
	}

	if err := e.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("persisting failed job: %w", err)
	}
	e.recordHistory(ctx, job)

	if err := e.ledger.Refund(ctx, job.ID); err != nil && !errors.Is(err, credit.ErrNoReservation) {
		log.Error("credit refund failed", slog.String("error", err.Error()))
	}

	e.dispatchWebhook(ctx, job)

	if !e.cfg.RetainSandboxOnFailure {
		if work, werr := storage.NewWorkDirs(e.cfg.WorkRoot, job.ID.String()); werr == nil {
			if cerr := work.Cleanup(); cerr != nil {
				log.Warn("workspace cleanup failed", slog.String("error", cerr.Error()))
			}
		}
	}

	log.Info("job finished unsuccessfully",
		slog.String("status", string(job.Status)),
		slog.String("error", job.Error))
	return nil
}

// retryableKind reports whether a failure of this kind is worth a
// redelivery. Validation and permanent provider rejections never heal
// on their own.
func retryableKind(kind core.Kind) bool {
	switch kind {
	case core.KindProviderTransient, core.KindResource, core.KindInternal:
		return true
	}
	return false
}

// userMessage extracts the single-sentence user-facing cause.
func userMessage(err error) string {
	var pe *core.Error
	if errors.As(err, &pe) {
		return pe.UserMessage()
	}
	return err.Error()
}

func (e *Executor) recordHistory(ctx context.Context, job *models.Job) {
	history := &models.JobHistory{
		JobID:         job.ID,
		UserID:        job.UserID,
		Status:        job.Status,
		StartedAt:     job.StartedAt,
		CompletedAt:   job.CompletedAt,
		AttemptNumber: job.AttemptCount,
		Error:         job.Error,
		Result:        job.Result,
	}
	if err := e.jobs.CreateHistory(ctx, history); err != nil {
		e.logger.Error("recording job history failed",
			slog.String("job_id", job.ID.String()),
			slog.String("error", err.Error()))
	}
}

func (e *Executor) dispatchWebhook(ctx context.Context, job *models.Job) {
	if e.notifier == nil || job.CallbackURL == "" {
		return
	}
	// Delivery must not be lost to job-timeout cancellation.
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	err := e.notifier.Notify(ctx, job.CallbackURL, webhook.Payload{
		JobID:  job.ID.String(),
		Status: job.Status,
		Result: job.Result,
		Error:  job.Error,
	})
	if err != nil {
		e.logger.Error("webhook dispatch failed",
			slog.String("job_id", job.ID.String()),
			slog.String("error", err.Error()))
	}
}

// progressReporter coalesces progress callbacks into throttled database
// writes. The final 100% update always lands.
type progressReporter struct {
	mu        sync.Mutex
	jobs      repository.JobRepository
	job       *models.Job
	throttle  time.Duration
	lastWrite time.Time
	pending   *core.Progress
	logger    *slog.Logger
}

func newProgressReporter(jobs repository.JobRepository, job *models.Job, throttle time.Duration, logger *slog.Logger) *progressReporter {
	return &progressReporter{jobs: jobs, job: job, throttle: throttle, logger: logger}
}

// report is the core.ProgressFunc handed to the pipeline executor.
func (r *progressReporter) report(p core.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending = &p
	if time.Since(r.lastWrite) < r.throttle && p.Percentage < 100 {
		return
	}
	r.writeLocked(context.Background(), p)
}

// flush writes any update still held back by the throttle.
func (r *progressReporter) flush(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != nil {
		r.writeLocked(ctx, *r.pending)
	}
}

func (r *progressReporter) writeLocked(ctx context.Context, p core.Progress) {
	status := p.Status
	if status == "" {
		status = r.job.Status
	}

	// Counters are cumulative; a report that omits one keeps the last
	// known value.
	next := p.Counts
	next.Step = p.Step
	next.Percentage = p.Percentage
	next.CurrentStep = p.CurrentStep
	next.TotalSteps = p.TotalSteps
	next.Message = p.Message
	prev := r.job.Progress
	if next.FramesExtracted == 0 {
		next.FramesExtracted = prev.FramesExtracted
	}
	if next.FramesScored == 0 {
		next.FramesScored = prev.FramesScored
	}
	if next.VariantsDiscovered == 0 {
		next.VariantsDiscovered = prev.VariantsDiscovered
	}
	if next.ImagesGenerated == 0 {
		next.ImagesGenerated = prev.ImagesGenerated
	}
	r.job.UpdateProgress(next)
	if r.job.Status.CanTransitionTo(status) {
		r.job.Status = status
	}

	if err := r.jobs.UpdateProgress(ctx, r.job.ID, r.job.Status, r.job.Progress); err != nil {
		r.logger.Warn("progress write failed", slog.String("error", err.Error()))
	}
	r.lastWrite = time.Now()
	r.pending = nil
}
