// Package worker binds the durable job queue to the pipeline runtime:
// admission validates and enqueues jobs, the runner pool delivers them,
// and the executor bridges a job row into a stack execution.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/framemart/framemart/internal/credit"
	"github.com/framemart/framemart/internal/models"
	"github.com/framemart/framemart/internal/pipeline/stacks"
	"github.com/framemart/framemart/internal/repository"
)

// Admission errors surfaced to API callers.
var (
	ErrInvalidFPS        = errors.New("fps must be between 1 and 30")
	ErrInvalidBatchSize  = errors.New("batch_size must be between 1 and 100")
	ErrJobNotFound       = errors.New("job not found")
	ErrJobNotCancellable = errors.New("job cannot be cancelled")
)

// AdmissionConfig holds job intake settings.
type AdmissionConfig struct {
	// JobCost is the credit amount reserved per job.
	JobCost int64

	// MaxAttempts is the delivery retry budget stamped onto new jobs.
	MaxAttempts int

	// BackoffSeconds is the initial retry backoff stamped onto new jobs.
	BackoffSeconds int
}

// Admission validates incoming job requests, reserves credits, and
// enqueues the job as a pending row.
type Admission struct {
	cfg    AdmissionConfig
	jobs   repository.JobRepository
	ledger *credit.Ledger
	logger *slog.Logger
}

// NewAdmission creates the job intake service.
func NewAdmission(cfg AdmissionConfig, jobs repository.JobRepository, ledger *credit.Ledger, logger *slog.Logger) *Admission {
	if cfg.JobCost <= 0 {
		cfg.JobCost = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffSeconds <= 0 {
		cfg.BackoffSeconds = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Admission{cfg: cfg, jobs: jobs, ledger: ledger, logger: logger}
}

// SubmitRequest is one job intake request.
type SubmitRequest struct {
	UserID      string
	VideoURL    string
	Config      models.JobConfig
	CallbackURL string
}

// Submit validates the request, suppresses duplicates, reserves credits,
// and enqueues the job. When an open job already exists for the same
// user and video, that job is returned instead of a new one.
func (a *Admission) Submit(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	if req.UserID == "" {
		return nil, models.ErrJobUserRequired
	}
	if req.VideoURL == "" {
		return nil, models.ErrJobInputRequired
	}
	if err := validateJobConfig(req.Config); err != nil {
		return nil, err
	}

	existing, err := a.jobs.FindDuplicatePending(ctx, req.UserID, req.VideoURL)
	if err != nil {
		return nil, fmt.Errorf("checking for duplicate job: %w", err)
	}
	if existing != nil {
		a.logger.Info("duplicate submission, returning open job",
			slog.String("job_id", existing.ID.String()),
			slog.String("user_id", req.UserID))
		return existing, nil
	}

	job := models.NewJob(req.UserID, req.VideoURL, req.Config)
	job.ID = models.NewULID()
	job.CallbackURL = req.CallbackURL
	job.MaxAttempts = a.cfg.MaxAttempts
	job.BackoffSeconds = a.cfg.BackoffSeconds

	// Reserve before the row exists: a failed reservation leaves no job
	// behind, and an unpaid job can never be picked up.
	receipt, err := a.ledger.Reserve(ctx, req.UserID, job.ID, a.cfg.JobCost)
	if err != nil {
		return nil, fmt.Errorf("reserving credits: %w", err)
	}
	job.CreditReceiptID = receipt.ID

	if err := a.jobs.Create(ctx, job); err != nil {
		if rerr := a.ledger.Refund(ctx, job.ID); rerr != nil {
			a.logger.Error("failed to refund reservation after enqueue failure",
				slog.String("job_id", job.ID.String()),
				slog.String("error", rerr.Error()))
		}
		return nil, fmt.Errorf("enqueueing job: %w", err)
	}

	a.logger.Info("job admitted",
		slog.String("job_id", job.ID.String()),
		slog.String("user_id", req.UserID),
		slog.String("stack", req.Config.Stack))
	return job, nil
}

// Cancel terminates a job no worker has picked up yet: the row moves to
// cancelled and the credit reservation is refunded, synchronously and
// without worker involvement. A job already running or finished returns
// ErrJobNotCancellable; cancelling a running job is the executor's
// business via context cancellation.
func (a *Admission) Cancel(ctx context.Context, jobID models.ULID) (*models.Job, error) {
	job, err := a.jobs.CancelPending(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("cancelling job: %w", err)
	}
	if job == nil {
		existing, err := a.jobs.GetByID(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("looking up job: %w", err)
		}
		if existing == nil {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("%w: job is %s", ErrJobNotCancellable, existing.Status)
	}

	if err := a.ledger.Refund(ctx, jobID); err != nil && !errors.Is(err, credit.ErrNoReservation) {
		a.logger.Error("failed to refund cancelled job",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()))
	}

	a.logger.Info("job cancelled",
		slog.String("job_id", jobID.String()),
		slog.String("user_id", job.UserID))
	return job, nil
}

// validateJobConfig rejects configurations the pipeline cannot run.
func validateJobConfig(cfg models.JobConfig) error {
	if _, err := stacks.Lookup(cfg.Stack); err != nil {
		return err
	}
	if cfg.FPS != 0 && (cfg.FPS < 1 || cfg.FPS > 30) {
		return ErrInvalidFPS
	}
	if cfg.BatchSize != 0 && (cfg.BatchSize < 1 || cfg.BatchSize > 100) {
		return ErrInvalidBatchSize
	}
	for _, v := range cfg.CommercialVersions {
		if !models.ValidCommercialVersion(v) {
			return fmt.Errorf("unknown commercial version %q", v)
		}
	}
	return nil
}
