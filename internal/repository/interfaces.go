// Package repository defines data access interfaces for framemart
// entities. All database access goes through these interfaces, enabling
// easy testing and database backend switching.
package repository

import (
	"context"
	"time"

	"github.com/framemart/framemart/internal/models"
)

// JobRepository defines operations for job persistence. The jobs table
// doubles as the work queue.
type JobRepository interface {
	// Create creates a new job.
	Create(ctx context.Context, job *models.Job) error
	// GetByID retrieves a job by ID. Returns nil when not found.
	GetByID(ctx context.Context, id models.ULID) (*models.Job, error)
	// GetByUser retrieves a user's jobs, newest first, with pagination.
	GetByUser(ctx context.Context, userID string, offset, limit int) ([]*models.Job, int64, error)
	// Update saves the full job record.
	Update(ctx context.Context, job *models.Job) error
	// UpdateProgress writes only the progress and status columns.
	UpdateProgress(ctx context.Context, id models.ULID, status models.JobStatus, progress models.JobProgress) error
	// AcquireJob atomically claims the next runnable job for a worker.
	// Returns nil when the queue is empty.
	AcquireJob(ctx context.Context, workerID string) (*models.Job, error)
	// ReleaseJob drops a worker's lock and returns the job to pending.
	ReleaseJob(ctx context.Context, id models.ULID) error
	// CancelPending moves a job no worker holds to cancelled. Returns
	// nil when the job is missing, already running, or finished.
	CancelPending(ctx context.Context, id models.ULID) (*models.Job, error)
	// RecoverStaleLocks releases jobs whose lock is older than the
	// timeout, returning how many were recovered.
	RecoverStaleLocks(ctx context.Context, lockTimeout time.Duration) (int64, error)
	// FindDuplicatePending finds an open job for the same user and video.
	FindDuplicatePending(ctx context.Context, userID, videoURL string) (*models.Job, error)
	// DeleteFinished deletes terminal jobs past their retention window.
	DeleteFinished(ctx context.Context, completedBefore, failedBefore time.Time) (int64, error)
	// CreateHistory records a finished attempt.
	CreateHistory(ctx context.Context, history *models.JobHistory) error
	// GetHistory retrieves attempt history for a job, newest first.
	GetHistory(ctx context.Context, jobID models.ULID) ([]*models.JobHistory, error)
	// DeleteHistory prunes history records older than the given time.
	DeleteHistory(ctx context.Context, before time.Time) (int64, error)
}

// FrameRepository defines operations for frame persistence.
type FrameRepository interface {
	// UpsertFrame stores or refreshes a frame keyed by (job, frame key)
	// and returns the row id.
	UpsertFrame(ctx context.Context, frame *models.Frame) (string, error)
	// GetByJob retrieves all frames for a job in timestamp order.
	GetByJob(ctx context.Context, jobID models.ULID) ([]*models.Frame, error)
	// DeleteByJob removes all frames for a job.
	DeleteByJob(ctx context.Context, jobID models.ULID) (int64, error)
}

// CreditRepository defines operations for credit receipt persistence.
type CreditRepository interface {
	// Create creates a new receipt in the reserved state.
	Create(ctx context.Context, receipt *models.CreditReceipt) error
	// GetByID retrieves a receipt by ID. Returns nil when not found.
	GetByID(ctx context.Context, id models.ULID) (*models.CreditReceipt, error)
	// GetByJob retrieves the receipt for a job. Returns nil when not found.
	GetByJob(ctx context.Context, jobID models.ULID) (*models.CreditReceipt, error)
	// Settle moves a receipt to committed or refunded with an idempotency
	// key, inside a transaction so concurrent settlements cannot race.
	Settle(ctx context.Context, id models.ULID, state models.ReceiptState, key string) (*models.CreditReceipt, error)
}
