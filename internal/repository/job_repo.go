package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/framemart/framemart/internal/models"
)

// jobRepo implements JobRepository using GORM.
type jobRepo struct {
	db *gorm.DB
}

// NewJobRepository creates a new JobRepository.
func NewJobRepository(db *gorm.DB) *jobRepo {
	return &jobRepo{db: db}
}

// Create creates a new job.
func (r *jobRepo) Create(ctx context.Context, job *models.Job) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("creating job: %w", err)
	}
	return nil
}

// GetByID retrieves a job by ID.
func (r *jobRepo) GetByID(ctx context.Context, id models.ULID) (*models.Job, error) {
	var job models.Job
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting job by ID: %w", err)
	}
	return &job, nil
}

// GetByUser retrieves a user's jobs with pagination.
func (r *jobRepo) GetByUser(ctx context.Context, userID string, offset, limit int) ([]*models.Job, int64, error) {
	var jobs []*models.Job
	var total int64

	query := r.db.WithContext(ctx).Model(&models.Job{}).Where("user_id = ?", userID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting user jobs: %w", err)
	}
	if err := query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("getting user jobs: %w", err)
	}
	return jobs, total, nil
}

// Update saves the full job record.
func (r *jobRepo) Update(ctx context.Context, job *models.Job) error {
	if err := r.db.WithContext(ctx).Save(job).Error; err != nil {
		return fmt.Errorf("updating job: %w", err)
	}
	return nil
}

// UpdateProgress writes only the progress and status columns. Used on
// the hot path during execution, so it avoids a full-row save and the
// update hooks.
func (r *jobRepo) UpdateProgress(ctx context.Context, id models.ULID, status models.JobStatus, progress models.JobProgress) error {
	result := r.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ?", id).
		Session(&gorm.Session{SkipHooks: true}).
		Updates(models.Job{Status: status, Progress: progress})
	if result.Error != nil {
		return fmt.Errorf("updating job progress: %w", result.Error)
	}
	return nil
}

// AcquireJob atomically acquires a runnable job for execution.
// Uses SELECT FOR UPDATE with SKIP LOCKED for safe concurrent access;
// SQLite serializes writers so the clause degrades harmlessly there.
func (r *jobRepo) AcquireJob(ctx context.Context, workerID string) (*models.Job, error) {
	var job models.Job
	now := time.Now()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("(status = ? OR (status = ? AND next_run_at <= ?))",
				models.JobStatusPending, models.JobStatusScheduled, now).
			Where("locked_by IS NULL OR locked_by = ''").
			Order("created_at ASC").
			Limit(1)

		if err := query.First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			return fmt.Errorf("finding runnable job: %w", err)
		}

		job.MarkRunning(workerID)
		if err := tx.Save(&job).Error; err != nil {
			return fmt.Errorf("acquiring job: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil // queue empty
		}
		return nil, err
	}
	return &job, nil
}

// ReleaseJob releases a job lock and returns the job to pending.
// Uses UpdateColumns to avoid the BeforeUpdate validation hook.
func (r *jobRepo) ReleaseJob(ctx context.Context, id models.ULID) error {
	result := r.db.WithContext(ctx).Model(&models.Job{}).Where("id = ?", id).
		UpdateColumns(map[string]any{
			"locked_by": nil,
			"locked_at": nil,
			"status":    models.JobStatusPending,
		})
	if result.Error != nil {
		return fmt.Errorf("releasing job: %w", result.Error)
	}
	return nil
}

// CancelPending moves a job that no worker has claimed to cancelled.
// Uses the same row-locking discipline as AcquireJob so a worker
// claiming the row concurrently cannot race the cancellation. Returns
// nil when the job is missing, locked, or already past pending.
func (r *jobRepo) CancelPending(ctx context.Context, id models.ULID) (*models.Job, error) {
	var job models.Job

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("id = ?", id).
			Where("status IN (?, ?)", models.JobStatusPending, models.JobStatusScheduled).
			Where("locked_by IS NULL OR locked_by = ''")

		if err := query.First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			return fmt.Errorf("finding cancellable job: %w", err)
		}

		job.MarkCancelled()
		if err := tx.Save(&job).Error; err != nil {
			return fmt.Errorf("cancelling job: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

// RecoverStaleLocks releases jobs whose worker stopped heartbeating.
// A non-terminal job locked for longer than lockTimeout is assumed
// orphaned by a crashed worker and returned to the queue.
func (r *jobRepo) RecoverStaleLocks(ctx context.Context, lockTimeout time.Duration) (int64, error) {
	cutoff := time.Now().Add(-lockTimeout)
	result := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("locked_by IS NOT NULL AND locked_by != ''").
		Where("locked_at < ?", cutoff).
		Where("status NOT IN (?, ?, ?)",
			models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled).
		UpdateColumns(map[string]any{
			"locked_by": nil,
			"locked_at": nil,
			"status":    models.JobStatusPending,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("recovering stale locks: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// FindDuplicatePending finds an open job for the same user and video.
func (r *jobRepo) FindDuplicatePending(ctx context.Context, userID, videoURL string) (*models.Job, error) {
	var job models.Job
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND video_url = ?", userID, videoURL).
		Where("status NOT IN (?, ?, ?)",
			models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled).
		First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding duplicate pending job: %w", err)
	}
	return &job, nil
}

// DeleteFinished deletes terminal jobs past their retention windows.
// Completed jobs and failed/cancelled jobs carry separate TTLs.
func (r *jobRepo) DeleteFinished(ctx context.Context, completedBefore, failedBefore time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("(status = ? AND completed_at < ?) OR (status IN (?, ?) AND completed_at < ?)",
			models.JobStatusCompleted, completedBefore,
			models.JobStatusFailed, models.JobStatusCancelled, failedBefore).
		Delete(&models.Job{})
	if result.Error != nil {
		return 0, fmt.Errorf("deleting finished jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// CreateHistory creates a job history record.
func (r *jobRepo) CreateHistory(ctx context.Context, history *models.JobHistory) error {
	if err := r.db.WithContext(ctx).Create(history).Error; err != nil {
		return fmt.Errorf("creating job history: %w", err)
	}
	return nil
}

// GetHistory retrieves attempt history for a job, newest first.
func (r *jobRepo) GetHistory(ctx context.Context, jobID models.ULID) ([]*models.JobHistory, error) {
	var history []*models.JobHistory
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at DESC").
		Find(&history).Error; err != nil {
		return nil, fmt.Errorf("getting job history: %w", err)
	}
	return history, nil
}

// DeleteHistory deletes history records older than the specified time.
func (r *jobRepo) DeleteHistory(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", before).
		Delete(&models.JobHistory{})
	if result.Error != nil {
		return 0, fmt.Errorf("deleting job history: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Ensure jobRepo implements JobRepository at compile time.
var _ JobRepository = (*jobRepo)(nil)
