package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/framemart/framemart/internal/models"
)

// frameRepo implements FrameRepository using GORM.
type frameRepo struct {
	db *gorm.DB
}

// NewFrameRepository creates a new FrameRepository.
func NewFrameRepository(db *gorm.DB) *frameRepo {
	return &frameRepo{db: db}
}

// UpsertFrame stores or refreshes a frame keyed by (job, frame key).
// Redelivered jobs re-persist the same frames; the existing row id is
// kept so frame references stay stable across attempts.
func (r *frameRepo) UpsertFrame(ctx context.Context, frame *models.Frame) (string, error) {
	var id models.ULID

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Frame
		err := tx.Where("job_id = ? AND frame_key = ?", frame.JobID, frame.FrameKey).
			First(&existing).Error
		switch {
		case err == nil:
			frame.ID = existing.ID
			frame.CreatedAt = existing.CreatedAt
			if err := tx.Save(frame).Error; err != nil {
				return fmt.Errorf("refreshing frame: %w", err)
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(frame).Error; err != nil {
				return fmt.Errorf("creating frame: %w", err)
			}
		default:
			return fmt.Errorf("looking up frame: %w", err)
		}
		id = frame.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// GetByJob retrieves all frames for a job in timestamp order.
func (r *frameRepo) GetByJob(ctx context.Context, jobID models.ULID) ([]*models.Frame, error) {
	var frames []*models.Frame
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("timestamp ASC, frame_key ASC").
		Find(&frames).Error; err != nil {
		return nil, fmt.Errorf("getting frames by job: %w", err)
	}
	return frames, nil
}

// DeleteByJob removes all frames for a job.
func (r *frameRepo) DeleteByJob(ctx context.Context, jobID models.ULID) (int64, error) {
	result := r.db.WithContext(ctx).Where("job_id = ?", jobID).Delete(&models.Frame{})
	if result.Error != nil {
		return 0, fmt.Errorf("deleting frames by job: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Ensure frameRepo implements FrameRepository at compile time.
var _ FrameRepository = (*frameRepo)(nil)
