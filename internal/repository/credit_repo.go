package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/framemart/framemart/internal/models"
)

// ErrReceiptNotFound indicates a settlement against a missing receipt.
var ErrReceiptNotFound = errors.New("credit receipt not found")

// creditRepo implements CreditRepository using GORM.
type creditRepo struct {
	db *gorm.DB
}

// NewCreditRepository creates a new CreditRepository.
func NewCreditRepository(db *gorm.DB) *creditRepo {
	return &creditRepo{db: db}
}

// Create creates a new receipt in the reserved state.
func (r *creditRepo) Create(ctx context.Context, receipt *models.CreditReceipt) error {
	if receipt.State == "" {
		receipt.State = models.ReceiptStateReserved
	}
	if err := r.db.WithContext(ctx).Create(receipt).Error; err != nil {
		return fmt.Errorf("creating credit receipt: %w", err)
	}
	return nil
}

// GetByID retrieves a receipt by ID.
func (r *creditRepo) GetByID(ctx context.Context, id models.ULID) (*models.CreditReceipt, error) {
	var receipt models.CreditReceipt
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&receipt).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting credit receipt: %w", err)
	}
	return &receipt, nil
}

// GetByJob retrieves the receipt for a job.
func (r *creditRepo) GetByJob(ctx context.Context, jobID models.ULID) (*models.CreditReceipt, error) {
	var receipt models.CreditReceipt
	if err := r.db.WithContext(ctx).Where("job_id = ?", jobID).First(&receipt).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting credit receipt by job: %w", err)
	}
	return &receipt, nil
}

// Settle moves a receipt to committed or refunded with an idempotency
// key. The state check and write happen inside one transaction so a
// redelivered settlement replays as a no-op and a conflicting one fails
// with models.ErrReceiptSettled.
func (r *creditRepo) Settle(ctx context.Context, id models.ULID, state models.ReceiptState, key string) (*models.CreditReceipt, error) {
	var receipt models.CreditReceipt

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			First(&receipt).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrReceiptNotFound
			}
			return fmt.Errorf("loading credit receipt: %w", err)
		}

		already := receipt.IsSettled()
		if err := receipt.Settle(state, key); err != nil {
			return err
		}
		if already {
			return nil // idempotent replay, nothing to write
		}
		if err := tx.Save(&receipt).Error; err != nil {
			return fmt.Errorf("settling credit receipt: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

// Ensure creditRepo implements CreditRepository at compile time.
var _ CreditRepository = (*creditRepo)(nil)
