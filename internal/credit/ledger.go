// Package credit implements the credit reservation lifecycle: a hold is
// reserved at admission and exactly one of commit or refund settles it
// when the job finishes.
package credit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/framemart/framemart/internal/models"
	"github.com/framemart/framemart/internal/repository"
)

// ErrNoReservation indicates a settlement for a job without a receipt.
var ErrNoReservation = errors.New("no credit reservation for job")

// Ledger settles credit receipts through the credit repository.
// Settlement keys are "<jobId>:<event>" so a redelivered settlement
// replays as a no-op.
type Ledger struct {
	receipts repository.CreditRepository
	logger   *slog.Logger
}

// NewLedger creates a credit ledger.
func NewLedger(receipts repository.CreditRepository, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{receipts: receipts, logger: logger}
}

// Reserve opens a hold on the user's balance for a job.
func (l *Ledger) Reserve(ctx context.Context, userID string, jobID models.ULID, amount int64) (*models.CreditReceipt, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("reservation amount must be positive, got %d", amount)
	}

	receipt := &models.CreditReceipt{
		UserID: userID,
		JobID:  jobID,
		Amount: amount,
	}
	if err := l.receipts.Create(ctx, receipt); err != nil {
		return nil, fmt.Errorf("reserving credits: %w", err)
	}

	l.logger.Debug("credits reserved",
		slog.String("job_id", jobID.String()),
		slog.String("receipt_id", receipt.ID.String()),
		slog.Int64("amount", amount))
	return receipt, nil
}

// Commit finalizes the debit for a completed job.
func (l *Ledger) Commit(ctx context.Context, jobID models.ULID) error {
	return l.settle(ctx, jobID, models.ReceiptStateCommitted, "completed")
}

// Refund releases the hold for a failed or cancelled job.
func (l *Ledger) Refund(ctx context.Context, jobID models.ULID) error {
	return l.settle(ctx, jobID, models.ReceiptStateRefunded, "failed")
}

func (l *Ledger) settle(ctx context.Context, jobID models.ULID, state models.ReceiptState, event string) error {
	receipt, err := l.receipts.GetByJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("loading reservation: %w", err)
	}
	if receipt == nil {
		return ErrNoReservation
	}

	key := jobID.String() + ":" + event
	settled, err := l.receipts.Settle(ctx, receipt.ID, state, key)
	if err != nil {
		return fmt.Errorf("settling reservation: %w", err)
	}

	l.logger.Debug("credits settled",
		slog.String("job_id", jobID.String()),
		slog.String("state", string(settled.State)),
		slog.Int64("amount", settled.Amount))
	return nil
}
