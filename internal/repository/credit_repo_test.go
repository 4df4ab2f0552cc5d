package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framemart/framemart/internal/models"
)

func newTestReceipt(jobID models.ULID) *models.CreditReceipt {
	return &models.CreditReceipt{
		UserID: "user-1",
		JobID:  jobID,
		Amount: 10,
	}
}

func TestCreditRepo_Create(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCreditRepository(db)
	ctx := context.Background()

	jobID := models.NewULID()
	receipt := newTestReceipt(jobID)
	require.NoError(t, repo.Create(ctx, receipt))
	assert.False(t, receipt.ID.IsZero())
	assert.Equal(t, models.ReceiptStateReserved, receipt.State)

	found, err := repo.GetByJob(ctx, jobID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, receipt.ID, found.ID)
	assert.Equal(t, int64(10), found.Amount)
}

func TestCreditRepo_SettleCommit(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCreditRepository(db)
	ctx := context.Background()

	jobID := models.NewULID()
	receipt := newTestReceipt(jobID)
	require.NoError(t, repo.Create(ctx, receipt))

	key := jobID.String() + ":completed"
	settled, err := repo.Settle(ctx, receipt.ID, models.ReceiptStateCommitted, key)
	require.NoError(t, err)
	assert.Equal(t, models.ReceiptStateCommitted, settled.State)
	assert.Equal(t, key, settled.SettlementKey)
	assert.NotNil(t, settled.SettledAt)

	// Replaying the same settlement is a no-op.
	replayed, err := repo.Settle(ctx, receipt.ID, models.ReceiptStateCommitted, key)
	require.NoError(t, err)
	assert.Equal(t, models.ReceiptStateCommitted, replayed.State)

	// A conflicting settlement fails.
	_, err = repo.Settle(ctx, receipt.ID, models.ReceiptStateRefunded, jobID.String()+":failed")
	assert.ErrorIs(t, err, models.ErrReceiptSettled)
}

func TestCreditRepo_SettleRefund(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCreditRepository(db)
	ctx := context.Background()

	jobID := models.NewULID()
	receipt := newTestReceipt(jobID)
	require.NoError(t, repo.Create(ctx, receipt))

	settled, err := repo.Settle(ctx, receipt.ID, models.ReceiptStateRefunded, jobID.String()+":failed")
	require.NoError(t, err)
	assert.Equal(t, models.ReceiptStateRefunded, settled.State)
}

func TestCreditRepo_SettleMissing(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCreditRepository(db)

	_, err := repo.Settle(context.Background(), models.NewULID(), models.ReceiptStateCommitted, "x:completed")
	assert.ErrorIs(t, err, ErrReceiptNotFound)
}
