package models

import "gorm.io/gorm"

// ReceiptState is the settlement state of a credit reservation.
type ReceiptState string

const (
	// ReceiptStateReserved is an open hold on the user's balance.
	ReceiptStateReserved ReceiptState = "reserved"
	// ReceiptStateCommitted is a finalized debit.
	ReceiptStateCommitted ReceiptState = "committed"
	// ReceiptStateRefunded is a released hold.
	ReceiptStateRefunded ReceiptState = "refunded"
)

// CreditReceipt records a pre-authorized hold on a user's credit balance.
// Exactly one of commit or refund settles a receipt; the settlement key
// makes either operation idempotent under queue redelivery.
type CreditReceipt struct {
	BaseModel

	// UserID is the account the credits were reserved against.
	UserID string `gorm:"not null;size:64;index" json:"user_id"`

	// JobID is the job the reservation pays for.
	JobID ULID `gorm:"type:varchar(26);index" json:"job_id"`

	// Amount is the reserved credit amount.
	Amount int64 `gorm:"not null" json:"amount"`

	// State is the settlement state.
	State ReceiptState `gorm:"not null;default:'reserved';size:20;index" json:"state"`

	// SettlementKey is "<jobId>:<event>" and is unique so a redelivered
	// settlement is a no-op instead of a double debit or double refund.
	SettlementKey string `gorm:"size:64;uniqueIndex" json:"settlement_key,omitempty"`

	// SettledAt is when the receipt left the reserved state.
	SettledAt *Time `json:"settled_at,omitempty"`
}

// TableName returns the table name for CreditReceipt.
func (CreditReceipt) TableName() string {
	return "credit_receipts"
}

// IsSettled returns true once the receipt is committed or refunded.
func (r *CreditReceipt) IsSettled() bool {
	return r.State != ReceiptStateReserved
}

// Settle moves the receipt to the given state with an idempotency key.
func (r *CreditReceipt) Settle(state ReceiptState, key string) error {
	if r.IsSettled() {
		if r.State == state && r.SettlementKey == key {
			return nil // idempotent replay
		}
		return ErrReceiptSettled
	}
	now := Now()
	r.State = state
	r.SettlementKey = key
	r.SettledAt = &now
	return nil
}

// BeforeCreate is a GORM hook that generates the receipt's ULID.
func (r *CreditReceipt) BeforeCreate(tx *gorm.DB) error {
	return r.BaseModel.BeforeCreate(tx)
}
