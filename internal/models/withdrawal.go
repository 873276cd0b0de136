package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type WithdrawalState string

const (
	WithdrawalPending  WithdrawalState = "pending"
	WithdrawalApproved WithdrawalState = "approved"
	WithdrawalRejected WithdrawalState = "rejected"
	WithdrawalPaid     WithdrawalState = "paid"
)

type WithdrawalRequest struct {
	ID             string          `json:"id" db:"id"`
	AccountID      int64           `json:"account_id" db:"account_id"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	TargetAddress  string          `json:"target_address" db:"target_address"`
	State          WithdrawalState `json:"state" db:"state"`
	DecidedBy      *int64          `json:"decided_by,omitempty" db:"decided_by"`
	DecisionReason string          `json:"decision_reason,omitempty" db:"decision_reason"`
	PayoutRef      string          `json:"payout_ref,omitempty" db:"payout_ref"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	DecidedAt      *time.Time      `json:"decided_at,omitempty" db:"decided_at"`
	PaidAt         *time.Time      `json:"paid_at,omitempty" db:"paid_at"`
}
