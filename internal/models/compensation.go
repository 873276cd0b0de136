package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type CompensationState string

const (
	CompensationPending   CompensationState = "pending"
	CompensationCompleted CompensationState = "completed"
	CompensationEscalated CompensationState = "escalated"
)

// Compensation is a durable refund marker written before a rollback is applied.
type Compensation struct {
	ID         int64             `json:"id" db:"id"`
	Reference  string            `json:"reference" db:"reference"`
	PurchaseID string            `json:"purchase_id" db:"purchase_id"`
	ListingID  int64             `json:"listing_id" db:"listing_id"`
	AccountID  int64             `json:"account_id" db:"account_id"`
	Amount     decimal.Decimal   `json:"amount" db:"amount"`
	State      CompensationState `json:"state" db:"state"`
	Attempts   int               `json:"attempts" db:"attempts"`
	LastError  string            `json:"last_error,omitempty" db:"last_error"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at" db:"updated_at"`
}

type InterventionKind string

const (
	InterventionCompensationFailed InterventionKind = "compensation_failed"
	InterventionTransferUnknown    InterventionKind = "transfer_outcome_unknown"
	InterventionPayoutFailed       InterventionKind = "seller_payout_failed"
	InterventionInvariant          InterventionKind = "invariant_violation"
)

// ManualIntervention is an operator-facing record for failures that must not be auto-resolved.
type ManualIntervention struct {
	ID         int64            `json:"id" db:"id"`
	ListingID  *int64           `json:"listing_id,omitempty" db:"listing_id"`
	PurchaseID *string          `json:"purchase_id,omitempty" db:"purchase_id"`
	AccountID  *int64           `json:"account_id,omitempty" db:"account_id"`
	Kind       InterventionKind `json:"kind" db:"kind"`
	Detail     string           `json:"detail" db:"detail"`
	CreatedAt  time.Time        `json:"created_at" db:"created_at"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolvedBy *int64           `json:"resolved_by,omitempty" db:"resolved_by"`
}
