package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type LedgerEntry struct {
	ID           string          `json:"id" db:"id"`
	AccountID    int64           `json:"account_id" db:"account_id"`
	Delta        decimal.Decimal `json:"delta" db:"delta"` // signed, 2 dp
	BalanceAfter decimal.Decimal `json:"balance_after" db:"balance_after"`
	Reason       string          `json:"reason" db:"reason"`
	ExternalRef  *string         `json:"external_ref,omitempty" db:"external_ref"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

type Account struct {
	ID          int64           `json:"id" db:"id"`
	Username    string          `json:"username" db:"username"`
	Balance     decimal.Decimal `json:"balance" db:"balance"`
	TotalVolume decimal.Decimal `json:"total_volume" db:"total_volume"`
	Version     int64           `json:"version" db:"version"` // for optimistic locking
	Frozen      bool            `json:"frozen" db:"frozen"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// Ledger entry reasons.
const (
	ReasonTip              = "tip"
	ReasonPurchase         = "purchase"
	ReasonRefund           = "refund"
	ReasonSaleProceeds     = "sale_proceeds"
	ReasonFee              = "fee"
	ReasonListingFee       = "listing_fee"
	ReasonListingFeeRefund = "listing_fee_refund"
	ReasonWithdrawal       = "withdrawal"
	ReasonAdminAdjust      = "admin_adjust"
)
