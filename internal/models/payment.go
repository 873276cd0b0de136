package models

import "github.com/shopspring/decimal"

// PaymentNotification is one event from the external tip feed.
type PaymentNotification struct {
	PayerTag    string          `json:"payer_tag" validate:"required,max=64"`
	Amount      decimal.Decimal `json:"amount" validate:"money"`
	Currency    string          `json:"currency" validate:"required,max=10"`
	ExternalRef string          `json:"external_ref" validate:"required,max=128"`
}
