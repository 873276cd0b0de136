// Package audit emits the structured audit trail for money and ownership movement.
package audit

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Logger struct {
	logger *zap.Logger
}

func NewLogger(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger.Named("audit")}
}

// LedgerEntry records an applied balance mutation.
func (a *Logger) LedgerEntry(entryID string, accountID int64, delta, balanceAfter decimal.Decimal, reason, ref string) {
	a.logger.Info("LEDGER",
		zap.Time("at", time.Now().UTC()),
		zap.String("entry_id", entryID),
		zap.Int64("account_id", accountID),
		zap.String("delta", delta.StringFixed(2)),
		zap.String("balance_after", balanceAfter.StringFixed(2)),
		zap.String("reason", reason),
		zap.String("ref", ref),
	)
}

// Transition records a listing state change.
func (a *Logger) Transition(listingID int64, code, from, to, purchaseID string) {
	a.logger.Info("LISTING",
		zap.Time("at", time.Now().UTC()),
		zap.Int64("listing_id", listingID),
		zap.String("buying_code", code),
		zap.String("from", from),
		zap.String("to", to),
		zap.String("purchase_id", purchaseID),
	)
}

// Operation records an operator or workflow action that is neither of the above.
func (a *Logger) Operation(operation string, fields ...zap.Field) {
	a.logger.Info(operation, append([]zap.Field{zap.Time("at", time.Now().UTC())}, fields...)...)
}

// Error records a failed step.
func (a *Logger) Error(operation string, err error, fields ...zap.Field) {
	a.logger.Error(operation, append([]zap.Field{zap.Time("at", time.Now().UTC()), zap.Error(err)}, fields...)...)
}
