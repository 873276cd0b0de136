package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/groupmarket/backend/internal/audit"
	"github.com/groupmarket/backend/internal/config"
	"github.com/groupmarket/backend/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func purchaseRef(purchaseID string) string {
	return "purchase:" + purchaseID
}

func refundRef(purchaseID string, listingID int64) string {
	return "refund:" + purchaseID + ":" + strconv.FormatInt(listingID, 10)
}

// Compensator applies refunds for purchases that failed after the debit.
// The marker is durable before any rollback, and the refund credit reuses
// the marker's reference so every retry path converges on one ledger entry.
type Compensator struct {
	store  CompensationStore
	ledger Ledger
	retry  config.RetryConfig
	audit  *audit.Logger
	logger *zap.Logger
}

func NewCompensator(store CompensationStore, ledger Ledger, retryConfig config.RetryConfig, auditLogger *audit.Logger, logger *zap.Logger) *Compensator {
	return &Compensator{
		store:  store,
		ledger: ledger,
		retry:  retryConfig,
		audit:  auditLogger,
		logger: logger.Named("compensator"),
	}
}

// Open writes (or loads) the refund marker for one listing of a purchase.
func (c *Compensator) Open(ctx context.Context, purchaseID string, listingID, accountID int64, amount decimal.Decimal) (*models.Compensation, error) {
	return c.store.CreateMarker(ctx, &models.Compensation{
		Reference:  refundRef(purchaseID, listingID),
		PurchaseID: purchaseID,
		ListingID:  listingID,
		AccountID:  accountID,
		Amount:     amount,
	})
}

func creditRetryable(err error) bool {
	return !errors.Is(err, ErrAccountFrozen) &&
		!errors.Is(err, ErrAccountNotFound) &&
		!errors.Is(err, ErrInvalidAmount) &&
		!errors.Is(err, ErrInvariantViolation) &&
		!errors.Is(err, context.Canceled)
}

// Settle credits the refund with bounded retries. When retries run out the
// marker is escalated and a manual intervention is recorded. Cancellation
// leaves the marker pending for the next recovery pass.
func (c *Compensator) Settle(ctx context.Context, comp *models.Compensation) error {
	if comp.State == models.CompensationCompleted {
		return nil
	}

	attempts := comp.Attempts
	err := retry(ctx, c.retry, creditRetryable, func(int) error {
		attempts++
		_, err := c.ledger.Credit(ctx, CreditRequest{
			AccountID:   comp.AccountID,
			Amount:      comp.Amount,
			Reason:      models.ReasonRefund,
			ExternalRef: comp.Reference,
		})
		return err
	})

	// bookkeeping must survive the caller's cancellation
	bg := context.WithoutCancel(ctx)
	if err == nil {
		if merr := c.store.MarkCompleted(bg, comp.ID); merr != nil {
			c.logger.Error("refund credited but marker not closed", zap.String("reference", comp.Reference), zap.Error(merr))
		}
		comp.State = models.CompensationCompleted
		c.audit.Operation("COMPENSATED",
			zap.String("reference", comp.Reference),
			zap.Int64("account_id", comp.AccountID),
			zap.String("amount", comp.Amount.StringFixed(2)),
		)
		return nil
	}

	escalate := ctx.Err() == nil
	if rerr := c.store.RecordAttempt(bg, comp.ID, attempts, err.Error(), escalate); rerr != nil {
		c.logger.Error("failed to record compensation attempt", zap.String("reference", comp.Reference), zap.Error(rerr))
	}
	if !escalate {
		return fmt.Errorf("refund %s interrupted: %w", comp.Reference, err)
	}

	comp.State = models.CompensationEscalated
	listingID, purchaseID, accountID := comp.ListingID, comp.PurchaseID, comp.AccountID
	if ierr := c.store.CreateIntervention(bg, &models.ManualIntervention{
		ListingID:  &listingID,
		PurchaseID: &purchaseID,
		AccountID:  &accountID,
		Kind:       models.InterventionCompensationFailed,
		Detail:     fmt.Sprintf("refund of %s to account %d failed after %d attempts: %v", comp.Amount.StringFixed(2), comp.AccountID, attempts, err),
	}); ierr != nil {
		c.logger.Error("failed to record manual intervention", zap.String("reference", comp.Reference), zap.Error(ierr))
	}
	c.audit.Error("COMPENSATION_ESCALATED", err, zap.String("reference", comp.Reference))
	return fmt.Errorf("refund %s escalated: %w", comp.Reference, err)
}
