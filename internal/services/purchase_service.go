package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/groupmarket/backend/internal/agent"
	"github.com/groupmarket/backend/internal/audit"
	"github.com/groupmarket/backend/internal/config"
	"github.com/groupmarket/backend/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type ItemStatus string

const (
	ItemAwaitingClaim ItemStatus = "awaiting_claim"
	ItemRefunded      ItemStatus = "refunded"
	ItemRefundPending ItemStatus = "refund_pending"
)

type PurchaseItem struct {
	Code          string          `json:"code"`
	ListingID     int64           `json:"listing_id"`
	Amount        decimal.Decimal `json:"amount"`
	Status        ItemStatus      `json:"status"`
	ClaimDeadline *time.Time      `json:"claim_deadline,omitempty"`
	Error         string          `json:"error,omitempty"`
}

type PurchaseResult struct {
	PurchaseID   string          `json:"purchase_id"`
	BuyerID      int64           `json:"buyer_id"`
	Total        decimal.Decimal `json:"total"`
	DebitEntryID string          `json:"debit_entry_id"`
	Items        []PurchaseItem  `json:"items"`
}

type ClaimResult struct {
	ListingID  int64  `json:"listing_id"`
	Code       string `json:"code"`
	GroupID    int64  `json:"group_id"`
	Title      string `json:"title"`
	InviteLink string `json:"invite_link,omitempty"`
}

// RecoveryReport counts what one recovery pass did.
type RecoveryReport struct {
	Expired          int   `json:"expired"`
	Compensated      int   `json:"compensated"`
	CompensationsRun int   `json:"compensations_run"`
	Escalated        int   `json:"escalated"`
	SessionsReleased int64 `json:"sessions_released"`
	Failures         int   `json:"failures"`
}

type ResolveAction string

const (
	ResolveComplete ResolveAction = "complete"
	ResolveRollback ResolveAction = "rollback"
)

type PurchaseConfig struct {
	Market   config.MarketConfig
	Transfer config.RetryConfig
	// TransferTimeout bounds a started claim. It runs detached from the caller.
	TransferTimeout time.Duration
	StuckAfter      time.Duration
}

func (c PurchaseConfig) transferTimeout() time.Duration {
	switch {
	case c.TransferTimeout > 0:
		return c.TransferTimeout
	case c.Market.ListingTimeout > 0:
		return c.Market.ListingTimeout
	}
	return config.DefaultMarket().ListingTimeout
}

// PurchaseService coordinates listings, the ledger and the session pool.
// It holds no state of its own: every step is a guarded write to one of
// those stores, and every failure after the debit goes through the compensator.
type PurchaseService struct {
	ledger        Ledger
	listings      ListingStore
	sessions      SessionPool
	agent         agent.Agent
	compensator   *Compensator
	compensations CompensationStore
	cfg           PurchaseConfig
	audit         *audit.Logger
	logger        *zap.Logger
	now           func() time.Time
}

func NewPurchaseService(
	ledger Ledger,
	listings ListingStore,
	sessions SessionPool,
	ag agent.Agent,
	compensator *Compensator,
	compensations CompensationStore,
	cfg PurchaseConfig,
	auditLogger *audit.Logger,
	logger *zap.Logger,
) *PurchaseService {
	return &PurchaseService{
		ledger:        ledger,
		listings:      listings,
		sessions:      sessions,
		agent:         ag,
		compensator:   compensator,
		compensations: compensations,
		cfg:           cfg,
		audit:         auditLogger,
		logger:        logger.Named("purchase"),
		now:           time.Now,
	}
}

// normalizeCodes dedupes the requested codes. Malformed ones are returned
// apart, with their causes, so a batch can report them alongside unavailable ones.
func (s *PurchaseService) normalizeCodes(codes []string) (valid, malformed []string, causes []error, err error) {
	if len(codes) == 0 {
		return nil, nil, nil, fmt.Errorf("%w: no codes given", ErrInvalidCode)
	}

	seen := make(map[string]bool, len(codes))
	for _, raw := range codes {
		code, nerr := NormalizeCode(raw)
		if nerr != nil {
			code = strings.TrimSpace(raw)
		}
		if seen[code] {
			continue
		}
		seen[code] = true
		if nerr != nil {
			malformed = append(malformed, code)
			causes = append(causes, nerr)
			continue
		}
		valid = append(valid, code)
	}

	if n := len(valid) + len(malformed); s.cfg.Market.MaxBatchSize > 0 && n > s.cfg.Market.MaxBatchSize {
		return nil, nil, nil, fmt.Errorf("%w: %d, limit %d", ErrTooManyCodes, n, s.cfg.Market.MaxBatchSize)
	}
	return valid, malformed, causes, nil
}

func isUnavailable(err error) bool {
	return errors.Is(err, ErrAlreadyReserved) ||
		errors.Is(err, ErrListingNotFound) ||
		errors.Is(err, ErrListingUnavailable) ||
		errors.Is(err, ErrOwnListing)
}

// Buy reserves every requested listing or none, takes one debit for the
// batch, then starts each transfer independently.
func (s *PurchaseService) Buy(ctx context.Context, buyerID int64, codes []string) (*PurchaseResult, error) {
	codes, unavailable, causes, err := s.normalizeCodes(codes)
	if err != nil {
		return nil, err
	}
	requested := len(codes) + len(unavailable)

	purchaseID := uuid.NewString()
	now := s.now()

	reserved := make([]*models.Listing, 0, len(codes))
	for _, code := range codes {
		listing, err := s.listings.Reserve(ctx, code, buyerID, purchaseID, now)
		if err != nil {
			if !isUnavailable(err) {
				s.releaseAll(ctx, reserved, purchaseID)
				return nil, fmt.Errorf("reserve %s: %w", code, err)
			}
			unavailable = append(unavailable, code)
			causes = append(causes, err)
			continue
		}
		reserved = append(reserved, listing)
	}

	if len(unavailable) > 0 {
		s.releaseAll(ctx, reserved, purchaseID)
		if requested == 1 {
			return nil, causes[0]
		}
		return nil, &PartialUnavailableError{Codes: unavailable, Causes: causes}
	}

	total := decimal.Zero
	for _, l := range reserved {
		total = total.Add(saleAmount(l))
	}

	entryID, err := s.ledger.Debit(ctx, DebitRequest{
		AccountID: buyerID,
		Amount:    total,
		Reason:    models.ReasonPurchase,
		Reference: purchaseRef(purchaseID),
	})
	if err != nil {
		// a lost commit would leave money taken; only release when the journal proves otherwise
		paid, herr := s.ledger.HasEntry(context.WithoutCancel(ctx), purchaseRef(purchaseID))
		if herr == nil && !paid {
			s.releaseAll(ctx, reserved, purchaseID)
		} else {
			s.logger.Error("purchase debit outcome unclear, leaving reservations to recovery",
				zap.String("purchase_id", purchaseID), zap.Error(err), zap.NamedError("journal_error", herr))
		}
		return nil, err
	}

	s.audit.Operation("PURCHASE_DEBITED",
		zap.String("purchase_id", purchaseID),
		zap.Int64("buyer_id", buyerID),
		zap.String("total", total.StringFixed(2)),
		zap.Int("items", len(reserved)),
	)

	result := &PurchaseResult{
		PurchaseID:   purchaseID,
		BuyerID:      buyerID,
		Total:        total,
		DebitEntryID: entryID,
		Items:        make([]PurchaseItem, 0, len(reserved)),
	}
	for _, l := range reserved {
		result.Items = append(result.Items, s.startTransfer(ctx, l, purchaseID))
	}
	return result, nil
}

func saleAmount(l *models.Listing) decimal.Decimal {
	if l.SaleAmount != nil {
		return *l.SaleAmount
	}
	return l.Price
}

func (s *PurchaseService) releaseAll(ctx context.Context, listings []*models.Listing, purchaseID string) {
	for _, l := range listings {
		if err := s.listings.ReleaseReservation(ctx, l.ID, purchaseID); err != nil {
			// the reservation expires on its own
			s.logger.Warn("failed to release reservation",
				zap.Int64("listing_id", l.ID), zap.String("purchase_id", purchaseID), zap.Error(err))
		}
	}
}

// startTransfer moves one paid listing to Sold, binds a session and opens the claim window.
func (s *PurchaseService) startTransfer(ctx context.Context, l *models.Listing, purchaseID string) PurchaseItem {
	item := PurchaseItem{Code: l.BuyingCode, ListingID: l.ID, Amount: saleAmount(l)}

	if err := s.listings.MarkSold(ctx, l.ID, purchaseID, s.now()); err != nil {
		return s.failItem(ctx, item, l, err)
	}
	l.State = models.ListingSold

	var handle *SessionHandle
	err := retry(ctx, s.cfg.Transfer, func(err error) bool { return errors.Is(err, ErrNoSessionAvailable) }, func(int) error {
		var err error
		handle, err = s.sessions.Acquire(ctx, l.ID, 0)
		return err
	})
	if err != nil {
		return s.failItem(ctx, item, l, fmt.Errorf("%w: %w", ErrTransferFailed, err))
	}

	deadline := s.now().Add(s.cfg.Market.ListingTimeout)
	if err := s.listings.MarkTransferPending(ctx, l.ID, purchaseID, handle.SessionID, deadline); err != nil {
		if rerr := s.sessions.Release(ctx, handle); rerr != nil {
			s.logger.Warn("failed to release session", zap.Int64("session_id", handle.SessionID), zap.Error(rerr))
		}
		return s.failItem(ctx, item, l, err)
	}

	item.Status = ItemAwaitingClaim
	item.ClaimDeadline = &deadline
	return item
}

func (s *PurchaseService) failItem(ctx context.Context, item PurchaseItem, l *models.Listing, cause error) PurchaseItem {
	item.Error = cause.Error()
	if err := s.compensate(ctx, l, cause.Error()); err != nil {
		item.Status = ItemRefundPending
		return item
	}
	item.Status = ItemRefunded
	return item
}

// compensate rolls a paid listing back to Listed and refunds its sale amount.
func (s *PurchaseService) compensate(ctx context.Context, l *models.Listing, reason string) error {
	if l.PurchaseID == nil || l.ReservedBy == nil {
		return fmt.Errorf("%w: listing %d has no purchase to compensate", ErrInvalidTransition, l.ID)
	}
	purchaseID, buyerID := *l.PurchaseID, *l.ReservedBy

	s.logger.Info("compensating purchase",
		zap.Int64("listing_id", l.ID), zap.String("purchase_id", purchaseID), zap.String("reason", reason))

	comp, err := s.compensator.Open(ctx, purchaseID, l.ID, buyerID, saleAmount(l))
	if err != nil {
		return err
	}
	return s.applyCompensation(ctx, comp, l.AssignedSessionID)
}

// applyCompensation runs the steps after the marker: rollback, session release, refund.
func (s *PurchaseService) applyCompensation(ctx context.Context, comp *models.Compensation, sessionID *int64) error {
	err := s.listings.Rollback(ctx, comp.ListingID, comp.PurchaseID)
	if err != nil && !errors.Is(err, ErrInvalidTransition) {
		return fmt.Errorf("roll back listing %d: %w", comp.ListingID, err)
	}
	if errors.Is(err, ErrInvalidTransition) {
		current, gerr := s.listings.Get(ctx, comp.ListingID)
		if gerr != nil {
			return gerr
		}
		if current.State == models.ListingCompleted && current.PurchaseID != nil && *current.PurchaseID == comp.PurchaseID {
			listingID, purchaseID := comp.ListingID, comp.PurchaseID
			if ierr := s.compensations.CreateIntervention(ctx, &models.ManualIntervention{
				ListingID:  &listingID,
				PurchaseID: &purchaseID,
				AccountID:  &comp.AccountID,
				Kind:       models.InterventionInvariant,
				Detail:     "refund requested for a completed transfer",
			}); ierr != nil {
				return ierr
			}
			return fmt.Errorf("%w: listing %d already completed for purchase %s", ErrInvariantViolation, listingID, purchaseID)
		}
	}

	if sessionID != nil {
		if err := s.sessions.Release(ctx, &SessionHandle{SessionID: *sessionID, ListingID: comp.ListingID}); err != nil {
			s.logger.Warn("failed to release session", zap.Int64("session_id", *sessionID), zap.Error(err))
		}
	}

	return s.compensator.Settle(ctx, comp)
}

// Claim runs the transfer for a listing the buyer paid for: membership check,
// ownership transfer, verification, completion and seller payout.
func (s *PurchaseService) Claim(ctx context.Context, buyerID int64, code string) (*ClaimResult, error) {
	code, err := NormalizeCode(code)
	if err != nil {
		return nil, err
	}

	l, err := s.listings.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if l.ReservedBy == nil || *l.ReservedBy != buyerID {
		return nil, ErrNotOwner
	}
	if l.State != models.ListingTransferPending {
		return nil, fmt.Errorf("%w: listing %s is %s", ErrInvalidTransition, code, l.State)
	}

	now := s.now()
	if l.TransferStartedAt == nil && l.ReservationExpiresAt != nil && !now.Before(*l.ReservationExpiresAt) {
		if err := s.compensate(ctx, l, "claim window expired"); err != nil {
			s.logger.Error("compensation after expired claim failed", zap.Int64("listing_id", l.ID), zap.Error(err))
		}
		return nil, ErrExpiredReservation
	}

	l, err = s.listings.BeginTransfer(ctx, l.ID, buyerID, now)
	if err != nil {
		return nil, err
	}

	// once started, a claim finishes even if the caller goes away
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.transferTimeout())
	defer cancel()

	if l.AssignedSessionID == nil {
		return nil, s.failTransfer(ctx, l, false, fmt.Errorf("%w: no session bound", ErrNoSessionAvailable))
	}
	sessionID := *l.AssignedSessionID

	ref, err := s.sessions.Open(ctx, sessionID)
	if err != nil {
		return nil, s.failTransfer(ctx, l, false, err)
	}

	var member bool
	err = retry(ctx, s.cfg.Transfer, agent.IsTransient, func(int) error {
		var err error
		member, err = s.agent.VerifyMembership(ctx, ref, l.GroupID, buyerID)
		return err
	})
	switch {
	case errors.Is(err, agent.ErrUnauthorized):
		return nil, s.failTransfer(ctx, l, true, err)
	case errors.Is(err, agent.ErrRejected):
		return nil, s.failTransfer(ctx, l, false, err)
	case err != nil || !member:
		if aerr := s.listings.AbortTransfer(context.WithoutCancel(ctx), l.ID, *l.PurchaseID); aerr != nil {
			s.logger.Error("failed to reopen claim", zap.Int64("listing_id", l.ID), zap.Error(aerr))
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrVerificationFailed, err)
		}
		return nil, fmt.Errorf("%w: join the group before claiming", ErrVerificationFailed)
	}

	var transfer *agent.TransferResult
	err = retry(ctx, s.cfg.Transfer, agent.IsTransient, func(int) error {
		var err error
		transfer, err = s.agent.TransferOwnership(ctx, ref, l.GroupID, buyerID)
		return err
	})
	switch {
	case errors.Is(err, agent.ErrOutcomeUnknown),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return nil, s.escalateUnknown(ctx, l, err.Error())
	case errors.Is(err, agent.ErrUnauthorized):
		return nil, s.failTransfer(ctx, l, true, err)
	case err != nil:
		return nil, s.failTransfer(ctx, l, false, err)
	case transfer == nil || transfer.NewOwnerID != buyerID:
		owner := int64(0)
		if transfer != nil {
			owner = transfer.NewOwnerID
		}
		return nil, s.escalateUnknown(ctx, l, fmt.Sprintf("agent reported owner %d, expected %d", owner, buyerID))
	}

	if err := s.finalize(ctx, l); err != nil {
		return nil, err
	}

	return &ClaimResult{
		ListingID:  l.ID,
		Code:       l.BuyingCode,
		GroupID:    l.GroupID,
		Title:      l.Title,
		InviteLink: l.InviteLink,
	}, nil
}

// failTransfer is the terminal failure path of a claim.
func (s *PurchaseService) failTransfer(ctx context.Context, l *models.Listing, sessionLost bool, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if sessionLost && l.AssignedSessionID != nil {
		if err := s.sessions.MarkUnhealthy(ctx, *l.AssignedSessionID, cause.Error()); err != nil {
			s.logger.Warn("failed to mark session unhealthy", zap.Int64("session_id", *l.AssignedSessionID), zap.Error(err))
		}
	}

	if err := s.compensate(ctx, l, cause.Error()); err != nil {
		s.logger.Error("compensation after failed transfer did not complete", zap.Int64("listing_id", l.ID), zap.Error(err))
	}
	if errors.Is(cause, ErrTransferFailed) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrTransferFailed, cause)
}

// escalateUnknown parks a listing whose transfer may or may not have happened.
// It stays TransferPending with its session held until an operator resolves it.
func (s *PurchaseService) escalateUnknown(ctx context.Context, l *models.Listing, detail string) error {
	listingID := l.ID
	if err := s.compensations.CreateIntervention(context.WithoutCancel(ctx), &models.ManualIntervention{
		ListingID:  &listingID,
		PurchaseID: l.PurchaseID,
		AccountID:  l.ReservedBy,
		Kind:       models.InterventionTransferUnknown,
		Detail:     detail,
	}); err != nil {
		return fmt.Errorf("record ambiguous transfer for listing %d: %w", listingID, err)
	}
	s.audit.Error("TRANSFER_OUTCOME_UNKNOWN", errors.New(detail), zap.Int64("listing_id", listingID))
	return fmt.Errorf("%w: outcome unknown, an operator will review listing %s", ErrTransferFailed, l.BuyingCode)
}

// finalize completes the listing, frees its session and pays the seller.
func (s *PurchaseService) finalize(ctx context.Context, l *models.Listing) error {
	ctx = context.WithoutCancel(ctx)
	purchaseID := *l.PurchaseID

	if err := s.listings.Complete(ctx, l.ID, purchaseID, s.now()); err != nil {
		listingID := l.ID
		if ierr := s.compensations.CreateIntervention(ctx, &models.ManualIntervention{
			ListingID:  &listingID,
			PurchaseID: l.PurchaseID,
			AccountID:  l.ReservedBy,
			Kind:       models.InterventionInvariant,
			Detail:     fmt.Sprintf("ownership transferred but listing could not complete: %v", err),
		}); ierr != nil {
			s.logger.Error("failed to record manual intervention", zap.Int64("listing_id", listingID), zap.Error(ierr))
		}
		return fmt.Errorf("complete listing %d: %w", l.ID, err)
	}

	if l.AssignedSessionID != nil {
		if err := s.sessions.Release(ctx, &SessionHandle{SessionID: *l.AssignedSessionID, ListingID: l.ID}); err != nil {
			s.logger.Warn("failed to release session", zap.Int64("session_id", *l.AssignedSessionID), zap.Error(err))
		}
	}

	if err := s.paySeller(ctx, l); err != nil {
		s.logger.Error("seller payout incomplete", zap.Int64("listing_id", l.ID), zap.Error(err))
	}
	return nil
}

// paySeller credits the seller's proceeds and, when fees apply, the fee account. Failures
// become manual interventions: the buyer already has the group.
func (s *PurchaseService) paySeller(ctx context.Context, l *models.Listing) error {
	purchaseID := *l.PurchaseID
	suffix := strconv.FormatInt(l.ID, 10) + ":" + purchaseID

	net, fee := saleAmount(l), decimal.Zero
	if s.cfg.Market.ChargesFees() {
		net, fee = feeSplit(l.Price, s.cfg.Market.SellingFee())
		fee = fee.Add(saleAmount(l).Sub(l.Price))
	}

	credits := []CreditRequest{
		{AccountID: l.SellerID, Amount: net, Reason: models.ReasonSaleProceeds, ExternalRef: "sale:" + suffix},
		{AccountID: s.cfg.Market.FeeAccountID, Amount: fee, Reason: models.ReasonFee, ExternalRef: "fee:" + suffix},
	}
	var errs []error
	for _, credit := range credits {
		if !credit.Amount.IsPositive() {
			continue
		}
		err := retry(ctx, s.cfg.Transfer, creditRetryable, func(int) error {
			_, err := s.ledger.Credit(ctx, credit)
			return err
		})
		if err == nil {
			continue
		}
		errs = append(errs, fmt.Errorf("credit %s: %w", credit.ExternalRef, err))

		listingID, accountID := l.ID, credit.AccountID
		if ierr := s.compensations.CreateIntervention(ctx, &models.ManualIntervention{
			ListingID:  &listingID,
			PurchaseID: l.PurchaseID,
			AccountID:  &accountID,
			Kind:       models.InterventionPayoutFailed,
			Detail:     fmt.Sprintf("credit %s of %s to account %d failed: %v", credit.ExternalRef, credit.Amount.StringFixed(2), accountID, err),
		}); ierr != nil {
			s.logger.Error("failed to record manual intervention", zap.Int64("listing_id", listingID), zap.Error(ierr))
		}
	}
	return errors.Join(errs...)
}

// Recover is the periodic saga recovery pass. It is safe to run concurrently
// with live purchases and with itself.
func (s *PurchaseService) Recover(ctx context.Context) (*RecoveryReport, error) {
	now := s.now()
	report := &RecoveryReport{}
	var errs []error

	expired, err := s.listings.ExpireStale(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("expire reservations: %w", err))
	}
	report.Expired += len(expired)

	overdue, err := s.listings.ListOverdue(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("list overdue listings: %w", err))
	}
	for i := range overdue {
		l := &overdue[i]
		if l.State == models.ListingReserved && l.PurchaseID != nil {
			paid, err := s.ledger.HasEntry(ctx, purchaseRef(*l.PurchaseID))
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if !paid {
				if err := s.listings.ReleaseReservation(ctx, l.ID, *l.PurchaseID); err != nil {
					errs = append(errs, err)
					continue
				}
				report.Expired++
				continue
			}
		}

		if err := s.compensate(ctx, l, "deadline passed"); err != nil {
			report.Failures++
			errs = append(errs, fmt.Errorf("compensate listing %d: %w", l.ID, err))
			continue
		}
		report.Compensated++
	}

	if s.cfg.StuckAfter > 0 {
		stuck, err := s.listings.ListStuckTransfers(ctx, now.Add(-s.cfg.StuckAfter))
		if err != nil {
			errs = append(errs, fmt.Errorf("list stuck transfers: %w", err))
		}
		parked, err := s.parkedListings(ctx, stuck)
		if err != nil {
			errs = append(errs, err)
			stuck = nil
		}
		for i := range stuck {
			l := &stuck[i]
			if parked[l.ID] {
				continue
			}
			detail := fmt.Sprintf("claim started at %s and never finished", l.TransferStartedAt.UTC().Format(time.RFC3339))
			if err := s.escalateUnknown(ctx, l, detail); err != nil && !errors.Is(err, ErrTransferFailed) {
				errs = append(errs, err)
				continue
			}
			report.Escalated++
		}
	}

	pending, err := s.compensations.ListPending(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("list pending compensations: %w", err))
	}
	for i := range pending {
		comp := &pending[i]
		var sessionID *int64
		if l, err := s.listings.Get(ctx, comp.ListingID); err == nil && l.PurchaseID != nil && *l.PurchaseID == comp.PurchaseID {
			sessionID = l.AssignedSessionID
		}
		report.CompensationsRun++
		if err := s.applyCompensation(ctx, comp, sessionID); err != nil {
			report.Failures++
			errs = append(errs, fmt.Errorf("resume compensation %s: %w", comp.Reference, err))
		}
	}

	released, err := s.sessions.ReleaseOrphans(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("release orphaned sessions: %w", err))
	}
	report.SessionsReleased = released

	return report, errors.Join(errs...)
}

// parkedListings returns the stuck listings that already wait on an open
// transfer_outcome_unknown intervention.
func (s *PurchaseService) parkedListings(ctx context.Context, stuck []models.Listing) (map[int64]bool, error) {
	if len(stuck) == 0 {
		return nil, nil
	}
	open, err := s.compensations.ListOpenInterventions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open interventions: %w", err)
	}
	parked := make(map[int64]bool, len(open))
	for _, mi := range open {
		if mi.Kind == models.InterventionTransferUnknown && mi.ListingID != nil {
			parked[*mi.ListingID] = true
		}
	}
	return parked, nil
}

// ResolveIntervention applies an operator decision. For an ambiguous
// transfer, complete finalizes the sale and rollback refunds the buyer. For a
// failed refund, rollback retries it and complete records it as settled out of
// band. A failed seller payout is retried with complete.
func (s *PurchaseService) ResolveIntervention(ctx context.Context, interventionID int64, action ResolveAction, adminID int64) error {
	mi, err := s.compensations.GetIntervention(ctx, interventionID)
	if err != nil {
		return err
	}
	if mi.ResolvedAt != nil {
		return fmt.Errorf("%w: %d already resolved", ErrInvalidResolution, interventionID)
	}
	if action != ResolveComplete && action != ResolveRollback {
		return fmt.Errorf("%w: %q", ErrInvalidResolution, action)
	}

	switch mi.Kind {
	case models.InterventionTransferUnknown:
		if mi.ListingID == nil || mi.PurchaseID == nil {
			return fmt.Errorf("%w: intervention %d has no listing", ErrInvalidResolution, interventionID)
		}
		l, err := s.listings.Get(ctx, *mi.ListingID)
		if err != nil {
			return err
		}
		if l.State != models.ListingTransferPending || l.PurchaseID == nil || *l.PurchaseID != *mi.PurchaseID {
			return fmt.Errorf("%w: listing %d is %s", ErrInvalidTransition, l.ID, l.State)
		}
		if action == ResolveComplete {
			err = s.finalize(ctx, l)
		} else {
			err = s.compensate(ctx, l, fmt.Sprintf("operator %d rolled back", adminID))
		}
		if err != nil {
			return err
		}

	case models.InterventionCompensationFailed:
		if mi.ListingID == nil || mi.PurchaseID == nil {
			return fmt.Errorf("%w: intervention %d has no listing", ErrInvalidResolution, interventionID)
		}
		comp, err := s.compensations.GetByReference(ctx, refundRef(*mi.PurchaseID, *mi.ListingID))
		if err != nil {
			return err
		}
		if comp == nil {
			return fmt.Errorf("%w: no refund marker for intervention %d", ErrInvalidResolution, interventionID)
		}
		if action == ResolveComplete {
			err = s.compensations.MarkCompleted(ctx, comp.ID)
		} else {
			comp.Attempts = 0
			err = s.compensator.Settle(ctx, comp)
		}
		if err != nil {
			return err
		}

	case models.InterventionPayoutFailed:
		if action != ResolveComplete || mi.ListingID == nil {
			return fmt.Errorf("%w: payout failures can only be completed", ErrInvalidResolution)
		}
		l, err := s.listings.Get(ctx, *mi.ListingID)
		if err != nil {
			return err
		}
		if l.State != models.ListingCompleted || l.PurchaseID == nil {
			return fmt.Errorf("%w: listing %d is %s", ErrInvalidTransition, l.ID, l.State)
		}
		if err := s.paySeller(ctx, l); err != nil {
			return err
		}

	default:
		if action != ResolveComplete {
			return fmt.Errorf("%w: %s can only be acknowledged", ErrInvalidResolution, mi.Kind)
		}
	}

	if err := s.compensations.ResolveIntervention(ctx, interventionID, adminID, s.now()); err != nil {
		return err
	}
	s.audit.Operation("INTERVENTION_RESOLVED",
		zap.Int64("intervention_id", interventionID),
		zap.String("kind", string(mi.Kind)),
		zap.String("action", string(action)),
		zap.Int64("admin_id", adminID),
	)
	return nil
}
