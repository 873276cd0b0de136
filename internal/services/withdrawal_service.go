package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/groupmarket/backend/internal/audit"
	"github.com/groupmarket/backend/internal/config"
	"github.com/groupmarket/backend/internal/models"
	"github.com/shopspring/decimal"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

const withdrawalColumns = `id, account_id, amount, target_address, state, decided_by, decision_reason,
	payout_ref, created_at, decided_at, paid_at`

func scanWithdrawal(row rowScanner) (*models.WithdrawalRequest, error) {
	var w models.WithdrawalRequest
	if err := row.Scan(&w.ID, &w.AccountID, &w.Amount, &w.TargetAddress, &w.State, &w.DecidedBy,
		&w.DecisionReason, &w.PayoutRef, &w.CreatedAt, &w.DecidedAt, &w.PaidAt); err != nil {
		return nil, err
	}
	return &w, nil
}

func withdrawalRef(requestID string) string {
	return "withdrawal:" + requestID
}

// WithdrawalService runs request, approval and payout of withdrawals.
// Funds are not held at request time; approval debits and re-checks the balance.
type WithdrawalService struct {
	db     *sql.DB
	ledger Ledger
	market config.MarketConfig
	audit  *audit.Logger
	logger *zap.Logger
}

func NewWithdrawalService(db *sql.DB, ledger Ledger, market config.MarketConfig, auditLogger *audit.Logger, logger *zap.Logger) *WithdrawalService {
	return &WithdrawalService{
		db:     db,
		ledger: ledger,
		market: market,
		audit:  auditLogger,
		logger: logger.Named("withdrawals"),
	}
}

func (s *WithdrawalService) Request(ctx context.Context, accountID int64, amount decimal.Decimal, address string) (*models.WithdrawalRequest, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	if amount.LessThan(s.market.MinWithdrawal) {
		return nil, fmt.Errorf("%w: minimum withdrawal is %s", ErrBelowMinimum, s.market.MinWithdrawal.StringFixed(2))
	}
	address = strings.TrimSpace(address)
	if err := ValidatePayoutAddress(address); err != nil {
		return nil, err
	}

	balance, err := s.ledger.Balance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(amount) {
		return nil, fmt.Errorf("%w: balance %s, requested %s", ErrInsufficientFunds, balance.StringFixed(2), amount.StringFixed(2))
	}

	req, err := scanWithdrawal(s.db.QueryRowContext(ctx, `
		INSERT INTO withdrawal_requests (id, account_id, amount, target_address, state, created_at)
		VALUES ($1, $2, $3, $4, 'pending', $5)
		RETURNING `+withdrawalColumns,
		uuid.NewString(), accountID, amount, address, time.Now()))
	if err != nil {
		return nil, fmt.Errorf("insert withdrawal request: %w", err)
	}

	s.audit.Operation("WITHDRAWAL_REQUESTED",
		zap.String("request_id", req.ID), zap.Int64("account_id", accountID), zap.String("amount", amount.StringFixed(2)))
	return req, nil
}

// Approve debits the account. A balance that no longer covers the request
// rejects it instead; the rejected request is returned without error.
func (s *WithdrawalService) Approve(ctx context.Context, requestID string, adminID int64) (*models.WithdrawalRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	req, err := s.lockPending(ctx, tx, requestID)
	if err != nil {
		return nil, err
	}

	_, err = s.ledger.Debit(ctx, DebitRequest{
		AccountID: req.AccountID,
		Amount:    req.Amount,
		Reason:    models.ReasonWithdrawal,
		Reference: withdrawalRef(req.ID),
	})
	state, reason := models.WithdrawalApproved, ""
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		state, reason = models.WithdrawalRejected, "insufficient funds at approval"
	case err != nil:
		return nil, fmt.Errorf("debit withdrawal %s: %w", requestID, err)
	}

	decided, err := s.decide(ctx, tx, requestID, state, adminID, reason)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.audit.Operation("WITHDRAWAL_DECIDED",
		zap.String("request_id", requestID), zap.String("state", string(state)), zap.Int64("admin_id", adminID))
	return decided, nil
}

// Reject closes a pending request without touching the balance.
func (s *WithdrawalService) Reject(ctx context.Context, requestID string, adminID int64, reason string) (*models.WithdrawalRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := s.lockPending(ctx, tx, requestID); err != nil {
		return nil, err
	}

	// an approval that crashed after its debit can only be finished, not rejected
	debited, err := s.ledger.HasEntry(ctx, withdrawalRef(requestID))
	if err != nil {
		return nil, err
	}
	if debited {
		return nil, fmt.Errorf("%w: %s was already debited, approve it to settle", ErrApprovalStateConflict, requestID)
	}

	decided, err := s.decide(ctx, tx, requestID, models.WithdrawalRejected, adminID, reason)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.audit.Operation("WITHDRAWAL_DECIDED",
		zap.String("request_id", requestID), zap.String("state", string(models.WithdrawalRejected)), zap.Int64("admin_id", adminID))
	return decided, nil
}

// MarkPaid records the external payout of an approved request.
func (s *WithdrawalService) MarkPaid(ctx context.Context, requestID string, payoutRef string) (*models.WithdrawalRequest, error) {
	req, err := scanWithdrawal(s.db.QueryRowContext(ctx, `
		UPDATE withdrawal_requests SET state = 'paid', payout_ref = $2, paid_at = $3
		WHERE id = $1 AND state = 'approved'
		RETURNING `+withdrawalColumns, requestID, payoutRef, time.Now()))
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := s.Get(ctx, requestID); gerr != nil {
			return nil, gerr
		}
		return nil, fmt.Errorf("%w: %s is not approved", ErrApprovalStateConflict, requestID)
	}
	if err != nil {
		return nil, err
	}

	s.audit.Operation("WITHDRAWAL_PAID", zap.String("request_id", requestID), zap.String("payout_ref", payoutRef))
	return req, nil
}

// PayoutQR renders the payout of an approved request as a PNG QR code for the operator's wallet.
func (s *WithdrawalService) PayoutQR(ctx context.Context, requestID string, size int) ([]byte, error) {
	req, err := s.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.State != models.WithdrawalApproved {
		return nil, fmt.Errorf("%w: %s is %s", ErrApprovalStateConflict, requestID, req.State)
	}
	if size <= 0 {
		size = 256
	}

	payload := fmt.Sprintf("%s?amount=%s&currency=%s&ref=%s",
		req.TargetAddress, req.Amount.StringFixed(2), s.market.Currency, withdrawalRef(req.ID))
	png, err := qrcode.Encode(payload, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("render payout qr: %w", err)
	}
	return png, nil
}

func (s *WithdrawalService) lockPending(ctx context.Context, tx *sql.Tx, requestID string) (*models.WithdrawalRequest, error) {
	req, err := scanWithdrawal(tx.QueryRowContext(ctx, `
		SELECT `+withdrawalColumns+`
		FROM withdrawal_requests
		WHERE id = $1
		FOR UPDATE`, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrWithdrawalNotFound, requestID)
	}
	if err != nil {
		return nil, err
	}
	if req.State != models.WithdrawalPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrApprovalStateConflict, requestID, req.State)
	}
	return req, nil
}

func (s *WithdrawalService) decide(ctx context.Context, tx *sql.Tx, requestID string, state models.WithdrawalState, adminID int64, reason string) (*models.WithdrawalRequest, error) {
	return scanWithdrawal(tx.QueryRowContext(ctx, `
		UPDATE withdrawal_requests
		SET state = $2, decided_by = $3, decision_reason = $4, decided_at = $5
		WHERE id = $1 AND state = 'pending'
		RETURNING `+withdrawalColumns,
		requestID, string(state), adminID, reason, time.Now()))
}

func (s *WithdrawalService) Get(ctx context.Context, requestID string) (*models.WithdrawalRequest, error) {
	req, err := scanWithdrawal(s.db.QueryRowContext(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE id = $1`, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrWithdrawalNotFound, requestID)
	}
	return req, err
}

// List returns requests in a state, oldest first. An empty state lists everything.
func (s *WithdrawalService) List(ctx context.Context, state models.WithdrawalState) ([]models.WithdrawalRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+withdrawalColumns+`
		FROM withdrawal_requests
		WHERE $1 = '' OR state = $1
		ORDER BY created_at`, string(state))
	if err != nil {
		return nil, err
	}
	return scanWithdrawals(rows)
}

func (s *WithdrawalService) ListByAccount(ctx context.Context, accountID int64) ([]models.WithdrawalRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+withdrawalColumns+`
		FROM withdrawal_requests
		WHERE account_id = $1
		ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, err
	}
	return scanWithdrawals(rows)
}

func scanWithdrawals(rows *sql.Rows) ([]models.WithdrawalRequest, error) {
	defer rows.Close()

	var out []models.WithdrawalRequest
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}
