package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/groupmarket/backend/internal/audit"
	"github.com/groupmarket/backend/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type CreditRequest struct {
	AccountID   int64
	Amount      decimal.Decimal
	Reason      string
	ExternalRef string // optional idempotency key
}

type DebitRequest struct {
	AccountID int64
	Amount    decimal.Decimal
	Reason    string
	Reference string // optional idempotency key
}

// ReconcileReport compares the stored balance with the sum of ledger entries.
type ReconcileReport struct {
	AccountID  int64           `json:"account_id"`
	Balance    decimal.Decimal `json:"balance"`
	EntrySum   decimal.Decimal `json:"entry_sum"`
	Consistent bool            `json:"consistent"`
}

// LedgerService is the only writer of account balances. Each mutation locks the
// account row, appends one entry and bumps the optimistic version in one transaction.
type LedgerService struct {
	db     *sql.DB
	audit  *audit.Logger
	logger *zap.Logger
}

func NewLedgerService(db *sql.DB, auditLogger *audit.Logger, logger *zap.Logger) *LedgerService {
	return &LedgerService{
		db:     db,
		audit:  auditLogger,
		logger: logger.Named("ledger"),
	}
}

// EnsureAccount provisions a first-seen user with a zero balance.
func (s *LedgerService) EnsureAccount(ctx context.Context, accountID int64, username string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, username, balance, version, created_at, updated_at)
		VALUES ($1, $2, 0, 0, $3, $3)
		ON CONFLICT (id) DO NOTHING`,
		accountID, username, time.Now())
	if err != nil {
		return fmt.Errorf("ensure account %d: %w", accountID, err)
	}
	return nil
}

func (s *LedgerService) Credit(ctx context.Context, req CreditRequest) (string, error) {
	if err := validateAmount(req.Amount); err != nil {
		return "", err
	}
	return s.apply(ctx, req.AccountID, req.Amount, req.Reason, req.ExternalRef)
}

// Debit fails with ErrInsufficientFunds when the balance cannot cover amount.
func (s *LedgerService) Debit(ctx context.Context, req DebitRequest) (string, error) {
	if err := validateAmount(req.Amount); err != nil {
		return "", err
	}
	return s.apply(ctx, req.AccountID, req.Amount.Neg(), req.Reason, req.Reference)
}

// AdminAdjust credits or debits an account on behalf of an operator.
func (s *LedgerService) AdminAdjust(ctx context.Context, accountID int64, delta decimal.Decimal, adminID int64) (string, error) {
	ref := "adjust:" + uuid.NewString()
	var (
		entryID string
		err     error
	)
	if delta.IsNegative() {
		entryID, err = s.Debit(ctx, DebitRequest{AccountID: accountID, Amount: delta.Neg(), Reason: models.ReasonAdminAdjust, Reference: ref})
	} else {
		entryID, err = s.Credit(ctx, CreditRequest{AccountID: accountID, Amount: delta, Reason: models.ReasonAdminAdjust, ExternalRef: ref})
	}
	if err != nil {
		return "", err
	}

	s.audit.Operation("ADMIN_ADJUST",
		zap.Int64("admin_id", adminID),
		zap.Int64("account_id", accountID),
		zap.String("delta", delta.StringFixed(2)),
		zap.String("entry_id", entryID),
	)
	return entryID, nil
}

func (s *LedgerService) apply(ctx context.Context, accountID int64, delta decimal.Decimal, reason, ref string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	account, err := s.lockAccount(ctx, tx, accountID)
	if err != nil {
		return "", err
	}

	if ref != "" {
		existing, err := s.entryIDByRef(ctx, tx, ref)
		if err != nil {
			return "", err
		}
		if existing != "" {
			return existing, nil
		}
	}

	if account.Frozen {
		return "", fmt.Errorf("%w: account %d", ErrAccountFrozen, accountID)
	}

	if account.Balance.IsNegative() {
		if err := s.freeze(ctx, tx, accountID); err != nil {
			return "", err
		}
		if err := tx.Commit(); err != nil {
			return "", err
		}
		s.audit.Error("ACCOUNT_FROZEN", ErrInvariantViolation, zap.Int64("account_id", accountID))
		return "", fmt.Errorf("%w: account %d has negative balance %s", ErrInvariantViolation, accountID, account.Balance)
	}

	newBalance := account.Balance.Add(delta)
	if newBalance.IsNegative() {
		return "", fmt.Errorf("%w: balance %s, requested %s", ErrInsufficientFunds, account.Balance.StringFixed(2), delta.Neg().StringFixed(2))
	}

	entryID := uuid.NewString()
	if err := s.createLedgerEntry(ctx, tx, entryID, accountID, delta, newBalance, reason, ref); err != nil {
		if ref != "" && isUniqueViolation(err, "") {
			// the same reference was committed on another account's row lock
			tx.Rollback()
			return s.existingEntry(ctx, ref)
		}
		return "", err
	}

	volume := decimal.Zero
	if delta.IsPositive() {
		volume = delta
	}
	if err := s.updateAccountBalance(ctx, tx, accountID, newBalance, volume, account.Version); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}

	s.audit.LedgerEntry(entryID, accountID, delta, newBalance, reason, ref)
	return entryID, nil
}

func (s *LedgerService) lockAccount(ctx context.Context, tx *sql.Tx, accountID int64) (*models.Account, error) {
	var account models.Account
	err := tx.QueryRowContext(ctx, `
		SELECT id, balance, version, frozen
		FROM accounts
		WHERE id = $1
		FOR UPDATE`, accountID).Scan(&account.ID, &account.Balance, &account.Version, &account.Frozen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrAccountNotFound, accountID)
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *LedgerService) entryIDByRef(ctx context.Context, tx *sql.Tx, ref string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM ledger_entries WHERE external_ref = $1`, ref).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

func (s *LedgerService) existingEntry(ctx context.Context, ref string) (string, error) {
	var id string
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM ledger_entries WHERE external_ref = $1`, ref).Scan(&id); err != nil {
		return "", fmt.Errorf("load entry for %s: %w", ref, err)
	}
	return id, nil
}

func (s *LedgerService) createLedgerEntry(ctx context.Context, tx *sql.Tx, entryID string, accountID int64, delta, balanceAfter decimal.Decimal, reason, ref string) error {
	var externalRef sql.NullString
	if ref != "" {
		externalRef = sql.NullString{String: ref, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account_id, delta, balance_after, reason, external_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entryID, accountID, delta, balanceAfter, reason, externalRef, time.Now())
	return err
}

func (s *LedgerService) updateAccountBalance(ctx context.Context, tx *sql.Tx, accountID int64, newBalance, volume decimal.Decimal, version int64) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = $1, total_volume = total_volume + $2, version = version + 1, updated_at = $3
		WHERE id = $4 AND version = $5`,
		newBalance, volume, time.Now(), accountID, version)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return fmt.Errorf("optimistic lock failed for account %d", accountID)
	}

	return nil
}

func (s *LedgerService) freeze(ctx context.Context, tx *sql.Tx, accountID int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE accounts SET frozen = TRUE, updated_at = $1 WHERE id = $2`, time.Now(), accountID)
	return err
}

func (s *LedgerService) Balance(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = $1`, accountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("%w: %d", ErrAccountNotFound, accountID)
	}
	return balance, err
}

func (s *LedgerService) GetAccount(ctx context.Context, accountID int64) (*models.Account, error) {
	var a models.Account
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, balance, total_volume, version, frozen, created_at, updated_at
		FROM accounts WHERE id = $1`, accountID).
		Scan(&a.ID, &a.Username, &a.Balance, &a.TotalVolume, &a.Version, &a.Frozen, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrAccountNotFound, accountID)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// HasEntry reports whether an entry with the given reference was applied.
func (s *LedgerService) HasEntry(ctx context.Context, ref string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE external_ref = $1)`, ref).Scan(&exists)
	return exists, err
}

// Entries returns the newest entries of an account first.
func (s *LedgerService) Entries(ctx context.Context, accountID int64, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, delta, balance_after, reason, external_ref, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Delta, &e.BalanceAfter, &e.Reason, &e.ExternalRef, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Reconcile checks balance == sum(delta). A mismatch freezes the account.
func (s *LedgerService) Reconcile(ctx context.Context, accountID int64) (*ReconcileReport, error) {
	report := &ReconcileReport{AccountID: accountID}
	err := s.db.QueryRowContext(ctx, `
		SELECT a.balance, COALESCE(SUM(e.delta), 0)
		FROM accounts a
		LEFT JOIN ledger_entries e ON e.account_id = a.id
		WHERE a.id = $1
		GROUP BY a.balance`, accountID).Scan(&report.Balance, &report.EntrySum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrAccountNotFound, accountID)
	}
	if err != nil {
		return nil, err
	}

	report.Consistent = report.Balance.Equal(report.EntrySum) && !report.Balance.IsNegative()
	if report.Consistent {
		return report, nil
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE accounts SET frozen = TRUE, updated_at = $1 WHERE id = $2`, time.Now(), accountID); err != nil {
		return report, err
	}
	s.audit.Error("RECONCILE_MISMATCH", ErrInvariantViolation,
		zap.Int64("account_id", accountID),
		zap.String("balance", report.Balance.StringFixed(2)),
		zap.String("entry_sum", report.EntrySum.StringFixed(2)),
	)
	return report, fmt.Errorf("%w: account %d balance %s, entries %s", ErrInvariantViolation, accountID, report.Balance, report.EntrySum)
}

// ListUsers returns accounts ordered by traded volume.
func (s *LedgerService) ListUsers(ctx context.Context, limit int) ([]models.UserSummary, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.username, a.balance, a.total_volume,
		       (SELECT COUNT(*) FROM listings l WHERE l.seller_id = a.id AND l.state = 'listed')
		FROM accounts a
		ORDER BY a.total_volume DESC, a.id
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.UserSummary
	for rows.Next() {
		var u models.UserSummary
		if err := rows.Scan(&u.AccountID, &u.Username, &u.Balance, &u.TotalVolume, &u.ListedGroups); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *LedgerService) Stats(ctx context.Context) (*models.MarketStats, error) {
	var stats models.MarketStats
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(total_volume), 0) FROM accounts`).
		Scan(&stats.Users, &stats.TotalVolume)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}
