package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/groupmarket/backend/internal/models"
	"go.uber.org/zap"
)

type Outcome string

const (
	OutcomeCredited        Outcome = "credited"
	OutcomeDuplicate       Outcome = "duplicate"
	OutcomeIgnoredCurrency Outcome = "ignored_currency"
	OutcomeUnknownPayer    Outcome = "unknown_payer"
)

// PayerDirectory resolves an external payer tag to an account. Lookups have no side effects.
type PayerDirectory interface {
	Resolve(ctx context.Context, tag string) (int64, bool, error)
}

// PayerTagStore keeps payer tags in Postgres.
type PayerTagStore struct {
	db *sql.DB
}

func NewPayerTagStore(db *sql.DB) *PayerTagStore {
	return &PayerTagStore{db: db}
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(tag), "@"))
}

func (p *PayerTagStore) Resolve(ctx context.Context, tag string) (int64, bool, error) {
	var accountID int64
	err := p.db.QueryRowContext(ctx, `SELECT account_id FROM payer_tags WHERE tag = $1`, normalizeTag(tag)).Scan(&accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return accountID, true, nil
}

// Link binds a tag to an account, replacing any previous binding.
func (p *PayerTagStore) Link(ctx context.Context, tag string, accountID int64) error {
	tag = normalizeTag(tag)
	if tag == "" {
		return errors.New("empty payer tag")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payer_tags (tag, account_id, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (tag) DO UPDATE SET account_id = EXCLUDED.account_id`,
		tag, accountID, time.Now())
	return err
}

// PaymentService turns tip notifications into idempotent ledger credits.
type PaymentService struct {
	ledger    Ledger
	directory PayerDirectory
	validator *ValidationHelper
	currency  string
	logger    *zap.Logger
}

func NewPaymentService(ledger Ledger, directory PayerDirectory, validator *ValidationHelper, currency string, logger *zap.Logger) *PaymentService {
	return &PaymentService{
		ledger:    ledger,
		directory: directory,
		validator: validator,
		currency:  currency,
		logger:    logger.Named("payments"),
	}
}

func tipRef(externalRef string) string {
	return "tip:" + externalRef
}

// Ingest applies one notification. Redelivery of the same external_ref yields OutcomeDuplicate.
func (s *PaymentService) Ingest(ctx context.Context, n models.PaymentNotification) (Outcome, error) {
	if err := s.validator.ValidateStruct(n); err != nil {
		return "", err
	}
	if err := validateAmount(n.Amount); err != nil {
		return "", err
	}

	if !strings.EqualFold(strings.TrimSpace(n.Currency), s.currency) {
		s.logger.Info("ignoring payment in foreign currency",
			zap.String("external_ref", n.ExternalRef), zap.String("currency", n.Currency))
		return OutcomeIgnoredCurrency, nil
	}

	accountID, ok, err := s.directory.Resolve(ctx, n.PayerTag)
	if err != nil {
		return "", fmt.Errorf("resolve payer: %w", err)
	}
	if !ok {
		s.logger.Warn("payment from unknown payer",
			zap.String("external_ref", n.ExternalRef), zap.String("payer_tag", n.PayerTag))
		return OutcomeUnknownPayer, nil
	}

	ref := tipRef(n.ExternalRef)
	seen, err := s.ledger.HasEntry(ctx, ref)
	if err != nil {
		return "", err
	}
	if seen {
		return OutcomeDuplicate, nil
	}

	entryID, err := s.ledger.Credit(ctx, CreditRequest{
		AccountID:   accountID,
		Amount:      n.Amount,
		Reason:      models.ReasonTip,
		ExternalRef: ref,
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("payment credited",
		zap.String("external_ref", n.ExternalRef),
		zap.Int64("account_id", accountID),
		zap.String("entry_id", entryID),
	)
	return OutcomeCredited, nil
}
