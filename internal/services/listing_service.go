package services

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/groupmarket/backend/internal/agent"
	"github.com/groupmarket/backend/internal/audit"
	"github.com/groupmarket/backend/internal/config"
	"github.com/groupmarket/backend/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const listingColumns = `id, buying_code, group_id, title, invite_link, seller_id, price, state,
	assigned_session_id, reserved_by, reservation_expires_at, purchase_id, sale_amount, listing_fee,
	transfer_started_at, group_created_at, message_count, created_at, updated_at, completed_at`

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength   = 6
)

var buyingCodePattern = regexp.MustCompile(`^G[A-Z0-9]{6}$`)

// NormalizeCode upper-cases a user supplied buying code and checks its shape.
func NormalizeCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !buyingCodePattern.MatchString(code) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}
	return code, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(row rowScanner) (*models.Listing, error) {
	var l models.Listing
	err := row.Scan(&l.ID, &l.BuyingCode, &l.GroupID, &l.Title, &l.InviteLink, &l.SellerID, &l.Price, &l.State,
		&l.AssignedSessionID, &l.ReservedBy, &l.ReservationExpiresAt, &l.PurchaseID, &l.SaleAmount, &l.ListingFee,
		&l.TransferStartedAt, &l.GroupCreatedAt, &l.MessageCount, &l.CreatedAt, &l.UpdatedAt, &l.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func scanListings(rows *sql.Rows) ([]models.Listing, error) {
	defer rows.Close()

	var listings []models.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *l)
	}
	return listings, rows.Err()
}

// GroupInspector reads group facts through any authenticated session.
type GroupInspector interface {
	OpenAny(ctx context.Context) (agent.SessionRef, error)
}

type DraftRequest struct {
	SellerID int64 `json:"-"`
	GroupID  int64 `json:"group_id" validate:"required"`
}

type BrowseFilter struct {
	Year  int `json:"year"`
	Month int `json:"month"`
}

// ListingService is the Postgres listing catalog and its state machine.
type ListingService struct {
	db        *sql.DB
	ledger    Ledger
	agent     agent.Agent
	inspector GroupInspector
	market    config.MarketConfig
	audit     *audit.Logger
	logger    *zap.Logger
}

var _ ListingStore = (*ListingService)(nil)

func NewListingService(db *sql.DB, ledger Ledger, ag agent.Agent, inspector GroupInspector, market config.MarketConfig, auditLogger *audit.Logger, logger *zap.Logger) *ListingService {
	return &ListingService{
		db:        db,
		ledger:    ledger,
		agent:     ag,
		inspector: inspector,
		market:    market,
		audit:     auditLogger,
		logger:    logger.Named("listings"),
	}
}

// CheckEligibility applies the marketplace rules to what the agent reports about a group.
func CheckEligibility(info *models.GroupInfo, minMessages int) error {
	switch {
	case !info.IsPrivate:
		return fmt.Errorf("%w: group must be private", ErrGroupNotEligible)
	case !info.IsMegagroup:
		return fmt.Errorf("%w: group must be a supergroup", ErrGroupNotEligible)
	case info.CreatedAt.IsZero():
		return fmt.Errorf("%w: creation date not visible", ErrGroupNotEligible)
	case info.MessageCount < minMessages:
		return fmt.Errorf("%w: %d messages, need at least %d", ErrGroupNotEligible, info.MessageCount, minMessages)
	case !info.AgentIsAdmin:
		return fmt.Errorf("%w: transfer agent is not an admin of the group", ErrGroupNotEligible)
	}
	return nil
}

// CreateDraft validates the group and stores a Draft listing under the group's permanent code.
func (s *ListingService) CreateDraft(ctx context.Context, req DraftRequest) (*models.Listing, error) {
	ref, err := s.inspector.OpenAny(ctx)
	if err != nil {
		return nil, err
	}

	info, err := s.agent.GroupInfo(ctx, ref, req.GroupID)
	if err != nil {
		return nil, fmt.Errorf("inspect group %d: %w", req.GroupID, err)
	}
	if err := CheckEligibility(info, s.market.MinGroupMessages); err != nil {
		return nil, err
	}

	code, err := s.buyingCode(ctx, req.GroupID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	listing, err := scanListing(s.db.QueryRowContext(ctx, `
		INSERT INTO listings (buying_code, group_id, title, invite_link, seller_id, state,
			group_created_at, message_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'draft', $6, $7, $8, $8)
		RETURNING `+listingColumns,
		code, req.GroupID, info.Title, info.InviteLink, req.SellerID, info.CreatedAt, info.MessageCount, now))
	if err != nil {
		if isUniqueViolation(err, "listings_live_group_idx") {
			return nil, fmt.Errorf("%w: group %d", ErrGroupAlreadyListed, req.GroupID)
		}
		return nil, fmt.Errorf("insert listing: %w", err)
	}

	s.audit.Transition(listing.ID, code, "", string(models.ListingDraft), "")
	return listing, nil
}

// buyingCode returns the group's code, allocating one on first sale.
func (s *ListingService) buyingCode(ctx context.Context, groupID int64) (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		candidate, err := generateCode()
		if err != nil {
			return "", err
		}

		_, err = s.db.ExecContext(ctx, `
			INSERT INTO group_codes (group_id, buying_code, created_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (group_id) DO NOTHING`, groupID, candidate, time.Now())
		if err != nil {
			if isUniqueViolation(err, "group_codes_buying_code_key") {
				continue
			}
			return "", fmt.Errorf("allocate buying code: %w", err)
		}

		var code string
		if err := s.db.QueryRowContext(ctx, `SELECT buying_code FROM group_codes WHERE group_id = $1`, groupID).Scan(&code); err != nil {
			return "", fmt.Errorf("load buying code: %w", err)
		}
		return code, nil
	}
	return "", errors.New("could not allocate a unique buying code")
}

func generateCode() (string, error) {
	var b strings.Builder
	b.WriteByte('G')
	alphabetLen := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < codeLength; i++ {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", err
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// Publish moves a Draft to Listed at the given price, charging the listing fee if configured.
func (s *ListingService) Publish(ctx context.Context, listingID, sellerID int64, price decimal.Decimal) (*models.Listing, error) {
	if err := validatePrice(price, s.market.MinPrice, s.market.MaxPrice); err != nil {
		return nil, err
	}

	fee := s.market.ListingFee
	listing, err := scanListing(s.db.QueryRowContext(ctx, `
		UPDATE listings
		SET state = 'listed', price = $3, listing_fee = $4, updated_at = $5
		WHERE id = $1 AND seller_id = $2 AND state = 'draft'
		RETURNING `+listingColumns,
		listingID, sellerID, price, fee, time.Now()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.explainMiss(ctx, listingID, sellerID, models.ListingDraft)
	}
	if err != nil {
		return nil, err
	}

	if fee.IsPositive() {
		_, err := s.ledger.Debit(ctx, DebitRequest{
			AccountID: sellerID,
			Amount:    fee,
			Reason:    models.ReasonListingFee,
			Reference: "listing_fee:" + strconv.FormatInt(listingID, 10),
		})
		if err != nil {
			if _, rerr := s.db.ExecContext(ctx, `
				UPDATE listings SET state = 'draft', listing_fee = 0, updated_at = $2
				WHERE id = $1 AND state = 'listed'`, listingID, time.Now()); rerr != nil {
				s.logger.Error("failed to revert unpaid listing", zap.Int64("listing_id", listingID), zap.Error(rerr))
			}
			return nil, fmt.Errorf("charge listing fee: %w", err)
		}
	}

	s.audit.Transition(listing.ID, listing.BuyingCode, string(models.ListingDraft), string(models.ListingListed), "")
	return listing, nil
}

// ChangePrice is allowed only while Listed and only for the seller.
func (s *ListingService) ChangePrice(ctx context.Context, listingID, sellerID int64, price decimal.Decimal) (*models.Listing, error) {
	if err := validatePrice(price, s.market.MinPrice, s.market.MaxPrice); err != nil {
		return nil, err
	}

	listing, err := scanListing(s.db.QueryRowContext(ctx, `
		UPDATE listings SET price = $3, updated_at = $4
		WHERE id = $1 AND seller_id = $2 AND state = 'listed'
		RETURNING `+listingColumns,
		listingID, sellerID, price, time.Now()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.explainMiss(ctx, listingID, sellerID, models.ListingListed)
	}
	return listing, err
}

// Delist withdraws a Listed item and refunds any listing fee.
func (s *ListingService) Delist(ctx context.Context, listingID, sellerID int64) (*models.Listing, error) {
	listing, err := scanListing(s.db.QueryRowContext(ctx, `
		UPDATE listings SET state = 'delisted', updated_at = $3
		WHERE id = $1 AND seller_id = $2 AND state = 'listed'
		RETURNING `+listingColumns,
		listingID, sellerID, time.Now()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.explainMiss(ctx, listingID, sellerID, models.ListingListed)
	}
	if err != nil {
		return nil, err
	}

	s.audit.Transition(listing.ID, listing.BuyingCode, string(models.ListingListed), string(models.ListingDelisted), "")

	if listing.ListingFee.IsPositive() {
		_, err := s.ledger.Credit(ctx, CreditRequest{
			AccountID:   sellerID,
			Amount:      listing.ListingFee,
			Reason:      models.ReasonListingFeeRefund,
			ExternalRef: "listing_fee_refund:" + strconv.FormatInt(listingID, 10),
		})
		if err != nil {
			return listing, fmt.Errorf("refund listing fee: %w", err)
		}
	}
	return listing, nil
}

func (s *ListingService) explainMiss(ctx context.Context, listingID, sellerID int64, want models.ListingState) error {
	l, err := s.Get(ctx, listingID)
	if err != nil {
		return err
	}
	if l.SellerID != sellerID {
		return ErrNotOwner
	}
	return fmt.Errorf("%w: listing %d is %s, not %s", ErrInvalidTransition, listingID, l.State, want)
}

func (s *ListingService) Get(ctx context.Context, listingID int64) (*models.Listing, error) {
	l, err := scanListing(s.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, listingID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrListingNotFound, listingID)
	}
	return l, err
}

// GetByCode prefers the live listing of a code over historic ones.
func (s *ListingService) GetByCode(ctx context.Context, code string) (*models.Listing, error) {
	l, err := scanListing(s.db.QueryRowContext(ctx, `
		SELECT `+listingColumns+`
		FROM listings
		WHERE buying_code = $1
		ORDER BY (state NOT IN ('completed', 'delisted')) DESC, id DESC
		LIMIT 1`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrListingNotFound, code)
	}
	return l, err
}

// Reserve claims a Listed item, or takes over a reservation that expired
// before any payment was taken. sale_amount locks in the buyer's charge.
func (s *ListingService) Reserve(ctx context.Context, code string, buyerID int64, purchaseID string, now time.Time) (*models.Listing, error) {
	expires := now.Add(s.market.ListingTimeout)
	listing, err := scanListing(s.db.QueryRowContext(ctx, `
		UPDATE listings
		SET state = 'reserved', reserved_by = $2, purchase_id = $3, reservation_expires_at = $4,
		    sale_amount = ROUND(price * (1 + $5::numeric), 2), updated_at = $6
		WHERE buying_code = $1
		  AND seller_id <> $2
		  AND (state = 'listed'
		       OR (state = 'reserved' AND reservation_expires_at < $6
		           AND NOT EXISTS (SELECT 1 FROM ledger_entries e
		                           WHERE e.external_ref = 'purchase:' || listings.purchase_id::text)))
		RETURNING `+listingColumns,
		code, buyerID, purchaseID, expires, s.market.BuyingFee(), now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.explainReserveMiss(ctx, code, buyerID)
	}
	if err != nil {
		return nil, err
	}

	s.audit.Transition(listing.ID, code, string(models.ListingListed), string(models.ListingReserved), purchaseID)
	return listing, nil
}

func (s *ListingService) explainReserveMiss(ctx context.Context, code string, buyerID int64) error {
	l, err := s.GetByCode(ctx, code)
	if err != nil {
		return err
	}
	switch {
	case l.SellerID == buyerID && l.State == models.ListingListed:
		return fmt.Errorf("%w: %s", ErrOwnListing, code)
	case l.State == models.ListingReserved || l.State == models.ListingSold || l.State == models.ListingTransferPending:
		return fmt.Errorf("%w: %s", ErrAlreadyReserved, code)
	default:
		return fmt.Errorf("%w: %s is %s", ErrListingUnavailable, code, l.State)
	}
}

// ReleaseReservation returns an unpaid reservation to Listed. Releasing a
// reservation that is no longer held by purchaseID is a no-op.
func (s *ListingService) ReleaseReservation(ctx context.Context, listingID int64, purchaseID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE listings
		SET state = 'listed', reserved_by = NULL, reservation_expires_at = NULL,
		    purchase_id = NULL, sale_amount = NULL, updated_at = $3
		WHERE id = $1 AND purchase_id = $2 AND state = 'reserved'`,
		listingID, purchaseID, time.Now())
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n > 0 {
		s.audit.Transition(listingID, "", string(models.ListingReserved), string(models.ListingListed), purchaseID)
	}
	return nil
}

// MarkSold records that the buyer paid. It refuses expired reservations.
func (s *ListingService) MarkSold(ctx context.Context, listingID int64, purchaseID string, now time.Time) error {
	return s.transition(ctx, listingID, purchaseID, models.ListingReserved, models.ListingSold, ErrExpiredReservation, `
		UPDATE listings SET state = 'sold', updated_at = $3
		WHERE id = $1 AND purchase_id = $2 AND state = 'reserved' AND reservation_expires_at > $3`,
		listingID, purchaseID, now)
}

// MarkTransferPending binds the acquired session and starts the buyer's claim window.
func (s *ListingService) MarkTransferPending(ctx context.Context, listingID int64, purchaseID string, sessionID int64, claimDeadline time.Time) error {
	return s.transition(ctx, listingID, purchaseID, models.ListingSold, models.ListingTransferPending, ErrInvalidTransition, `
		UPDATE listings
		SET state = 'transfer_pending', assigned_session_id = $3, reservation_expires_at = $4, updated_at = now()
		WHERE id = $1 AND purchase_id = $2 AND state = 'sold'`,
		listingID, purchaseID, sessionID, claimDeadline)
}

// BeginTransfer marks a claim as running so recovery leaves the listing alone.
func (s *ListingService) BeginTransfer(ctx context.Context, listingID, buyerID int64, now time.Time) (*models.Listing, error) {
	listing, err := scanListing(s.db.QueryRowContext(ctx, `
		UPDATE listings SET transfer_started_at = $3, updated_at = $3
		WHERE id = $1 AND reserved_by = $2 AND state = 'transfer_pending'
		  AND transfer_started_at IS NULL AND reservation_expires_at > $3
		RETURNING `+listingColumns,
		listingID, buyerID, now))
	if errors.Is(err, sql.ErrNoRows) {
		l, gerr := s.Get(ctx, listingID)
		if gerr != nil {
			return nil, gerr
		}
		switch {
		case l.ReservedBy == nil || *l.ReservedBy != buyerID:
			return nil, ErrNotOwner
		case l.State != models.ListingTransferPending:
			return nil, fmt.Errorf("%w: listing %d is %s", ErrInvalidTransition, listingID, l.State)
		case l.TransferStartedAt != nil:
			return nil, ErrTransferInProgress
		default:
			return nil, ErrExpiredReservation
		}
	}
	return listing, err
}

func (s *ListingService) AbortTransfer(ctx context.Context, listingID int64, purchaseID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE listings SET transfer_started_at = NULL, updated_at = now()
		WHERE id = $1 AND purchase_id = $2 AND state = 'transfer_pending'`,
		listingID, purchaseID)
	return err
}

// Complete finalizes the sale and the group's buying code in one transaction.
func (s *ListingService) Complete(ctx context.Context, listingID int64, purchaseID string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var groupID int64
	err = tx.QueryRowContext(ctx, `
		UPDATE listings SET state = 'completed', completed_at = $3, updated_at = $3
		WHERE id = $1 AND purchase_id = $2 AND state = 'transfer_pending'
		RETURNING group_id`, listingID, purchaseID, now).Scan(&groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: listing %d not transfer pending for purchase %s", ErrInvalidTransition, listingID, purchaseID)
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE group_codes SET finalized_at = COALESCE(finalized_at, $2)
		WHERE group_id = $1`, groupID, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.audit.Transition(listingID, "", string(models.ListingTransferPending), string(models.ListingCompleted), purchaseID)
	return nil
}

// Rollback returns a Reserved, Sold or TransferPending listing to Listed.
func (s *ListingService) Rollback(ctx context.Context, listingID int64, purchaseID string) error {
	var from string
	err := s.db.QueryRowContext(ctx, `
		UPDATE listings l
		SET state = 'listed', reserved_by = NULL, reservation_expires_at = NULL, purchase_id = NULL,
		    sale_amount = NULL, assigned_session_id = NULL, transfer_started_at = NULL, updated_at = now()
		FROM (SELECT id, state FROM listings WHERE id = $1 FOR UPDATE) prev
		WHERE l.id = prev.id AND l.purchase_id = $2
		  AND l.state IN ('reserved', 'sold', 'transfer_pending')
		RETURNING prev.state`, listingID, purchaseID).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: listing %d not held by purchase %s", ErrInvalidTransition, listingID, purchaseID)
	}
	if err != nil {
		return err
	}

	s.audit.Transition(listingID, "", from, string(models.ListingListed), purchaseID)
	return nil
}

// ExpireStale reverts reservations that timed out before any payment was taken.
func (s *ListingService) ExpireStale(ctx context.Context, now time.Time) ([]models.Listing, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE listings
		SET state = 'listed', reserved_by = NULL, reservation_expires_at = NULL,
		    purchase_id = NULL, sale_amount = NULL, updated_at = $1
		WHERE state = 'reserved' AND reservation_expires_at < $1
		  AND NOT EXISTS (SELECT 1 FROM ledger_entries e
		                  WHERE e.external_ref = 'purchase:' || listings.purchase_id::text)
		RETURNING `+listingColumns, now)
	if err != nil {
		return nil, err
	}

	expired, err := scanListings(rows)
	if err != nil {
		return nil, err
	}
	for _, l := range expired {
		s.audit.Transition(l.ID, l.BuyingCode, string(models.ListingReserved), string(models.ListingListed), "expired")
	}
	return expired, nil
}

// ListOverdue returns paid-for listings whose deadline passed with no claim running.
func (s *ListingService) ListOverdue(ctx context.Context, now time.Time) ([]models.Listing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+listingColumns+`
		FROM listings
		WHERE state IN ('reserved', 'sold', 'transfer_pending')
		  AND reservation_expires_at < $1
		  AND transfer_started_at IS NULL
		ORDER BY reservation_expires_at`, now)
	if err != nil {
		return nil, err
	}
	return scanListings(rows)
}

func (s *ListingService) ListStuckTransfers(ctx context.Context, startedBefore time.Time) ([]models.Listing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+listingColumns+`
		FROM listings
		WHERE state = 'transfer_pending' AND transfer_started_at < $1
		ORDER BY transfer_started_at`, startedBefore)
	if err != nil {
		return nil, err
	}
	return scanListings(rows)
}

// Browse lists groups for sale created in the given year (and month, if set), cheapest first.
func (s *ListingService) Browse(ctx context.Context, filter BrowseFilter) ([]models.Listing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+listingColumns+`
		FROM listings
		WHERE state = 'listed'
		  AND ($1 = 0 OR EXTRACT(YEAR FROM group_created_at) = $1)
		  AND ($2 = 0 OR EXTRACT(MONTH FROM group_created_at) = $2)
		ORDER BY price, id`, filter.Year, filter.Month)
	if err != nil {
		return nil, err
	}
	return scanListings(rows)
}

// AvailableYears returns the creation years that have listed groups.
func (s *ListingService) AvailableYears(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT EXTRACT(YEAR FROM group_created_at)::int AS year
		FROM listings
		WHERE state = 'listed'
		ORDER BY year`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var years []int
	for rows.Next() {
		var y int
		if err := rows.Scan(&y); err != nil {
			return nil, err
		}
		years = append(years, y)
	}
	return years, rows.Err()
}

func (s *ListingService) ListBySeller(ctx context.Context, sellerID int64) ([]models.Listing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+listingColumns+`
		FROM listings
		WHERE seller_id = $1
		ORDER BY created_at DESC`, sellerID)
	if err != nil {
		return nil, err
	}
	return scanListings(rows)
}

// transition runs a guarded single-row update and maps a miss to missErr.
func (s *ListingService) transition(ctx context.Context, listingID int64, purchaseID string, from, to models.ListingState, missErr error, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: listing %d %s -> %s", missErr, listingID, from, to)
	}

	s.audit.Transition(listingID, "", string(from), string(to), purchaseID)
	return nil
}
