package handlers

import (
	"context"
	"net/http"

	"github.com/groupmarket/backend/internal/models"
	"github.com/groupmarket/backend/internal/services"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
)

type MockCatalog struct {
	mock.Mock
}

func (m *MockCatalog) listing(args mock.Arguments) (*models.Listing, error) {
	l, _ := args.Get(0).(*models.Listing)
	return l, args.Error(1)
}

func (m *MockCatalog) CreateDraft(ctx context.Context, req services.DraftRequest) (*models.Listing, error) {
	return m.listing(m.Called(ctx, req))
}

func (m *MockCatalog) Publish(ctx context.Context, listingID, sellerID int64, price decimal.Decimal) (*models.Listing, error) {
	return m.listing(m.Called(ctx, listingID, sellerID, price.String()))
}

func (m *MockCatalog) ChangePrice(ctx context.Context, listingID, sellerID int64, price decimal.Decimal) (*models.Listing, error) {
	return m.listing(m.Called(ctx, listingID, sellerID, price.String()))
}

func (m *MockCatalog) Delist(ctx context.Context, listingID, sellerID int64) (*models.Listing, error) {
	return m.listing(m.Called(ctx, listingID, sellerID))
}

func (m *MockCatalog) GetByCode(ctx context.Context, code string) (*models.Listing, error) {
	return m.listing(m.Called(ctx, code))
}

func (m *MockCatalog) Browse(ctx context.Context, filter services.BrowseFilter) ([]models.Listing, error) {
	args := m.Called(ctx, filter)
	l, _ := args.Get(0).([]models.Listing)
	return l, args.Error(1)
}

func (m *MockCatalog) AvailableYears(ctx context.Context) ([]int, error) {
	args := m.Called(ctx)
	y, _ := args.Get(0).([]int)
	return y, args.Error(1)
}

func (m *MockCatalog) ListBySeller(ctx context.Context, sellerID int64) ([]models.Listing, error) {
	args := m.Called(ctx, sellerID)
	l, _ := args.Get(0).([]models.Listing)
	return l, args.Error(1)
}

type MockPurchaser struct {
	mock.Mock
}

func (m *MockPurchaser) Buy(ctx context.Context, buyerID int64, codes []string) (*services.PurchaseResult, error) {
	args := m.Called(ctx, buyerID, codes)
	r, _ := args.Get(0).(*services.PurchaseResult)
	return r, args.Error(1)
}

func (m *MockPurchaser) Claim(ctx context.Context, buyerID int64, code string) (*services.ClaimResult, error) {
	args := m.Called(ctx, buyerID, code)
	r, _ := args.Get(0).(*services.ClaimResult)
	return r, args.Error(1)
}

type MockAccounts struct {
	mock.Mock
}

func (m *MockAccounts) GetAccount(ctx context.Context, accountID int64) (*models.Account, error) {
	args := m.Called(ctx, accountID)
	a, _ := args.Get(0).(*models.Account)
	return a, args.Error(1)
}

func (m *MockAccounts) Entries(ctx context.Context, accountID int64, limit int) ([]models.LedgerEntry, error) {
	args := m.Called(ctx, accountID, limit)
	e, _ := args.Get(0).([]models.LedgerEntry)
	return e, args.Error(1)
}

type MockWithdrawals struct {
	mock.Mock
}

func (m *MockWithdrawals) request(args mock.Arguments) (*models.WithdrawalRequest, error) {
	r, _ := args.Get(0).(*models.WithdrawalRequest)
	return r, args.Error(1)
}

func (m *MockWithdrawals) Request(ctx context.Context, accountID int64, amount decimal.Decimal, address string) (*models.WithdrawalRequest, error) {
	return m.request(m.Called(ctx, accountID, amount.String(), address))
}

func (m *MockWithdrawals) ListByAccount(ctx context.Context, accountID int64) ([]models.WithdrawalRequest, error) {
	args := m.Called(ctx, accountID)
	l, _ := args.Get(0).([]models.WithdrawalRequest)
	return l, args.Error(1)
}

func (m *MockWithdrawals) List(ctx context.Context, state models.WithdrawalState) ([]models.WithdrawalRequest, error) {
	args := m.Called(ctx, state)
	l, _ := args.Get(0).([]models.WithdrawalRequest)
	return l, args.Error(1)
}

func (m *MockWithdrawals) Approve(ctx context.Context, requestID string, adminID int64) (*models.WithdrawalRequest, error) {
	return m.request(m.Called(ctx, requestID, adminID))
}

func (m *MockWithdrawals) Reject(ctx context.Context, requestID string, adminID int64, reason string) (*models.WithdrawalRequest, error) {
	return m.request(m.Called(ctx, requestID, adminID, reason))
}

func (m *MockWithdrawals) MarkPaid(ctx context.Context, requestID string, payoutRef string) (*models.WithdrawalRequest, error) {
	return m.request(m.Called(ctx, requestID, payoutRef))
}

func (m *MockWithdrawals) PayoutQR(ctx context.Context, requestID string, size int) ([]byte, error) {
	args := m.Called(ctx, requestID, size)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

type MockRevoker struct {
	mock.Mock
}

func (m *MockRevoker) Revoke(r *http.Request) error {
	return m.Called(r.Header.Get("Authorization")).Error(0)
}

type MockPayments struct {
	mock.Mock
}

func (m *MockPayments) Ingest(ctx context.Context, n models.PaymentNotification) (services.Outcome, error) {
	args := m.Called(ctx, n.ExternalRef)
	return args.Get(0).(services.Outcome), args.Error(1)
}

type MockLedgerAdmin struct {
	mock.Mock
}

func (m *MockLedgerAdmin) AdminAdjust(ctx context.Context, accountID int64, delta decimal.Decimal, adminID int64) (string, error) {
	args := m.Called(ctx, accountID, delta.String(), adminID)
	return args.String(0), args.Error(1)
}

func (m *MockLedgerAdmin) Reconcile(ctx context.Context, accountID int64) (*services.ReconcileReport, error) {
	args := m.Called(ctx, accountID)
	r, _ := args.Get(0).(*services.ReconcileReport)
	return r, args.Error(1)
}

func (m *MockLedgerAdmin) ListUsers(ctx context.Context, limit int) ([]models.UserSummary, error) {
	args := m.Called(ctx, limit)
	u, _ := args.Get(0).([]models.UserSummary)
	return u, args.Error(1)
}

func (m *MockLedgerAdmin) Stats(ctx context.Context) (*models.MarketStats, error) {
	args := m.Called(ctx)
	s, _ := args.Get(0).(*models.MarketStats)
	return s, args.Error(1)
}

type MockResolver struct {
	mock.Mock
}

func (m *MockResolver) ResolveIntervention(ctx context.Context, interventionID int64, action services.ResolveAction, adminID int64) error {
	return m.Called(ctx, interventionID, action, adminID).Error(0)
}

func (m *MockResolver) Recover(ctx context.Context) (*services.RecoveryReport, error) {
	args := m.Called(ctx)
	r, _ := args.Get(0).(*services.RecoveryReport)
	return r, args.Error(1)
}
