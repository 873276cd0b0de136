package services

import (
	"context"
	"time"

	"github.com/groupmarket/backend/internal/agent"
	"github.com/groupmarket/backend/internal/models"
	"github.com/shopspring/decimal"
)

// Ledger is the balance contract consumed by the workflows.
type Ledger interface {
	Credit(ctx context.Context, req CreditRequest) (string, error)
	Debit(ctx context.Context, req DebitRequest) (string, error)
	Balance(ctx context.Context, accountID int64) (decimal.Decimal, error)
	HasEntry(ctx context.Context, ref string) (bool, error)
}

// ListingStore owns every listing state transition. Each write is a
// compare-and-swap on the current state and fails without side effects
// when the guard does not hold.
type ListingStore interface {
	Get(ctx context.Context, listingID int64) (*models.Listing, error)
	GetByCode(ctx context.Context, code string) (*models.Listing, error)
	Reserve(ctx context.Context, code string, buyerID int64, purchaseID string, now time.Time) (*models.Listing, error)
	ReleaseReservation(ctx context.Context, listingID int64, purchaseID string) error
	MarkSold(ctx context.Context, listingID int64, purchaseID string, now time.Time) error
	MarkTransferPending(ctx context.Context, listingID int64, purchaseID string, sessionID int64, claimDeadline time.Time) error
	BeginTransfer(ctx context.Context, listingID, buyerID int64, now time.Time) (*models.Listing, error)
	AbortTransfer(ctx context.Context, listingID int64, purchaseID string) error
	Complete(ctx context.Context, listingID int64, purchaseID string, now time.Time) error
	Rollback(ctx context.Context, listingID int64, purchaseID string) error
	ExpireStale(ctx context.Context, now time.Time) ([]models.Listing, error)
	ListOverdue(ctx context.Context, now time.Time) ([]models.Listing, error)
	ListStuckTransfers(ctx context.Context, startedBefore time.Time) ([]models.Listing, error)
}

// SessionPool hands out agents with at most one in-flight transfer each.
type SessionPool interface {
	Acquire(ctx context.Context, listingID, preferredSessionID int64) (*SessionHandle, error)
	Release(ctx context.Context, handle *SessionHandle) error
	MarkUnhealthy(ctx context.Context, sessionID int64, cause string) error
	Open(ctx context.Context, sessionID int64) (agent.SessionRef, error)
	ReleaseOrphans(ctx context.Context) (int64, error)
}

// CompensationStore persists refund markers and manual intervention records.
type CompensationStore interface {
	CreateMarker(ctx context.Context, c *models.Compensation) (*models.Compensation, error)
	MarkCompleted(ctx context.Context, id int64) error
	RecordAttempt(ctx context.Context, id int64, attempts int, lastErr string, escalate bool) error
	ListPending(ctx context.Context) ([]models.Compensation, error)
	GetByReference(ctx context.Context, ref string) (*models.Compensation, error)
	CreateIntervention(ctx context.Context, mi *models.ManualIntervention) error
	GetIntervention(ctx context.Context, id int64) (*models.ManualIntervention, error)
	ResolveIntervention(ctx context.Context, id, adminID int64, now time.Time) error
	ListOpenInterventions(ctx context.Context) ([]models.ManualIntervention, error)
}

// SessionHandle is a scoped claim of one session by one listing.
type SessionHandle struct {
	SessionID int64
	ListingID int64
}
