package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ListingState string

const (
	ListingDraft           ListingState = "draft"
	ListingListed          ListingState = "listed"
	ListingReserved        ListingState = "reserved"
	ListingSold            ListingState = "sold"
	ListingTransferPending ListingState = "transfer_pending"
	ListingCompleted       ListingState = "completed"
	ListingDelisted        ListingState = "delisted"
)

// Terminal reports whether no further transition can leave s.
func (s ListingState) Terminal() bool {
	return s == ListingCompleted || s == ListingDelisted
}

// Listing is a sellable group. BuyingCode is permanent for the underlying group.
type Listing struct {
	ID                   int64            `json:"id" db:"id"`
	BuyingCode           string           `json:"buying_code" db:"buying_code"`
	GroupID              int64            `json:"group_id" db:"group_id"`
	Title                string           `json:"title" db:"title"`
	InviteLink           string           `json:"invite_link,omitempty" db:"invite_link"`
	SellerID             int64            `json:"seller_id" db:"seller_id"`
	Price                decimal.Decimal  `json:"price" db:"price"`
	State                ListingState     `json:"state" db:"state"`
	AssignedSessionID    *int64           `json:"assigned_session_id,omitempty" db:"assigned_session_id"`
	ReservedBy           *int64           `json:"reserved_by,omitempty" db:"reserved_by"`
	ReservationExpiresAt *time.Time       `json:"reservation_expires_at,omitempty" db:"reservation_expires_at"`
	PurchaseID           *string          `json:"purchase_id,omitempty" db:"purchase_id"`
	SaleAmount           *decimal.Decimal `json:"sale_amount,omitempty" db:"sale_amount"`
	ListingFee           decimal.Decimal  `json:"listing_fee" db:"listing_fee"`
	TransferStartedAt    *time.Time       `json:"transfer_started_at,omitempty" db:"transfer_started_at"`
	GroupCreatedAt       time.Time        `json:"group_created_at" db:"group_created_at"`
	MessageCount         int              `json:"message_count" db:"message_count"`
	CreatedAt            time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at" db:"updated_at"`
	CompletedAt          *time.Time       `json:"completed_at,omitempty" db:"completed_at"`
}

// GroupInfo is what the automated agent reports about a group offered for sale.
type GroupInfo struct {
	GroupID      int64     `json:"group_id" validate:"required"`
	Title        string    `json:"title" validate:"required,max=255"`
	InviteLink   string    `json:"invite_link" validate:"omitempty,url"`
	IsPrivate    bool      `json:"is_private"`
	IsMegagroup  bool      `json:"is_megagroup"`
	CreatedAt    time.Time `json:"created_at"`
	MessageCount int       `json:"message_count"`
	AgentIsAdmin bool      `json:"agent_is_admin"`
}
