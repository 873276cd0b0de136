package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/groupmarket/backend/internal/agent"
	"github.com/groupmarket/backend/internal/audit"
	"github.com/groupmarket/backend/internal/config"
	"github.com/groupmarket/backend/internal/models"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var listingRowColumns = []string{"id", "buying_code", "group_id", "title", "invite_link", "seller_id", "price", "state",
	"assigned_session_id", "reserved_by", "reservation_expires_at", "purchase_id", "sale_amount", "listing_fee",
	"transfer_started_at", "group_created_at", "message_count", "created_at", "updated_at", "completed_at"}

type listingRowSpec struct {
	id         int64
	state      models.ListingState
	sellerID   int64
	reservedBy any
	purchaseID any
	expires    any
	started    any
	fee        string
}

func listingRows(specs ...listingRowSpec) *sqlmock.Rows {
	rows := sqlmock.NewRows(listingRowColumns)
	created := time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)
	for _, s := range specs {
		fee := s.fee
		if fee == "" {
			fee = "0"
		}
		rows.AddRow(s.id, "GABC123", int64(-100), "Group", "", s.sellerID, "30.00", string(s.state),
			nil, s.reservedBy, s.expires, s.purchaseID, nil, fee,
			s.started, created, 10, created, created, nil)
	}
	return rows
}

func newTestListings(t *testing.T, market config.MarketConfig) (*ListingService, sqlmock.Sqlmock, *fakeLedger, *MockAgent, *MockInspector) {
	t.Helper()
	db, dbMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ledger := newFakeLedger()
	ledger.fund(7, "0.00")
	ag := new(MockAgent)
	inspector := new(MockInspector)
	svc := NewListingService(db, ledger, ag, inspector, market, audit.NewLogger(zap.NewNop()), zap.NewNop())
	return svc, dbMock, ledger, ag, inspector
}

func eligibleGroup() *models.GroupInfo {
	return &models.GroupInfo{
		GroupID:      -100,
		Title:        "Group",
		IsPrivate:    true,
		IsMegagroup:  true,
		CreatedAt:    time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC),
		MessageCount: 10,
		AgentIsAdmin: true,
	}
}

func TestNormalizeCode(t *testing.T) {
	code, err := NormalizeCode("  gab12cd ")
	require.NoError(t, err)
	assert.Equal(t, "GAB12CD", code)

	for _, bad := range []string{"", "AB12CDE", "GAB12C", "GAB12CDE", "G-B12CD"} {
		_, err := NormalizeCode(bad)
		assert.ErrorIs(t, err, ErrInvalidCode, bad)
	}
}

func TestGenerateCode(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := generateCode()
		require.NoError(t, err)
		_, err = NormalizeCode(code)
		assert.NoError(t, err)
	}
}

func TestCheckEligibility(t *testing.T) {
	assert.NoError(t, CheckEligibility(eligibleGroup(), 4))

	cases := map[string]func(g *models.GroupInfo){
		"public":          func(g *models.GroupInfo) { g.IsPrivate = false },
		"basic group":     func(g *models.GroupInfo) { g.IsMegagroup = false },
		"no date":         func(g *models.GroupInfo) { g.CreatedAt = time.Time{} },
		"too quiet":       func(g *models.GroupInfo) { g.MessageCount = 3 },
		"agent not admin": func(g *models.GroupInfo) { g.AgentIsAdmin = false },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			g := eligibleGroup()
			mutate(g)
			assert.ErrorIs(t, CheckEligibility(g, 4), ErrGroupNotEligible)
		})
	}
}

func TestListingService_CreateDraft(t *testing.T) {
	ctx := context.Background()
	ref := agent.SessionRef{SessionID: 1, SessionString: "s"}

	t.Run("stores a draft under the group's code", func(t *testing.T) {
		svc, dbMock, _, ag, inspector := newTestListings(t, config.DefaultMarket())
		inspector.On("OpenAny", mock.Anything).Return(ref, nil)
		ag.On("GroupInfo", mock.Anything, ref, int64(-100)).Return(eligibleGroup(), nil)

		dbMock.ExpectExec("INSERT INTO group_codes").
			WithArgs(int64(-100), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0))
		dbMock.ExpectQuery("SELECT buying_code FROM group_codes WHERE group_id = \\$1").
			WithArgs(int64(-100)).
			WillReturnRows(sqlmock.NewRows([]string{"buying_code"}).AddRow("GABC123"))
		dbMock.ExpectQuery("INSERT INTO listings").
			WithArgs("GABC123", int64(-100), "Group", "", int64(7), sqlmock.AnyArg(), 10, sqlmock.AnyArg()).
			WillReturnRows(listingRows(listingRowSpec{id: 1, state: models.ListingDraft, sellerID: 7}))

		listing, err := svc.CreateDraft(ctx, DraftRequest{SellerID: 7, GroupID: -100})
		require.NoError(t, err)
		assert.Equal(t, models.ListingDraft, listing.State)
		assert.Equal(t, "GABC123", listing.BuyingCode)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("group already live", func(t *testing.T) {
		svc, dbMock, _, ag, inspector := newTestListings(t, config.DefaultMarket())
		inspector.On("OpenAny", mock.Anything).Return(ref, nil)
		ag.On("GroupInfo", mock.Anything, ref, int64(-100)).Return(eligibleGroup(), nil)

		dbMock.ExpectExec("INSERT INTO group_codes").WillReturnResult(sqlmock.NewResult(0, 0))
		dbMock.ExpectQuery("SELECT buying_code FROM group_codes").
			WillReturnRows(sqlmock.NewRows([]string{"buying_code"}).AddRow("GABC123"))
		dbMock.ExpectQuery("INSERT INTO listings").
			WillReturnError(&pq.Error{Code: "23505", Constraint: "listings_live_group_idx"})

		_, err := svc.CreateDraft(ctx, DraftRequest{SellerID: 7, GroupID: -100})
		assert.ErrorIs(t, err, ErrGroupAlreadyListed)
	})

	t.Run("ineligible group is not stored", func(t *testing.T) {
		svc, dbMock, _, ag, inspector := newTestListings(t, config.DefaultMarket())
		group := eligibleGroup()
		group.IsPrivate = false
		inspector.On("OpenAny", mock.Anything).Return(ref, nil)
		ag.On("GroupInfo", mock.Anything, ref, int64(-100)).Return(group, nil)

		_, err := svc.CreateDraft(ctx, DraftRequest{SellerID: 7, GroupID: -100})
		assert.ErrorIs(t, err, ErrGroupNotEligible)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}

func TestListingService_Publish(t *testing.T) {
	ctx := context.Background()

	t.Run("price outside the band", func(t *testing.T) {
		svc, _, _, _, _ := newTestListings(t, config.DefaultMarket())

		_, err := svc.Publish(ctx, 1, 7, decimal.RequireFromString("150"))
		assert.ErrorIs(t, err, ErrInvalidPrice)

		_, err = svc.Publish(ctx, 1, 7, decimal.RequireFromString("1.999"))
		assert.ErrorIs(t, err, ErrInvalidPrice)
	})

	t.Run("charges the listing fee", func(t *testing.T) {
		market := config.DefaultMarket()
		market.ListingFee = decimal.RequireFromString("1.00")
		svc, dbMock, ledger, _, _ := newTestListings(t, market)
		ledger.fund(7, "5.00")

		dbMock.ExpectQuery("UPDATE listings SET state = 'listed', price = \\$3, listing_fee = \\$4").
			WithArgs(int64(1), int64(7), decimal.RequireFromString("30"), decimal.RequireFromString("1"), sqlmock.AnyArg()).
			WillReturnRows(listingRows(listingRowSpec{id: 1, state: models.ListingListed, sellerID: 7, fee: "1.00"}))

		listing, err := svc.Publish(ctx, 1, 7, decimal.RequireFromString("30"))
		require.NoError(t, err)
		assert.Equal(t, models.ListingListed, listing.State)
		assert.Equal(t, "4.00", ledger.balance(7))
		assert.True(t, ledger.has("listing_fee:1"))
	})

	t.Run("unpaid fee reverts to draft", func(t *testing.T) {
		market := config.DefaultMarket()
		market.ListingFee = decimal.RequireFromString("1.00")
		svc, dbMock, _, _, _ := newTestListings(t, market)

		dbMock.ExpectQuery("UPDATE listings SET state = 'listed'").
			WillReturnRows(listingRows(listingRowSpec{id: 1, state: models.ListingListed, sellerID: 7, fee: "1.00"}))
		dbMock.ExpectExec("UPDATE listings SET state = 'draft', listing_fee = 0").
			WithArgs(int64(1), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		_, err := svc.Publish(ctx, 1, 7, decimal.RequireFromString("30"))
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("someone else's draft", func(t *testing.T) {
		svc, dbMock, _, _, _ := newTestListings(t, config.DefaultMarket())

		dbMock.ExpectQuery("UPDATE listings SET state = 'listed'").
			WillReturnRows(sqlmock.NewRows(listingRowColumns))
		dbMock.ExpectQuery("SELECT (.+) FROM listings WHERE id = \\$1").
			WithArgs(int64(1)).
			WillReturnRows(listingRows(listingRowSpec{id: 1, state: models.ListingDraft, sellerID: 8}))

		_, err := svc.Publish(ctx, 1, 7, decimal.RequireFromString("30"))
		assert.ErrorIs(t, err, ErrNotOwner)
	})
}

func TestListingService_Delist(t *testing.T) {
	ctx := context.Background()

	t.Run("refunds the listing fee", func(t *testing.T) {
		svc, dbMock, ledger, _, _ := newTestListings(t, config.DefaultMarket())

		dbMock.ExpectQuery("UPDATE listings SET state = 'delisted'").
			WithArgs(int64(1), int64(7), sqlmock.AnyArg()).
			WillReturnRows(listingRows(listingRowSpec{id: 1, state: models.ListingDelisted, sellerID: 7, fee: "1.00"}))

		_, err := svc.Delist(ctx, 1, 7)
		require.NoError(t, err)
		assert.Equal(t, "1.00", ledger.balance(7))
		assert.True(t, ledger.has("listing_fee_refund:1"))
	})

	t.Run("reserved listing cannot be delisted", func(t *testing.T) {
		svc, dbMock, _, _, _ := newTestListings(t, config.DefaultMarket())

		dbMock.ExpectQuery("UPDATE listings SET state = 'delisted'").
			WillReturnRows(sqlmock.NewRows(listingRowColumns))
		dbMock.ExpectQuery("SELECT (.+) FROM listings WHERE id = \\$1").
			WithArgs(int64(1)).
			WillReturnRows(listingRows(listingRowSpec{id: 1, state: models.ListingReserved, sellerID: 7}))

		_, err := svc.Delist(ctx, 1, 7)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestListingService_Reserve(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reserveSQL := "UPDATE listings SET state = 'reserved', reserved_by = \\$2, purchase_id = \\$3, reservation_expires_at = \\$4"

	t.Run("listed item", func(t *testing.T) {
		svc, dbMock, _, _, _ := newTestListings(t, config.DefaultMarket())

		dbMock.ExpectQuery(reserveSQL).
			WithArgs("GABC123", int64(2), "p1", now.Add(300*time.Second), decimal.Zero, now).
			WillReturnRows(listingRows(listingRowSpec{id: 1, state: models.ListingReserved, sellerID: 7, reservedBy: int64(2), purchaseID: "p1", expires: now.Add(300 * time.Second)}))

		listing, err := svc.Reserve(ctx, "GABC123", 2, "p1", now)
		require.NoError(t, err)
		assert.Equal(t, models.ListingReserved, listing.State)
		assert.Equal(t, "p1", *listing.PurchaseID)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("buying fee applies only with a fee account", func(t *testing.T) {
		market := config.DefaultMarket()
		market.BuyingFeeRate = decimal.RequireFromString("0.02")
		svc, dbMock, _, _, _ := newTestListings(t, market)

		dbMock.ExpectQuery(reserveSQL).
			WithArgs("GABC123", int64(2), "p1", now.Add(300*time.Second), decimal.Zero, now).
			WillReturnRows(listingRows(listingRowSpec{id: 1, state: models.ListingReserved, sellerID: 7, reservedBy: int64(2), purchaseID: "p1", expires: now.Add(300 * time.Second)}))
		_, err := svc.Reserve(ctx, "GABC123", 2, "p1", now)
		require.NoError(t, err)

		market.FeeAccountID = 999
		svc, dbMock, _, _, _ = newTestListings(t, market)
		dbMock.ExpectQuery(reserveSQL).
			WithArgs("GABC123", int64(2), "p1", now.Add(300*time.Second), decimal.RequireFromString("0.02"), now).
			WillReturnRows(listingRows(listingRowSpec{id: 1, state: models.ListingReserved, sellerID: 7, reservedBy: int64(2), purchaseID: "p1", expires: now.Add(300 * time.Second)}))
		_, err = svc.Reserve(ctx, "GABC123", 2, "p1", now)
		require.NoError(t, err)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	cases := []struct {
		name    string
		current listingRowSpec
		buyer   int64
		want    error
	}{
		{"held by another buyer", listingRowSpec{id: 1, state: models.ListingReserved, sellerID: 7, reservedBy: int64(3), purchaseID: "p0", expires: now.Add(time.Minute)}, 2, ErrAlreadyReserved},
		{"own listing", listingRowSpec{id: 1, state: models.ListingListed, sellerID: 2}, 2, ErrOwnListing},
		{"draft", listingRowSpec{id: 1, state: models.ListingDraft, sellerID: 7}, 2, ErrListingUnavailable},
		{"sold", listingRowSpec{id: 1, state: models.ListingTransferPending, sellerID: 7, reservedBy: int64(3), purchaseID: "p0", expires: now.Add(time.Minute)}, 2, ErrAlreadyReserved},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, dbMock, _, _, _ := newTestListings(t, config.DefaultMarket())

			dbMock.ExpectQuery(reserveSQL).WillReturnRows(sqlmock.NewRows(listingRowColumns))
			dbMock.ExpectQuery("SELECT (.+) FROM listings WHERE buying_code = \\$1").
				WithArgs("GABC123").
				WillReturnRows(listingRows(tc.current))

			_, err := svc.Reserve(ctx, "GABC123", tc.buyer, "p1", now)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestListingService_Transitions(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("mark sold after expiry", func(t *testing.T) {
		svc, dbMock, _, _, _ := newTestListings(t, config.DefaultMarket())

		dbMock.ExpectExec("UPDATE listings SET state = 'sold'").
			WithArgs(int64(1), "p1", now).
			WillReturnResult(sqlmock.NewResult(0, 0))

		assert.ErrorIs(t, svc.MarkSold(ctx, 1, "p1", now), ErrExpiredReservation)
	})

	t.Run("mark transfer pending", func(t *testing.T) {
		svc, dbMock, _, _, _ := newTestListings(t, config.DefaultMarket())
		deadline := now.Add(5 * time.Minute)

		dbMock.ExpectExec("UPDATE listings SET state = 'transfer_pending', assigned_session_id = \\$3").
			WithArgs(int64(1), "p1", int64(4), deadline).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, svc.MarkTransferPending(ctx, 1, "p1", 4, deadline))
	})

	t.Run("begin transfer twice", func(t *testing.T) {
		svc, dbMock, _, _, _ := newTestListings(t, config.DefaultMarket())

		dbMock.ExpectQuery("UPDATE listings SET transfer_started_at = \\$3").
			WithArgs(int64(1), int64(2), now).
			WillReturnRows(sqlmock.NewRows(listingRowColumns))
		dbMock.ExpectQuery("SELECT (.+) FROM listings WHERE id = \\$1").
			WithArgs(int64(1)).
			WillReturnRows(listingRows(listingRowSpec{id: 1, state: models.ListingTransferPending, sellerID: 7,
				reservedBy: int64(2), purchaseID: "p1", expires: now.Add(time.Minute), started: now.Add(-time.Second)}))

		_, err := svc.BeginTransfer(ctx, 1, 2, now)
		assert.ErrorIs(t, err, ErrTransferInProgress)
	})

	t.Run("complete finalizes the group code", func(t *testing.T) {
		svc, dbMock, _, _, _ := newTestListings(t, config.DefaultMarket())

		dbMock.ExpectBegin()
		dbMock.ExpectQuery("UPDATE listings SET state = 'completed'").
			WithArgs(int64(1), "p1", now).
			WillReturnRows(sqlmock.NewRows([]string{"group_id"}).AddRow(int64(-100)))
		dbMock.ExpectExec("UPDATE group_codes SET finalized_at = COALESCE\\(finalized_at, \\$2\\)").
			WithArgs(int64(-100), now).
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectCommit()

		assert.NoError(t, svc.Complete(ctx, 1, "p1", now))
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("rollback of a completed listing", func(t *testing.T) {
		svc, dbMock, _, _, _ := newTestListings(t, config.DefaultMarket())

		dbMock.ExpectQuery("UPDATE listings l SET state = 'listed'").
			WithArgs(int64(1), "p1").
			WillReturnRows(sqlmock.NewRows([]string{"state"}))

		assert.ErrorIs(t, svc.Rollback(ctx, 1, "p1"), ErrInvalidTransition)
	})

	t.Run("rollback of a sold listing", func(t *testing.T) {
		svc, dbMock, _, _, _ := newTestListings(t, config.DefaultMarket())

		dbMock.ExpectQuery("UPDATE listings l SET state = 'listed'").
			WithArgs(int64(1), "p1").
			WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow("sold"))

		assert.NoError(t, svc.Rollback(ctx, 1, "p1"))
	})

	t.Run("expire stale reservations", func(t *testing.T) {
		svc, dbMock, _, _, _ := newTestListings(t, config.DefaultMarket())

		dbMock.ExpectQuery("UPDATE listings SET state = 'listed'(.+)WHERE state = 'reserved' AND reservation_expires_at < \\$1").
			WithArgs(now).
			WillReturnRows(listingRows(listingRowSpec{id: 1, state: models.ListingListed, sellerID: 7}))

		expired, err := svc.ExpireStale(ctx, now)
		require.NoError(t, err)
		assert.Len(t, expired, 1)
	})
}

func TestListingService_Browse(t *testing.T) {
	svc, dbMock, _, _, _ := newTestListings(t, config.DefaultMarket())

	dbMock.ExpectQuery("SELECT (.+) FROM listings WHERE state = 'listed'(.+)ORDER BY price, id").
		WithArgs(2021, 6).
		WillReturnRows(listingRows(
			listingRowSpec{id: 1, state: models.ListingListed, sellerID: 7},
			listingRowSpec{id: 2, state: models.ListingListed, sellerID: 8},
		))

	listings, err := svc.Browse(context.Background(), BrowseFilter{Year: 2021, Month: 6})
	require.NoError(t, err)
	assert.Len(t, listings, 2)
}
