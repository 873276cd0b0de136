package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/groupmarket/backend/internal/models"
	"github.com/groupmarket/backend/internal/services"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type ListingCatalog interface {
	CreateDraft(ctx context.Context, req services.DraftRequest) (*models.Listing, error)
	Publish(ctx context.Context, listingID, sellerID int64, price decimal.Decimal) (*models.Listing, error)
	ChangePrice(ctx context.Context, listingID, sellerID int64, price decimal.Decimal) (*models.Listing, error)
	Delist(ctx context.Context, listingID, sellerID int64) (*models.Listing, error)
	GetByCode(ctx context.Context, code string) (*models.Listing, error)
	Browse(ctx context.Context, filter services.BrowseFilter) ([]models.Listing, error)
	AvailableYears(ctx context.Context) ([]int, error)
	ListBySeller(ctx context.Context, sellerID int64) ([]models.Listing, error)
}

type Purchaser interface {
	Buy(ctx context.Context, buyerID int64, codes []string) (*services.PurchaseResult, error)
	Claim(ctx context.Context, buyerID int64, code string) (*services.ClaimResult, error)
}

// MarketHandler serves browsing, selling, buying and claiming.
type MarketHandler struct {
	listings  ListingCatalog
	purchases Purchaser
	validator *services.ValidationHelper
	logger    *zap.Logger
}

func NewMarketHandler(listings ListingCatalog, purchases Purchaser, logger *zap.Logger) *MarketHandler {
	return &MarketHandler{
		listings:  listings,
		purchases: purchases,
		validator: services.NewValidationHelper(),
		logger:    logger.Named("market"),
	}
}

// Routes mounts the public catalog routes.
func (h *MarketHandler) Routes(r chi.Router) {
	r.Get("/listings", h.Browse)
	r.Get("/listings/years", h.Years)
	r.Get("/listings/code/{code}", h.GetByCode)
}

// AuthenticatedRoutes mounts the routes that act for the caller.
// Purchase routes are returned separately so they can carry the idempotency middleware.
func (h *MarketHandler) AuthenticatedRoutes(r chi.Router) {
	r.Get("/listings/mine", h.Mine)
	r.Post("/listings", h.CreateDraft)
	r.Post("/listings/{listingID}/publish", h.Publish)
	r.Put("/listings/{listingID}/price", h.ChangePrice)
	r.Delete("/listings/{listingID}", h.Delist)
	r.Post("/claims", h.Claim)
}

func (h *MarketHandler) Browse(w http.ResponseWriter, r *http.Request) {
	year, yerr := queryInt(r, "year", 0)
	month, merr := queryInt(r, "month", 0)
	if yerr != nil || merr != nil || month > 12 || (month > 0 && year == 0) {
		services.SendErrorResponse(w, "Invalid year or month", http.StatusBadRequest, nil)
		return
	}

	listings, err := h.listings.Browse(r.Context(), services.BrowseFilter{Year: year, Month: month})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if listings == nil {
		listings = []models.Listing{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"listings": listings})
}

func (h *MarketHandler) Years(w http.ResponseWriter, r *http.Request) {
	years, err := h.listings.AvailableYears(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"years": years})
}

func (h *MarketHandler) GetByCode(w http.ResponseWriter, r *http.Request) {
	code, err := services.NormalizeCode(chi.URLParam(r, "code"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	listing, err := h.listings.GetByCode(r.Context(), code)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if listing.State != models.ListingListed {
		services.SendErrorResponse(w, "Listing is not for sale", http.StatusNotFound, nil)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (h *MarketHandler) Mine(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	listings, err := h.listings.ListBySeller(r.Context(), id.UserID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if listings == nil {
		listings = []models.Listing{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"listings": listings})
}

func (h *MarketHandler) CreateDraft(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	var req services.DraftRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}
	req.SellerID = id.UserID

	listing, err := h.listings.CreateDraft(r.Context(), req)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, listing)
}

type priceRequest struct {
	Price decimal.Decimal `json:"price" validate:"money"`
}

func (h *MarketHandler) Publish(w http.ResponseWriter, r *http.Request) {
	h.priced(w, r, h.listings.Publish)
}

func (h *MarketHandler) ChangePrice(w http.ResponseWriter, r *http.Request) {
	h.priced(w, r, h.listings.ChangePrice)
}

func (h *MarketHandler) priced(w http.ResponseWriter, r *http.Request, apply func(context.Context, int64, int64, decimal.Decimal) (*models.Listing, error)) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	listingID, ok := pathInt64(w, r, "listingID")
	if !ok {
		return
	}
	var req priceRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	listing, err := apply(r.Context(), listingID, id.UserID, req.Price)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (h *MarketHandler) Delist(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	listingID, ok := pathInt64(w, r, "listingID")
	if !ok {
		return
	}

	listing, err := h.listings.Delist(r.Context(), listingID, id.UserID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

type buyRequest struct {
	Codes []string `json:"codes" validate:"required,min=1,dive,required"`
}

func (h *MarketHandler) Buy(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	var req buyRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	result, err := h.purchases.Buy(r.Context(), id.UserID, req.Codes)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

type claimRequest struct {
	Code string `json:"code" validate:"required"`
}

func (h *MarketHandler) Claim(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	var req claimRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	result, err := h.purchases.Claim(r.Context(), id.UserID, req.Code)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
