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

type AccountReader interface {
	GetAccount(ctx context.Context, accountID int64) (*models.Account, error)
	Entries(ctx context.Context, accountID int64, limit int) ([]models.LedgerEntry, error)
}

type WithdrawalRequester interface {
	Request(ctx context.Context, accountID int64, amount decimal.Decimal, address string) (*models.WithdrawalRequest, error)
	ListByAccount(ctx context.Context, accountID int64) ([]models.WithdrawalRequest, error)
}

type TokenRevoker interface {
	Revoke(r *http.Request) error
}

// AccountHandler serves the caller's balance, history and withdrawals.
type AccountHandler struct {
	accounts    AccountReader
	withdrawals WithdrawalRequester
	revoker     TokenRevoker
	validator   *services.ValidationHelper
	logger      *zap.Logger
}

func NewAccountHandler(accounts AccountReader, withdrawals WithdrawalRequester, revoker TokenRevoker, logger *zap.Logger) *AccountHandler {
	return &AccountHandler{
		accounts:    accounts,
		withdrawals: withdrawals,
		revoker:     revoker,
		validator:   services.NewValidationHelper(),
		logger:      logger.Named("account"),
	}
}

func (h *AccountHandler) Routes(r chi.Router) {
	r.Get("/account", h.Balance)
	r.Get("/account/history", h.History)
	r.Get("/withdrawals", h.MyWithdrawals)
	r.Post("/auth/logout", h.Logout)
}

func (h *AccountHandler) Balance(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	account, err := h.accounts.GetAccount(r.Context(), id.UserID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (h *AccountHandler) History(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil || limit == 0 || limit > 500 {
		services.SendErrorResponse(w, "Invalid limit", http.StatusBadRequest, nil)
		return
	}

	entries, err := h.accounts.Entries(r.Context(), id.UserID, limit)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type withdrawRequest struct {
	Amount  decimal.Decimal `json:"amount" validate:"money"`
	Address string          `json:"address" validate:"required,payout_address"`
}

func (h *AccountHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	var req withdrawRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	wr, err := h.withdrawals.Request(r.Context(), id.UserID, req.Amount, req.Address)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, wr)
}

func (h *AccountHandler) MyWithdrawals(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	list, err := h.withdrawals.ListByAccount(r.Context(), id.UserID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if list == nil {
		list = []models.WithdrawalRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"withdrawals": list})
}

func (h *AccountHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.revoker.Revoke(r); err != nil {
		h.logger.Warn("token revocation failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logout successful"})
}
