package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/groupmarket/backend/internal/models"
	"github.com/groupmarket/backend/internal/services"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type LedgerAdmin interface {
	AdminAdjust(ctx context.Context, accountID int64, delta decimal.Decimal, adminID int64) (string, error)
	Reconcile(ctx context.Context, accountID int64) (*services.ReconcileReport, error)
	ListUsers(ctx context.Context, limit int) ([]models.UserSummary, error)
	Stats(ctx context.Context) (*models.MarketStats, error)
}

type SessionAdmin interface {
	Add(ctx context.Context, req services.NewSession) (*models.Session, error)
	Disable(ctx context.Context, sessionID int64) error
	List(ctx context.Context, states ...models.AuthState) ([]models.Session, error)
}

type HealthChecker interface {
	CheckAll(ctx context.Context) (*services.HealthReport, error)
}

type WithdrawalAdmin interface {
	List(ctx context.Context, state models.WithdrawalState) ([]models.WithdrawalRequest, error)
	Approve(ctx context.Context, requestID string, adminID int64) (*models.WithdrawalRequest, error)
	Reject(ctx context.Context, requestID string, adminID int64, reason string) (*models.WithdrawalRequest, error)
	MarkPaid(ctx context.Context, requestID string, payoutRef string) (*models.WithdrawalRequest, error)
	PayoutQR(ctx context.Context, requestID string, size int) ([]byte, error)
}

type InterventionDesk interface {
	ListOpenInterventions(ctx context.Context) ([]models.ManualIntervention, error)
}

type InterventionResolver interface {
	ResolveIntervention(ctx context.Context, interventionID int64, action services.ResolveAction, adminID int64) error
	Recover(ctx context.Context) (*services.RecoveryReport, error)
}

type PayerLinker interface {
	Link(ctx context.Context, tag string, accountID int64) error
}

// AdminDeps groups the services behind the operator routes.
type AdminDeps struct {
	Ledger        LedgerAdmin
	Sessions      SessionAdmin
	Health        HealthChecker
	Withdrawals   WithdrawalAdmin
	Interventions InterventionDesk
	Purchases     InterventionResolver
	Payers        PayerLinker
}

type AdminHandler struct {
	deps      AdminDeps
	validator *services.ValidationHelper
	logger    *zap.Logger
}

func NewAdminHandler(deps AdminDeps, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{deps: deps, validator: services.NewValidationHelper(), logger: logger.Named("admin")}
}

// Routes mounts the operator routes. The caller applies AdminOnly.
func (h *AdminHandler) Routes(r chi.Router) {
	r.Get("/stats", h.Stats)
	r.Get("/users", h.Users)
	r.Post("/accounts/{accountID}/adjust", h.Adjust)
	r.Post("/accounts/{accountID}/reconcile", h.Reconcile)
	r.Post("/payer-tags", h.LinkPayer)

	r.Get("/sessions", h.Sessions)
	r.Post("/sessions", h.AddSession)
	r.Delete("/sessions/{sessionID}", h.DisableSession)
	r.Post("/sessions/health", h.CheckHealth)

	r.Get("/withdrawals", h.Withdrawals)
	r.Post("/withdrawals/{requestID}/approve", h.Approve)
	r.Post("/withdrawals/{requestID}/reject", h.Reject)
	r.Post("/withdrawals/{requestID}/paid", h.MarkPaid)
	r.Get("/withdrawals/{requestID}/qr", h.PayoutQR)

	r.Get("/interventions", h.Interventions)
	r.Post("/interventions/{interventionID}/resolve", h.Resolve)
	r.Post("/sweep", h.Sweep)
}

func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deps.Ledger.Stats(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *AdminHandler) Users(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil || limit == 0 {
		services.SendErrorResponse(w, "Invalid limit", http.StatusBadRequest, nil)
		return
	}
	users, err := h.deps.Ledger.ListUsers(r.Context(), limit)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if users == nil {
		users = []models.UserSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

type adjustRequest struct {
	Delta decimal.Decimal `json:"delta"`
}

func (h *AdminHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	admin, ok := caller(w, r)
	if !ok {
		return
	}
	accountID, ok := pathInt64(w, r, "accountID")
	if !ok {
		return
	}
	var req adjustRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	entryID, err := h.deps.Ledger.AdminAdjust(r.Context(), accountID, req.Delta, admin.UserID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entry_id": entryID, "account_id": accountID, "delta": req.Delta})
}

func (h *AdminHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathInt64(w, r, "accountID")
	if !ok {
		return
	}
	report, err := h.deps.Ledger.Reconcile(r.Context(), accountID)
	if errors.Is(err, services.ErrInvariantViolation) && report != nil {
		writeJSON(w, http.StatusConflict, report)
		return
	}
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type linkPayerRequest struct {
	Tag       string `json:"tag" validate:"required,max=64"`
	AccountID int64  `json:"account_id" validate:"required,gt=0"`
}

func (h *AdminHandler) LinkPayer(w http.ResponseWriter, r *http.Request) {
	var req linkPayerRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}
	if err := h.deps.Payers.Link(r.Context(), req.Tag, req.AccountID); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	var states []models.AuthState
	if s := r.URL.Query().Get("state"); s != "" {
		states = append(states, models.AuthState(s))
	}
	sessions, err := h.deps.Sessions.List(r.Context(), states...)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

type addSessionRequest struct {
	OwnerID int64 `json:"owner_id"`
	services.NewSession
}

func (h *AdminHandler) AddSession(w http.ResponseWriter, r *http.Request) {
	admin, ok := caller(w, r)
	if !ok {
		return
	}
	var req addSessionRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}
	req.NewSession.OwnerID = req.OwnerID
	if req.NewSession.OwnerID == 0 {
		req.NewSession.OwnerID = admin.UserID
	}

	session, err := h.deps.Sessions.Add(r.Context(), req.NewSession)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (h *AdminHandler) DisableSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathInt64(w, r, "sessionID")
	if !ok {
		return
	}
	if err := h.deps.Sessions.Disable(r.Context(), sessionID); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	report, err := h.deps.Health.CheckAll(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *AdminHandler) Withdrawals(w http.ResponseWriter, r *http.Request) {
	state := models.WithdrawalState(r.URL.Query().Get("state"))
	switch state {
	case "", models.WithdrawalPending, models.WithdrawalApproved, models.WithdrawalRejected, models.WithdrawalPaid:
	default:
		services.SendErrorResponse(w, "Invalid state", http.StatusBadRequest, nil)
		return
	}

	list, err := h.deps.Withdrawals.List(r.Context(), state)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if list == nil {
		list = []models.WithdrawalRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"withdrawals": list})
}

func (h *AdminHandler) Approve(w http.ResponseWriter, r *http.Request) {
	admin, ok := caller(w, r)
	if !ok {
		return
	}
	req, err := h.deps.Withdrawals.Approve(r.Context(), chi.URLParam(r, "requestID"), admin.UserID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

func (h *AdminHandler) Reject(w http.ResponseWriter, r *http.Request) {
	admin, ok := caller(w, r)
	if !ok {
		return
	}
	var body rejectRequest
	if !decodeJSON(w, r, h.validator, &body) {
		return
	}
	req, err := h.deps.Withdrawals.Reject(r.Context(), chi.URLParam(r, "requestID"), admin.UserID, body.Reason)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type paidRequest struct {
	PayoutRef string `json:"payout_ref" validate:"required,max=128"`
}

func (h *AdminHandler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	var body paidRequest
	if !decodeJSON(w, r, h.validator, &body) {
		return
	}
	req, err := h.deps.Withdrawals.MarkPaid(r.Context(), chi.URLParam(r, "requestID"), body.PayoutRef)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *AdminHandler) PayoutQR(w http.ResponseWriter, r *http.Request) {
	size, err := queryInt(r, "size", 256)
	if err != nil || size > 1024 {
		services.SendErrorResponse(w, "Invalid size", http.StatusBadRequest, nil)
		return
	}
	png, err := h.deps.Withdrawals.PayoutQR(r.Context(), chi.URLParam(r, "requestID"), size)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	w.Write(png)
}

func (h *AdminHandler) Interventions(w http.ResponseWriter, r *http.Request) {
	list, err := h.deps.Interventions.ListOpenInterventions(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if list == nil {
		list = []models.ManualIntervention{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"interventions": list})
}

type resolveRequest struct {
	Action services.ResolveAction `json:"action" validate:"required,oneof=complete rollback"`
}

func (h *AdminHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	admin, ok := caller(w, r)
	if !ok {
		return
	}
	interventionID, ok := pathInt64(w, r, "interventionID")
	if !ok {
		return
	}
	var req resolveRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	if err := h.deps.Purchases.ResolveIntervention(r.Context(), interventionID, req.Action, admin.UserID); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.deps.Purchases.Recover(r.Context())
	if err != nil {
		h.logger.Warn("manual recovery pass had failures", zap.Error(err))
		writeJSON(w, http.StatusMultiStatus, map[string]any{"report": report, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}
