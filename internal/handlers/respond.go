package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/groupmarket/backend/internal/agent"
	"github.com/groupmarket/backend/internal/middleware"
	"github.com/groupmarket/backend/internal/services"
	"go.uber.org/zap"
)

const maxBodyBytes = 1_048_576

var errBadRequest = errors.New("bad request")

// decodeJSON reads exactly one JSON object and validates it.
func decodeJSON(w http.ResponseWriter, r *http.Request, validator *services.ValidationHelper, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	if err := validator.ValidateStruct(dst); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func caller(w http.ResponseWriter, r *http.Request) (middleware.Identity, bool) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok || id.UserID <= 0 {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return middleware.Identity{}, false
	}
	return id, true
}

func pathInt64(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	v, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || v <= 0 {
		services.SendErrorResponse(w, "Invalid "+name, http.StatusBadRequest, nil)
		return 0, false
	}
	return v, true
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errBadRequest
	}
	return v, nil
}

type statusRule struct {
	target error
	status int
}

var statusRules = []statusRule{
	{services.ErrInsufficientFunds, http.StatusPaymentRequired},
	{services.ErrPartialUnavailable, http.StatusConflict},
	{services.ErrAlreadyReserved, http.StatusConflict},
	{services.ErrListingUnavailable, http.StatusConflict},
	{services.ErrTransferInProgress, http.StatusConflict},
	{services.ErrApprovalStateConflict, http.StatusConflict},
	{services.ErrDuplicatePhoneNumber, http.StatusConflict},
	{services.ErrGroupAlreadyListed, http.StatusConflict},
	{services.ErrSessionInUse, http.StatusConflict},
	{services.ErrInvalidTransition, http.StatusConflict},
	{services.ErrListingNotFound, http.StatusNotFound},
	{services.ErrAccountNotFound, http.StatusNotFound},
	{services.ErrSessionNotFound, http.StatusNotFound},
	{services.ErrWithdrawalNotFound, http.StatusNotFound},
	{services.ErrInterventionNotFound, http.StatusNotFound},
	{services.ErrNotOwner, http.StatusForbidden},
	{services.ErrOwnListing, http.StatusForbidden},
	{services.ErrAccountFrozen, http.StatusLocked},
	{services.ErrExpiredReservation, http.StatusGone},
	{services.ErrVerificationFailed, http.StatusPreconditionFailed},
	{services.ErrInvalidAmount, http.StatusBadRequest},
	{services.ErrInvalidPrice, http.StatusBadRequest},
	{services.ErrInvalidCode, http.StatusBadRequest},
	{services.ErrTooManyCodes, http.StatusBadRequest},
	{services.ErrInvalidAddress, http.StatusBadRequest},
	{services.ErrBelowMinimum, http.StatusBadRequest},
	{services.ErrInvalidPhoneNumber, http.StatusBadRequest},
	{services.ErrInvalidResolution, http.StatusBadRequest},
	{services.ErrGroupNotEligible, http.StatusUnprocessableEntity},
	{services.ErrSessionLimitReached, http.StatusUnprocessableEntity},
	{services.ErrSessionAuthFailed, http.StatusUnprocessableEntity},
	{services.ErrNoSessionAvailable, http.StatusServiceUnavailable},
	{services.ErrTransferFailed, http.StatusBadGateway},
	{agent.ErrTransient, http.StatusBadGateway},
	{agent.ErrRejected, http.StatusBadGateway},
}

// writeServiceError maps a service error to its HTTP status. Unknown errors are logged and hidden.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var partial *services.PartialUnavailableError
	if errors.As(err, &partial) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":       services.ErrPartialUnavailable.Error(),
			"unavailable": partial.Codes,
		})
		return
	}

	for _, rule := range statusRules {
		if errors.Is(err, rule.target) {
			services.SendErrorResponse(w, err.Error(), rule.status, nil)
			return
		}
	}

	logger.Error("request failed", zap.Error(err))
	services.SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
}
