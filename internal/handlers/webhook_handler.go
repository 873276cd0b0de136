package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/groupmarket/backend/internal/models"
	"github.com/groupmarket/backend/internal/services"
	"go.uber.org/zap"
)

const SignatureHeader = "X-Signature"

type PaymentIngester interface {
	Ingest(ctx context.Context, n models.PaymentNotification) (services.Outcome, error)
}

// WebhookHandler accepts tip notifications signed with the shared secret.
type WebhookHandler struct {
	payments  PaymentIngester
	secret    []byte
	validator *services.ValidationHelper
	logger    *zap.Logger
}

func NewWebhookHandler(payments PaymentIngester, secret []byte, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		payments:  payments,
		secret:    secret,
		validator: services.NewValidationHelper(),
		logger:    logger.Named("webhook"),
	}
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *WebhookHandler) verify(body []byte, signature string) bool {
	if len(h.secret) == 0 || signature == "" {
		return false
	}
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

func (h *WebhookHandler) Tips(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if !h.verify(body, r.Header.Get(SignatureHeader)) {
		h.logger.Warn("rejected unsigned tip notification", zap.String("remote", r.RemoteAddr))
		services.SendErrorResponse(w, "Invalid signature", http.StatusUnauthorized, nil)
		return
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	var n models.PaymentNotification
	if !decodeJSON(w, r, h.validator, &n) {
		return
	}

	outcome, err := h.payments.Ingest(r.Context(), n)
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	case err != nil:
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcome": outcome, "external_ref": n.ExternalRef})
}
