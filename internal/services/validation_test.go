package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/groupmarket/backend/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payoutForm struct {
	Amount  decimal.Decimal `validate:"money"`
	Address string          `validate:"required,payout_address"`
}

func TestValidationHelper_ValidateStruct(t *testing.T) {
	vh := NewValidationHelper()

	t.Run("valid payout", func(t *testing.T) {
		valid := payoutForm{
			Amount:  decimal.RequireFromString("12.50"),
			Address: "0x" + "a1B2c3D4e5F6a7B8c9D0a1B2c3D4e5F6a7B8c9D0",
		}
		assert.NoError(t, vh.ValidateStruct(&valid))
	})

	t.Run("wallet id address", func(t *testing.T) {
		valid := payoutForm{Amount: decimal.RequireFromString("1"), Address: "wallet42"}
		assert.NoError(t, vh.ValidateStruct(&valid))
	})

	t.Run("invalid amount and address", func(t *testing.T) {
		invalid := payoutForm{
			Amount:  decimal.RequireFromString("1.234"),
			Address: "0x123",
		}

		err := vh.ValidateStruct(&invalid)
		require.Error(t, err)

		validationErrors, ok := err.(validator.ValidationErrors)
		require.True(t, ok)
		assert.Len(t, validationErrors, 2)
	})

	t.Run("payment notification", func(t *testing.T) {
		n := models.PaymentNotification{PayerTag: "alice", Amount: decimal.Zero, Currency: "USDT", ExternalRef: "x"}

		err := vh.ValidateStruct(n)
		require.Error(t, err)

		validationErrors, ok := err.(validator.ValidationErrors)
		require.True(t, ok)
		assert.Equal(t, "Amount", validationErrors[0].Field())
		assert.Equal(t, "money", validationErrors[0].Tag())
	})
}

func TestValidatePayoutAddress(t *testing.T) {
	assert.NoError(t, ValidatePayoutAddress("0x0000000000000000000000000000000000000000"))
	assert.NoError(t, ValidatePayoutAddress("abc123"))
	assert.ErrorIs(t, ValidatePayoutAddress("abc"), ErrInvalidAddress)
	assert.ErrorIs(t, ValidatePayoutAddress("0xZZ00000000000000000000000000000000000000"), ErrInvalidAddress)
	assert.ErrorIs(t, ValidatePayoutAddress("has spaces in it"), ErrInvalidAddress)
}

func TestSendErrorResponse(t *testing.T) {
	t.Run("error response without validation errors", func(t *testing.T) {
		w := httptest.NewRecorder()

		SendErrorResponse(w, "Something went wrong", http.StatusInternalServerError, nil)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var response ErrorResponse
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Equal(t, "Something went wrong", response.Error)
		assert.Nil(t, response.Details)
	})

	t.Run("error response with validation errors", func(t *testing.T) {
		vh := NewValidationHelper()
		validationErr := vh.ValidateStruct(&payoutForm{Amount: decimal.RequireFromString("-1"), Address: "!"})
		assert.Error(t, validationErr)

		w := httptest.NewRecorder()
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, validationErr)

		assert.Equal(t, http.StatusBadRequest, w.Code)

		var response ErrorResponse
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Equal(t, "Validation failed", response.Error)
		assert.Contains(t, response.Details, "Amount")
		assert.Contains(t, response.Details, "Address")
	})

	t.Run("non validation error carries no details", func(t *testing.T) {
		w := httptest.NewRecorder()

		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, ErrInvalidCode)

		var response ErrorResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, "Invalid request", response.Error)
		assert.Nil(t, response.Details)
	})
}
