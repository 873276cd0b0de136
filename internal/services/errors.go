package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrAlreadyReserved       = errors.New("listing already reserved")
	ErrPartialUnavailable    = errors.New("some listings are unavailable")
	ErrNoSessionAvailable    = errors.New("no session available")
	ErrTransferFailed        = errors.New("ownership transfer failed")
	ErrVerificationFailed    = errors.New("membership verification failed")
	ErrExpiredReservation    = errors.New("reservation expired")
	ErrDuplicatePhoneNumber  = errors.New("phone number already registered")
	ErrApprovalStateConflict = errors.New("withdrawal request already decided")

	ErrAccountNotFound      = errors.New("account not found")
	ErrAccountFrozen        = errors.New("account frozen pending reconciliation")
	ErrInvariantViolation   = errors.New("ledger invariant violated")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidPrice         = errors.New("invalid price")
	ErrListingNotFound      = errors.New("listing not found")
	ErrListingUnavailable   = errors.New("listing not available")
	ErrOwnListing           = errors.New("cannot buy own listing")
	ErrNotOwner             = errors.New("not the owner of this resource")
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrTransferInProgress   = errors.New("transfer already in progress")
	ErrGroupNotEligible     = errors.New("group not eligible for sale")
	ErrGroupAlreadyListed   = errors.New("group already has a live listing")
	ErrInvalidCode          = errors.New("invalid buying code")
	ErrTooManyCodes         = errors.New("too many codes in one purchase")
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionInUse         = errors.New("session in use")
	ErrSessionLimitReached  = errors.New("session limit reached")
	ErrInvalidPhoneNumber   = errors.New("invalid phone number")
	ErrSessionAuthFailed    = errors.New("session authentication failed")
	ErrWithdrawalNotFound   = errors.New("withdrawal request not found")
	ErrInvalidAddress       = errors.New("invalid payout address")
	ErrBelowMinimum         = errors.New("amount below minimum")
	ErrInterventionNotFound = errors.New("manual intervention not found")
	ErrInvalidResolution    = errors.New("invalid resolution action")
)

// PartialUnavailableError names the codes that blocked an all-or-nothing reservation.
type PartialUnavailableError struct {
	Codes  []string
	Causes []error
}

func (e *PartialUnavailableError) Error() string {
	return fmt.Sprintf("%s: %s", ErrPartialUnavailable, strings.Join(e.Codes, ", "))
}

func (e *PartialUnavailableError) Unwrap() []error {
	return append([]error{ErrPartialUnavailable}, e.Causes...)
}

const pqUniqueViolation = "23505"

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != pqUniqueViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}
