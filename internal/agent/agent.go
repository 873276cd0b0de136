// Package agent is the client side of the automated-agent (userbot) subsystem.
// The subsystem owns login, retries and rate limits against the chat network;
// this package only needs success, failure and timeout signals from it.
package agent

import (
	"context"
	"errors"

	"github.com/groupmarket/backend/internal/models"
)

var (
	// ErrTransient marks failures worth retrying: network errors, 5xx, 429, open circuit.
	ErrTransient = errors.New("agent: transient failure")
	// ErrRejected marks a definitive refusal by the agent (bad input, missing rights).
	ErrRejected = errors.New("agent: request rejected")
	// ErrUnauthorized means the session is no longer logged in.
	ErrUnauthorized = errors.New("agent: session unauthorized")
	// ErrOutcomeUnknown means a state-changing call was sent but no answer came back.
	ErrOutcomeUnknown = errors.New("agent: outcome unknown")
	// ErrCircuitOpen is returned while the breaker for a session is open.
	ErrCircuitOpen = errors.New("agent: circuit open")
)

// Credentials are collected by the presentation layer and handed over once.
type Credentials struct {
	PhoneNumber   string `json:"phone_number"`
	APIID         int    `json:"api_id"`
	APIHash       string `json:"api_hash"`
	SessionString string `json:"session_string"`
	Password      string `json:"password,omitempty"`
}

type AuthResult struct {
	SessionString string `json:"session_string"`
	HasTwoFA      bool   `json:"has_2fa"`
	UserID        int64  `json:"user_id"`
}

// SessionRef is an opened session ready to be used for one call.
type SessionRef struct {
	SessionID     int64  `json:"session_id"`
	SessionString string `json:"session_string"`
	Password      string `json:"password,omitempty"`
}

type TransferResult struct {
	NewOwnerID int64 `json:"new_owner_id"`
}

type HealthState string

const (
	HealthOK           HealthState = "ok"
	HealthUnauthorized HealthState = "unauthorized"
	HealthDegraded     HealthState = "degraded"
)

// Agent is the session capability interface consumed by the core.
type Agent interface {
	Authenticate(ctx context.Context, creds Credentials) (*AuthResult, error)
	GroupInfo(ctx context.Context, session SessionRef, groupID int64) (*models.GroupInfo, error)
	VerifyMembership(ctx context.Context, session SessionRef, groupID, userID int64) (bool, error)
	TransferOwnership(ctx context.Context, session SessionRef, groupID, newOwnerID int64) (*TransferResult, error)
	HealthCheck(ctx context.Context, session SessionRef) (HealthState, error)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
