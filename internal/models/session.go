package models

import "time"

type AuthState string

const (
	AuthPending       AuthState = "pending"
	AuthAuthenticated AuthState = "authenticated"
	AuthUnhealthy     AuthState = "unhealthy"
	AuthDisabled      AuthState = "disabled"
)

// Session is an automated agent able to execute ownership transfers.
// Secrets are stored sealed by the vault and never serialized.
type Session struct {
	ID                int64      `json:"id" db:"id"`
	OwnerID           int64      `json:"owner_id" db:"owner_id"`
	PhoneNumber       string     `json:"phone_number" db:"phone_number"`
	AuthState         AuthState  `json:"auth_state" db:"auth_state"`
	InUseBy           *int64     `json:"in_use_by,omitempty" db:"in_use_by"`
	HasTwoFA          bool       `json:"has_2fa" db:"has_2fa"`
	SealedSession     string     `json:"-" db:"sealed_session"`
	SealedPassword    string     `json:"-" db:"sealed_password"`
	LastError         string     `json:"last_error,omitempty" db:"last_error"`
	LastHealthCheckAt *time.Time `json:"last_health_check_at,omitempty" db:"last_health_check_at"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
}
