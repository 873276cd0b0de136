package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/groupmarket/backend/internal/agent"
	"github.com/groupmarket/backend/internal/audit"
	"github.com/groupmarket/backend/internal/models"
	"github.com/groupmarket/backend/internal/vault"
	"go.uber.org/zap"
)

var phonePattern = regexp.MustCompile(`^[0-9]{10,15}$`)

// NormalizePhone strips formatting and checks for 10 to 15 digits.
func NormalizePhone(phone string) (string, error) {
	phone = strings.NewReplacer("+", "", " ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(phone))
	if !phonePattern.MatchString(phone) {
		return "", fmt.Errorf("%w: expected 10-15 digits", ErrInvalidPhoneNumber)
	}
	return phone, nil
}

type NewSession struct {
	OwnerID       int64  `json:"-"`
	PhoneNumber   string `json:"phone_number" validate:"required"`
	APIID         int    `json:"api_id" validate:"required"`
	APIHash       string `json:"api_hash" validate:"required"`
	SessionString string `json:"session_string" validate:"required"`
	Password      string `json:"password"`
}

const sessionColumns = `id, owner_id, phone_number, auth_state, in_use_by, has_2fa,
	last_error, last_health_check_at, created_at`

func scanSession(row rowScanner) (*models.Session, error) {
	var s models.Session
	if err := row.Scan(&s.ID, &s.OwnerID, &s.PhoneNumber, &s.AuthState, &s.InUseBy, &s.HasTwoFA,
		&s.LastError, &s.LastHealthCheckAt, &s.CreatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

// SessionPoolService tracks transfer agents. A session's in_use_by column is
// its lock: it is only ever set by a single conditional UPDATE.
type SessionPoolService struct {
	db                  *sql.DB
	agent               agent.Agent
	vault               vault.Vault
	maxSessionsPerOwner int
	audit               *audit.Logger
	logger              *zap.Logger
}

var _ SessionPool = (*SessionPoolService)(nil)

func NewSessionPoolService(db *sql.DB, ag agent.Agent, v vault.Vault, maxSessionsPerOwner int, auditLogger *audit.Logger, logger *zap.Logger) *SessionPoolService {
	return &SessionPoolService{
		db:                  db,
		agent:               ag,
		vault:               v,
		maxSessionsPerOwner: maxSessionsPerOwner,
		audit:               auditLogger,
		logger:              logger.Named("sessions"),
	}
}

// Add authenticates a new session through the agent and stores its secrets sealed.
func (s *SessionPoolService) Add(ctx context.Context, req NewSession) (*models.Session, error) {
	phone, err := NormalizePhone(req.PhoneNumber)
	if err != nil {
		return nil, err
	}

	var owned, samePhone int
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE owner_id = $1 AND auth_state <> 'disabled'),
			COUNT(*) FILTER (WHERE phone_number = $2)
		FROM sessions`, req.OwnerID, phone).Scan(&owned, &samePhone)
	if err != nil {
		return nil, err
	}
	if samePhone > 0 {
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePhoneNumber, phone)
	}
	if s.maxSessionsPerOwner > 0 && owned >= s.maxSessionsPerOwner {
		return nil, fmt.Errorf("%w: %d of %d", ErrSessionLimitReached, owned, s.maxSessionsPerOwner)
	}

	result, err := s.agent.Authenticate(ctx, agent.Credentials{
		PhoneNumber:   phone,
		APIID:         req.APIID,
		APIHash:       req.APIHash,
		SessionString: req.SessionString,
		Password:      req.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionAuthFailed, err)
	}

	sealedSession, err := s.vault.Seal([]byte(result.SessionString))
	if err != nil {
		return nil, fmt.Errorf("seal session: %w", err)
	}
	sealedPassword := ""
	if req.Password != "" {
		if sealedPassword, err = s.vault.Seal([]byte(req.Password)); err != nil {
			return nil, fmt.Errorf("seal password: %w", err)
		}
	}

	now := time.Now()
	session, err := scanSession(s.db.QueryRowContext(ctx, `
		INSERT INTO sessions (owner_id, phone_number, auth_state, has_2fa, sealed_session, sealed_password,
			last_health_check_at, created_at, updated_at)
		VALUES ($1, $2, 'authenticated', $3, $4, $5, $6, $6, $6)
		RETURNING `+sessionColumns,
		req.OwnerID, phone, result.HasTwoFA, sealedSession, sealedPassword, now))
	if err != nil {
		if isUniqueViolation(err, "sessions_phone_number_key") {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePhoneNumber, phone)
		}
		return nil, fmt.Errorf("insert session: %w", err)
	}

	s.audit.Operation("SESSION_ADDED", zap.Int64("session_id", session.ID), zap.Int64("owner_id", req.OwnerID))
	return session, nil
}

// Acquire atomically claims a free authenticated session for a listing,
// preferring preferredSessionID. A listing that already holds a session gets it back.
func (s *SessionPoolService) Acquire(ctx context.Context, listingID, preferredSessionID int64) (*SessionHandle, error) {
	var sessionID int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM sessions WHERE in_use_by = $1`, listingID).Scan(&sessionID)
	if err == nil {
		return &SessionHandle{SessionID: sessionID, ListingID: listingID}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		UPDATE sessions SET in_use_by = $1, updated_at = now()
		WHERE id = (
			SELECT id FROM sessions
			WHERE auth_state = 'authenticated' AND in_use_by IS NULL
			ORDER BY (id = $2) DESC, last_health_check_at DESC NULLS LAST, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) AND in_use_by IS NULL
		RETURNING id`, listingID, preferredSessionID).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSessionAvailable
	}
	if err != nil {
		if isUniqueViolation(err, "sessions_in_use_by_key") {
			// a concurrent acquire for the same listing won
			return s.Acquire(ctx, listingID, preferredSessionID)
		}
		return nil, err
	}

	s.logger.Debug("session acquired", zap.Int64("session_id", sessionID), zap.Int64("listing_id", listingID))
	return &SessionHandle{SessionID: sessionID, ListingID: listingID}, nil
}

// Release frees the session if it is still held by the handle's listing.
func (s *SessionPoolService) Release(ctx context.Context, handle *SessionHandle) error {
	if handle == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET in_use_by = NULL, updated_at = now()
		WHERE id = $1 AND in_use_by = $2`, handle.SessionID, handle.ListingID)
	return err
}

// MarkUnhealthy excludes a session from acquisition until a health check passes.
func (s *SessionPoolService) MarkUnhealthy(ctx context.Context, sessionID int64, cause string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET auth_state = 'unhealthy', last_error = $2, last_health_check_at = $3, updated_at = $3
		WHERE id = $1 AND auth_state <> 'disabled'`, sessionID, cause, time.Now())
	if err != nil {
		return err
	}
	s.logger.Warn("session marked unhealthy", zap.Int64("session_id", sessionID), zap.String("cause", cause))
	return nil
}

// MarkHealthy returns a session that passed a health check to the pool.
func (s *SessionPoolService) MarkHealthy(ctx context.Context, sessionID int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET auth_state = 'authenticated', last_error = '', last_health_check_at = $2, updated_at = $2
		WHERE id = $1 AND auth_state IN ('authenticated', 'unhealthy')`, sessionID, time.Now())
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrSessionNotFound, sessionID)
	}
	return nil
}

// Disable permanently removes an idle session from the pool.
func (s *SessionPoolService) Disable(ctx context.Context, sessionID int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET auth_state = 'disabled', updated_at = now()
		WHERE id = $1 AND in_use_by IS NULL`, sessionID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, sessionID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %d", ErrSessionInUse, sessionID)
	}
	s.audit.Operation("SESSION_DISABLED", zap.Int64("session_id", sessionID))
	return nil
}

// ReleaseOrphans frees sessions whose listing no longer needs them.
func (s *SessionPoolService) ReleaseOrphans(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions s SET in_use_by = NULL, updated_at = now()
		WHERE s.in_use_by IS NOT NULL
		  AND NOT EXISTS (SELECT 1 FROM listings l
		                  WHERE l.id = s.in_use_by AND l.state IN ('sold', 'transfer_pending'))`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Open decrypts a session for one agent call.
func (s *SessionPoolService) Open(ctx context.Context, sessionID int64) (agent.SessionRef, error) {
	var sealedSession, sealedPassword string
	err := s.db.QueryRowContext(ctx, `
		SELECT sealed_session, sealed_password FROM sessions
		WHERE id = $1 AND auth_state <> 'disabled'`, sessionID).Scan(&sealedSession, &sealedPassword)
	if errors.Is(err, sql.ErrNoRows) {
		return agent.SessionRef{}, fmt.Errorf("%w: %d", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return agent.SessionRef{}, err
	}
	return s.unseal(sessionID, sealedSession, sealedPassword)
}

// OpenAny opens the most recently healthy session without claiming it, for read-only calls.
func (s *SessionPoolService) OpenAny(ctx context.Context) (agent.SessionRef, error) {
	var (
		sessionID                     int64
		sealedSession, sealedPassword string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sealed_session, sealed_password FROM sessions
		WHERE auth_state = 'authenticated'
		ORDER BY last_health_check_at DESC NULLS LAST, id
		LIMIT 1`).Scan(&sessionID, &sealedSession, &sealedPassword)
	if errors.Is(err, sql.ErrNoRows) {
		return agent.SessionRef{}, ErrNoSessionAvailable
	}
	if err != nil {
		return agent.SessionRef{}, err
	}
	return s.unseal(sessionID, sealedSession, sealedPassword)
}

func (s *SessionPoolService) unseal(sessionID int64, sealedSession, sealedPassword string) (agent.SessionRef, error) {
	session, err := s.vault.Open(sealedSession)
	if err != nil {
		return agent.SessionRef{}, fmt.Errorf("open session %d: %w", sessionID, err)
	}
	ref := agent.SessionRef{SessionID: sessionID, SessionString: string(session)}
	if sealedPassword != "" {
		password, err := s.vault.Open(sealedPassword)
		if err != nil {
			return agent.SessionRef{}, fmt.Errorf("open password %d: %w", sessionID, err)
		}
		ref.Password = string(password)
	}
	return ref, nil
}

func (s *SessionPoolService) Get(ctx context.Context, sessionID int64) (*models.Session, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrSessionNotFound, sessionID)
	}
	return session, err
}

// List returns sessions in the given states, or all sessions when none are given.
func (s *SessionPoolService) List(ctx context.Context, states ...models.AuthState) ([]models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, st := range states {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args = append(args, string(st))
		}
		query += ` WHERE auth_state IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}
