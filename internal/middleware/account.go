package middleware

import (
	"context"
	"net/http"
	"sync"

	"github.com/groupmarket/backend/internal/services"
	"go.uber.org/zap"
)

type AccountProvisioner interface {
	EnsureAccount(ctx context.Context, accountID int64, username string) error
}

// AccountProvisioning creates the caller's ledger account on first contact.
// Accounts already seen by this process are not checked again.
type AccountProvisioning struct {
	accounts AccountProvisioner
	logger   *zap.Logger
	seen     sync.Map
}

func NewAccountProvisioning(accounts AccountProvisioner, logger *zap.Logger) *AccountProvisioning {
	return &AccountProvisioning{accounts: accounts, logger: logger.Named("accounts")}
}

func (p *AccountProvisioning) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		if !ok {
			services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
			return
		}

		if _, done := p.seen.Load(id.UserID); !done {
			if err := p.accounts.EnsureAccount(r.Context(), id.UserID, id.Username); err != nil {
				p.logger.Error("account provisioning failed", zap.Int64("user_id", id.UserID), zap.Error(err))
				services.SendErrorResponse(w, "Account unavailable", http.StatusServiceUnavailable, nil)
				return
			}
			p.seen.Store(id.UserID, struct{}{})
		}
		next.ServeHTTP(w, r)
	})
}
