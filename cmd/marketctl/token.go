package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/groupmarket/backend/internal/middleware"
	"github.com/spf13/cobra"
)

func newTokenCmd(a *app) *cobra.Command {
	var (
		userID   int64
		username string
		role     string
		secret   string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for an account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if role != middleware.RoleUser && role != middleware.RoleAdmin {
				return fmt.Errorf("unknown role %q", role)
			}
			if secret == "" || ttl == 0 {
				if err := a.load(); err != nil {
					return err
				}
				if secret == "" {
					secret = a.cfg.JWT.SecretKey
				}
				if ttl == 0 {
					ttl = time.Duration(a.cfg.JWT.ExpiryHours) * time.Hour
				}
			}
			if secret == "" {
				return errors.New("no signing secret: set JWT_SECRET_KEY or pass --secret")
			}

			token, err := middleware.IssueToken([]byte(secret), userID, username, role, ttl)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "account id")
	cmd.Flags().StringVar(&username, "username", "", "display name")
	cmd.Flags().StringVar(&role, "role", middleware.RoleUser, "user or admin")
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret, defaults to JWT_SECRET_KEY")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime, defaults to JWT_EXPIRY_HOURS")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
