package main

import (
	"github.com/groupmarket/backend/internal/services"
	"github.com/spf13/cobra"
)

func newSessionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage transfer agent sessions",
	}

	var req services.NewSession
	add := &cobra.Command{
		Use:   "add",
		Short: "Authenticate and register a session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.wire(cmd.Context()); err != nil {
				return err
			}
			session, err := a.pool.Add(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), session)
		},
	}
	add.Flags().Int64Var(&req.OwnerID, "owner", 0, "account id owning the session")
	add.Flags().StringVar(&req.PhoneNumber, "phone", "", "phone number, digits only")
	add.Flags().IntVar(&req.APIID, "api-id", 0, "application api id")
	add.Flags().StringVar(&req.APIHash, "api-hash", "", "application api hash")
	add.Flags().StringVar(&req.SessionString, "session-string", "", "serialized session")
	add.Flags().StringVar(&req.Password, "password", "", "two-factor password")
	for _, name := range []string{"owner", "phone", "api-id", "api-hash", "session-string"} {
		_ = add.MarkFlagRequired(name)
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.wire(cmd.Context()); err != nil {
				return err
			}
			sessions, err := a.pool.List(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sessions)
		},
	}

	health := &cobra.Command{
		Use:   "health",
		Short: "Health-check every idle session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.wire(cmd.Context()); err != nil {
				return err
			}
			report, err := a.health.CheckAll(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}

	cmd.AddCommand(add, list, health)
	return cmd
}
