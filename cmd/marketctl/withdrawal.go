package main

import (
	"github.com/groupmarket/backend/internal/models"
	"github.com/spf13/cobra"
)

func newWithdrawalCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "withdrawal",
		Short: "Review withdrawal requests",
	}

	var adminID int64
	list := &cobra.Command{
		Use:   "list",
		Short: "List pending withdrawal requests",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.wire(cmd.Context()); err != nil {
				return err
			}
			list, err := a.withdrawals.List(cmd.Context(), models.WithdrawalPending)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), list)
		},
	}

	approve := &cobra.Command{
		Use:   "approve <request-id>",
		Short: "Approve and debit a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.wire(cmd.Context()); err != nil {
				return err
			}
			req, err := a.withdrawals.Approve(cmd.Context(), args[0], adminID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), req)
		},
	}
	approve.Flags().Int64Var(&adminID, "admin", 0, "acting admin account id")
	_ = approve.MarkFlagRequired("admin")

	var reason string
	reject := &cobra.Command{
		Use:   "reject <request-id>",
		Short: "Reject a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.wire(cmd.Context()); err != nil {
				return err
			}
			req, err := a.withdrawals.Reject(cmd.Context(), args[0], adminID, reason)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), req)
		},
	}
	reject.Flags().Int64Var(&adminID, "admin", 0, "acting admin account id")
	reject.Flags().StringVar(&reason, "reason", "", "reason shown to the user")
	_ = reject.MarkFlagRequired("admin")
	_ = reject.MarkFlagRequired("reason")

	var payoutRef string
	paid := &cobra.Command{
		Use:   "paid <request-id>",
		Short: "Record the off-platform payout of an approved request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.wire(cmd.Context()); err != nil {
				return err
			}
			req, err := a.withdrawals.MarkPaid(cmd.Context(), args[0], payoutRef)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), req)
		},
	}
	paid.Flags().StringVar(&payoutRef, "ref", "", "payout transaction reference")
	_ = paid.MarkFlagRequired("ref")

	cmd.AddCommand(list, approve, reject, paid)
	return cmd
}
