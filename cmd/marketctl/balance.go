package main

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func newBalanceCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Inspect and correct account balances",
	}

	show := &cobra.Command{
		Use:   "show <account-id>",
		Short: "Print an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := parseAccountID(args[0])
			if err != nil {
				return err
			}
			if err := a.wire(cmd.Context()); err != nil {
				return err
			}
			account, err := a.ledger.GetAccount(cmd.Context(), accountID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), account)
		},
	}

	var delta string
	var adminID int64
	adjust := &cobra.Command{
		Use:   "adjust <account-id>",
		Short: "Apply a signed admin adjustment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := parseAccountID(args[0])
			if err != nil {
				return err
			}
			d, err := decimal.NewFromString(delta)
			if err != nil {
				return fmt.Errorf("invalid delta %q: %w", delta, err)
			}
			if err := a.wire(cmd.Context()); err != nil {
				return err
			}
			entryID, err := a.ledger.AdminAdjust(cmd.Context(), accountID, d, adminID)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "entry %s\n", entryID)
			return nil
		},
	}
	adjust.Flags().StringVar(&delta, "delta", "", "signed amount, e.g. -2.50")
	adjust.Flags().Int64Var(&adminID, "admin", 0, "acting admin account id")
	_ = adjust.MarkFlagRequired("delta")
	_ = adjust.MarkFlagRequired("admin")

	reconcile := &cobra.Command{
		Use:   "reconcile <account-id>",
		Short: "Compare the balance with the sum of its entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := parseAccountID(args[0])
			if err != nil {
				return err
			}
			if err := a.wire(cmd.Context()); err != nil {
				return err
			}
			report, err := a.ledger.Reconcile(cmd.Context(), accountID)
			if report != nil {
				if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
					return perr
				}
			}
			return err
		},
	}

	cmd.AddCommand(show, adjust, reconcile)
	return cmd
}

func parseAccountID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid account id %q", raw)
	}
	return id, nil
}
