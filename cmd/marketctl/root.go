package main

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	a := newApp()
	rootCmd := &cobra.Command{
		Use:           "marketctl",
		Short:         "Operator tools for the group marketplace",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			a.close()
		},
	}

	rootCmd.AddCommand(
		newMigrateCmd(a),
		newSweepCmd(a),
		newSessionCmd(a),
		newWithdrawalCmd(a),
		newBalanceCmd(a),
		newTokenCmd(a),
	)
	return rootCmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
