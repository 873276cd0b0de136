package main

import (
	"github.com/groupmarket/backend/internal/worker"
	"github.com/spf13/cobra"
)

func newSweepCmd(a *app) *cobra.Command {
	var health bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one recovery pass under the sweeper lease",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.wire(cmd.Context()); err != nil {
				return err
			}
			cfg := a.cfg.Sweeper
			if !health {
				cfg.HealthInterval = 0
			}
			return worker.NewSweeper(a.purchases, a.health, a.redis, cfg, a.logger).RunOnce(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&health, "health", false, "also health-check idle sessions")
	return cmd
}
