package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newReapCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Fail initialization runs that stopped making progress",
		Long: `Runs a single reaper pass against the configured store and exits.

Runs in pending or in_progress whose last update is older than
orchestrator.stuck_timeout are marked failed with "Initialization timed out".
Meant for cron when orchestrator.reap_interval is 0.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.orch.ReapStuck(ctx)
			if err != nil {
				return err
			}
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := a.orch.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("Orchestrator shutdown error", "error", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reaped %d run(s)\n", n)
			return nil
		},
	}
}
