package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/taskward/internal/tui"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live dashboard of open tasks, claims and agent activity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			interval, _ := cmd.Flags().GetDuration("interval")
			window, _ := cmd.Flags().GetDuration("active-window")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			env, err := openLocal(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			err = tui.Run(ctx, func(ctx context.Context) tui.Snapshot {
				return tui.NewSnapshot(ctx, env.svc, window)
			}, interval)
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().Duration("interval", time.Second, "Refresh interval")
	cmd.Flags().Duration("active-window", 15*time.Minute, "How recently an agent must be seen to count as active")
	return cmd
}
