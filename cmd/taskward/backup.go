package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/taskward/internal/cron"
)

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the coordination database now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := openLocal(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			dir := env.cfg.Backup.Dir
			if cmd.Flags().Changed("dir") {
				dir, _ = cmd.Flags().GetString("dir")
			}
			keep := env.cfg.Backup.Keep
			if cmd.Flags().Changed("keep") {
				keep, _ = cmd.Flags().GetInt("keep")
			}

			path, err := cron.RunBackup(cmd.Context(), env.store, dir, keep, time.Now())
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), map[string]string{"path": path}, jsonFlag(cmd), func(w io.Writer) {
				fmt.Fprintf(w, "backup written to %s\n", path)
			})
		},
	}
	cmd.Flags().String("dir", "", "Backup directory (default from config)")
	cmd.Flags().Int("keep", 0, "Snapshots to retain, 0 keeps all (default from config)")
	return cmd
}
