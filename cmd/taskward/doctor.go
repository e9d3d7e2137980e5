package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/basket/taskward/internal/doctor"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check config, database, policy, schema, backups and the listener",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			d := doctor.Run(cmd.Context(), &cfg, Version)
			if err := printOutput(cmd.OutOrStdout(), d, jsonFlag(cmd), func(w io.Writer) {
				fmt.Fprintf(w, "taskward %s (%s/%s, %s)\n\n", d.System.Version, d.System.OS, d.System.Arch, d.System.Go)
				for _, r := range d.Results {
					fmt.Fprintf(w, "[%s] %-16s %s\n", statusLabel(r.Status), r.Name, r.Message)
					if r.Detail != "" {
						fmt.Fprintf(w, "       %s\n", r.Detail)
					}
				}
			}); err != nil {
				return err
			}
			if d.Failed() {
				return errors.New("one or more checks failed")
			}
			return nil
		},
	}
}

func statusLabel(status string) string {
	switch status {
	case "PASS":
		return color.GreenString(status)
	case "WARN":
		return color.YellowString(status)
	case "FAIL":
		return color.RedString(status)
	default:
		return status
	}
}
