package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show agent, open task and live claim counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := openLocal(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			st, err := env.svc.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), st, jsonFlag(cmd), func(w io.Writer) {
				fmt.Fprintf(w, "Agents:      %d\n", st.Agents)
				fmt.Fprintf(w, "Open tasks:  %d\n", st.ActiveTasks)
				fmt.Fprintf(w, "Live claims: %d\n", st.OpenClaims)
			})
		},
	}
}
