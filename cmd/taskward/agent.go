package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/taskward/internal/coordination"
	"github.com/basket/taskward/internal/persistence"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Register and inspect agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	register := &cobra.Command{
		Use:   "register <agent-id>",
		Short: "Register an agent or update its profile",
		Args:  cobra.ExactArgs(1),
		RunE:  runAgentRegister,
	}
	register.Flags().String("name", "", "Display name")
	register.Flags().String("type", "", "Agent type")
	register.Flags().String("metadata", "", "Metadata as a JSON object")

	get := &cobra.Command{
		Use:   "get <agent-id>",
		Short: "Show one agent",
		Args:  cobra.ExactArgs(1),
		RunE:  runAgentGet,
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List known agents",
		Args:  cobra.NoArgs,
		RunE:  runAgentList,
	}
	list.Flags().String("type", "", "Only agents of this type")
	list.Flags().Duration("active-within", 0, "Only agents seen within this window (e.g. 15m)")

	cmd.AddCommand(register, get, list)
	return cmd
}

func runAgentRegister(cmd *cobra.Command, args []string) error {
	var patch coordination.AgentPatch
	if cmd.Flags().Changed("name") {
		name, _ := cmd.Flags().GetString("name")
		patch.Name = persistence.Some(name)
	}
	if cmd.Flags().Changed("type") {
		typ, _ := cmd.Flags().GetString("type")
		patch.Type = persistence.Some(typ)
	}
	if cmd.Flags().Changed("metadata") {
		raw, _ := cmd.Flags().GetString("metadata")
		var md map[string]any
		if err := json.Unmarshal([]byte(raw), &md); err != nil {
			return fmt.Errorf("--metadata must be a JSON object: %w", err)
		}
		patch.Metadata = persistence.Some(md)
	}

	env, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	res, err := env.svc.RegisterAgent(cmd.Context(), args[0], patch)
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), res, jsonFlag(cmd), func(w io.Writer) {
		if res.Created {
			fmt.Fprintf(w, "registered %s\n", args[0])
		} else {
			fmt.Fprintf(w, "updated %s\n", args[0])
		}
	})
}

func runAgentGet(cmd *cobra.Command, args []string) error {
	env, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	agent, err := env.svc.GetAgent(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if agent == nil {
		return fmt.Errorf("agent %s: %w", args[0], errNotFound)
	}
	return printOutput(cmd.OutOrStdout(), agent, jsonFlag(cmd), func(w io.Writer) {
		printAgentLine(w, *agent)
		if len(agent.Metadata) > 0 {
			b, _ := json.Marshal(agent.Metadata)
			fmt.Fprintf(w, "  metadata: %s\n", b)
		}
	})
}

func runAgentList(cmd *cobra.Command, _ []string) error {
	typ, _ := cmd.Flags().GetString("type")
	within, _ := cmd.Flags().GetDuration("active-within")

	env, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	filter := coordination.AgentFilter{Type: typ}
	if within > 0 {
		filter.ActiveSince = time.Now().Add(-within)
	}
	agents, err := env.svc.ListAgents(cmd.Context(), filter)
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), map[string]any{"agents": agents}, jsonFlag(cmd), func(w io.Writer) {
		if len(agents) == 0 {
			fmt.Fprintln(w, "no agents")
			return
		}
		for _, a := range agents {
			printAgentLine(w, a)
		}
	})
}

func printAgentLine(w io.Writer, a coordination.Agent) {
	label := a.ID
	if a.Name != "" {
		label += " (" + a.Name + ")"
	}
	if a.Type != "" {
		label += " [" + a.Type + "]"
	}
	fmt.Fprintf(w, "%s  last seen %s\n", label, a.LastSeenAt.Local().Format(time.RFC3339))
}
