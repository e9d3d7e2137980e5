package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/taskward/internal/coordination"
)

func newFindingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "finding",
		Short: "Post and read findings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	post := &cobra.Command{
		Use:   "post <task-id>",
		Short: "Append a finding to a task's log",
		Args:  cobra.ExactArgs(1),
		RunE:  runFindingPost,
	}
	post.Flags().String("agent", "", "Posting agent id")
	post.Flags().String("summary", "", "Finding summary")
	post.Flags().String("knowledge-id", "", "Optional external knowledge reference")

	list := &cobra.Command{
		Use:   "list <task-id>",
		Short: "List findings for a task, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE:  runFindingList,
	}
	list.Flags().String("since", "", "Only findings created after this RFC3339 time")

	cmd.AddCommand(post, list)
	return cmd
}

func runFindingPost(cmd *cobra.Command, args []string) error {
	agent, _ := cmd.Flags().GetString("agent")
	summary, _ := cmd.Flags().GetString("summary")
	knowledgeID, _ := cmd.Flags().GetString("knowledge-id")
	if strings.TrimSpace(summary) == "" {
		return fmt.Errorf("--summary is required")
	}

	env, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	id, err := env.svc.PostFinding(cmd.Context(), coordination.PostFindingRequest{
		TaskID:      args[0],
		Agent:       agent,
		Summary:     summary,
		KnowledgeID: knowledgeID,
	})
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), map[string]string{"finding_id": id}, jsonFlag(cmd), func(w io.Writer) {
		fmt.Fprintln(w, id)
	})
}

func runFindingList(cmd *cobra.Command, args []string) error {
	var since time.Time
	if raw, _ := cmd.Flags().GetString("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return fmt.Errorf("--since must be RFC3339: %w", err)
		}
		since = t
	}

	env, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	findings, err := env.svc.ListFindings(cmd.Context(), args[0], since)
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), map[string]any{"findings": findings}, jsonFlag(cmd), func(w io.Writer) {
		if len(findings) == 0 {
			fmt.Fprintln(w, "no findings")
			return
		}
		for _, f := range findings {
			fmt.Fprintf(w, "%s  %s: %s", f.CreatedAt.Local().Format(time.RFC3339), f.Agent, f.Summary)
			if f.KnowledgeID != "" {
				fmt.Fprintf(w, " (%s)", f.KnowledgeID)
			}
			fmt.Fprintln(w)
		}
	})
}
