package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/basket/taskward/internal/coordination"
)

// errNotFound is returned when a lookup names an unknown id.
var errNotFound = errors.New("not found")

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create, claim and complete tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Create an open task",
		Args:  cobra.NoArgs,
		RunE:  runTaskCreate,
	}
	create.Flags().String("title", "", "Task title")
	create.Flags().String("agent", "", "Creating agent id")
	create.Flags().String("description", "", "Task description")
	create.Flags().StringSlice("tag", nil, "Tag (repeatable)")

	get := &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskGet,
	}

	status := &cobra.Command{
		Use:   "status [task-id]",
		Short: "Show open tasks and their live claims",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runTaskStatus,
	}

	claim := &cobra.Command{
		Use:   "claim <task-id>",
		Short: "Claim an aspect of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskLease(cmd, args, false)
		},
	}
	renew := &cobra.Command{
		Use:   "renew <task-id>",
		Short: "Extend a claim you hold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskLease(cmd, args, true)
		},
	}
	for _, c := range []*cobra.Command{claim, renew} {
		c.Flags().String("aspect", "", "Aspect of the task")
		c.Flags().String("agent", "", "Agent id")
		c.Flags().Int("ttl", 0, "Lease length in minutes (0 uses the default)")
	}

	release := &cobra.Command{
		Use:   "release <task-id>",
		Short: "Give up a claim you hold",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskRelease,
	}
	release.Flags().String("aspect", "", "Aspect of the task")
	release.Flags().String("agent", "", "Agent id")

	complete := &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Mark a task completed and drop its claims",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskComplete,
	}
	complete.Flags().String("agent", "", "Completing agent id")

	cmd.AddCommand(create, get, status, claim, renew, release, complete)
	return cmd
}

func runTaskCreate(cmd *cobra.Command, _ []string) error {
	title, _ := cmd.Flags().GetString("title")
	agent, _ := cmd.Flags().GetString("agent")
	desc, _ := cmd.Flags().GetString("description")
	tags, _ := cmd.Flags().GetStringSlice("tag")
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("--title is required")
	}

	env, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	id, err := env.svc.CreateTask(cmd.Context(), coordination.CreateTaskRequest{
		Title:       title,
		Agent:       agent,
		Description: desc,
		Tags:        tags,
	})
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), map[string]string{"task_id": id}, jsonFlag(cmd), func(w io.Writer) {
		fmt.Fprintln(w, id)
	})
}

func runTaskGet(cmd *cobra.Command, args []string) error {
	env, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	task, err := env.svc.GetTask(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task %s: %w", args[0], errNotFound)
	}
	return printOutput(cmd.OutOrStdout(), task, jsonFlag(cmd), func(w io.Writer) {
		fmt.Fprintf(w, "%s  %s  [%s]\n", task.ID, color.New(color.Bold).Sprint(task.Title), task.Status)
		if task.Description != "" {
			fmt.Fprintf(w, "  %s\n", task.Description)
		}
		fmt.Fprintf(w, "  created by %s at %s\n", task.CreatedBy, task.CreatedAt.Format(time.RFC3339))
		if len(task.Tags) > 0 {
			fmt.Fprintf(w, "  tags: %s\n", strings.Join(task.Tags, ", "))
		}
	})
}

func runTaskStatus(cmd *cobra.Command, args []string) error {
	env, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	taskID := ""
	if len(args) == 1 {
		taskID = args[0]
	}
	tasks, err := env.svc.TaskStatus(cmd.Context(), taskID)
	if err != nil {
		return err
	}
	now := time.Now()
	return printOutput(cmd.OutOrStdout(), map[string]any{"tasks": tasks}, jsonFlag(cmd), func(w io.Writer) {
		if len(tasks) == 0 {
			fmt.Fprintln(w, "no open tasks")
			return
		}
		for _, t := range tasks {
			fmt.Fprintf(w, "%s  %s\n", t.ID, color.New(color.Bold).Sprint(t.Title))
			if len(t.Claims) == 0 {
				fmt.Fprintln(w, "    unclaimed")
			}
			for _, c := range t.Claims {
				left := c.ExpiresAt.Sub(now).Truncate(time.Second)
				fmt.Fprintf(w, "    %s  %s  (%s left)\n", color.CyanString(c.Aspect), c.Agent, left)
			}
		}
	})
}

func runTaskLease(cmd *cobra.Command, args []string, renew bool) error {
	aspect, _ := cmd.Flags().GetString("aspect")
	agent, _ := cmd.Flags().GetString("agent")
	ttl, _ := cmd.Flags().GetInt("ttl")

	env, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	op, verb := env.svc.Claim, "claim"
	if renew {
		op, verb = env.svc.Renew, "renew"
	}
	res, err := op(cmd.Context(), args[0], aspect, agent, ttl)
	if err != nil {
		return err
	}
	if err := printOutput(cmd.OutOrStdout(), res, jsonFlag(cmd), func(w io.Writer) {
		if res.Success {
			fmt.Fprintf(w, "%s %s until %s\n", color.GreenString("ok"), verb, res.ExpiresAt.Local().Format(time.RFC3339))
		}
	}); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%s denied: %s", verb, res.Reason)
	}
	return nil
}

func runTaskRelease(cmd *cobra.Command, args []string) error {
	aspect, _ := cmd.Flags().GetString("aspect")
	agent, _ := cmd.Flags().GetString("agent")

	env, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	ok, err := env.svc.Release(cmd.Context(), args[0], aspect, agent)
	if err != nil {
		return err
	}
	return printSuccess(cmd, ok, "released", "no live claim to release")
}

func runTaskComplete(cmd *cobra.Command, args []string) error {
	agent, _ := cmd.Flags().GetString("agent")

	env, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	ok, err := env.svc.CompleteTask(cmd.Context(), args[0], agent)
	if err != nil {
		return err
	}
	return printSuccess(cmd, ok, "completed", "task is missing or not open")
}

func printSuccess(cmd *cobra.Command, ok bool, done, failed string) error {
	if err := printOutput(cmd.OutOrStdout(), map[string]bool{"success": ok}, jsonFlag(cmd), func(w io.Writer) {
		if ok {
			fmt.Fprintln(w, color.GreenString(done))
		}
	}); err != nil {
		return err
	}
	if !ok {
		return errors.New(failed)
	}
	return nil
}
