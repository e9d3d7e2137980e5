package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/basket/taskward/internal/audit"
	"github.com/basket/taskward/internal/config"
	"github.com/basket/taskward/internal/coordination"
	"github.com/basket/taskward/internal/mcp"
	"github.com/basket/taskward/internal/persistence"
	"github.com/basket/taskward/internal/policy"
	"github.com/basket/taskward/internal/telemetry"
)

func newMCPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the coordination tools over MCP on stdio",
		Long: "Serve the coordination tools over the Model Context Protocol on stdin/stdout.\n" +
			"Logs go to the log file only so the protocol stream stays clean.",
		Args: cobra.NoArgs,
		RunE: runMCP,
	}
	cmd.Flags().String("agent", "", "Agent id used when a tool call does not name one")
	return cmd
}

func runMCP(cmd *cobra.Command, _ []string) error {
	defaultAgent, _ := cmd.Flags().GetString("agent")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	if err := audit.Init(cfg.HomeDir); err != nil {
		return fmt.Errorf("audit init: %w", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())

	pol, err := policy.Load(config.PolicyPath(cfg.HomeDir))
	if err != nil {
		return err
	}
	meta, err := coordination.LoadMetadataValidator(cfg.MetadataSchemaPath())
	if err != nil {
		return err
	}
	limits, err := coordination.LimitsFromMinutes(cfg.Coordination.ClaimDefaultTTLMinutes, cfg.Coordination.ClaimMaxTTLMinutes)
	if err != nil {
		return err
	}
	svc, err := coordination.New(coordination.Config{
		Store:    store,
		Limits:   limits,
		Logger:   logger,
		Metadata: meta,
	})
	if err != nil {
		return err
	}

	srv := mcp.NewServer(mcp.Config{
		Service:      svc,
		Policy:       pol,
		Name:         "taskward",
		Version:      Version,
		DefaultAgent: defaultAgent,
		Logger:       logger,
	})
	logger.Info("mcp server starting", "tools", len(srv.ToolNames()), "default_agent", defaultAgent)
	return srv.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
}
