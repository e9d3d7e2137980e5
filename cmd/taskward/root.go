package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/taskward/internal/config"
	"github.com/basket/taskward/internal/coordination"
	"github.com/basket/taskward/internal/persistence"
	"github.com/basket/taskward/internal/telemetry"
)

const logo = "\n" +
	"  _            _                           _\n" +
	" | |_ __ _ ___| | ____      ____ _ _ __ __| |\n" +
	" | __/ _` / __| |/ /\\ \\ /\\ / / _` | '__/ _` |\n" +
	" | || (_| \\__ \\   <  \\ V  V / (_| | | | (_| |\n" +
	"  \\__\\__,_|___/_|\\_\\  \\_/\\_/ \\__,_|_|  \\__,_|\n"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "taskward",
		Short:         "Taskward - task coordination for agent swarms",
		Long:          color.CyanString(logo) + "\nShared task board, aspect claims and findings for cooperating agents.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if f, ok := cmd.OutOrStdout().(*os.File); !ok || !isatty.IsTerminal(f.Fd()) {
				color.NoColor = true
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().String("home", "", "Taskward home directory (default $TASKWARD_HOME or ~/.taskward)")
	root.PersistentFlags().Bool("json", false, "Output machine-readable JSON")

	root.AddCommand(
		newServeCmd(),
		newMCPCmd(),
		newTaskCmd(),
		newAgentCmd(),
		newFindingCmd(),
		newStatsCmd(),
		newWatchCmd(),
		newBackupCmd(),
		newDoctorCmd(),
		newStatusCmd(),
		newVersionCmd(),
	)
	return root
}

// loadConfig honors --home before falling back to the environment.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	home, _ := cmd.Flags().GetString("home")
	if strings.TrimSpace(home) != "" {
		return config.LoadFrom(home)
	}
	return config.Load()
}

func jsonFlag(cmd *cobra.Command) bool {
	asJSON, _ := cmd.Flags().GetBool("json")
	return asJSON
}

// localEnv is a coordination service backed directly by the local database.
// CLI commands act as the operator and are not subject to policy.
type localEnv struct {
	cfg   config.Config
	store *persistence.Store
	svc   *coordination.Service
}

func (e *localEnv) Close() error {
	return e.store.Close()
}

func openLocal(cmd *cobra.Command) (*localEnv, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	logger := slog.New(telemetry.NewHandler(cmd.ErrOrStderr(), "warn"))

	limits, err := coordination.LimitsFromMinutes(cfg.Coordination.ClaimDefaultTTLMinutes, cfg.Coordination.ClaimMaxTTLMinutes)
	if err != nil {
		return nil, err
	}
	meta, err := coordination.LoadMetadataValidator(cfg.MetadataSchemaPath())
	if err != nil {
		return nil, err
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	svc, err := coordination.New(coordination.Config{
		Store:    store,
		Limits:   limits,
		Logger:   logger,
		Metadata: meta,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &localEnv{cfg: cfg, store: store, svc: svc}, nil
}

func printJSON(w io.Writer, payload any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

// printOutput writes payload as JSON when asked, otherwise runs text.
func printOutput(w io.Writer, payload any, asJSON bool, text func(io.Writer)) error {
	if asJSON {
		return printJSON(w, payload)
	}
	text(w)
	return nil
}

// loadAuthToken resolves the gateway token: environment, config, then
// <home>/auth.token. A token is generated on first run.
func loadAuthToken(cfg config.Config) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("TASKWARD_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	if tok := strings.TrimSpace(cfg.AuthToken); tok != "" {
		return tok, nil
	}
	tokenPath := filepath.Join(cfg.HomeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.Trim(strings.TrimSpace(line[eq+1:]), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
