package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/basket/taskward/internal/config"
	"github.com/basket/taskward/internal/coordination"
	"github.com/basket/taskward/internal/cron"
	"github.com/basket/taskward/internal/persistence"
	"github.com/basket/taskward/internal/policy"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed outright.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkPolicy,
		checkMetadataSchema,
		checkBackup,
		checkListener,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if err := cfg.Validate(); err != nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Invalid configuration", Detail: err.Error()}
	}
	if _, err := os.Stat(config.ConfigPath(cfg.HomeDir)); os.IsNotExist(err) {
		return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("No config.yaml in %s; using defaults", cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err), Detail: cfg.DBPath}
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Ping failed: %v", err), Detail: cfg.DBPath}
	}
	st, err := store.Stats(ctx, time.Now())
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err), Detail: cfg.DBPath}
	}

	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("%s (agents=%d open_tasks=%d live_claims=%d)", cfg.DBPath, st.Agents, st.ActiveTasks, st.OpenClaims),
	}
}

func checkPolicy(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Policy", Status: "SKIP", Message: "Config missing"}
	}
	path := config.PolicyPath(cfg.HomeDir)
	p, err := policy.Load(path)
	if err != nil {
		return CheckResult{Name: "Policy", Status: "FAIL", Message: "policy.yaml rejected", Detail: err.Error()}
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return CheckResult{Name: "Policy", Status: "WARN", Message: "No policy.yaml; default policy applies", Detail: p.PolicyVersion()}
	}
	return CheckResult{Name: "Policy", Status: "PASS", Message: "policy.yaml valid", Detail: p.PolicyVersion()}
}

func checkMetadataSchema(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Metadata Schema", Status: "SKIP", Message: "Config missing"}
	}
	path := cfg.MetadataSchemaPath()
	if path == "" {
		return CheckResult{Name: "Metadata Schema", Status: "SKIP", Message: "No agent metadata schema configured"}
	}
	if _, err := coordination.LoadMetadataValidator(path); err != nil {
		return CheckResult{Name: "Metadata Schema", Status: "FAIL", Message: "Schema failed to compile", Detail: err.Error()}
	}
	return CheckResult{Name: "Metadata Schema", Status: "PASS", Message: fmt.Sprintf("Compiled %s", path)}
}

func checkBackup(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Backup", Status: "SKIP", Message: "Config missing"}
	}
	schedule := strings.TrimSpace(cfg.Backup.Schedule)
	if schedule == "" {
		return CheckResult{Name: "Backup", Status: "WARN", Message: "No backup schedule configured", Detail: "Set backup.schedule in config.yaml or run `taskward backup`"}
	}
	next, err := cron.NextRunTime(schedule, time.Now())
	if err != nil {
		return CheckResult{Name: "Backup", Status: "FAIL", Message: fmt.Sprintf("Invalid schedule %q", schedule), Detail: err.Error()}
	}
	return CheckResult{
		Name:    "Backup",
		Status:  "PASS",
		Message: fmt.Sprintf("Next snapshot at %s", next.Format(time.RFC3339)),
		Detail:  fmt.Sprintf("dir=%s keep=%d", cfg.Backup.Dir, cfg.Backup.Keep),
	}
}

// checkListener probes bind_addr. An occupied port usually means the server
// is already running, so it only warns.
func checkListener(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Listener", Status: "SKIP", Message: "Config missing"}
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return CheckResult{Name: "Listener", Status: "WARN", Message: fmt.Sprintf("%s already in use (server running?)", cfg.BindAddr)}
		}
		return CheckResult{Name: "Listener", Status: "FAIL", Message: fmt.Sprintf("Cannot bind %s", cfg.BindAddr), Detail: err.Error()}
	}
	ln.Close()
	return CheckResult{Name: "Listener", Status: "PASS", Message: fmt.Sprintf("%s is free", cfg.BindAddr)}
}
