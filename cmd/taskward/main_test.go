package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/basket/taskward/internal/config"
)

func runRootCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return runRootCommandContext(t, context.Background(), args...)
}

func runRootCommandContext(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	root := newRootCmd()
	root.SetOut(out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	_, err := root.ExecuteContextC(ctx)
	return strings.TrimSpace(out.String()), err
}

// runJSON runs a command with --json against home and decodes the output.
func runJSON(t *testing.T, home string, v any, args ...string) {
	t.Helper()
	out, err := runRootCommand(t, append([]string{"--home", home, "--json"}, args...)...)
	if err != nil {
		t.Fatalf("%v: %v (output %q)", args, err, out)
	}
	if err := json.Unmarshal([]byte(out), v); err != nil {
		t.Fatalf("%v: decode %q: %v", args, out, err)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := runRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if out != "taskward "+Version {
		t.Fatalf("got %q", out)
	}
}

func TestTaskWorkflow(t *testing.T) {
	home := t.TempDir()

	var created struct {
		TaskID string `json:"task_id"`
	}
	runJSON(t, home, &created, "task", "create", "--title", "refactor parser", "--agent", "alice", "--tag", "go", "--tag", "parser")
	if created.TaskID == "" {
		t.Fatal("expected a task id")
	}

	var claim struct {
		Success   bool   `json:"success"`
		ExpiresAt string `json:"expires_at"`
	}
	runJSON(t, home, &claim, "task", "claim", created.TaskID, "--aspect", "impl", "--agent", "bob", "--ttl", "30")
	if !claim.Success || claim.ExpiresAt == "" {
		t.Fatalf("claim: %+v", claim)
	}

	_, err := runRootCommand(t, "--home", home, "task", "claim", created.TaskID, "--aspect", "impl", "--agent", "carol")
	if err == nil || !strings.Contains(err.Error(), "claim denied") {
		t.Fatalf("expected conflicting claim to fail, got %v", err)
	}

	var status struct {
		Tasks []struct {
			ID     string `json:"id"`
			Claims []struct {
				Aspect string `json:"aspect"`
				Agent  string `json:"agent"`
			} `json:"claims"`
		} `json:"tasks"`
	}
	runJSON(t, home, &status, "task", "status")
	if len(status.Tasks) != 1 || len(status.Tasks[0].Claims) != 1 || status.Tasks[0].Claims[0].Agent != "bob" {
		t.Fatalf("status: %+v", status)
	}

	out, err := runRootCommand(t, "--home", home, "task", "get", created.TaskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !strings.Contains(out, "refactor parser") || !strings.Contains(out, "tags: go, parser") {
		t.Fatalf("get output: %q", out)
	}

	if _, err := runRootCommand(t, "--home", home, "task", "release", created.TaskID, "--aspect", "impl", "--agent", "bob"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := runRootCommand(t, "--home", home, "task", "release", created.TaskID, "--aspect", "impl", "--agent", "bob"); err == nil {
		t.Fatal("second release should report nothing released")
	}

	if _, err := runRootCommand(t, "--home", home, "task", "complete", created.TaskID, "--agent", "alice"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	out, err = runRootCommand(t, "--home", home, "task", "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if out != "no open tasks" {
		t.Fatalf("status after complete: %q", out)
	}
}

func TestTaskCommands_Validation(t *testing.T) {
	home := t.TempDir()
	if _, err := runRootCommand(t, "--home", home, "task", "create"); err == nil {
		t.Fatal("create without --title should fail")
	}
	if _, err := runRootCommand(t, "--home", home, "task", "get", "missing"); !errors.Is(err, errNotFound) {
		t.Fatalf("expected errNotFound, got %v", err)
	}
	if _, err := runRootCommand(t, "--home", home, "task", "claim", "some-task", "--agent", "bob"); err == nil {
		t.Fatal("claim without --aspect should fail")
	}
}

func TestAgentCommands(t *testing.T) {
	home := t.TempDir()

	var reg struct {
		Success bool `json:"success"`
		Created bool `json:"created"`
	}
	runJSON(t, home, &reg, "agent", "register", "alice", "--name", "Alice", "--type", "coder", "--metadata", `{"model":"large"}`)
	if !reg.Success || !reg.Created {
		t.Fatalf("register: %+v", reg)
	}
	runJSON(t, home, &reg, "agent", "register", "alice", "--type", "reviewer")
	if !reg.Success || reg.Created {
		t.Fatalf("re-register: %+v", reg)
	}

	if _, err := runRootCommand(t, "--home", home, "agent", "register", "bob", "--metadata", "not-json"); err == nil {
		t.Fatal("invalid metadata JSON should fail")
	}

	var agent struct {
		ID       string         `json:"id"`
		Name     string         `json:"name"`
		Type     string         `json:"type"`
		Metadata map[string]any `json:"metadata"`
	}
	runJSON(t, home, &agent, "agent", "get", "alice")
	if agent.Name != "Alice" || agent.Type != "reviewer" || agent.Metadata["model"] != "large" {
		t.Fatalf("get: %+v", agent)
	}

	var list struct {
		Agents []struct {
			ID string `json:"id"`
		} `json:"agents"`
	}
	runJSON(t, home, &list, "agent", "list", "--type", "reviewer", "--active-within", "1h")
	if len(list.Agents) != 1 || list.Agents[0].ID != "alice" {
		t.Fatalf("list: %+v", list)
	}
	runJSON(t, home, &list, "agent", "list", "--type", "coder")
	if len(list.Agents) != 0 {
		t.Fatalf("expected no coders, got %+v", list)
	}

	if _, err := runRootCommand(t, "--home", home, "agent", "get", "nobody"); !errors.Is(err, errNotFound) {
		t.Fatalf("expected errNotFound, got %v", err)
	}
}

func TestFindingCommands(t *testing.T) {
	home := t.TempDir()

	var posted struct {
		FindingID string `json:"finding_id"`
	}
	runJSON(t, home, &posted, "finding", "post", "task-1", "--agent", "alice", "--summary", "parser leaks memory", "--knowledge-id", "kb-7")
	if posted.FindingID == "" {
		t.Fatal("expected finding id")
	}

	out, err := runRootCommand(t, "--home", home, "finding", "list", "task-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "alice: parser leaks memory (kb-7)") {
		t.Fatalf("list output: %q", out)
	}

	var list struct {
		Findings []any `json:"findings"`
	}
	runJSON(t, home, &list, "finding", "list", "task-1", "--since", "2999-01-01T00:00:00Z")
	if len(list.Findings) != 0 {
		t.Fatalf("expected nothing after a future since, got %d", len(list.Findings))
	}
	if _, err := runRootCommand(t, "--home", home, "finding", "list", "task-1", "--since", "yesterday"); err == nil {
		t.Fatal("bad --since should fail")
	}
}

func TestStatsAndBackupCommands(t *testing.T) {
	home := t.TempDir()
	if _, err := runRootCommand(t, "--home", home, "task", "create", "--title", "t", "--agent", "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}

	var st struct {
		Agents      int `json:"agents"`
		ActiveTasks int `json:"active_tasks"`
		OpenClaims  int `json:"open_claims"`
	}
	runJSON(t, home, &st, "stats")
	if st.Agents != 1 || st.ActiveTasks != 1 || st.OpenClaims != 0 {
		t.Fatalf("stats: %+v", st)
	}

	dir := filepath.Join(t.TempDir(), "snapshots")
	var backup struct {
		Path string `json:"path"`
	}
	runJSON(t, home, &backup, "backup", "--dir", dir, "--keep", "2")
	if filepath.Dir(backup.Path) != dir {
		t.Fatalf("backup path %q not in %q", backup.Path, dir)
	}
	if _, err := os.Stat(backup.Path); err != nil {
		t.Fatalf("backup file: %v", err)
	}
}

func TestLoadAuthToken(t *testing.T) {
	home := t.TempDir()
	cfg := config.Config{HomeDir: home}

	t.Setenv("TASKWARD_AUTH_TOKEN", " from-env ")
	if tok, err := loadAuthToken(cfg); err != nil || tok != "from-env" {
		t.Fatalf("env: %q %v", tok, err)
	}
	t.Setenv("TASKWARD_AUTH_TOKEN", "")

	cfg.AuthToken = "from-config"
	if tok, err := loadAuthToken(cfg); err != nil || tok != "from-config" {
		t.Fatalf("config: %q %v", tok, err)
	}
	cfg.AuthToken = ""

	generated, err := loadAuthToken(cfg)
	if err != nil || generated == "" {
		t.Fatalf("generate: %q %v", generated, err)
	}
	info, err := os.Stat(filepath.Join(home, "auth.token"))
	if err != nil {
		t.Fatalf("stat auth.token: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("auth.token mode = %o, want 600", perm)
	}
	again, err := loadAuthToken(cfg)
	if err != nil || again != generated {
		t.Fatalf("expected persisted token %q, got %q %v", generated, again, err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "# comment\nTASKWARD_TEST_A=one\nTASKWARD_TEST_B = \"two\"\nmalformed\nTASKWARD_TEST_C=three\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TASKWARD_TEST_A", "")
	t.Setenv("TASKWARD_TEST_B", "")
	t.Setenv("TASKWARD_TEST_C", "preset")

	loadDotEnv(path)
	if got := os.Getenv("TASKWARD_TEST_A"); got != "one" {
		t.Errorf("A = %q", got)
	}
	if got := os.Getenv("TASKWARD_TEST_B"); got != "two" {
		t.Errorf("B = %q", got)
	}
	if got := os.Getenv("TASKWARD_TEST_C"); got != "preset" {
		t.Errorf("existing values must win, C = %q", got)
	}
	loadDotEnv(filepath.Join(t.TempDir(), "missing.env"))
}

func TestIsAddrInUse(t *testing.T) {
	inUse := &net.OpError{Op: "listen", Net: "tcp", Err: os.NewSyscallError("bind", syscall.EADDRINUSE)}
	if !isAddrInUse(inUse) {
		t.Fatal("expected EADDRINUSE to be detected")
	}
	if isAddrInUse(errors.New("permission denied")) {
		t.Fatal("unrelated error should not match")
	}
	if !isAddrInUse(errors.New("listen tcp :80: bind: address already in use")) {
		t.Fatal("expected message fallback to match")
	}
}

func TestDoctorCommand(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("bind_addr: \"127.0.0.1:0\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	var d struct {
		Results []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"results"`
	}
	runJSON(t, home, &d, "doctor")
	if len(d.Results) == 0 {
		t.Fatal("expected check results")
	}
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			t.Fatalf("unexpected failure: %+v", r)
		}
	}
}
