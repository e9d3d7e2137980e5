package mcp_test

import (
	"context"
	"encoding/json"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/basket/taskward/internal/coordination"
	"github.com/basket/taskward/internal/mcp"
	"github.com/basket/taskward/internal/persistence"
	"github.com/basket/taskward/internal/policy"
)

func newTestServer(t *testing.T, pol policy.Checker, defaultAgent string) *mcp.Server {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "coordination.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	svc, err := coordination.New(coordination.Config{Store: store})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return mcp.NewServer(mcp.Config{Service: svc, Policy: pol, DefaultAgent: defaultAgent, Version: "test"})
}

func callJSON(t *testing.T, s *mcp.Server, name string, args map[string]any, out any) *mcpgo.CallToolResult {
	t.Helper()
	res, err := s.Call(context.Background(), name, args)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	if res.IsError {
		t.Fatalf("%s returned tool error: %s", name, resultText(t, res))
	}
	if out != nil {
		if err := json.Unmarshal([]byte(resultText(t, res)), out); err != nil {
			t.Fatalf("%s: decode %q: %v", name, resultText(t, res), err)
		}
	}
	return res
}

func resultText(t *testing.T, res *mcpgo.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	text, ok := res.Content[0].(mcpgo.TextContent)
	if !ok {
		t.Fatalf("unexpected content type %T", res.Content[0])
	}
	return text.Text
}

func TestServer_RegistersAllTools(t *testing.T) {
	s := newTestServer(t, policy.Default(), "")
	want := []string{
		"taskward_agent_info", "taskward_agent_list", "taskward_agent_register",
		"taskward_finding_list", "taskward_finding_post", "taskward_stats",
		"taskward_task_claim", "taskward_task_complete", "taskward_task_create",
		"taskward_task_get", "taskward_task_release", "taskward_task_renew",
		"taskward_task_status",
	}
	got := s.ToolNames()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("tools = %v", got)
	}
	if s.MCPServer() == nil {
		t.Fatal("nil mcp server")
	}
}

func TestServer_ClaimWorkflow(t *testing.T) {
	s := newTestServer(t, policy.Default(), "")

	var created struct {
		TaskID string `json:"task_id"`
	}
	callJSON(t, s, "taskward_task_create", map[string]any{
		"title": "index docs", "agent": "A", "tags": []any{"docs", "docs", "search"},
	}, &created)
	if created.TaskID == "" {
		t.Fatal("empty task id")
	}

	var claim struct {
		Success   bool    `json:"success"`
		ExpiresAt *string `json:"expires_at"`
	}
	callJSON(t, s, "taskward_task_claim", map[string]any{
		"task_id": created.TaskID, "aspect": "research", "agent": "A", "ttl_minutes": float64(30),
	}, &claim)
	if !claim.Success || claim.ExpiresAt == nil {
		t.Fatalf("claim: %+v", claim)
	}
	callJSON(t, s, "taskward_task_claim", map[string]any{
		"task_id": created.TaskID, "aspect": "research", "agent": "B",
	}, &claim)
	if claim.Success || claim.ExpiresAt != nil {
		t.Fatalf("conflicting claim should fail with null expiry: %+v", claim)
	}

	var renew struct {
		Success      bool    `json:"success"`
		NewExpiresAt *string `json:"new_expires_at"`
	}
	callJSON(t, s, "taskward_task_renew", map[string]any{
		"task_id": created.TaskID, "aspect": "research", "agent": "A", "ttl_minutes": float64(60),
	}, &renew)
	if !renew.Success || renew.NewExpiresAt == nil {
		t.Fatalf("renew: %+v", renew)
	}

	var status struct {
		Tasks []coordination.TaskClaims `json:"tasks"`
	}
	callJSON(t, s, "taskward_task_status", map[string]any{}, &status)
	if len(status.Tasks) != 1 || len(status.Tasks[0].Claims) != 1 || status.Tasks[0].Claims[0].Agent != "A" {
		t.Fatalf("status: %+v", status.Tasks)
	}

	var task struct {
		Task *coordination.Task `json:"task"`
	}
	callJSON(t, s, "taskward_task_get", map[string]any{"task_id": created.TaskID}, &task)
	if task.Task == nil || len(task.Task.Tags) != 2 {
		t.Fatalf("task: %+v", task.Task)
	}

	var ok struct {
		Success bool `json:"success"`
	}
	callJSON(t, s, "taskward_task_release", map[string]any{
		"task_id": created.TaskID, "aspect": "research", "agent": "A",
	}, &ok)
	if !ok.Success {
		t.Fatal("release should succeed")
	}
	callJSON(t, s, "taskward_task_complete", map[string]any{"task_id": created.TaskID, "agent": "A"}, &ok)
	if !ok.Success {
		t.Fatal("complete should succeed")
	}

	var st coordination.Stats
	callJSON(t, s, "taskward_stats", nil, &st)
	if st != (coordination.Stats{Agents: 2, ActiveTasks: 0, OpenClaims: 0}) {
		t.Fatalf("stats = %+v", st)
	}
}

func TestServer_OverlongTTLIsCappedAtCeiling(t *testing.T) {
	s := newTestServer(t, policy.Default(), "W")

	var created struct {
		TaskID string `json:"task_id"`
	}
	callJSON(t, s, "taskward_task_create", map[string]any{"title": "long job"}, &created)

	ceiling := coordination.MaxClaimTTL
	for i, ttl := range []float64{99999, 1e19, 1e30, math.Inf(1)} {
		aspect := "work-" + string(rune('a'+i))
		var claim struct {
			Success   bool       `json:"success"`
			ExpiresAt *time.Time `json:"expires_at"`
		}
		before := time.Now()
		callJSON(t, s, "taskward_task_claim", map[string]any{
			"task_id": created.TaskID, "aspect": aspect, "ttl_minutes": ttl,
		}, &claim)
		after := time.Now()
		if !claim.Success || claim.ExpiresAt == nil {
			t.Fatalf("ttl %g: claim failed: %+v", ttl, claim)
		}
		if claim.ExpiresAt.Before(before.Add(ceiling).Add(-time.Second)) || claim.ExpiresAt.After(after.Add(ceiling).Add(time.Second)) {
			t.Fatalf("ttl %g: expires_at %s not capped at now+%s", ttl, claim.ExpiresAt, ceiling)
		}

		var renew struct {
			Success      bool       `json:"success"`
			NewExpiresAt *time.Time `json:"new_expires_at"`
		}
		callJSON(t, s, "taskward_task_renew", map[string]any{
			"task_id": created.TaskID, "aspect": aspect, "ttl_minutes": ttl,
		}, &renew)
		if !renew.Success || renew.NewExpiresAt == nil || renew.NewExpiresAt.After(time.Now().Add(ceiling).Add(time.Second)) {
			t.Fatalf("ttl %g: renew not capped: %+v", ttl, renew)
		}
	}
}

func TestServer_FindingsAndAgents(t *testing.T) {
	s := newTestServer(t, policy.Default(), "scribe")

	var reg coordination.RegisterResult
	callJSON(t, s, "taskward_agent_register", map[string]any{
		"id": "scribe", "type": "writer", "metadata": map[string]any{"lang": "en"},
	}, &reg)
	if !reg.Created {
		t.Fatalf("register: %+v", reg)
	}

	// agent falls back to the server default.
	var posted struct {
		FindingID string `json:"finding_id"`
	}
	callJSON(t, s, "taskward_finding_post", map[string]any{
		"task_id": "t-1", "summary": "found it", "knowledge_id": "kb-9",
	}, &posted)
	if posted.FindingID == "" {
		t.Fatal("empty finding id")
	}

	var list struct {
		Findings []coordination.Finding `json:"findings"`
	}
	callJSON(t, s, "taskward_finding_list", map[string]any{"task_id": "t-1"}, &list)
	if len(list.Findings) != 1 || list.Findings[0].Agent != "scribe" || list.Findings[0].KnowledgeID != "kb-9" {
		t.Fatalf("findings: %+v", list.Findings)
	}

	var info struct {
		Agent *coordination.Agent `json:"agent"`
	}
	callJSON(t, s, "taskward_agent_info", map[string]any{"id": "scribe"}, &info)
	if info.Agent == nil || info.Agent.Type != "writer" || info.Agent.Metadata["lang"] != "en" {
		t.Fatalf("agent: %+v", info.Agent)
	}
	callJSON(t, s, "taskward_agent_info", map[string]any{"id": "nobody"}, &info)
	if info.Agent != nil {
		t.Fatalf("unknown agent should be null: %+v", info.Agent)
	}

	var agents struct {
		Agents []coordination.Agent `json:"agents"`
	}
	callJSON(t, s, "taskward_agent_list", map[string]any{"type": "writer"}, &agents)
	if len(agents.Agents) != 1 {
		t.Fatalf("agents: %+v", agents.Agents)
	}
}

func TestServer_InvalidArgumentsAreToolErrors(t *testing.T) {
	s := newTestServer(t, policy.Default(), "")
	cases := []struct {
		tool string
		args map[string]any
	}{
		{"taskward_task_create", map[string]any{"title": "no agent"}},
		{"taskward_task_claim", map[string]any{"task_id": "t", "agent": "A"}},
		{"taskward_finding_list", map[string]any{}},
		{"taskward_finding_list", map[string]any{"task_id": "t", "since": "not-a-time"}},
		{"taskward_agent_list", map[string]any{"active_since": "tomorrow"}},
	}
	for _, tc := range cases {
		res, err := s.Call(context.Background(), tc.tool, tc.args)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.tool, err)
		}
		if !res.IsError {
			t.Fatalf("%s: expected tool error for %v", tc.tool, tc.args)
		}
	}

	if _, err := s.Call(context.Background(), "taskward_nope", nil); err == nil {
		t.Fatal("expected unknown tool error")
	}
}

func TestServer_PolicyDenied(t *testing.T) {
	s := newTestServer(t, policy.Policy{
		AllowCapabilities: []string{policy.CapRead, policy.CapMutate},
		AgentRules:        []policy.AgentRule{{Agent: "viewer", Capabilities: []string{policy.CapRead}}},
	}, "")

	res, err := s.Call(context.Background(), "taskward_task_create", map[string]any{"title": "x", "agent": "viewer"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !res.IsError || !strings.Contains(resultText(t, res), "policy denied") {
		t.Fatalf("expected policy denial, got %+v", res)
	}

	// register capability is not in the allowlist.
	res, err = s.Call(context.Background(), "taskward_agent_register", map[string]any{"id": "someone"})
	if err != nil || !res.IsError {
		t.Fatalf("expected register denial, got %+v %v", res, err)
	}

	callJSON(t, s, "taskward_stats", nil, nil)
}
