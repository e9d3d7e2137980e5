package mcp

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/basket/taskward/internal/coordination"
	"github.com/basket/taskward/internal/persistence"
	"github.com/basket/taskward/internal/policy"
)

func (s *Server) registerTools() {
	agentArg := mcp.WithString("agent", mcp.Description("Acting agent id"))
	taskArg := mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id"))
	aspectArg := mcp.WithString("aspect", mcp.Required(), mcp.Description(`Aspect of the task, e.g. "research" or "implementation"`))
	ttlArg := mcp.WithNumber("ttl_minutes", mcp.Description("Claim duration in minutes (0 uses the default; capped at the maximum)"))

	s.addTool(mcp.NewTool("taskward_agent_register",
		mcp.WithDescription("Register an agent or update its profile. Omitted fields keep their stored value."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Agent id")),
		mcp.WithString("name", mcp.Description("Display name")),
		mcp.WithString("type", mcp.Description("Agent type, e.g. researcher")),
		mcp.WithObject("metadata", mcp.Description("Free-form metadata object")),
	), policy.CapRegister, s.agentRegister)

	s.addTool(mcp.NewTool("taskward_agent_info",
		mcp.WithDescription("Get an agent record. Returns a null agent when the id is unknown."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Agent id")),
		mcp.WithReadOnlyHintAnnotation(true),
	), policy.CapRead, s.agentInfo)

	s.addTool(mcp.NewTool("taskward_agent_list",
		mcp.WithDescription("List known agents, most recently seen first."),
		mcp.WithString("type", mcp.Description("Only agents of this type")),
		mcp.WithString("active_since", mcp.Description("Only agents seen at or after this RFC3339 time")),
		mcp.WithReadOnlyHintAnnotation(true),
	), policy.CapRead, s.agentList)

	s.addTool(mcp.NewTool("taskward_task_create",
		mcp.WithDescription("Create an open task."),
		mcp.WithString("title", mcp.Required(), mcp.Description("Task title")),
		agentArg,
		mcp.WithString("description", mcp.Description("Task description")),
		mcp.WithArray("tags", mcp.WithStringItems(), mcp.Description("Task tags")),
	), policy.CapMutate, s.taskCreate)

	s.addTool(mcp.NewTool("taskward_task_get",
		mcp.WithDescription("Get a task record. Returns a null task when the id is unknown."),
		taskArg,
		mcp.WithReadOnlyHintAnnotation(true),
	), policy.CapRead, s.taskGet)

	s.addTool(mcp.NewTool("taskward_task_claim",
		mcp.WithDescription("Claim an aspect of a task. Fails when another agent holds a live claim on it."),
		taskArg, aspectArg, agentArg, ttlArg,
	), policy.CapMutate, s.taskClaim)

	s.addTool(mcp.NewTool("taskward_task_renew",
		mcp.WithDescription("Extend a live claim held by the agent."),
		taskArg, aspectArg, agentArg, ttlArg,
	), policy.CapMutate, s.taskRenew)

	s.addTool(mcp.NewTool("taskward_task_release",
		mcp.WithDescription("Release a claim held by the agent."),
		taskArg, aspectArg, agentArg,
	), policy.CapMutate, s.taskRelease)

	s.addTool(mcp.NewTool("taskward_task_complete",
		mcp.WithDescription("Mark an open task completed and drop its claims."),
		taskArg, agentArg,
	), policy.CapMutate, s.taskComplete)

	s.addTool(mcp.NewTool("taskward_task_status",
		mcp.WithDescription("Get a task with its live claims, or every open task when task_id is omitted."),
		mcp.WithString("task_id", mcp.Description("Task id")),
		mcp.WithReadOnlyHintAnnotation(true),
	), policy.CapRead, s.taskStatus)

	s.addTool(mcp.NewTool("taskward_finding_post",
		mcp.WithDescription("Append a finding to a task."),
		taskArg, agentArg,
		mcp.WithString("summary", mcp.Required(), mcp.Description("Finding summary")),
		mcp.WithString("knowledge_id", mcp.Description("Linked knowledge document id")),
	), policy.CapMutate, s.findingPost)

	s.addTool(mcp.NewTool("taskward_finding_list",
		mcp.WithDescription("List findings for a task, oldest first."),
		taskArg,
		mcp.WithString("since", mcp.Description("Only findings created after this RFC3339 time")),
		mcp.WithReadOnlyHintAnnotation(true),
	), policy.CapRead, s.findingList)

	s.addTool(mcp.NewTool("taskward_stats",
		mcp.WithDescription("Count agents, open tasks and live claims."),
		mcp.WithReadOnlyHintAnnotation(true),
	), policy.CapRead, s.stats)
}

func (s *Server) agentFrom(req mcp.CallToolRequest) string {
	return req.GetString("agent", s.cfg.DefaultAgent)
}

func timeArg(req mcp.CallToolRequest, key string) (time.Time, error) {
	raw := strings.TrimSpace(req.GetString(key, ""))
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be an RFC3339 time", coordination.ErrInvalidArgument, key)
	}
	return t, nil
}

func (s *Server) agentRegister(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	var patch coordination.AgentPatch
	if v, ok := args["name"].(string); ok {
		patch.Name = persistence.Some(v)
	}
	if v, ok := args["type"].(string); ok {
		patch.Type = persistence.Some(v)
	}
	if v, ok := args["metadata"].(map[string]any); ok {
		patch.Metadata = persistence.Some(v)
	}
	res, err := s.cfg.Service.RegisterAgent(ctx, req.GetString("id", ""), patch)
	if err != nil {
		return nil, err
	}
	return jsonResult(res)
}

func (s *Server) agentInfo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a, err := s.cfg.Service.GetAgent(ctx, req.GetString("id", ""))
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"agent": a})
}

func (s *Server) agentList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	since, err := timeArg(req, "active_since")
	if err != nil {
		return nil, err
	}
	agents, err := s.cfg.Service.ListAgents(ctx, coordination.AgentFilter{
		Type:        req.GetString("type", ""),
		ActiveSince: since,
	})
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"agents": agents})
}

func (s *Server) taskCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := s.cfg.Service.CreateTask(ctx, coordination.CreateTaskRequest{
		Title:       req.GetString("title", ""),
		Agent:       s.agentFrom(req),
		Description: req.GetString("description", ""),
		Tags:        req.GetStringSlice("tags", nil),
	})
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"task_id": taskID})
}

func (s *Server) taskGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := s.cfg.Service.GetTask(ctx, req.GetString("task_id", ""))
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"task": task})
}

func (s *Server) taskClaim(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := s.cfg.Service.Claim(ctx,
		req.GetString("task_id", ""), req.GetString("aspect", ""), s.agentFrom(req), s.ttlMinutes(req))
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"success": res.Success, "expires_at": res.ExpiresAt})
}

func (s *Server) taskRenew(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := s.cfg.Service.Renew(ctx,
		req.GetString("task_id", ""), req.GetString("aspect", ""), s.agentFrom(req), s.ttlMinutes(req))
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"success": res.Success, "new_expires_at": res.ExpiresAt})
}

// ttlMinutes reads ttl_minutes as the float JSON delivers. Values at or past
// the ceiling map to the ceiling before conversion, since a huge float
// wraps to a negative int and would fall back to the default TTL.
func (s *Server) ttlMinutes(req mcp.CallToolRequest) int {
	v := req.GetFloat("ttl_minutes", 0)
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	maxMinutes := int(s.cfg.Service.Limits().MaxTTL / time.Minute)
	if v >= float64(maxMinutes) {
		return maxMinutes
	}
	return int(v)
}

func (s *Server) taskRelease(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ok, err := s.cfg.Service.Release(ctx, req.GetString("task_id", ""), req.GetString("aspect", ""), s.agentFrom(req))
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"success": ok})
}

func (s *Server) taskComplete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ok, err := s.cfg.Service.CompleteTask(ctx, req.GetString("task_id", ""), s.agentFrom(req))
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"success": ok})
}

func (s *Server) taskStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	views, err := s.cfg.Service.TaskStatus(ctx, req.GetString("task_id", ""))
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"tasks": views})
}

func (s *Server) findingPost(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := s.cfg.Service.PostFinding(ctx, coordination.PostFindingRequest{
		TaskID:      req.GetString("task_id", ""),
		Agent:       s.agentFrom(req),
		Summary:     req.GetString("summary", ""),
		KnowledgeID: req.GetString("knowledge_id", ""),
	})
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"finding_id": id})
}

func (s *Server) findingList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := req.GetString("task_id", "")
	if taskID == "" {
		return nil, fmt.Errorf("%w: task_id is required", coordination.ErrInvalidArgument)
	}
	since, err := timeArg(req, "since")
	if err != nil {
		return nil, err
	}
	findings, err := s.cfg.Service.ListFindings(ctx, taskID, since)
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"findings": findings})
}

func (s *Server) stats(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := s.cfg.Service.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return jsonResult(st)
}
