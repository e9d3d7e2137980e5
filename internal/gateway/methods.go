package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/basket/taskward/internal/coordination"
	"github.com/basket/taskward/internal/persistence"
)

func decodeParams(raw json.RawMessage, v any) *rpcError {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &rpcError{Code: ErrCodeInvalidParams, Message: "invalid params"}
	}
	return nil
}

func (s *Server) rpcSystemStatus(ctx context.Context) (any, *rpcError) {
	st, err := s.cfg.Service.Stats(ctx)
	if err != nil {
		return nil, toRPCError(err)
	}
	policyVersion := ""
	if s.cfg.Policy != nil {
		policyVersion = s.cfg.Policy.PolicyVersion()
	}
	return map[string]any{
		"version":        s.cfg.Version,
		"config_hash":    s.cfg.ConfigFingerprint,
		"policy_version": policyVersion,
		"limits":         limitsView(s.cfg.Service.Limits()),
		"stats":          st,
		"ws_clients":     s.clientCount(),
		"uptime_s":       int64(time.Since(s.started).Seconds()),
	}, nil
}

func (s *Server) rpcAgentRegister(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p struct {
		ID       string          `json:"id"`
		Name     *string         `json:"name"`
		Type     *string         `json:"type"`
		Metadata *map[string]any `json:"metadata"`
	}
	if e := decodeParams(raw, &p); e != nil {
		return nil, e
	}
	var patch coordination.AgentPatch
	if p.Name != nil {
		patch.Name = persistence.Some(*p.Name)
	}
	if p.Type != nil {
		patch.Type = persistence.Some(*p.Type)
	}
	if p.Metadata != nil {
		patch.Metadata = persistence.Some(*p.Metadata)
	}
	res, err := s.cfg.Service.RegisterAgent(ctx, p.ID, patch)
	if err != nil {
		return nil, toRPCError(err)
	}
	return res, nil
}

func (s *Server) rpcAgentGet(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p struct {
		ID string `json:"id"`
	}
	if e := decodeParams(raw, &p); e != nil {
		return nil, e
	}
	a, err := s.cfg.Service.GetAgent(ctx, p.ID)
	if err != nil {
		return nil, toRPCError(err)
	}
	return map[string]any{"agent": a}, nil
}

func (s *Server) rpcAgentList(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p struct {
		Type        string    `json:"type"`
		ActiveSince time.Time `json:"active_since"`
	}
	if e := decodeParams(raw, &p); e != nil {
		return nil, e
	}
	agents, err := s.cfg.Service.ListAgents(ctx, coordination.AgentFilter{Type: p.Type, ActiveSince: p.ActiveSince})
	if err != nil {
		return nil, toRPCError(err)
	}
	return map[string]any{"agents": agents}, nil
}

func (s *Server) rpcTaskCreate(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p struct {
		Title       string   `json:"title"`
		Agent       string   `json:"agent"`
		Description string   `json:"description"`
		Tags        []string `json:"tags"`
	}
	if e := decodeParams(raw, &p); e != nil {
		return nil, e
	}
	taskID, err := s.cfg.Service.CreateTask(ctx, coordination.CreateTaskRequest{
		Title:       p.Title,
		Agent:       p.Agent,
		Description: p.Description,
		Tags:        p.Tags,
	})
	if err != nil {
		return nil, toRPCError(err)
	}
	return map[string]any{"task_id": taskID}, nil
}

func (s *Server) rpcTaskGet(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p struct {
		TaskID string `json:"task_id"`
	}
	if e := decodeParams(raw, &p); e != nil {
		return nil, e
	}
	task, err := s.cfg.Service.GetTask(ctx, p.TaskID)
	if err != nil {
		return nil, toRPCError(err)
	}
	return map[string]any{"task": task}, nil
}

func (s *Server) rpcTaskStatus(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p struct {
		TaskID string `json:"task_id"`
	}
	if e := decodeParams(raw, &p); e != nil {
		return nil, e
	}
	views, err := s.cfg.Service.TaskStatus(ctx, p.TaskID)
	if err != nil {
		return nil, toRPCError(err)
	}
	return map[string]any{"tasks": views}, nil
}

type claimParams struct {
	TaskID     string `json:"task_id"`
	Aspect     string `json:"aspect"`
	Agent      string `json:"agent"`
	TTLMinutes int    `json:"ttl_minutes"`
}

func (s *Server) rpcTaskClaim(ctx context.Context, raw json.RawMessage, renew bool) (any, *rpcError) {
	var p claimParams
	if e := decodeParams(raw, &p); e != nil {
		return nil, e
	}
	var (
		res coordination.ClaimResult
		err error
	)
	if renew {
		res, err = s.cfg.Service.Renew(ctx, p.TaskID, p.Aspect, p.Agent, p.TTLMinutes)
	} else {
		res, err = s.cfg.Service.Claim(ctx, p.TaskID, p.Aspect, p.Agent, p.TTLMinutes)
	}
	if err != nil {
		return nil, toRPCError(err)
	}
	return res, nil
}

func (s *Server) rpcTaskRelease(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p claimParams
	if e := decodeParams(raw, &p); e != nil {
		return nil, e
	}
	ok, err := s.cfg.Service.Release(ctx, p.TaskID, p.Aspect, p.Agent)
	if err != nil {
		return nil, toRPCError(err)
	}
	return map[string]any{"success": ok}, nil
}

func (s *Server) rpcTaskComplete(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p struct {
		TaskID string `json:"task_id"`
		Agent  string `json:"agent"`
	}
	if e := decodeParams(raw, &p); e != nil {
		return nil, e
	}
	ok, err := s.cfg.Service.CompleteTask(ctx, p.TaskID, p.Agent)
	if err != nil {
		return nil, toRPCError(err)
	}
	return map[string]any{"success": ok}, nil
}

func (s *Server) rpcFindingPost(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p struct {
		TaskID      string `json:"task_id"`
		Agent       string `json:"agent"`
		Summary     string `json:"summary"`
		KnowledgeID string `json:"knowledge_id"`
	}
	if e := decodeParams(raw, &p); e != nil {
		return nil, e
	}
	id, err := s.cfg.Service.PostFinding(ctx, coordination.PostFindingRequest{
		TaskID:      p.TaskID,
		Agent:       p.Agent,
		Summary:     p.Summary,
		KnowledgeID: p.KnowledgeID,
	})
	if err != nil {
		return nil, toRPCError(err)
	}
	return map[string]any{"finding_id": id}, nil
}

func (s *Server) rpcFindingList(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p struct {
		TaskID string    `json:"task_id"`
		Since  time.Time `json:"since"`
	}
	if e := decodeParams(raw, &p); e != nil {
		return nil, e
	}
	if p.TaskID == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "task_id is required"}
	}
	findings, err := s.cfg.Service.ListFindings(ctx, p.TaskID, p.Since)
	if err != nil {
		return nil, toRPCError(err)
	}
	return map[string]any{"findings": findings}, nil
}

func (s *Server) rpcStats(ctx context.Context) (any, *rpcError) {
	st, err := s.cfg.Service.Stats(ctx)
	if err != nil {
		return nil, toRPCError(err)
	}
	return st, nil
}

func (s *Server) rpcEventsSubscribe(c *client, raw json.RawMessage) (any, *rpcError) {
	var p struct {
		Prefix string `json:"prefix"`
	}
	if e := decodeParams(raw, &p); e != nil {
		return nil, e
	}
	if !s.startForwarding(c, p.Prefix) {
		return nil, &rpcError{Code: ErrCodeInternal, Message: "event bus unavailable"}
	}
	return map[string]any{"subscribed": true, "prefix": p.Prefix}, nil
}

func (s *Server) rpcEventsUnsubscribe(c *client) (any, *rpcError) {
	s.stopForwarding(c)
	return map[string]any{"subscribed": false}, nil
}

func (s *Server) rpcAuditList(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p struct {
		Limit int `json:"limit"`
	}
	if e := decodeParams(raw, &p); e != nil {
		return nil, e
	}
	if s.cfg.Store == nil {
		return map[string]any{"entries": []persistence.AuditEntry{}}, nil
	}
	if p.Limit <= 0 || p.Limit > 500 {
		p.Limit = 50
	}
	entries, err := s.cfg.Store.ListAudit(ctx, p.Limit)
	if err != nil {
		return nil, toRPCError(err)
	}
	return map[string]any{"entries": entries}, nil
}

func (s *Server) rpcLimitsSet(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p struct {
		DefaultTTLMinutes int `json:"default_ttl_minutes"`
		MaxTTLMinutes     int `json:"max_ttl_minutes"`
	}
	if e := decodeParams(raw, &p); e != nil {
		return nil, e
	}
	l, err := coordination.LimitsFromMinutes(p.DefaultTTLMinutes, p.MaxTTLMinutes)
	if err == nil {
		err = s.cfg.Service.SetLimits(l)
	}
	if err != nil {
		return nil, toRPCError(err)
	}
	s.logger.Info("ws: claim limits changed", "default_ttl_minutes", p.DefaultTTLMinutes, "max_ttl_minutes", p.MaxTTLMinutes)
	return limitsView(s.cfg.Service.Limits()), nil
}

func limitsView(l coordination.Limits) map[string]any {
	return map[string]any{
		"default_ttl_minutes": int(l.DefaultTTL / time.Minute),
		"max_ttl_minutes":     int(l.MaxTTL / time.Minute),
	}
}
