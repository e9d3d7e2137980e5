package gateway

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/basket/taskward/internal/coordination"
)

// REST read API. Mutations go through the websocket RPC surface so that
// policy checks and the handshake apply uniformly.

func getOnly(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func parseTimeParam(r *http.Request, name string) (time.Time, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (s *Server) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	st, err := s.cfg.Service.Stats(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAPIAgents(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	since, ok := parseTimeParam(r, "active_since")
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "active_since must be RFC3339")
		return
	}
	agents, err := s.cfg.Service.ListAgents(r.Context(), coordination.AgentFilter{
		Type:        r.URL.Query().Get("type"),
		ActiveSince: since,
	})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleAPIAgentByID(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/agents/"), "/")
	if id == "" {
		s.handleAPIAgents(w, r)
		return
	}
	a, err := s.cfg.Service.GetAgent(r.Context(), id)
	if err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	if a == nil {
		writeJSONError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAPITasks(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	views, err := s.cfg.Service.TaskStatus(r.Context(), "")
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": views})
}

// handleAPITaskByID serves /api/tasks/{id} and /api/tasks/{id}/findings.
func (s *Server) handleAPITaskByID(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/tasks/"), "/")
	if rest == "" {
		s.handleAPITasks(w, r)
		return
	}
	parts := strings.Split(rest, "/")
	taskID := parts[0]

	switch {
	case len(parts) == 1:
		task, err := s.cfg.Service.GetTask(r.Context(), taskID)
		if err != nil {
			writeJSONError(w, statusFor(err), err.Error())
			return
		}
		if task == nil {
			writeJSONError(w, http.StatusNotFound, "task not found")
			return
		}
		views, err := s.cfg.Service.TaskStatus(r.Context(), taskID)
		if err != nil {
			writeJSONError(w, statusFor(err), err.Error())
			return
		}
		claims := []coordination.Claim{}
		if len(views) == 1 {
			claims = views[0].Claims
		}
		writeJSON(w, http.StatusOK, map[string]any{"task": task, "claims": claims})
	case len(parts) == 2 && parts[1] == "findings":
		since, ok := parseTimeParam(r, "since")
		if !ok {
			writeJSONError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		findings, err := s.cfg.Service.ListFindings(r.Context(), taskID, since)
		if err != nil {
			writeJSONError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"findings": findings})
	default:
		writeJSONError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleAPIAudit(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, 500)
	}
	if s.cfg.Store == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []any{}})
		return
	}
	entries, err := s.cfg.Store.ListAudit(r.Context(), limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleAPIConfig(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	policyVersion := ""
	if s.cfg.Policy != nil {
		policyVersion = s.cfg.Policy.PolicyVersion()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"config_hash":    s.cfg.ConfigFingerprint,
		"policy_version": policyVersion,
		"limits":         limitsView(s.cfg.Service.Limits()),
		"version":        s.cfg.Version,
	})
}

func statusFor(err error) int {
	if rpcErr := toRPCError(err); rpcErr != nil && rpcErr.Code == ErrCodeInvalid {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
