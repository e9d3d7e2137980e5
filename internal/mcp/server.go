// Package mcp exposes the coordination engine as MCP tools over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskward/internal/audit"
	"github.com/basket/taskward/internal/coordination"
	otelPkg "github.com/basket/taskward/internal/otel"
	"github.com/basket/taskward/internal/policy"
	"github.com/basket/taskward/internal/shared"
)

// Config wires the MCP surface to the engine.
type Config struct {
	Service *coordination.Service
	Policy  policy.Checker

	Name    string
	Version string

	// DefaultAgent is used when a tool call omits the agent argument.
	DefaultAgent string

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otelPkg.Metrics
}

// Server wraps the mcp-go server with the coordination tools registered.
type Server struct {
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer
	mcpServer *server.MCPServer
	tools     map[string]server.ToolHandlerFunc
}

type toolHandler func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)

func NewServer(cfg Config) *Server {
	if cfg.Name == "" {
		cfg.Name = "taskward"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	s := &Server{
		cfg:    cfg,
		logger: logger,
		tracer: tracer,
		mcpServer: server.NewMCPServer(
			cfg.Name,
			cfg.Version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
			server.WithInstructions(instructions),
		),
		tools: map[string]server.ToolHandlerFunc{},
	}
	s.registerTools()
	return s
}

const instructions = "Coordinate work between agents: create tasks, claim aspects of a task " +
	"before working on them, renew or release claims, post findings and read status. " +
	"Claims expire on their own; a failed claim means another agent holds that aspect."

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ToolNames returns the registered tool names, sorted.
func (s *Server) ToolNames() []string {
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Serve runs the stdio transport until ctx is cancelled or in reaches EOF.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcpServer)
	s.logger.Info("mcp: serving on stdio", "tools", len(s.tools))
	return stdio.Listen(ctx, in, out)
}

// addTool registers tool behind the policy check for capability.
func (s *Server) addTool(tool mcp.Tool, capability string, h toolHandler) {
	wrapped := s.wrap(tool.Name, capability, h)
	s.tools[tool.Name] = wrapped
	s.mcpServer.AddTool(tool, wrapped)
}

// Call invokes a registered tool in-process, with the same policy check the
// stdio transport applies.
func (s *Server) Call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	handler, ok := s.tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return handler(ctx, req)
}

func (s *Server) wrap(name, capability string, h toolHandler) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID := req.GetString("agent", req.GetString("id", s.cfg.DefaultAgent))
		ctx = shared.EnsureTraceID(ctx)
		ctx = shared.WithSubject(ctx, "mcp")
		if agentID != "" {
			ctx = shared.WithAgentID(ctx, agentID)
		}
		ctx, span := otelPkg.StartServerSpan(ctx, s.tracer, "mcp "+name,
			otelPkg.AttrOperation.String(name), otelPkg.AttrSurface.String("mcp"), otelPkg.AttrAgentID.String(agentID))
		defer span.End()

		if !s.allowed(agentID, capability) {
			subject := name
			if agentID != "" {
				subject = agentID + ":" + name
			}
			policyVersion := ""
			if s.cfg.Policy != nil {
				policyVersion = s.cfg.Policy.PolicyVersion()
			}
			audit.Record(audit.DecisionDeny, capability, "missing_capability", policyVersion, subject)
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.AuthRejects.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrSurface.String("mcp")))
			}
			span.SetStatus(codes.Error, "policy denied")
			return mcp.NewToolResultError(fmt.Sprintf("policy denied capability %q", capability)), nil
		}

		res, err := h(ctx, req)
		if err != nil {
			if errors.Is(err, coordination.ErrInvalidArgument) || errors.Is(err, coordination.ErrInvalidMetadata) {
				s.logger.Debug("mcp: invalid tool call", "tool", name, "error", err)
				return mcp.NewToolResultError(err.Error()), nil
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.logger.Error("mcp: tool failed", "tool", name, "trace_id", shared.TraceID(ctx), "error", err)
			return nil, err
		}
		return res, nil
	}
}

func (s *Server) allowed(agentID, capability string) bool {
	if s.cfg.Policy == nil {
		return false
	}
	if agentID != "" {
		return s.cfg.Policy.AllowAgent(agentID, capability)
	}
	return s.cfg.Policy.AllowCapability(capability)
}

// jsonResult returns v as both structured content and its JSON text.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	return &mcp.CallToolResult{
		Content:           []mcp.Content{mcp.NewTextContent(string(b))},
		StructuredContent: v,
	}, nil
}
