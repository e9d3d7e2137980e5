package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskward/internal/audit"
	"github.com/basket/taskward/internal/bus"
	"github.com/basket/taskward/internal/config"
	"github.com/basket/taskward/internal/coordination"
	otelPkg "github.com/basket/taskward/internal/otel"
	"github.com/basket/taskward/internal/persistence"
	"github.com/basket/taskward/internal/policy"
	"github.com/basket/taskward/internal/shared"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603

	// Stable app error taxonomy.
	ErrCodeInvalid     = 1000
	ErrCodeDenied      = 1003
	ErrCodeRateLimited = 1029

	ProtocolVersion = "1.0"

	maxRequestBytes = 1 << 20
)

type Config struct {
	Service *coordination.Service
	Store   *persistence.Store
	Policy  policy.Checker
	Bus     *bus.Bus

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser clients.
	// Empty list means same-origin only.
	AllowOrigins []string
	RateLimit    config.RateLimitConfig

	// ConfigFingerprint is the hash of active config exposed in system.status.
	ConfigFingerprint string
	Version           string

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otelPkg.Metrics
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	limiter *RateLimitMiddleware
	started time.Time

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	conn       *websocket.Conn
	remote     string
	mu         sync.Mutex
	handshaken bool

	subMu     sync.Mutex
	busSub    *bus.Subscription
	busCancel context.CancelFunc
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		tracer:  tracer,
		limiter: NewRateLimitMiddleware(cfg.RateLimit),
		started: time.Now(),
		clients: map[*client]struct{}{},
	}
}

// Limiter exposes the rate limiter so the caller can start eviction.
func (s *Server) Limiter() *RateLimitMiddleware {
	return s.limiter
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.requireAuth(s.handleMetrics))
	mux.HandleFunc("/metrics/prometheus", s.requireAuth(s.handlePrometheusMetrics))
	// REST read API.
	mux.HandleFunc("/api/stats", s.requireAuth(s.handleAPIStats))
	mux.HandleFunc("/api/agents", s.requireAuth(s.handleAPIAgents))
	mux.HandleFunc("/api/agents/", s.requireAuth(s.handleAPIAgentByID))
	mux.HandleFunc("/api/tasks", s.requireAuth(s.handleAPITasks))
	mux.HandleFunc("/api/tasks/", s.requireAuth(s.handleAPITaskByID))
	mux.HandleFunc("/api/audit", s.requireAuth(s.handleAPIAudit))
	mux.HandleFunc("/api/config", s.requireAuth(s.handleAPIConfig))

	var h http.Handler = mux
	h = s.limiter.Wrap(h)
	h = RequestSizeLimitMiddleware(maxRequestBytes)(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	return s.instrument(h)
}

// instrument records the request duration histogram for every HTTP request.
func (s *Server) instrument(next http.Handler) http.Handler {
	if s.cfg.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.cfg.Metrics.RequestDuration.Record(r.Context(), time.Since(start).Seconds(),
			metric.WithAttributes(otelPkg.AttrSurface.String("http"), otelPkg.AttrOperation.String(r.URL.Path)))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := s.cfg.Store != nil && s.cfg.Store.Ping(r.Context()) == nil
	policyVersion := ""
	if s.cfg.Policy != nil {
		policyVersion = s.cfg.Policy.PolicyVersion()
	}
	payload := map[string]any{
		"healthy":        dbOK,
		"db_ok":          dbOK,
		"policy_version": policyVersion,
		"version":        s.cfg.Version,
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	st, err := s.cfg.Service.Stats(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)
	limits := s.cfg.Service.Limits()
	writeJSON(w, http.StatusOK, map[string]any{
		"agents":              st.Agents,
		"active_tasks":        st.ActiveTasks,
		"open_claims":         st.OpenClaims,
		"policy_deny_total":   audit.DenyCount(),
		"ws_clients":          s.clientCount(),
		"claim_default_ttl_s": int64(limits.DefaultTTL.Seconds()),
		"claim_max_ttl_s":     int64(limits.MaxTTL.Seconds()),
		"alloc_bytes":         mem.Alloc,
		"uptime_s":            int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	st, err := s.cfg.Service.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	gauge := func(name, help string, v any) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s gauge\n", name)
		fmt.Fprintf(w, "%s %v\n", name, v)
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	gauge("taskward_agents", "Number of known agents.", st.Agents)
	gauge("taskward_active_tasks", "Number of open tasks.", st.ActiveTasks)
	gauge("taskward_open_claims", "Number of live claims.", st.OpenClaims)
	gauge("taskward_ws_clients", "Connected websocket clients.", s.clientCount())
	gauge("taskward_alloc_bytes", "Current allocated memory in bytes.", mem.Alloc)
	fmt.Fprintf(w, "# HELP taskward_policy_deny_total Total policy deny count.\n")
	fmt.Fprintf(w, "# TYPE taskward_policy_deny_total counter\n")
	fmt.Fprintf(w, "taskward_policy_deny_total %d\n", audit.DenyCount())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.AuthRejects.Add(r.Context(), 1)
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: originPatterns(s.cfg.AllowOrigins),
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(maxRequestBytes)
	c := &client{conn: conn, remote: r.RemoteAddr}
	s.addClient(c)
	s.logger.Info("ws: client connected", "remote", c.remote)
	defer func() {
		s.removeClient(c)
		s.logger.Info("ws: client disconnecting", "remote", c.remote)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := r.Context()
	for {
		var req rpcRequest
		// wsjson closes the connection itself on malformed JSON.
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			if websocket.CloseStatus(err) == -1 {
				s.logger.Debug("ws: read error, closing", "error", err)
			}
			return
		}
		resp := s.handleRPC(ctx, c, req)
		if resp == nil {
			continue
		}
		if err := c.write(ctx, resp); err != nil {
			s.logger.Error("ws: write response error", "method", req.Method, "error", err)
		}
	}
}

func isMutatingMethod(method string) bool {
	switch method {
	case "agent.register", "task.create", "task.claim", "task.renew", "task.release",
		"task.complete", "finding.post", "limits.set":
		return true
	default:
		return false
	}
}

func requiredCapabilityForMethod(method string) string {
	switch method {
	case "system.status", "agent.get", "agent.list", "task.get", "task.status",
		"finding.list", "coordination.stats", "events.subscribe", "events.unsubscribe",
		"audit.list", "limits.get":
		return policy.CapRead
	case "task.create", "task.claim", "task.renew", "task.release", "task.complete", "finding.post":
		return policy.CapMutate
	case "agent.register":
		return policy.CapRegister
	case "limits.set":
		return policy.CapAdmin
	default:
		return ""
	}
}

// callerParams is the subset of params used to identify the acting agent.
type callerParams struct {
	Agent string `json:"agent"`
	ID    string `json:"id"`
}

func actingAgent(method string, raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var p callerParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return ""
	}
	if method == "agent.register" {
		return p.ID
	}
	return p.Agent
}

func (s *Server) checkPolicy(ctx context.Context, method, agentID string) *rpcError {
	capability := requiredCapabilityForMethod(method)
	if capability == "" {
		return nil
	}
	policyVersion := ""
	allowed := false
	if s.cfg.Policy != nil {
		policyVersion = s.cfg.Policy.PolicyVersion()
		if agentID != "" {
			allowed = s.cfg.Policy.AllowAgent(agentID, capability)
		} else {
			allowed = s.cfg.Policy.AllowCapability(capability)
		}
	}
	subject := method
	if agentID != "" {
		subject = agentID + ":" + method
	}
	if !allowed {
		audit.Record(audit.DecisionDeny, capability, "missing_capability", policyVersion, subject)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.AuthRejects.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrRPCMethod.String(method)))
		}
		return &rpcError{Code: ErrCodeDenied, Message: fmt.Sprintf("policy denied capability %q", capability)}
	}
	if isMutatingMethod(method) {
		audit.Record(audit.DecisionAllow, capability, "capability_granted", policyVersion, subject)
	}
	return nil
}

func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"},
		}
	}

	start := time.Now()
	agentID := actingAgent(req.Method, req.Params)
	ctx = shared.EnsureTraceID(ctx)
	ctx = shared.WithSubject(ctx, "ws:"+c.remote)
	if agentID != "" {
		ctx = shared.WithAgentID(ctx, agentID)
	}
	ctx, span := otelPkg.StartServerSpan(ctx, s.tracer, "rpc "+req.Method,
		otelPkg.AttrRPCMethod.String(req.Method), otelPkg.AttrSurface.String("ws"), otelPkg.AttrAgentID.String(agentID))
	defer span.End()

	result, rpcErr := s.dispatch(ctx, c, req, agentID)
	if rpcErr != nil {
		span.SetStatus(codes.Error, rpcErr.Message)
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(otelPkg.AttrSurface.String("ws"), otelPkg.AttrRPCMethod.String(req.Method)))
	}
	s.logger.Debug("ws: request", "method", req.Method, "agent_id", agentID,
		"trace_id", shared.TraceID(ctx), "ok", rpcErr == nil)

	if !hasID {
		return nil
	}
	if rpcErr != nil {
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func (s *Server) dispatch(ctx context.Context, c *client, req rpcRequest, agentID string) (any, *rpcError) {
	if req.Method == "system.hello" {
		c.markHandshaken()
		return map[string]any{
			"protocol":      "taskward",
			"version":       ProtocolVersion,
			"supported_min": ProtocolVersion,
			"supported_max": ProtocolVersion,
			"server":        s.cfg.Version,
		}, nil
	}
	if requiredCapabilityForMethod(req.Method) == "" {
		return nil, &rpcError{Code: ErrCodeMethodNotFound, Message: "method not found"}
	}
	if isMutatingMethod(req.Method) && !c.isHandshaken() {
		return nil, &rpcError{Code: ErrCodeInvalidRequest, Message: "system.hello required before mutating calls"}
	}
	if rpcErr := s.checkPolicy(ctx, req.Method, agentID); rpcErr != nil {
		return nil, rpcErr
	}
	if isMutatingMethod(req.Method) && !s.limiter.AllowAgent(agentID) {
		return nil, &rpcError{Code: ErrCodeRateLimited, Message: "rate limit exceeded for agent " + agentID}
	}

	switch req.Method {
	case "system.status":
		return s.rpcSystemStatus(ctx)
	case "agent.register":
		return s.rpcAgentRegister(ctx, req.Params)
	case "agent.get":
		return s.rpcAgentGet(ctx, req.Params)
	case "agent.list":
		return s.rpcAgentList(ctx, req.Params)
	case "task.create":
		return s.rpcTaskCreate(ctx, req.Params)
	case "task.get":
		return s.rpcTaskGet(ctx, req.Params)
	case "task.status":
		return s.rpcTaskStatus(ctx, req.Params)
	case "task.claim":
		return s.rpcTaskClaim(ctx, req.Params, false)
	case "task.renew":
		return s.rpcTaskClaim(ctx, req.Params, true)
	case "task.release":
		return s.rpcTaskRelease(ctx, req.Params)
	case "task.complete":
		return s.rpcTaskComplete(ctx, req.Params)
	case "finding.post":
		return s.rpcFindingPost(ctx, req.Params)
	case "finding.list":
		return s.rpcFindingList(ctx, req.Params)
	case "coordination.stats":
		return s.rpcStats(ctx)
	case "events.subscribe":
		return s.rpcEventsSubscribe(c, req.Params)
	case "events.unsubscribe":
		return s.rpcEventsUnsubscribe(c)
	case "audit.list":
		return s.rpcAuditList(ctx, req.Params)
	case "limits.get":
		return limitsView(s.cfg.Service.Limits()), nil
	case "limits.set":
		return s.rpcLimitsSet(ctx, req.Params)
	}
	return nil, &rpcError{Code: ErrCodeMethodNotFound, Message: "method not found"}
}

// toRPCError maps engine errors onto the app error taxonomy. Only storage
// failures surface as internal errors.
func toRPCError(err error) *rpcError {
	if err == nil {
		return nil
	}
	if errors.Is(err, coordination.ErrInvalidArgument) || errors.Is(err, coordination.ErrInvalidMetadata) {
		return &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
	}
	return &rpcError{Code: ErrCodeInternal, Message: err.Error()}
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	return generic, true
}

func (s *Server) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.stopForwarding(c)
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func (c *client) markHandshaken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handshaken = true
}

func (c *client) isHandshaken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshaken
}

// startForwarding replaces the client's bus subscription with one on prefix
// and pushes each event as a coordination.event notification.
func (s *Server) startForwarding(c *client, prefix string) bool {
	if s.cfg.Bus == nil {
		return false
	}
	s.stopForwarding(c)

	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.busSub = s.cfg.Bus.Subscribe(prefix)
	var ctx context.Context
	ctx, c.busCancel = context.WithCancel(context.Background())
	go s.forwardBusEvents(ctx, c, c.busSub)
	return true
}

func (s *Server) stopForwarding(c *client) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.busCancel != nil {
		c.busCancel()
		c.busCancel = nil
	}
	if c.busSub != nil && s.cfg.Bus != nil {
		s.cfg.Bus.Unsubscribe(c.busSub)
	}
	c.busSub = nil
}

func (s *Server) forwardBusEvents(ctx context.Context, c *client, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := c.write(writeCtx, rpcResponse{
				JSONRPC: "2.0",
				Method:  "coordination.event",
				Params:  ev,
			})
			cancel()
			if err != nil {
				s.logger.Debug("ws: event forward failed", "topic", ev.Topic, "error", err)
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
