// Package coordination arbitrates which agent may work on which aspect of a
// shared task. Claims are time-bounded leases held in the persistence store;
// expiry is derived from expires_at at every read and write, never swept.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskward/internal/bus"
	otelPkg "github.com/basket/taskward/internal/otel"
	"github.com/basket/taskward/internal/persistence"
	"github.com/basket/taskward/internal/shared"
	"github.com/basket/taskward/internal/telemetry"
)

var (
	// ErrInvalidArgument marks a request that is malformed before it reaches
	// the store (empty ids, empty title, bad limits).
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInvalidMetadata marks agent metadata rejected by the configured
	// JSON Schema.
	ErrInvalidMetadata = errors.New("invalid agent metadata")
)

// Store is the persistence surface the engine needs.
type Store interface {
	EnsureAgent(ctx context.Context, agentID string, now time.Time) error
	RegisterAgent(ctx context.Context, agentID string, patch persistence.AgentPatch, now time.Time) (bool, error)
	GetAgent(ctx context.Context, agentID string) (*persistence.Agent, error)
	ListAgents(ctx context.Context, filter persistence.AgentFilter) ([]persistence.Agent, error)

	CreateTask(ctx context.Context, t persistence.NewTask, now time.Time) (string, error)
	GetTask(ctx context.Context, taskID string) (*persistence.Task, error)
	CompleteTask(ctx context.Context, taskID, agentID string, now time.Time) (bool, error)
	TaskClaimsView(ctx context.Context, taskID string, now time.Time) ([]persistence.TaskClaims, error)

	ClaimAspect(ctx context.Context, taskID, aspect, agentID string, now time.Time, ttl time.Duration) (persistence.ClaimResult, error)
	RenewClaim(ctx context.Context, taskID, aspect, agentID string, now time.Time, ttl time.Duration) (persistence.ClaimResult, error)
	ReleaseClaim(ctx context.Context, taskID, aspect, agentID string, now time.Time) (bool, error)

	PostFinding(ctx context.Context, f persistence.NewFinding, now time.Time) (string, error)
	ListFindings(ctx context.Context, taskID string, since time.Time) ([]persistence.Finding, error)

	Stats(ctx context.Context, now time.Time) (persistence.Stats, error)
}

// Config wires a Service. Only Store is required.
type Config struct {
	Store   Store
	Limits  Limits
	Clock   func() time.Time
	Logger  *slog.Logger
	Bus     *bus.Bus
	Tracer  trace.Tracer
	Metrics *otelPkg.Metrics
	// Metadata, when set, validates explicit agent registrations.
	Metadata *MetadataValidator
}

// Service is the coordination engine. It holds no claim or task state of its
// own; every call is one short transaction against the store.
type Service struct {
	store    Store
	limits   atomic.Pointer[Limits]
	clock    func() time.Time
	logger   *slog.Logger
	bus      *bus.Bus
	tracer   trace.Tracer
	metrics  *otelPkg.Metrics
	metadata atomic.Pointer[MetadataValidator]
}

func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidArgument)
	}
	limits := cfg.Limits
	if limits == (Limits{}) {
		limits = DefaultLimits()
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		store:   cfg.Store,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		bus:     cfg.Bus,
		tracer:  cfg.Tracer,
		metrics: cfg.Metrics,
	}
	s.metadata.Store(cfg.Metadata)
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tracer == nil {
		s.tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	s.limits.Store(&limits)
	return s, nil
}

// Limits returns the lease limits currently in force.
func (s *Service) Limits() Limits {
	return *s.limits.Load()
}

// SetLimits swaps the lease limits. In-flight calls keep the limits they
// started with; existing claims are not re-clamped.
func (s *Service) SetLimits(l Limits) error {
	if err := l.Validate(); err != nil {
		return err
	}
	s.limits.Store(&l)
	s.logger.Info("claim limits updated", "default_ttl", l.DefaultTTL.String(), "max_ttl", l.MaxTTL.String())
	return nil
}

// SetMetadataValidator swaps the agent metadata schema. nil disables checks.
func (s *Service) SetMetadataValidator(v *MetadataValidator) {
	s.metadata.Store(v)
}

// now samples the clock once for a whole operation.
func (s *Service) now() time.Time {
	return s.clock().UTC()
}

// log returns the service logger annotated with the trace id from ctx and
// the acting agent.
func (s *Service) log(ctx context.Context, agentID string) *slog.Logger {
	if agentID != "" && shared.AgentID(ctx) == "" {
		ctx = shared.WithAgentID(ctx, agentID)
	}
	return telemetry.ForContext(ctx, s.logger)
}

// begin starts a span for op and returns a finish func that records the
// duration metric and span status.
func (s *Service) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := otelPkg.StartSpan(ctx, s.tracer, "coordination."+op, append(attrs, otelPkg.AttrOperation.String(op))...)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if s.metrics != nil {
			s.metrics.OpDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(otelPkg.AttrOperation.String(op)))
		}
	}
}

func (s *Service) count(ctx context.Context, pick func(*otelPkg.Metrics) metric.Int64Counter, attrs ...attribute.KeyValue) {
	if s.metrics == nil {
		return
	}
	if c := pick(s.metrics); c != nil {
		c.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func requireID(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidArgument, field)
	}
	return nil
}
