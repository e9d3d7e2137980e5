package coordination

import (
	"context"
	"errors"
	"time"

	"github.com/basket/taskward/internal/bus"
	otelPkg "github.com/basket/taskward/internal/otel"
	"github.com/basket/taskward/internal/persistence"
)

type (
	Agent       = persistence.Agent
	AgentPatch  = persistence.AgentPatch
	AgentFilter = persistence.AgentFilter
)

// RegisterResult reports an explicit registration.
type RegisterResult struct {
	Success bool `json:"success"`
	Created bool `json:"created"`
}

// EnsureAgent records activity for agentID without touching its profile.
func (s *Service) EnsureAgent(ctx context.Context, agentID string) error {
	if err := requireID("agent", agentID); err != nil {
		return err
	}
	return s.store.EnsureAgent(ctx, agentID, s.now())
}

// RegisterAgent upserts agentID. Fields set in patch overwrite stored values;
// unset fields are preserved.
func (s *Service) RegisterAgent(ctx context.Context, agentID string, patch AgentPatch) (result RegisterResult, err error) {
	ctx, finish := s.begin(ctx, "agent.register", otelPkg.AttrAgentID.String(agentID))
	defer func() { finish(err) }()

	if err := requireID("agent", agentID); err != nil {
		return RegisterResult{}, err
	}
	if patch.Metadata.Set {
		if err := s.metadata.Load().Validate(patch.Metadata.Value); err != nil {
			return RegisterResult{}, err
		}
	}
	created, err := s.store.RegisterAgent(ctx, agentID, patch, s.now())
	if err != nil {
		return RegisterResult{}, err
	}
	s.log(ctx, agentID).Debug("agent registered", "created", created)
	s.bus.Publish(bus.TopicAgentRegistered, bus.AgentEvent{AgentID: agentID, Created: created})
	return RegisterResult{Success: true, Created: created}, nil
}

// GetAgent returns nil, nil for an unknown id.
func (s *Service) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	a, err := s.store.GetAgent(ctx, agentID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, nil
	}
	return a, err
}

// ListAgents returns agents most recently active first. The returned slice
// is never nil.
func (s *Service) ListAgents(ctx context.Context, filter AgentFilter) ([]Agent, error) {
	if !filter.ActiveSince.IsZero() {
		filter.ActiveSince = filter.ActiveSince.UTC()
	}
	agents, err := s.store.ListAgents(ctx, filter)
	if err != nil {
		return nil, err
	}
	if agents == nil {
		agents = []Agent{}
	}
	return agents, nil
}

// ActiveSince is a convenience for ListAgents with only an activity cutoff
// relative to the engine clock.
func (s *Service) ActiveSince(ctx context.Context, window time.Duration) ([]Agent, error) {
	return s.ListAgents(ctx, AgentFilter{ActiveSince: s.now().Add(-window)})
}
