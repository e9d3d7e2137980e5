package coordination

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/taskward/internal/audit"
	"github.com/basket/taskward/internal/bus"
	otelPkg "github.com/basket/taskward/internal/otel"
	"github.com/basket/taskward/internal/persistence"
)

// ClaimResult is what callers see from claim and renew. Reason is for logs
// and the CLI only and is never serialized.
type ClaimResult struct {
	Success   bool       `json:"success"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Reason    string     `json:"-"`
}

func toClaimResult(r persistence.ClaimResult) ClaimResult {
	out := ClaimResult{Success: r.Granted, Reason: r.Reason}
	if r.Granted {
		exp := r.ExpiresAt
		out.ExpiresAt = &exp
	}
	return out
}

// Claim acquires aspect of taskID for agentID for ttlMinutes (0 means the
// default), capped at the configured ceiling. A live claim held by another
// agent, or a task that is missing or not open, yields Success=false.
func (s *Service) Claim(ctx context.Context, taskID, aspect, agentID string, ttlMinutes int) (result ClaimResult, err error) {
	ctx, finish := s.begin(ctx, "claim",
		otelPkg.AttrAgentID.String(agentID), otelPkg.AttrTaskID.String(taskID), otelPkg.AttrAspect.String(aspect))
	defer func() { finish(err) }()

	if err := validateClaimKey(taskID, aspect, agentID); err != nil {
		return ClaimResult{}, err
	}
	now := s.now()
	ttl := s.Limits().TTL(ttlMinutes)

	res, err := s.store.ClaimAspect(ctx, taskID, aspect, agentID, now, ttl)
	if err != nil {
		return ClaimResult{}, err
	}
	result = toClaimResult(res)
	reasonAttr := metric.WithAttributes(otelPkg.AttrReason.String(res.Reason))
	detail := fmt.Sprintf("%s task=%s aspect=%s agent=%s", res.Reason, taskID, aspect, agentID)

	if !res.Granted {
		s.log(ctx, agentID).Info("claim denied",
			"task_id", taskID, "aspect", aspect,
			"reason", res.Reason, "holder", res.Holder)
		if s.metrics != nil {
			s.metrics.ClaimsDenied.Add(ctx, 1, reasonAttr)
		}
		audit.RecordContext(ctx, audit.DecisionConflict, "claim", detail)
		s.bus.Publish(bus.TopicClaimDenied, bus.ClaimEvent{
			TaskID: taskID, Aspect: aspect, Agent: agentID, Reason: res.Reason, At: now,
		})
		return result, nil
	}

	s.log(ctx, agentID).Debug("claim granted",
		"task_id", taskID, "aspect", aspect,
		"reason", res.Reason, "expires_at", res.ExpiresAt)
	if s.metrics != nil {
		s.metrics.ClaimsGranted.Add(ctx, 1, reasonAttr)
	}
	audit.RecordContext(ctx, audit.DecisionGranted, "claim", detail)
	s.bus.Publish(bus.TopicClaimGranted, bus.ClaimEvent{
		TaskID: taskID, Aspect: aspect, Agent: agentID, Reason: res.Reason, ExpiresAt: res.ExpiresAt, At: now,
	})
	return result, nil
}

// Renew extends a live claim held by agentID to now+ttl. It fails, without
// saying why, when the claim is absent, expired or held by another agent.
func (s *Service) Renew(ctx context.Context, taskID, aspect, agentID string, ttlMinutes int) (result ClaimResult, err error) {
	ctx, finish := s.begin(ctx, "renew",
		otelPkg.AttrAgentID.String(agentID), otelPkg.AttrTaskID.String(taskID), otelPkg.AttrAspect.String(aspect))
	defer func() { finish(err) }()

	if err := validateClaimKey(taskID, aspect, agentID); err != nil {
		return ClaimResult{}, err
	}
	now := s.now()
	res, err := s.store.RenewClaim(ctx, taskID, aspect, agentID, now, s.Limits().TTL(ttlMinutes))
	if err != nil {
		return ClaimResult{}, err
	}
	result = toClaimResult(res)
	if !res.Granted {
		s.log(ctx, agentID).Info("renew refused", "task_id", taskID, "aspect", aspect)
		return result, nil
	}
	s.log(ctx, agentID).Debug("claim renewed", "task_id", taskID, "aspect", aspect, "expires_at", res.ExpiresAt)
	s.count(ctx, pickClaimsRenewed)
	s.bus.Publish(bus.TopicClaimRenewed, bus.ClaimEvent{
		TaskID: taskID, Aspect: aspect, Agent: agentID, Reason: res.Reason, ExpiresAt: res.ExpiresAt, At: now,
	})
	return result, nil
}

// Release drops agentID's live claim on (taskID, aspect). It reports false,
// and changes nothing, for absent, expired or foreign claims.
func (s *Service) Release(ctx context.Context, taskID, aspect, agentID string) (released bool, err error) {
	ctx, finish := s.begin(ctx, "release",
		otelPkg.AttrAgentID.String(agentID), otelPkg.AttrTaskID.String(taskID), otelPkg.AttrAspect.String(aspect))
	defer func() { finish(err) }()

	if err := validateClaimKey(taskID, aspect, agentID); err != nil {
		return false, err
	}
	now := s.now()
	released, err = s.store.ReleaseClaim(ctx, taskID, aspect, agentID, now)
	if err != nil {
		return false, err
	}
	if !released {
		s.log(ctx, agentID).Info("release refused", "task_id", taskID, "aspect", aspect)
		return false, nil
	}
	s.log(ctx, agentID).Debug("claim released", "task_id", taskID, "aspect", aspect)
	s.count(ctx, pickClaimsReleased)
	audit.RecordContext(ctx, audit.DecisionReleased, "release",
		fmt.Sprintf("%s task=%s aspect=%s agent=%s", persistence.ReasonReleased, taskID, aspect, agentID))
	s.bus.Publish(bus.TopicClaimReleased, bus.ClaimEvent{
		TaskID: taskID, Aspect: aspect, Agent: agentID, Reason: persistence.ReasonReleased, At: now,
	})
	return true, nil
}

func validateClaimKey(taskID, aspect, agentID string) error {
	if err := requireID("agent", agentID); err != nil {
		return err
	}
	if err := requireID("task_id", taskID); err != nil {
		return err
	}
	return requireID("aspect", aspect)
}

func pickTasksCreated(m *otelPkg.Metrics) metric.Int64Counter   { return m.TasksCreated }
func pickTasksCompleted(m *otelPkg.Metrics) metric.Int64Counter { return m.TasksCompleted }
func pickClaimsRenewed(m *otelPkg.Metrics) metric.Int64Counter  { return m.ClaimsRenewed }
func pickClaimsReleased(m *otelPkg.Metrics) metric.Int64Counter { return m.ClaimsReleased }
func pickFindingsPosted(m *otelPkg.Metrics) metric.Int64Counter { return m.FindingsPosted }
