package coordination

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basket/taskward/internal/bus"
	otelPkg "github.com/basket/taskward/internal/otel"
	"github.com/basket/taskward/internal/persistence"
	"github.com/basket/taskward/internal/safety"
)

var leakDetector = safety.NewLeakDetector()

type Finding = persistence.Finding

// PostFindingRequest describes a finding. TaskID and KnowledgeID are not
// checked against anything.
type PostFindingRequest struct {
	TaskID      string
	Agent       string
	Summary     string
	KnowledgeID string
}

func (s *Service) PostFinding(ctx context.Context, req PostFindingRequest) (findingID string, err error) {
	ctx, finish := s.begin(ctx, "finding.post",
		otelPkg.AttrAgentID.String(req.Agent), otelPkg.AttrTaskID.String(req.TaskID))
	defer func() { finish(err) }()

	if err := requireID("agent", req.Agent); err != nil {
		return "", err
	}
	if err := requireID("task_id", req.TaskID); err != nil {
		return "", err
	}
	if strings.TrimSpace(req.Summary) == "" {
		return "", fmt.Errorf("%w: summary is required", ErrInvalidArgument)
	}
	now := s.now()
	findingID, err = s.store.PostFinding(ctx, persistence.NewFinding{
		TaskID:      req.TaskID,
		Agent:       req.Agent,
		Summary:     req.Summary,
		KnowledgeID: req.KnowledgeID,
	}, now)
	if err != nil {
		return "", err
	}
	s.log(ctx, req.Agent).Debug("finding posted", "task_id", req.TaskID, "finding_id", findingID)
	// Findings are visible to every agent; flag, but keep, anything that
	// looks like a credential.
	if leaks := leakDetector.Scan(req.Summary); len(leaks) > 0 {
		s.log(ctx, req.Agent).Warn("finding summary looks like it contains a secret",
			"task_id", req.TaskID, "finding_id", findingID,
			"patterns", safety.Patterns(leaks))
	}
	s.count(ctx, pickFindingsPosted)
	s.bus.Publish(bus.TopicFindingPosted, bus.FindingEvent{
		FindingID: findingID, TaskID: req.TaskID, Agent: req.Agent, KnowledgeID: req.KnowledgeID, At: now,
	})
	return findingID, nil
}

// ListFindings returns findings for taskID oldest first. A non-zero since
// excludes findings created at or before it.
func (s *Service) ListFindings(ctx context.Context, taskID string, since time.Time) ([]Finding, error) {
	findings, err := s.store.ListFindings(ctx, taskID, since)
	if err != nil {
		return nil, err
	}
	if findings == nil {
		findings = []Finding{}
	}
	return findings, nil
}
