package coordination

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/taskward/internal/audit"
	"github.com/basket/taskward/internal/bus"
	otelPkg "github.com/basket/taskward/internal/otel"
	"github.com/basket/taskward/internal/persistence"
)

type (
	Task       = persistence.Task
	TaskStatus = persistence.TaskStatus
	TaskClaims = persistence.TaskClaims
	Claim      = persistence.Claim
)

const (
	StatusOpen      = persistence.TaskStatusOpen
	StatusCompleted = persistence.TaskStatusCompleted
	StatusCancelled = persistence.TaskStatusCancelled
)

// CreateTaskRequest describes a new task. Agent is the creator.
type CreateTaskRequest struct {
	Title       string
	Agent       string
	Description string
	Tags        []string
}

// CreateTask registers the creating agent and inserts an open task.
func (s *Service) CreateTask(ctx context.Context, req CreateTaskRequest) (taskID string, err error) {
	ctx, finish := s.begin(ctx, "task.create", otelPkg.AttrAgentID.String(req.Agent))
	defer func() { finish(err) }()

	if err := requireID("agent", req.Agent); err != nil {
		return "", err
	}
	if strings.TrimSpace(req.Title) == "" {
		return "", fmt.Errorf("%w: title is required", ErrInvalidArgument)
	}
	now := s.now()
	taskID, err = s.store.CreateTask(ctx, persistence.NewTask{
		Title:       req.Title,
		Description: req.Description,
		Tags:        dedupeTags(req.Tags),
		CreatedBy:   req.Agent,
	}, now)
	if err != nil {
		return "", err
	}
	s.log(ctx, req.Agent).Debug("task created", "task_id", taskID)
	s.count(ctx, pickTasksCreated)
	s.bus.Publish(bus.TopicTaskCreated, bus.TaskEvent{TaskID: taskID, Title: req.Title, Agent: req.Agent, At: now})
	return taskID, nil
}

// GetTask returns nil, nil for an unknown id.
func (s *Service) GetTask(ctx context.Context, taskID string) (*Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, nil
	}
	return t, err
}

// CompleteTask moves an open task to completed and drops all its claims in
// one transaction. A missing or already-finished task yields false.
func (s *Service) CompleteTask(ctx context.Context, taskID, agentID string) (ok bool, err error) {
	ctx, finish := s.begin(ctx, "task.complete",
		otelPkg.AttrAgentID.String(agentID), otelPkg.AttrTaskID.String(taskID))
	defer func() { finish(err) }()

	if err := requireID("agent", agentID); err != nil {
		return false, err
	}
	now := s.now()
	ok, err = s.store.CompleteTask(ctx, taskID, agentID, now)
	if err != nil {
		return false, err
	}
	if !ok {
		s.log(ctx, agentID).Info("task completion refused", "task_id", taskID)
		return false, nil
	}
	s.log(ctx, agentID).Debug("task completed", "task_id", taskID)
	s.count(ctx, pickTasksCompleted)
	audit.RecordContext(ctx, audit.DecisionCompleted, "task.complete", fmt.Sprintf("task=%s agent=%s", taskID, agentID))
	s.bus.Publish(bus.TopicTaskCompleted, bus.TaskEvent{TaskID: taskID, Agent: agentID, At: now})
	return true, nil
}

// TaskStatus returns taskID (any status) with its live claims, or every open
// task when taskID is empty. Liveness is evaluated against a single read
// instant.
func (s *Service) TaskStatus(ctx context.Context, taskID string) ([]TaskClaims, error) {
	views, err := s.store.TaskClaimsView(ctx, taskID, s.now())
	if err != nil {
		return nil, err
	}
	if views == nil {
		views = []TaskClaims{}
	}
	return views, nil
}

func dedupeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
