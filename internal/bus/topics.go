package bus

import "time"

// Coordination event topics. Subscribers usually match on the "claim." or
// "task." prefix.
const (
	TopicAgentRegistered = "agent.registered"

	TopicTaskCreated   = "task.created"
	TopicTaskCompleted = "task.completed"

	TopicClaimGranted  = "claim.granted"
	TopicClaimRenewed  = "claim.renewed"
	TopicClaimDenied   = "claim.denied"
	TopicClaimReleased = "claim.released"

	TopicFindingPosted = "finding.posted"
)

// AgentEvent is published when an agent is explicitly registered.
type AgentEvent struct {
	AgentID string `json:"agent_id"`
	Created bool   `json:"created"`
}

// TaskEvent is published when a task is created or completed.
type TaskEvent struct {
	TaskID string    `json:"task_id"`
	Title  string    `json:"title,omitempty"`
	Agent  string    `json:"agent"`
	At     time.Time `json:"at"`
}

// ClaimEvent is published for every claim, renew and release decision.
type ClaimEvent struct {
	TaskID    string    `json:"task_id"`
	Aspect    string    `json:"aspect"`
	Agent     string    `json:"agent"`
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	At        time.Time `json:"at"`
}

// FindingEvent is published when a finding is appended.
type FindingEvent struct {
	FindingID   string    `json:"finding_id"`
	TaskID      string    `json:"task_id"`
	Agent       string    `json:"agent"`
	KnowledgeID string    `json:"knowledge_id,omitempty"`
	At          time.Time `json:"at"`
}
