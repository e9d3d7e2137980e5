package coordination_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/taskward/internal/coordination"
	"github.com/basket/taskward/internal/persistence"
)

func TestRegisterAgent_CreatedFlagAndCoalesce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.RegisterAgent(ctx, "bob", coordination.AgentPatch{
		Name: persistence.Some("Bob"),
		Type: persistence.Some("researcher"),
	})
	if err != nil || !res.Success || !res.Created {
		t.Fatalf("first register: %+v %v", res, err)
	}

	h.clock.Advance(time.Minute)
	res, err = h.svc.RegisterAgent(ctx, "bob", coordination.AgentPatch{
		Metadata: persistence.Some(map[string]any{"host": "ci-7"}),
	})
	if err != nil || !res.Success || res.Created {
		t.Fatalf("second register: %+v %v", res, err)
	}

	a, err := h.svc.GetAgent(ctx, "bob")
	if err != nil || a == nil {
		t.Fatalf("get agent: %+v %v", a, err)
	}
	if a.Name != "Bob" || a.Type != "researcher" || a.Metadata["host"] != "ci-7" {
		t.Fatalf("coalesce failed: %+v", a)
	}
	if !a.LastSeenAt.Equal(h.clock.Now()) {
		t.Fatalf("last_seen_at = %v, want %v", a.LastSeenAt, h.clock.Now())
	}
}

func TestGetAgent_UnknownIsNil(t *testing.T) {
	h := newHarness(t)
	a, err := h.svc.GetAgent(context.Background(), "ghost")
	if err != nil || a != nil {
		t.Fatalf("expected nil, nil; got %+v %v", a, err)
	}
}

func TestImplicitRegistration_EveryWriteTouchesAgent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	taskID := h.createTask(t, "T", "creator")

	h.clock.Advance(time.Minute)
	if _, err := h.svc.Claim(ctx, taskID, "impl", "claimer", 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := h.svc.PostFinding(ctx, coordination.PostFindingRequest{TaskID: taskID, Agent: "poster", Summary: "s"}); err != nil {
		t.Fatalf("post: %v", err)
	}
	if _, err := h.svc.Release(ctx, taskID, "impl", "releaser"); err != nil {
		t.Fatalf("release: %v", err)
	}

	h.clock.Advance(time.Minute)
	if _, err := h.svc.Renew(ctx, taskID, "impl", "creator", 0); err != nil {
		t.Fatalf("renew: %v", err)
	}

	agents, err := h.svc.ListAgents(ctx, coordination.AgentFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(agents) != 4 {
		t.Fatalf("expected 4 agents, got %d", len(agents))
	}
	if agents[0].ID != "creator" {
		t.Fatalf("creator should be most recent after renew, got %s", agents[0].ID)
	}
	if !agents[0].LastSeenAt.Equal(h.clock.Now()) {
		t.Fatalf("renew did not bump last_seen_at: %v", agents[0].LastSeenAt)
	}
}

func TestListAgents_Filters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	register := func(id, typ string) {
		t.Helper()
		if _, err := h.svc.RegisterAgent(ctx, id, coordination.AgentPatch{Type: persistence.Some(typ)}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	register("old", "worker")
	h.clock.Advance(time.Hour)
	register("new-worker", "worker")
	register("new-reviewer", "reviewer")

	recent, err := h.svc.ActiveSince(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("active since: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 recent agents, got %+v", recent)
	}

	workers, err := h.svc.ListAgents(ctx, coordination.AgentFilter{Type: "worker", ActiveSince: h.clock.Now().Add(-time.Minute)})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(workers) != 1 || workers[0].ID != "new-worker" {
		t.Fatalf("AND-combined filters failed: %+v", workers)
	}

	none, err := h.svc.ListAgents(ctx, coordination.AgentFilter{Type: "nobody"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if none == nil || len(none) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", none)
	}
}

func TestRegisterAgent_MetadataSchema(t *testing.T) {
	h := newHarness(t)
	validator, err := coordination.NewMetadataValidator([]byte(`{
		"type": "object",
		"properties": {"max_parallel": {"type": "integer", "minimum": 1}},
		"additionalProperties": true
	}`))
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}
	svc, err := coordination.New(coordination.Config{Store: h.store, Clock: h.clock.Now, Metadata: validator})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx := context.Background()

	if _, err := svc.RegisterAgent(ctx, "ok", coordination.AgentPatch{
		Metadata: persistence.Some(map[string]any{"max_parallel": 3}),
	}); err != nil {
		t.Fatalf("valid metadata rejected: %v", err)
	}
	_, err = svc.RegisterAgent(ctx, "bad", coordination.AgentPatch{
		Metadata: persistence.Some(map[string]any{"max_parallel": 0}),
	})
	if !errors.Is(err, coordination.ErrInvalidMetadata) {
		t.Fatalf("expected ErrInvalidMetadata, got %v", err)
	}
	if a, _ := svc.GetAgent(ctx, "bad"); a != nil {
		t.Fatalf("rejected registration should not create the agent: %+v", a)
	}
}

func TestLoadMetadataValidator_EmptyPath(t *testing.T) {
	v, err := coordination.LoadMetadataValidator("")
	if err != nil || v != nil {
		t.Fatalf("expected nil validator, got %v %v", v, err)
	}
	if err := v.Validate(map[string]any{"anything": true}); err != nil {
		t.Fatalf("nil validator should accept: %v", err)
	}
}

func TestSetMetadataValidator_SwapsSchema(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	strict, err := coordination.NewMetadataValidator([]byte(`{"type":"object","required":["model"]}`))
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}
	patch := coordination.AgentPatch{Metadata: persistence.Some(map[string]any{"team": "core"})}

	h.svc.SetMetadataValidator(strict)
	if _, err := h.svc.RegisterAgent(ctx, "a", patch); !errors.Is(err, coordination.ErrInvalidMetadata) {
		t.Fatalf("expected ErrInvalidMetadata under strict schema, got %v", err)
	}
	h.svc.SetMetadataValidator(nil)
	if _, err := h.svc.RegisterAgent(ctx, "a", patch); err != nil {
		t.Fatalf("nil validator should accept: %v", err)
	}
}
