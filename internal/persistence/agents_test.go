package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/taskward/internal/persistence"
)

func TestRegisterAgent_CreateThenPatch(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	created, err := store.RegisterAgent(ctx, "bob", persistence.AgentPatch{
		Name:     persistence.Some("Bob"),
		Type:     persistence.Some("worker"),
		Metadata: persistence.Some(map[string]any{"zone": "eu"}),
	}, t0)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !created {
		t.Fatal("expected created=true on first registration")
	}

	created, err = store.RegisterAgent(ctx, "bob", persistence.AgentPatch{
		Type: persistence.Some("reviewer"),
	}, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if created {
		t.Fatal("expected created=false on second registration")
	}

	a, err := store.GetAgent(ctx, "bob")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if a.Name != "Bob" {
		t.Fatalf("unset name should be preserved, got %q", a.Name)
	}
	if a.Type != "reviewer" {
		t.Fatalf("type = %q, want reviewer", a.Type)
	}
	if a.Metadata["zone"] != "eu" {
		t.Fatalf("metadata not preserved: %+v", a.Metadata)
	}
	if !a.FirstSeenAt.Equal(t0) || !a.LastSeenAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("unexpected timestamps first=%v last=%v", a.FirstSeenAt, a.LastSeenAt)
	}
}

func TestRegisterAgent_ExplicitClear(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.RegisterAgent(ctx, "bob", persistence.AgentPatch{
		Name:     persistence.Some("Bob"),
		Metadata: persistence.Some(map[string]any{"k": "v"}),
	}, t0); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := store.RegisterAgent(ctx, "bob", persistence.AgentPatch{
		Name:     persistence.Some(""),
		Metadata: persistence.Some[map[string]any](nil),
	}, t0); err != nil {
		t.Fatalf("clear: %v", err)
	}
	a, err := store.GetAgent(ctx, "bob")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if a.Name != "" || len(a.Metadata) != 0 {
		t.Fatalf("expected cleared fields, got %+v", a)
	}
}

func TestEnsureAgent_LastSeenIsMonotonic(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.EnsureAgent(ctx, "bob", t0.Add(time.Hour)); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := store.EnsureAgent(ctx, "bob", t0); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	a, err := store.GetAgent(ctx, "bob")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if !a.LastSeenAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("last_seen_at moved backwards to %v", a.LastSeenAt)
	}
	if !a.FirstSeenAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("first_seen_at changed to %v", a.FirstSeenAt)
	}
}

func TestListAgents_FilterAndOrder(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	seed := []struct {
		id, typ string
		at      time.Time
	}{
		{"a", "worker", t0},
		{"b", "reviewer", t0.Add(2 * time.Minute)},
		{"c", "worker", t0.Add(time.Minute)},
	}
	for _, s := range seed {
		if _, err := store.RegisterAgent(ctx, s.id, persistence.AgentPatch{Type: persistence.Some(s.typ)}, s.at); err != nil {
			t.Fatalf("register %s: %v", s.id, err)
		}
	}

	all, err := store.ListAgents(ctx, persistence.AgentFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := ids(all); got != "b,c,a" {
		t.Fatalf("order = %s, want b,c,a", got)
	}

	workers, err := store.ListAgents(ctx, persistence.AgentFilter{Type: "worker"})
	if err != nil {
		t.Fatalf("list workers: %v", err)
	}
	if got := ids(workers); got != "c,a" {
		t.Fatalf("workers = %s, want c,a", got)
	}

	// active_since is inclusive.
	recent, err := store.ListAgents(ctx, persistence.AgentFilter{ActiveSince: t0.Add(time.Minute)})
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if got := ids(recent); got != "b,c" {
		t.Fatalf("recent = %s, want b,c", got)
	}
}

func TestGetAgent_CorruptMetadataReadsEmpty(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if err := store.EnsureAgent(ctx, "bob", t0); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := store.DB().Exec(`UPDATE agents SET metadata = '{not json' WHERE id = 'bob';`); err != nil {
		t.Fatalf("corrupt metadata: %v", err)
	}
	a, err := store.GetAgent(ctx, "bob")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if a.Metadata == nil || len(a.Metadata) != 0 {
		t.Fatalf("expected empty metadata, got %+v", a.Metadata)
	}
}

func ids(agents []persistence.Agent) string {
	out := ""
	for i, a := range agents {
		if i > 0 {
			out += ","
		}
		out += a.ID
	}
	return out
}
