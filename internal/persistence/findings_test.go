package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/taskward/internal/persistence"
)

func TestFindings_PostAndListOrdered(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	post := func(summary string, at time.Time) string {
		t.Helper()
		id, err := store.PostFinding(ctx, persistence.NewFinding{TaskID: "task-1", Agent: "bob", Summary: summary}, at)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		return id
	}
	post("second", t0.Add(time.Second))
	post("first", t0)
	post("tie-a", t0.Add(2*time.Second))
	post("tie-b", t0.Add(2*time.Second))

	got, err := store.ListFindings(ctx, "task-1", time.Time{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"first", "second", "tie-a", "tie-b"}
	if len(got) != len(want) {
		t.Fatalf("got %d findings, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Summary != want[i] {
			t.Fatalf("findings[%d] = %q, want %q", i, got[i].Summary, want[i])
		}
	}
}

func TestFindings_SinceIsExclusive(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	for i, summary := range []string{"a", "b", "c"} {
		if _, err := store.PostFinding(ctx, persistence.NewFinding{TaskID: "t", Agent: "bob", Summary: summary}, t0.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("post: %v", err)
		}
	}
	got, err := store.ListFindings(ctx, "t", t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].Summary != "c" {
		t.Fatalf("expected only c, got %+v", got)
	}
}

func TestFindings_UnknownTaskAccepted(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	id, err := store.PostFinding(ctx, persistence.NewFinding{
		TaskID:      "no-such-task",
		Agent:       "bob",
		Summary:     "orphan",
		KnowledgeID: "kb-42",
	}, t0)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if id == "" {
		t.Fatal("expected finding id")
	}
	got, err := store.ListFindings(ctx, "no-such-task", time.Time{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].KnowledgeID != "kb-42" || got[0].Agent != "bob" {
		t.Fatalf("unexpected findings %+v", got)
	}
	if _, err := store.GetAgent(ctx, "bob"); err != nil {
		t.Fatalf("poster not registered: %v", err)
	}

	empty, err := store.ListFindings(ctx, "other", time.Time{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty list, got %#v", empty)
	}
}
