package tui

import (
	"strings"
	"testing"
	"time"
)

func TestActivityFeed_AddAndLen(t *testing.T) {
	f := NewActivityFeed()
	if f.Len() != 0 {
		t.Fatal("new feed should be empty")
	}
	f.Add(ActivityItem{Icon: "+", Message: "test", At: time.Now()})
	if f.Len() != 1 {
		t.Fatal("len should be 1")
	}
}

func TestActivityFeed_MaxItems(t *testing.T) {
	f := NewActivityFeed()
	f.maxItems = 3
	for i := 0; i < 5; i++ {
		f.Add(ActivityItem{Message: string(rune('a' + i)), At: time.Now()})
	}
	if f.Len() != 3 {
		t.Fatalf("expected 3, got %d", f.Len())
	}
	if f.items[0].Message != "c" {
		t.Fatalf("oldest items should be dropped first, got %q", f.items[0].Message)
	}
}

func TestActivityFeed_CleanupOld(t *testing.T) {
	f := NewActivityFeed()
	now := time.Now()
	f.Add(ActivityItem{Message: "old", At: now.Add(-2 * time.Minute)})
	f.Add(ActivityItem{Message: "new", At: now})
	if removed := f.CleanupOld(now, 30*time.Second); removed != 1 {
		t.Fatalf("removed %d", removed)
	}
	if f.Len() != 1 {
		t.Fatalf("expected 1 remaining, got %d", f.Len())
	}
}

func TestActivityFeed_ViewNewestFirst(t *testing.T) {
	f := NewActivityFeed()
	if f.View() != "" {
		t.Fatal("empty feed should render nothing")
	}
	now := time.Now()
	f.Add(ActivityItem{Icon: "+", Message: "first", At: now})
	f.Add(ActivityItem{Icon: "→", Message: "second", At: now})
	view := f.View()
	if !strings.Contains(view, "Activity") {
		t.Fatalf("expected expanded header, got %q", view)
	}
	if strings.Index(view, "second") > strings.Index(view, "first") {
		t.Fatalf("expected newest first:\n%s", view)
	}

	f.Toggle()
	if !strings.Contains(f.View(), "2 recent changes") {
		t.Fatalf("collapsed view: %q", f.View())
	}
}
