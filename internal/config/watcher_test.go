package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/taskward/internal/config"
)

func TestWatcher_DetectsPolicyChange(t *testing.T) {
	homeDir := t.TempDir()
	policyPath := config.PolicyPath(homeDir)
	if err := os.WriteFile(policyPath, []byte("allow_capabilities: []\n"), 0o644); err != nil {
		t.Fatalf("write initial policy: %v", err)
	}

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Retry the write until the watcher is ready rather than sleeping.
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	// A file the watcher does not track must not produce an event.
	_ = os.WriteFile(filepath.Join(homeDir, "notes.txt"), []byte("x"), 0o644)
	if err := os.WriteFile(policyPath, []byte("allow_capabilities: [coord.read]\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "policy.yaml" {
				t.Fatalf("expected policy.yaml event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(policyPath, []byte("allow_capabilities: [coord.read]\n"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for policy.yaml change event")
		}
	}
}

func TestWatcher_ExtraPath(t *testing.T) {
	homeDir := t.TempDir()
	schemaDir := t.TempDir()
	schemaPath := filepath.Join(schemaDir, "agent.schema.json")
	if err := os.WriteFile(schemaPath, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("write schema: %v", err)
	}

	w := config.NewWatcher(homeDir, nil, schemaPath, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()
	_ = os.WriteFile(schemaPath, []byte(`{"type":"object"}`), 0o644)

	for {
		select {
		case ev := <-w.Events():
			if filepath.Clean(ev.Path) != filepath.Clean(schemaPath) {
				t.Fatalf("unexpected event path %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(schemaPath, []byte(`{"type":"object"}`), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for schema change event")
		}
	}
}

func TestWatcher_ClosesOnCancel(t *testing.T) {
	w := config.NewWatcher(t.TempDir(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	cancel()
	select {
	case _, ok := <-w.Events():
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("events channel not closed after cancel")
	}
}
