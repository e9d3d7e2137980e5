package cron_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/taskward/internal/cron"
	"github.com/basket/taskward/internal/persistence"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "coordination.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type countingStats struct{ calls atomic.Int32 }

func (c *countingStats) Stats(context.Context) (persistence.Stats, error) {
	c.calls.Add(1)
	return persistence.Stats{Agents: 1}, nil
}

type failingBackuper struct{}

func (failingBackuper) Backup(context.Context, string) error { return errors.New("disk full") }

func TestRunBackup_WritesSnapshotAndPrunes(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "backups")

	// An unrelated file in the directory must survive pruning.
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("keep me"), 0o644); err != nil {
		t.Fatal(err)
	}

	base := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	var last string
	for i := 0; i < 4; i++ {
		path, err := cron.RunBackup(ctx, store, dir, 2, base.Add(time.Duration(i)*time.Hour))
		if err != nil {
			t.Fatalf("backup %d: %v", i, err)
		}
		last = path
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var snapshots []string
	for _, e := range entries {
		if e.Name() != "README" {
			snapshots = append(snapshots, e.Name())
		}
	}
	if len(snapshots) != 2 {
		t.Fatalf("expected 2 snapshots after pruning, got %v", snapshots)
	}
	if snapshots[1] != filepath.Base(last) || snapshots[0] != cron.BackupName(base.Add(2*time.Hour)) {
		t.Fatalf("pruned the wrong snapshots: %v", snapshots)
	}
	if _, err := os.Stat(filepath.Join(dir, "README")); err != nil {
		t.Fatalf("unrelated file removed: %v", err)
	}

	restored, err := persistence.Open(last)
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	_ = restored.Close()
}

func TestRunBackup_Errors(t *testing.T) {
	if _, err := cron.RunBackup(context.Background(), nil, t.TempDir(), 1, time.Now()); err == nil {
		t.Fatal("expected error for nil backuper")
	}
	if _, err := cron.RunBackup(context.Background(), failingBackuper{}, t.TempDir(), 1, time.Now()); err == nil {
		t.Fatal("expected backup error to propagate")
	}
}

func TestNewScheduler_RejectsBadSchedule(t *testing.T) {
	_, err := cron.NewScheduler(cron.Config{
		Backuper:       openTestStore(t),
		BackupSchedule: "every now and then",
		BackupDir:      t.TempDir(),
	})
	if err == nil {
		t.Fatal("expected invalid cron expression to be rejected")
	}
}

func TestNewScheduler_RegistersConfiguredJobs(t *testing.T) {
	s, err := cron.NewScheduler(cron.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if s.Jobs() != 0 {
		t.Fatalf("expected no jobs, got %d", s.Jobs())
	}

	s, err = cron.NewScheduler(cron.Config{
		Backuper:       openTestStore(t),
		BackupSchedule: "@daily",
		BackupDir:      t.TempDir(),
		Stats:          &countingStats{},
		Heartbeat:      time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.Jobs() != 2 {
		t.Fatalf("expected 2 jobs, got %d", s.Jobs())
	}
}

func TestScheduler_RunsBackupAndHeartbeat(t *testing.T) {
	store := openTestStore(t)
	dir := filepath.Join(t.TempDir(), "backups")
	stats := &countingStats{}

	var tick atomic.Int64
	base := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	s, err := cron.NewScheduler(cron.Config{
		Logger:         slog.Default(),
		Backuper:       store,
		BackupSchedule: "@every 1s",
		BackupDir:      dir,
		BackupKeep:     3,
		Stats:          stats,
		Heartbeat:      time.Second,
		Now: func() time.Time {
			return base.Add(time.Duration(tick.Add(1)) * time.Minute)
		},
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 5*time.Second, func() bool {
		entries, err := os.ReadDir(dir)
		return err == nil && len(entries) > 0 && stats.calls.Load() > 0
	})
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 10, 19, 9, 3, 0, 0, time.UTC)
	next, err := cron.NextRunTime("*/10 * * * *", after)
	if err != nil {
		t.Fatal(err)
	}
	if !next.Equal(time.Date(2026, 10, 19, 9, 10, 0, 0, time.UTC)) {
		t.Fatalf("next = %v", next)
	}
	if _, err := cron.NextRunTime("not a cron", after); err == nil {
		t.Fatal("expected parse error")
	}
}
