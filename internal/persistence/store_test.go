package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskward/internal/persistence"
)

var t0 = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "coordination.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func mustCreateTask(t *testing.T, store *persistence.Store, title, agent string, now time.Time) string {
	t.Helper()
	id, err := store.CreateTask(context.Background(), persistence.NewTask{Title: title, CreatedBy: agent}, now)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return id
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	if journal := queryOneString(t, db, "PRAGMA journal_mode;"); journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	// SQLite FULL == 2.
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	for _, table := range []string{"schema_migrations", "agents", "tasks", "claims", "findings", "audit_log"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?;`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}

	var checksum string
	if err := db.QueryRow(`SELECT checksum FROM schema_migrations WHERE version = 1;`).Scan(&checksum); err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if checksum == "" {
		t.Fatal("expected schema checksum to be recorded")
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	store, dbPath := openTestStore(t)
	mustCreateTask(t, store, "persisted", "alice", t0)
	_ = store.Close()

	reopened, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	views, err := reopened.TaskClaimsView(context.Background(), "", t0)
	if err != nil {
		t.Fatalf("task view: %v", err)
	}
	if len(views) != 1 || views[0].Title != "persisted" {
		t.Fatalf("expected persisted task after reopen, got %+v", views)
	}
}

func TestStore_ChecksumMismatchRefusesOpen(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum = 'tampered' WHERE version = 1;`); err != nil {
		t.Fatalf("tamper ledger: %v", err)
	}
	_ = store.Close()

	_, err := persistence.Open(dbPath)
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
}

func TestStore_NewerSchemaRefusesOpen(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec(`INSERT INTO schema_migrations (version, checksum) VALUES (99, 'future');`); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	_ = store.Close()

	_, err := persistence.Open(dbPath)
	if err == nil || !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer schema error, got %v", err)
	}
}

func TestStore_Backup(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	taskID := mustCreateTask(t, store, "backed up", "alice", t0)

	dest := filepath.Join(t.TempDir(), "snap", "backup.db")
	if err := store.Backup(ctx, dest); err != nil {
		t.Fatalf("backup: %v", err)
	}

	snap, err := persistence.Open(dest)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer snap.Close()
	task, err := snap.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task from backup: %v", err)
	}
	if task.Title != "backed up" {
		t.Fatalf("unexpected title %q", task.Title)
	}

	if err := store.Backup(ctx, " "); err == nil {
		t.Fatal("expected error for empty destination")
	}
}

func TestStore_GetMissingReturnsErrNotFound(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.GetTask(ctx, "nope"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("GetTask: expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetAgent(ctx, "nope"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("GetAgent: expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetClaim(ctx, "nope", "x"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("GetClaim: expected ErrNotFound, got %v", err)
	}
}

func TestStore_Stats(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	st, err := store.Stats(ctx, t0)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st != (persistence.Stats{}) {
		t.Fatalf("expected zero stats on empty store, got %+v", st)
	}

	a := mustCreateTask(t, store, "a", "alice", t0)
	b := mustCreateTask(t, store, "b", "alice", t0)
	mustCreateTask(t, store, "c", "bob", t0)
	if _, err := store.ClaimAspect(ctx, a, "impl", "carol", t0, time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.ClaimAspect(ctx, a, "review", "carol", t0, time.Hour); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok, err := store.CompleteTask(ctx, b, "alice", t0); err != nil || !ok {
		t.Fatalf("complete: ok=%v err=%v", ok, err)
	}

	st, err = store.Stats(ctx, t0.Add(30*time.Second))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := persistence.Stats{Agents: 3, ActiveTasks: 2, OpenClaims: 2}
	if st != want {
		t.Fatalf("stats = %+v, want %+v", st, want)
	}

	// The one-minute claim has lapsed.
	st, err = store.Stats(ctx, t0.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.OpenClaims != 1 {
		t.Fatalf("expected 1 live claim after expiry, got %d", st.OpenClaims)
	}
}

func TestStore_ListAudit(t *testing.T) {
	store, _ := openTestStore(t)
	if _, err := store.DB().Exec(`
		INSERT INTO audit_log (trace_id, subject, action, decision, reason, policy_version)
		VALUES ('t1', 'ws', 'coord.read', 'allow', 'ok', 'v1'), ('t2', 'ws', 'coord.mutate', 'deny', 'missing', 'v1');
	`); err != nil {
		t.Fatalf("seed audit: %v", err)
	}
	entries, err := store.ListAudit(context.Background(), 10)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Action != "coord.mutate" || entries[0].Decision != "deny" {
		t.Fatalf("expected newest first, got %+v", entries[0])
	}
}
