package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/taskward/internal/coordination"
	"github.com/basket/taskward/internal/cron"
	"github.com/basket/taskward/internal/persistence"
)

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "taskward-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	store, err := persistence.Open(filepath.Join(baseDir, "coordination.db"))
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	svc, err := coordination.New(coordination.Config{Store: store})
	if err != nil {
		fmt.Printf("service_error=%v\n", err)
		os.Exit(1)
	}
	for i := 0; i < 40; i++ {
		taskID, err := svc.CreateTask(ctx, coordination.CreateTaskRequest{Title: fmt.Sprintf("backup-%d", i), Agent: "drill"})
		if err != nil {
			fmt.Printf("create_task_error=%v\n", err)
			os.Exit(1)
		}
		if res, err := svc.Claim(ctx, taskID, "impl", fmt.Sprintf("worker-%d", i%4), 0); err != nil || !res.Success {
			fmt.Printf("claim_error=%v granted=%v\n", err, res.Success)
			os.Exit(1)
		}
		if _, err := svc.PostFinding(ctx, coordination.PostFindingRequest{TaskID: taskID, Agent: "drill", Summary: "ok"}); err != nil {
			fmt.Printf("post_finding_error=%v\n", err)
			os.Exit(1)
		}
	}
	before, err := svc.Stats(ctx)
	if err != nil {
		fmt.Printf("stats_error=%v\n", err)
		os.Exit(1)
	}

	backupStart := time.Now().UTC()
	backupPath, err := cron.RunBackup(ctx, store, filepath.Join(baseDir, "backups"), 3, backupStart)
	if err != nil {
		fmt.Printf("backup_error=%v\n", err)
		os.Exit(1)
	}
	backupEnd := time.Now().UTC()

	backupBytes, err := os.ReadFile(backupPath)
	if err != nil {
		fmt.Printf("read_backup_error=%v\n", err)
		os.Exit(1)
	}
	restorePath := filepath.Join(baseDir, "restore.db")
	if err := os.WriteFile(restorePath, backupBytes, 0o644); err != nil {
		fmt.Printf("write_restore_error=%v\n", err)
		os.Exit(1)
	}
	restoreStart := time.Now().UTC()
	restoreStore, err := persistence.Open(restorePath)
	if err != nil {
		fmt.Printf("open_restore_error=%v\n", err)
		os.Exit(1)
	}
	defer restoreStore.Close()
	restoreEnd := time.Now().UTC()

	restored, err := coordination.New(coordination.Config{Store: restoreStore})
	if err != nil {
		fmt.Printf("restore_service_error=%v\n", err)
		os.Exit(1)
	}
	after, err := restored.Stats(ctx)
	if err != nil {
		fmt.Printf("restore_stats_error=%v\n", err)
		os.Exit(1)
	}
	var findingCount int
	if err := restoreStore.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM findings;`).Scan(&findingCount); err != nil {
		fmt.Printf("count_findings_error=%v\n", err)
		os.Exit(1)
	}

	fmt.Printf("backup_path=%s\n", backupPath)
	fmt.Printf("rpo_duration=%s\n", backupEnd.Sub(backupStart))
	fmt.Printf("rto_duration=%s\n", restoreEnd.Sub(restoreStart))
	fmt.Printf("restored_agents=%d\n", after.Agents)
	fmt.Printf("restored_open_tasks=%d\n", after.ActiveTasks)
	fmt.Printf("restored_live_claims=%d\n", after.OpenClaims)
	fmt.Printf("restored_findings=%d\n", findingCount)

	if after != before || findingCount != 40 {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
