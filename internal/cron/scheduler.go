// Package cron runs the periodic maintenance jobs of a taskward server:
// database snapshots with keep-N rotation and a stats heartbeat log line.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/taskward/internal/persistence"
)

// cronParser accepts standard 5-field expressions (minute, hour, dom, month,
// dow) and descriptors such as @daily or @every 15m.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

const backupPrefix = "coordination-"

// Backuper writes a consistent snapshot of the database to destPath.
type Backuper interface {
	Backup(ctx context.Context, destPath string) error
}

// StatsSource reports the current coordination counters.
type StatsSource interface {
	Stats(ctx context.Context) (persistence.Stats, error)
}

// Config holds the dependencies for the scheduler. A job is registered only
// when its schedule and dependency are both set.
type Config struct {
	Logger *slog.Logger

	Backuper       Backuper
	BackupSchedule string
	BackupDir      string
	BackupKeep     int

	Stats     StatsSource
	Heartbeat time.Duration

	Now func() time.Time
}

// Scheduler wraps a robfig cron runner with taskward's maintenance jobs.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
	runner *cronlib.Cron

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler validates the schedules and registers the configured jobs.
func NewScheduler(cfg Config) (*Scheduler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.BackupKeep <= 0 {
		cfg.BackupKeep = 7
	}
	s := &Scheduler{
		cfg:    cfg,
		logger: logger,
		runner: cronlib.New(cronlib.WithParser(cronParser), cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger))),
		ctx:    context.Background(),
	}

	if expr := strings.TrimSpace(cfg.BackupSchedule); expr != "" && cfg.Backuper != nil {
		if _, err := s.runner.AddFunc(expr, s.backupJob); err != nil {
			return nil, fmt.Errorf("backup schedule %q: %w", expr, err)
		}
	}
	if cfg.Heartbeat > 0 && cfg.Stats != nil {
		s.runner.Schedule(cronlib.Every(cfg.Heartbeat), cronlib.FuncJob(s.heartbeatJob))
	}
	return s, nil
}

// Jobs returns the number of registered jobs.
func (s *Scheduler) Jobs() int {
	return len(s.runner.Entries())
}

// Start begins running jobs in the background until Stop or ctx cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.runner.Start()
	s.logger.Info("cron scheduler started", "jobs", s.Jobs())
}

// Stop cancels running jobs and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.runner.Stop().Done()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) backupJob() {
	path, err := RunBackup(s.jobContext(), s.cfg.Backuper, s.cfg.BackupDir, s.cfg.BackupKeep, s.cfg.Now())
	if err != nil {
		s.logger.Error("cron: backup failed", "dir", s.cfg.BackupDir, "error", err)
		return
	}
	s.logger.Info("cron: backup written", "path", path)
}

func (s *Scheduler) heartbeatJob() {
	st, err := s.cfg.Stats.Stats(s.jobContext())
	if err != nil {
		s.logger.Error("cron: stats heartbeat failed", "error", err)
		return
	}
	s.logger.Info("coordination stats",
		"agents", st.Agents,
		"active_tasks", st.ActiveTasks,
		"open_claims", st.OpenClaims,
	)
}

// BackupName returns the snapshot file name for the given instant.
func BackupName(now time.Time) string {
	return backupPrefix + now.UTC().Format("20060102T150405Z") + ".db"
}

// RunBackup snapshots the database into dir and prunes all but the newest
// keep snapshots. It returns the path of the new snapshot.
func RunBackup(ctx context.Context, b Backuper, dir string, keep int, now time.Time) (string, error) {
	if b == nil {
		return "", fmt.Errorf("backup: no store")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	dest := filepath.Join(dir, BackupName(now))
	if err := b.Backup(ctx, dest); err != nil {
		return "", err
	}
	if keep > 0 {
		if err := prune(dir, keep); err != nil {
			return dest, fmt.Errorf("prune backups: %w", err)
		}
	}
	return dest, nil
}

func prune(dir string, keep int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), backupPrefix) || !strings.HasSuffix(e.Name(), ".db") {
			continue
		}
		names = append(names, e.Name())
	}
	if len(names) <= keep {
		return nil
	}
	// Timestamped names sort chronologically.
	sort.Strings(names)
	for _, name := range names[:len(names)-keep] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
