package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusOpen      TaskStatus = "open"
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusCancelled is reserved; no operation transitions into it yet.
	TaskStatusCancelled TaskStatus = "cancelled"
)

type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	CreatedBy   string     `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	Tags        []string   `json:"tags"`
}

// NewTask carries the caller-supplied fields of a task.
type NewTask struct {
	Title       string
	Description string
	Tags        []string
	CreatedBy   string
}

// TaskClaims is a task together with its claims that are live at read time.
type TaskClaims struct {
	ID     string     `json:"id"`
	Title  string     `json:"title"`
	Status TaskStatus `json:"status"`
	Claims []Claim    `json:"claims"`
}

// CreateTask registers the creator and inserts an open task, returning its id.
func (s *Store) CreateTask(ctx context.Context, t NewTask, now time.Time) (string, error) {
	taskID := uuid.NewString()
	var tagsJSON any
	if len(t.Tags) > 0 {
		b, err := json.Marshal(t.Tags)
		if err != nil {
			return "", fmt.Errorf("encode tags: %w", err)
		}
		tagsJSON = string(b)
	}
	err := s.inTx(ctx, "create task", func(tx *sql.Tx) error {
		if err := ensureAgentTx(ctx, tx, t.CreatedBy, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, title, description, status, created_by, created_at, tags)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, taskID, t.Title, nullString(t.Description), TaskStatusOpen, t.CreatedBy, formatTime(now), tagsJSON); err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return taskID, nil
}

func scanTask(scanFn func(dest ...any) error, t *Task) error {
	var status, createdAt, tags string
	if err := scanFn(&t.ID, &t.Title, &t.Description, &status, &t.CreatedBy, &createdAt, &tags); err != nil {
		return err
	}
	t.Status = TaskStatus(status)
	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return err
	}
	t.Tags = []string{}
	if tags != "" {
		var parsed []string
		if json.Unmarshal([]byte(tags), &parsed) == nil && parsed != nil {
			t.Tags = parsed
		}
	}
	return nil
}

// GetTask returns ErrNotFound if no task has the given id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var t Task
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, COALESCE(description, ''), status, created_by, created_at, COALESCE(tags, '')
		FROM tasks
		WHERE id = ?;
	`, taskID)
	if err := scanTask(row.Scan, &t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

// CompleteTask flips an open task to completed and deletes all of its claims
// in the same transaction. It reports false when the task is missing or not
// open; the agent's activity is recorded either way.
func (s *Store) CompleteTask(ctx context.Context, taskID, agentID string, now time.Time) (bool, error) {
	var completed bool
	err := s.inTx(ctx, "complete task", func(tx *sql.Tx) error {
		completed = false
		if err := ensureAgentTx(ctx, tx, agentID, now); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ? WHERE id = ? AND status = ?;
		`, TaskStatusCompleted, taskID, TaskStatusOpen)
		if err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("complete task rows affected: %w", err)
		}
		if n == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM claims WHERE task_id = ?;`, taskID); err != nil {
			return fmt.Errorf("release task claims: %w", err)
		}
		completed = true
		return nil
	})
	return completed, err
}

// TaskClaimsView returns the given task (any status) or, when taskID is
// empty, every open task, each with the claims live at now. Expired rows are
// filtered here, not deleted.
func (s *Store) TaskClaimsView(ctx context.Context, taskID string, now time.Time) ([]TaskClaims, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin task status tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var rows *sql.Rows
	if taskID != "" {
		rows, err = tx.QueryContext(ctx, `SELECT id, title, status FROM tasks WHERE id = ?;`, taskID)
	} else {
		rows, err = tx.QueryContext(ctx, `
			SELECT id, title, status FROM tasks WHERE status = ? ORDER BY created_at ASC, id ASC;
		`, TaskStatusOpen)
	}
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	var out []TaskClaims
	for rows.Next() {
		var tc TaskClaims
		var status string
		if err := rows.Scan(&tc.ID, &tc.Title, &status); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tc.Status = TaskStatus(status)
		tc.Claims = []Claim{}
		out = append(out, tc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}

	for i := range out {
		claims, err := liveClaimsTx(ctx, tx, out[i].ID, now)
		if err != nil {
			return nil, err
		}
		out[i].Claims = claims
	}
	return out, nil
}
