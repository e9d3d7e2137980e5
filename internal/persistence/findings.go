package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Finding is an append-only note posted against a task.
type Finding struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	Agent       string    `json:"agent"`
	Summary     string    `json:"summary"`
	KnowledgeID string    `json:"knowledge_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewFinding carries the caller-supplied fields of a finding. TaskID and
// KnowledgeID are opaque correlation keys and are not checked.
type NewFinding struct {
	TaskID      string
	Agent       string
	Summary     string
	KnowledgeID string
}

func (s *Store) PostFinding(ctx context.Context, f NewFinding, now time.Time) (string, error) {
	findingID := uuid.NewString()
	err := s.inTx(ctx, "post finding", func(tx *sql.Tx) error {
		if err := ensureAgentTx(ctx, tx, f.Agent, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO findings (id, task_id, agent, summary, knowledge_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, findingID, f.TaskID, f.Agent, f.Summary, nullString(f.KnowledgeID), formatTime(now)); err != nil {
			return fmt.Errorf("insert finding: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return findingID, nil
}

// ListFindings returns findings for taskID oldest first, ties in insertion
// order. A non-zero since keeps only findings created strictly after it.
func (s *Store) ListFindings(ctx context.Context, taskID string, since time.Time) ([]Finding, error) {
	q := `
		SELECT id, task_id, agent, summary, COALESCE(knowledge_id, ''), created_at
		FROM findings
		WHERE task_id = ?`
	args := []any{taskID}
	if !since.IsZero() {
		q += ` AND created_at > ?`
		args = append(args, formatTime(since))
	}
	q += ` ORDER BY created_at ASC, rowid ASC;`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	defer rows.Close()

	out := []Finding{}
	for rows.Next() {
		var f Finding
		var createdAt string
		if err := rows.Scan(&f.ID, &f.TaskID, &f.Agent, &f.Summary, &f.KnowledgeID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		if f.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("finding rows: %w", err)
	}
	return out, nil
}
