package persistence

import (
	"context"
	"fmt"
	"time"
)

// Stats is an informational rollup across the coordination tables.
type Stats struct {
	Agents      int `json:"agents"`
	ActiveTasks int `json:"active_tasks"`
	OpenClaims  int `json:"open_claims"`
}

// Stats reads all three counts in one transaction against a single now.
func (s *Store) Stats(ctx context.Context, now time.Time) (Stats, error) {
	var st Stats
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return st, fmt.Errorf("begin stats tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents;`).Scan(&st.Agents); err != nil {
		return st, fmt.Errorf("count agents: %w", err)
	}
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status = ?;`, TaskStatusOpen).Scan(&st.ActiveTasks); err != nil {
		return st, fmt.Errorf("count open tasks: %w", err)
	}
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM claims WHERE expires_at > ?;`, formatTime(now)).Scan(&st.OpenClaims); err != nil {
		return st, fmt.Errorf("count live claims: %w", err)
	}
	return st, nil
}

// AuditEntry is one row of the audit_log table.
type AuditEntry struct {
	ID            int64     `json:"id"`
	TraceID       string    `json:"trace_id,omitempty"`
	Subject       string    `json:"subject"`
	Action        string    `json:"action"`
	Decision      string    `json:"decision"`
	Reason        string    `json:"reason"`
	PolicyVersion string    `json:"policy_version,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ListAudit returns the most recent audit entries, newest first.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(trace_id, ''), COALESCE(subject, ''), action, decision,
			COALESCE(reason, ''), COALESCE(policy_version, ''), created_at
		FROM audit_log
		ORDER BY id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.TraceID, &e.Subject, &e.Action, &e.Decision, &e.Reason, &e.PolicyVersion, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit rows: %w", err)
	}
	return out, nil
}
