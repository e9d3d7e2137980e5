package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetClaim returns the stored row for (taskID, aspect) whether live or not,
// or ErrNotFound. Tests use it to inspect expired rows that no read path
// reports.
func (s *Store) GetClaim(ctx context.Context, taskID, aspect string) (*Claim, error) {
	var c Claim
	var claimedAt, expiresAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, aspect, agent, claimed_at, expires_at
		FROM claims WHERE task_id = ? AND aspect = ?;
	`, taskID, aspect).Scan(&c.TaskID, &c.Aspect, &c.Agent, &claimedAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get claim: %w", err)
	}
	if c.ClaimedAt, err = parseTime(claimedAt); err != nil {
		return nil, err
	}
	if c.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	return &c, nil
}
