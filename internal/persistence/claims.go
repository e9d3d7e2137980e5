package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Deterministic reason codes for claim outcomes. They are logged and audited;
// callers of the coordination surface only see granted or not.
const (
	ReasonGranted          = "GRANTED"
	ReasonRenewed          = "RENEWED"
	ReasonReclaimedExpired = "RECLAIMED_EXPIRED"
	ReasonReleased         = "RELEASED"
	ReasonHeldByOther      = "HELD_BY_OTHER"
	ReasonNoLiveClaim      = "NO_LIVE_CLAIM"
	ReasonTaskNotFound     = "TASK_NOT_FOUND"
	ReasonTaskNotOpen      = "TASK_NOT_OPEN"
)

// Claim is a time-bounded exclusive hold on one (task, aspect) pair.
type Claim struct {
	TaskID    string    `json:"task_id"`
	Aspect    string    `json:"aspect"`
	Agent     string    `json:"agent"`
	ClaimedAt time.Time `json:"claimed_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Live reports whether the claim is still held at now. Expiry is never
// stored; it is always derived from expires_at at the moment of the check.
func (c Claim) Live(now time.Time) bool {
	return c.ExpiresAt.After(now)
}

// ClaimResult is the outcome of a claim or renewal.
type ClaimResult struct {
	Granted   bool
	ExpiresAt time.Time
	Reason    string
	// Holder is the live holder when Reason is ReasonHeldByOther.
	Holder string
}

// ClaimAspect acquires (task_id, aspect) for agentID until now+ttl.
//
// The insert is attempted first and the table's UNIQUE(task_id, aspect)
// constraint arbitrates a brand-new key. On violation the existing row is
// either extended (same live holder, never shortened), taken over (expired)
// or left untouched (live, other holder). All of it happens in one
// transaction together with the agent's implicit registration.
func (s *Store) ClaimAspect(ctx context.Context, taskID, aspect, agentID string, now time.Time, ttl time.Duration) (ClaimResult, error) {
	var result ClaimResult
	nowTS := formatTime(now)
	expiresAt := now.Add(ttl)
	expTS := formatTime(expiresAt)

	err := s.inTx(ctx, "claim", func(tx *sql.Tx) error {
		result = ClaimResult{}
		if err := ensureAgentTx(ctx, tx, agentID, now); err != nil {
			return err
		}

		var status string
		switch err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, taskID).Scan(&status); {
		case errors.Is(err, sql.ErrNoRows):
			result.Reason = ReasonTaskNotFound
			return nil
		case err != nil:
			return fmt.Errorf("read task status: %w", err)
		}
		if TaskStatus(status) != TaskStatusOpen {
			result.Reason = ReasonTaskNotOpen
			return nil
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO claims (task_id, aspect, agent, claimed_at, expires_at)
			VALUES (?, ?, ?, ?, ?);
		`, taskID, aspect, agentID, nowTS, expTS)
		if err == nil {
			result = ClaimResult{Granted: true, ExpiresAt: expiresAt, Reason: ReasonGranted}
			return nil
		}
		if !isUniqueViolation(err) {
			return fmt.Errorf("insert claim: %w", err)
		}

		// Same agent, still live: extend, keeping the later deadline.
		res, err := tx.ExecContext(ctx, `
			UPDATE claims SET expires_at = MAX(expires_at, ?)
			WHERE task_id = ? AND aspect = ? AND agent = ? AND expires_at > ?;
		`, expTS, taskID, aspect, agentID, nowTS)
		if err != nil {
			return fmt.Errorf("extend claim: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("extend claim rows affected: %w", err)
		} else if n == 1 {
			var stored string
			if err := tx.QueryRowContext(ctx, `
				SELECT expires_at FROM claims WHERE task_id = ? AND aspect = ?;
			`, taskID, aspect).Scan(&stored); err != nil {
				return fmt.Errorf("read extended claim: %w", err)
			}
			exp, err := parseTime(stored)
			if err != nil {
				return err
			}
			result = ClaimResult{Granted: true, ExpiresAt: exp, Reason: ReasonRenewed}
			return nil
		}

		// Expired row, any previous holder: first caller past expiry wins.
		res, err = tx.ExecContext(ctx, `
			UPDATE claims SET agent = ?, claimed_at = ?, expires_at = ?
			WHERE task_id = ? AND aspect = ? AND expires_at <= ?;
		`, agentID, nowTS, expTS, taskID, aspect, nowTS)
		if err != nil {
			return fmt.Errorf("take over expired claim: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("take over rows affected: %w", err)
		} else if n == 1 {
			result = ClaimResult{Granted: true, ExpiresAt: expiresAt, Reason: ReasonReclaimedExpired}
			return nil
		}

		result.Reason = ReasonHeldByOther
		if err := tx.QueryRowContext(ctx, `
			SELECT agent FROM claims WHERE task_id = ? AND aspect = ?;
		`, taskID, aspect).Scan(&result.Holder); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read claim holder: %w", err)
		}
		return nil
	})
	if err != nil {
		return ClaimResult{}, err
	}
	return result, nil
}

// RenewClaim moves the deadline of a live claim held by agentID to now+ttl.
// A missing, expired or foreign claim is not renewed; all three report
// ReasonNoLiveClaim so callers cannot tell them apart.
func (s *Store) RenewClaim(ctx context.Context, taskID, aspect, agentID string, now time.Time, ttl time.Duration) (ClaimResult, error) {
	var result ClaimResult
	expiresAt := now.Add(ttl)
	err := s.inTx(ctx, "renew claim", func(tx *sql.Tx) error {
		result = ClaimResult{Reason: ReasonNoLiveClaim}
		if err := ensureAgentTx(ctx, tx, agentID, now); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE claims SET expires_at = ?
			WHERE task_id = ? AND aspect = ? AND agent = ? AND expires_at > ?;
		`, formatTime(expiresAt), taskID, aspect, agentID, formatTime(now))
		if err != nil {
			return fmt.Errorf("renew claim: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("renew claim rows affected: %w", err)
		}
		if n == 1 {
			result = ClaimResult{Granted: true, ExpiresAt: expiresAt, Reason: ReasonRenewed}
		}
		return nil
	})
	if err != nil {
		return ClaimResult{}, err
	}
	return result, nil
}

// ReleaseClaim deletes the claim only if agentID holds it live at now.
func (s *Store) ReleaseClaim(ctx context.Context, taskID, aspect, agentID string, now time.Time) (bool, error) {
	var released bool
	err := s.inTx(ctx, "release claim", func(tx *sql.Tx) error {
		released = false
		if err := ensureAgentTx(ctx, tx, agentID, now); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			DELETE FROM claims
			WHERE task_id = ? AND aspect = ? AND agent = ? AND expires_at > ?;
		`, taskID, aspect, agentID, formatTime(now))
		if err != nil {
			return fmt.Errorf("release claim: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("release claim rows affected: %w", err)
		}
		released = n == 1
		return nil
	})
	return released, err
}

func liveClaimsTx(ctx context.Context, tx *sql.Tx, taskID string, now time.Time) ([]Claim, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT task_id, aspect, agent, claimed_at, expires_at
		FROM claims
		WHERE task_id = ? AND expires_at > ?
		ORDER BY aspect ASC;
	`, taskID, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("query live claims: %w", err)
	}
	defer rows.Close()

	out := []Claim{}
	for rows.Next() {
		var c Claim
		var claimedAt, expiresAt string
		if err := rows.Scan(&c.TaskID, &c.Aspect, &c.Agent, &claimedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		if c.ClaimedAt, err = parseTime(claimedAt); err != nil {
			return nil, err
		}
		if c.ExpiresAt, err = parseTime(expiresAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim rows: %w", err)
	}
	return out, nil
}
