package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Agent represents a row in the agents table.
type Agent struct {
	ID          string         `json:"id"`
	Name        string         `json:"name,omitempty"`
	Type        string         `json:"type,omitempty"`
	FirstSeenAt time.Time      `json:"first_seen_at"`
	LastSeenAt  time.Time      `json:"last_seen_at"`
	Metadata    map[string]any `json:"metadata"`
}

// Optional distinguishes "leave unchanged" (Set=false) from "set to Value".
type Optional[T any] struct {
	Value T
	Set   bool
}

// Some returns an Optional holding v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{Value: v, Set: true}
}

// AgentPatch is a partial update applied by RegisterAgent. Unset fields keep
// their stored value; set fields overwrite it, including with the zero value.
type AgentPatch struct {
	Name     Optional[string]
	Type     Optional[string]
	Metadata Optional[map[string]any]
}

// AgentFilter narrows ListAgents. Zero values disable the filter.
type AgentFilter struct {
	Type        string
	ActiveSince time.Time
}

// ensureAgentTx records activity for agentID: inserts it on first sight,
// otherwise bumps last_seen_at without ever moving it backwards.
func ensureAgentTx(ctx context.Context, tx *sql.Tx, agentID string, now time.Time) error {
	ts := formatTime(now)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO agents (id, first_seen_at, last_seen_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_seen_at = MAX(agents.last_seen_at, excluded.last_seen_at);
	`, agentID, ts, ts); err != nil {
		return fmt.Errorf("ensure agent %q: %w", agentID, err)
	}
	return nil
}

// EnsureAgent is the standalone form of the implicit registration every
// coordination write performs.
func (s *Store) EnsureAgent(ctx context.Context, agentID string, now time.Time) error {
	return s.inTx(ctx, "ensure agent", func(tx *sql.Tx) error {
		return ensureAgentTx(ctx, tx, agentID, now)
	})
}

// RegisterAgent upserts an agent, applying patch on top of any stored values.
// created reports whether the agent did not exist before.
func (s *Store) RegisterAgent(ctx context.Context, agentID string, patch AgentPatch, now time.Time) (created bool, err error) {
	var metadataJSON any
	if patch.Metadata.Set && patch.Metadata.Value != nil {
		b, err := json.Marshal(patch.Metadata.Value)
		if err != nil {
			return false, fmt.Errorf("encode agent metadata: %w", err)
		}
		metadataJSON = string(b)
	}
	ts := formatTime(now)

	err = s.inTx(ctx, "register agent", func(tx *sql.Tx) error {
		var exists int
		switch err := tx.QueryRowContext(ctx, `SELECT 1 FROM agents WHERE id = ?;`, agentID).Scan(&exists); {
		case errors.Is(err, sql.ErrNoRows):
			created = true
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO agents (id, name, type, metadata, first_seen_at, last_seen_at)
				VALUES (?, ?, ?, ?, ?, ?);
			`, agentID, nullString(patch.Name.Value), nullString(patch.Type.Value), metadataJSON, ts, ts); err != nil {
				return fmt.Errorf("insert agent: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("lookup agent: %w", err)
		}

		created = false
		sets := []string{"last_seen_at = MAX(last_seen_at, ?)"}
		args := []any{ts}
		if patch.Name.Set {
			sets = append(sets, "name = ?")
			args = append(args, nullString(patch.Name.Value))
		}
		if patch.Type.Set {
			sets = append(sets, "type = ?")
			args = append(args, nullString(patch.Type.Value))
		}
		if patch.Metadata.Set {
			sets = append(sets, "metadata = ?")
			args = append(args, metadataJSON)
		}
		args = append(args, agentID)
		q := "UPDATE agents SET " + strings.Join(sets, ", ") + " WHERE id = ?;"
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("update agent: %w", err)
		}
		return nil
	})
	return created, err
}

const agentColumns = `id, COALESCE(name, ''), COALESCE(type, ''), first_seen_at, last_seen_at, COALESCE(metadata, '')`

func scanAgent(scanFn func(dest ...any) error, a *Agent) error {
	var firstSeen, lastSeen, metadata string
	if err := scanFn(&a.ID, &a.Name, &a.Type, &firstSeen, &lastSeen, &metadata); err != nil {
		return err
	}
	var err error
	if a.FirstSeenAt, err = parseTime(firstSeen); err != nil {
		return err
	}
	if a.LastSeenAt, err = parseTime(lastSeen); err != nil {
		return err
	}
	a.Metadata = map[string]any{}
	if metadata != "" {
		// Unreadable metadata reads back as empty rather than failing the row.
		var m map[string]any
		if json.Unmarshal([]byte(metadata), &m) == nil && m != nil {
			a.Metadata = m
		}
	}
	return nil
}

// GetAgent returns ErrNotFound if the agent has never been seen.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var a Agent
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?;`, agentID)
	if err := scanAgent(row.Scan, &a); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &a, nil
}

// ListAgents returns agents ordered by most recent activity first.
func (s *Store) ListAgents(ctx context.Context, filter AgentFilter) ([]Agent, error) {
	q := `SELECT ` + agentColumns + ` FROM agents WHERE 1=1`
	var args []any
	if filter.Type != "" {
		q += ` AND type = ?`
		args = append(args, filter.Type)
	}
	if !filter.ActiveSince.IsZero() {
		q += ` AND last_seen_at >= ?`
		args = append(args, formatTime(filter.ActiveSince))
	}
	q += ` ORDER BY last_seen_at DESC, id ASC;`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var a Agent
		if err := scanAgent(rows.Scan, &a); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agent rows: %w", err)
	}
	return out, nil
}
