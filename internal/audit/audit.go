// Package audit keeps an append-only trail of authorization decisions and
// claim arbitration outcomes, as JSON lines under <home>/logs/audit.jsonl and
// as rows in the audit_log table when a database is attached.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/taskward/internal/shared"
)

// Decision values. Allow and Deny come from the policy layer; the rest
// record how the claim arbiter resolved a request.
const (
	DecisionAllow     = "allow"
	DecisionDeny      = "deny"
	DecisionGranted   = "granted"
	DecisionConflict  = "conflict"
	DecisionReleased  = "released"
	DecisionCompleted = "completed"
)

type entry struct {
	Timestamp     string `json:"timestamp"`
	TraceID       string `json:"trace_id,omitempty"`
	Decision      string `json:"decision"`
	Action        string `json:"action"`
	Reason        string `json:"reason"`
	PolicyVersion string `json:"policy_version,omitempty"`
	Subject       string `json:"subject,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB mirrors subsequent records into the audit_log table.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	db = nil
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the number of policy denials since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record logs a policy decision for action on behalf of subject.
func Record(decision, action, reason, policyVersion, subject string) {
	write("", decision, action, reason, policyVersion, subject)
}

// RecordContext logs an arbitration outcome, taking the trace id and subject
// from ctx.
func RecordContext(ctx context.Context, decision, action, reason string) {
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}
	write(traceID, decision, action, reason, "", shared.Subject(ctx))
}

func write(traceID, decision, action, reason, policyVersion, subject string) {
	if decision == DecisionDeny {
		denyCount.Add(1)
	}

	reason = shared.Redact(reason)
	subject = shared.Redact(subject)

	ev := entry{
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		TraceID:       traceID,
		Decision:      decision,
		Action:        action,
		Reason:        reason,
		PolicyVersion: policyVersion,
		Subject:       subject,
	}

	mu.Lock()
	if file != nil {
		if b, err := json.Marshal(ev); err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}
	d := db
	mu.Unlock()

	// Insert outside mu: the database may be busy.
	if d != nil {
		_, _ = d.ExecContext(context.Background(), `
			INSERT INTO audit_log (trace_id, subject, action, decision, reason, policy_version)
			VALUES (?, ?, ?, ?, ?, ?);
		`, ev.TraceID, ev.Subject, ev.Action, ev.Decision, ev.Reason, ev.PolicyVersion)
	}
}
