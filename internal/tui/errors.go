package tui

import "strings"

// humanError keeps the innermost message of a wrapped error for the status
// line: "list agents: database is locked" → "Database is locked".
func humanError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if idx := strings.LastIndex(msg, ": "); idx != -1 && idx+2 < len(msg) {
		inner := msg[idx+2:]
		return strings.ToUpper(inner[:1]) + inner[1:]
	}
	return msg
}
