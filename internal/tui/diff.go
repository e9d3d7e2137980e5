package tui

import (
	"fmt"

	"github.com/basket/taskward/internal/coordination"
)

type claimKey struct {
	taskID, aspect string
}

// diffSnapshots turns the change between two snapshots into feed items.
// The first snapshot (zero TakenAt) produces nothing.
func diffSnapshots(prev, next Snapshot) []ActivityItem {
	if prev.TakenAt.IsZero() || !next.DBOK {
		return nil
	}
	at := next.TakenAt

	prevTasks := map[string]coordination.TaskClaims{}
	prevClaims := map[claimKey]coordination.Claim{}
	for _, t := range prev.Tasks {
		prevTasks[t.ID] = t
		for _, c := range t.Claims {
			prevClaims[claimKey{t.ID, c.Aspect}] = c
		}
	}
	nextTasks := map[string]bool{}
	nextClaims := map[claimKey]bool{}

	var items []ActivityItem
	add := func(icon, format string, args ...any) {
		items = append(items, ActivityItem{Icon: icon, Message: fmt.Sprintf(format, args...), At: at})
	}

	for _, t := range next.Tasks {
		nextTasks[t.ID] = true
		if _, ok := prevTasks[t.ID]; !ok {
			add("+", "task %q opened", t.Title)
		}
		for _, c := range t.Claims {
			k := claimKey{t.ID, c.Aspect}
			nextClaims[k] = true
			old, ok := prevClaims[k]
			switch {
			case !ok || old.Agent != c.Agent:
				add("→", "%s claimed %s on %q", c.Agent, c.Aspect, t.Title)
			case c.ExpiresAt.After(old.ExpiresAt):
				add("↻", "%s renewed %s on %q", c.Agent, c.Aspect, t.Title)
			}
		}
	}

	for _, t := range prev.Tasks {
		if !nextTasks[t.ID] {
			add("✓", "task %q closed", t.Title)
			continue
		}
		for _, c := range t.Claims {
			if !nextClaims[claimKey{t.ID, c.Aspect}] {
				add("←", "%s dropped %s on %q", c.Agent, c.Aspect, t.Title)
			}
		}
	}
	return items
}
