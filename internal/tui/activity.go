package tui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// ActivityItem is one line in the activity feed, derived from the
// difference between two consecutive snapshots.
type ActivityItem struct {
	Icon    string
	Message string
	At      time.Time
}

type ActivityFeed struct {
	mu        sync.Mutex
	items     []ActivityItem
	collapsed bool
	maxItems  int
}

func NewActivityFeed() *ActivityFeed {
	return &ActivityFeed{maxItems: 10, collapsed: true}
}

func (f *ActivityFeed) Add(item ActivityItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, item)
	if len(f.items) > f.maxItems {
		f.items = f.items[1:]
	}
	f.collapsed = false // auto-expand
}

func (f *ActivityFeed) Toggle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collapsed = !f.collapsed
}

func (f *ActivityFeed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// CleanupOld drops items older than maxAge relative to now.
func (f *ActivityFeed) CleanupOld(now time.Time, maxAge time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.items[:0]
	removed := 0
	for _, it := range f.items {
		if now.Sub(it.At) >= maxAge {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	f.items = kept
	return removed
}

func (f *ActivityFeed) View() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.items) == 0 {
		return ""
	}

	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	if f.collapsed {
		return dim.Render(fmt.Sprintf("── %d recent changes (a to expand) ──", len(f.items))) + "\n"
	}

	itemS := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))

	var out strings.Builder
	out.WriteString(dim.Render("── Activity (a to collapse) ──") + "\n")
	for i := len(f.items) - 1; i >= 0; i-- {
		it := f.items[i]
		line := fmt.Sprintf("%s %s %s", dim.Render(it.At.Format("15:04:05")), it.Icon, it.Message)
		out.WriteString(itemS.Render(line) + "\n")
	}
	return out.String()
}
