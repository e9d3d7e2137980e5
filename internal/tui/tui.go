// Package tui renders the live coordination dashboard behind `taskward watch`.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/taskward/internal/coordination"
)

type Snapshot struct {
	DBOK      bool
	Stats     coordination.Stats
	Tasks     []coordination.TaskClaims
	Agents    []coordination.Agent // recently active
	TakenAt   time.Time
	LastError string
}

type StatusProvider func(ctx context.Context) Snapshot

// NewSnapshot reads everything the dashboard shows from svc in one pass.
// Errors are folded into LastError so the dashboard keeps running.
func NewSnapshot(ctx context.Context, svc *coordination.Service, activeWindow time.Duration) Snapshot {
	snap := Snapshot{TakenAt: time.Now(), DBOK: true}
	fail := func(err error) Snapshot {
		snap.DBOK = false
		snap.LastError = humanError(err)
		return snap
	}
	st, err := svc.Stats(ctx)
	if err != nil {
		return fail(err)
	}
	snap.Stats = st
	if snap.Tasks, err = svc.TaskStatus(ctx, ""); err != nil {
		return fail(err)
	}
	if snap.Agents, err = svc.ActiveSince(ctx, activeWindow); err != nil {
		return fail(err)
	}
	return snap
}

type model struct {
	ctx      context.Context
	provider StatusProvider
	snap     Snapshot
	feed     *ActivityFeed
	interval time.Duration
}

type tickMsg time.Time

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func newModel(ctx context.Context, provider StatusProvider, interval time.Duration) model {
	if interval <= 0 {
		interval = time.Second
	}
	return model{
		ctx:      ctx,
		provider: provider,
		snap:     provider(ctx),
		feed:     NewActivityFeed(),
		interval: interval,
	}
}

func (m model) Init() tea.Cmd {
	return tickCmd(m.interval)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "a":
			m.feed.Toggle()
		}
	case tickMsg:
		next := m.provider(m.ctx)
		for _, item := range diffSnapshots(m.snap, next) {
			m.feed.Add(item)
		}
		m.feed.CleanupOld(time.Time(msg), 10*time.Minute)
		m.snap = next
		return m, tickCmd(m.interval)
	}
	return m, nil
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	taskStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
	claimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
)

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Taskward") + "\n\n")

	db := okStyle.Render("ok")
	if !m.snap.DBOK {
		db = errStyle.Render("unavailable")
	}
	fmt.Fprintf(&b, "DB: %s   Agents: %d   Open Tasks: %d   Live Claims: %d\n",
		db, m.snap.Stats.Agents, m.snap.Stats.ActiveTasks, m.snap.Stats.OpenClaims)
	if m.snap.LastError != "" {
		b.WriteString(errStyle.Render("Last Error: "+m.snap.LastError) + "\n")
	}
	b.WriteString("\n")

	if len(m.snap.Tasks) == 0 {
		b.WriteString(dimStyle.Render("(no open tasks)") + "\n")
	}
	now := m.snap.TakenAt
	for _, task := range m.snap.Tasks {
		b.WriteString(taskStyle.Render(task.Title) + " " + dimStyle.Render(shortID(task.ID)) + "\n")
		if len(task.Claims) == 0 {
			b.WriteString(dimStyle.Render("    unclaimed") + "\n")
		}
		for _, c := range task.Claims {
			left := c.ExpiresAt.Sub(now).Truncate(time.Second)
			fmt.Fprintf(&b, "    %s %s %s\n",
				claimStyle.Render(c.Aspect), c.Agent, dimStyle.Render("("+left.String()+" left)"))
		}
	}

	if len(m.snap.Agents) > 0 {
		names := make([]string, 0, len(m.snap.Agents))
		for _, a := range m.snap.Agents {
			names = append(names, a.ID)
		}
		b.WriteString("\n" + dimStyle.Render("Active agents: ") + strings.Join(names, ", ") + "\n")
	}

	if feed := m.feed.View(); feed != "" {
		b.WriteString("\n" + feed)
	}
	b.WriteString("\n" + dimStyle.Render("q quit · a toggle activity") + "\n")
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Run shows the dashboard until the user quits or ctx is cancelled.
func Run(ctx context.Context, provider StatusProvider, interval time.Duration, opts ...tea.ProgramOption) error {
	defer bestEffortResetTTY()

	p := tea.NewProgram(newModel(ctx, provider, interval), opts...)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
