package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	hintStyle  = lipgloss.NewStyle().Faint(true)
)

// Snapshot is one poll of the running host's state, as seen from outside
// the process (read-only queries against its database). It carries no
// handle back into the host's own goroutines.
type Snapshot struct {
	DBOK             bool
	GroupsRegistered int
	ChatsPending     int // distinct chats with a claimable queued message
	TasksActive      int // scheduled tasks with a non-zero running_since
	TasksDue         int // active tasks whose next_run has already passed
	JobsRunning      int
	JobsQueued       int
	LastError        string
	Uptime           time.Duration
}

// StatusProvider produces a fresh Snapshot on each poll tick.
type StatusProvider func() Snapshot

type model struct {
	provider StatusProvider
	snap     Snapshot
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.provider()
		return m, tickCmd()
	}
	return m, nil
}

func (m model) View() string {
	dbStatus := okStyle.Render("OK")
	if !m.snap.DBOK {
		dbStatus = badStyle.Render("UNREACHABLE")
	}
	lastErr := hintStyle.Render("(none)")
	if m.snap.LastError != "" {
		lastErr = badStyle.Render(humanError(errors.New(m.snap.LastError)))
	}
	row := func(label string, value any) string {
		return fmt.Sprintf("%s %v\n", labelStyle.Render(label+":"), value)
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("dotclaw status") + "\n\n")
	b.WriteString(row("DB", dbStatus))
	b.WriteString(row("Groups Registered", m.snap.GroupsRegistered))
	b.WriteString(row("Chats Pending", m.snap.ChatsPending))
	b.WriteString(row("Tasks Active", m.snap.TasksActive))
	b.WriteString(row("Tasks Due", m.snap.TasksDue))
	b.WriteString(row("Jobs Running", m.snap.JobsRunning))
	b.WriteString(row("Jobs Queued", m.snap.JobsQueued))
	b.WriteString(row("Uptime", m.snap.Uptime.Truncate(time.Second)))
	b.WriteString(row("Last Error", lastErr))
	b.WriteString("\n" + hintStyle.Render("Press q to quit.") + "\n")
	return b.String()
}

// Run drives the status dashboard until ctx is cancelled or the user quits.
func Run(ctx context.Context, provider StatusProvider) error {
	defer bestEffortResetTTY()

	m := model{provider: provider, snap: provider()}
	p := tea.NewProgram(m)

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
