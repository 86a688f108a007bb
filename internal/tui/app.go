// Package tui renders a terminal dashboard over a running orchestrator. It
// uses bubbletea: state lives in App, Update folds messages into it and View
// renders it.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/concord/internal/conflict"
	"github.com/kingrea/concord/internal/orchestrator"
	"github.com/kingrea/concord/internal/registry"
	"github.com/kingrea/concord/internal/scheduler"
	"github.com/kingrea/concord/internal/workflow"
)

const (
	boardRefreshInterval = 3 * time.Second
	logTailLines         = 20
)

// Source is the orchestrator surface the dashboard reads.
type Source interface {
	Agents() []registry.Agent
	ListTasks(ctx context.Context, statuses ...scheduler.Status) ([]scheduler.Task, error)
	ListWorkflows(ctx context.Context, states ...workflow.State) ([]workflow.Workflow, error)
	GetConflicts(ctx context.Context, filter string) ([]conflict.Conflict, error)
	RunSyncCycle(ctx context.Context) (orchestrator.SyncReport, error)
	LastReport() orchestrator.SyncReport
}

// LogTailer exposes the most recent project log lines.
type LogTailer interface {
	Tail(maxLines int) ([]string, int)
}

type panel int

const (
	panelAgents panel = iota
	panelTasks
	panelWorkflows
	panelConflicts
	panelLog
)

type snapshotMsg struct {
	agents    []registry.Agent
	tasks     []scheduler.Task
	workflows []workflow.Workflow
	conflicts []conflict.Conflict
	report    orchestrator.SyncReport
	logLines  []string
	logTotal  int
	err       error
}

type syncFinishedMsg struct {
	report orchestrator.SyncReport
	err    error
}

// menuItem implements list.Item for the panel selector.
type menuItem struct {
	panel panel
	title string
	desc  string
}

func (i menuItem) Title() string       { return i.title }
func (i menuItem) Description() string { return i.desc }
func (i menuItem) FilterValue() string { return i.title }

// AppOption customizes App construction for tests.
type AppOption func(*App)

// WithRefreshInterval overrides how often the board polls the source. Zero
// disables polling.
func WithRefreshInterval(d time.Duration) AppOption {
	return func(a *App) {
		a.refreshEvery = d
	}
}

// WithLog adds a panel with the tail of the project log.
func WithLog(tailer LogTailer) AppOption {
	return func(a *App) {
		a.log = tailer
	}
}

// App is the dashboard model.
type App struct {
	source       Source
	log          LogTailer
	menu         list.Model
	refreshEvery time.Duration

	agents    []registry.Agent
	tasks     []scheduler.Task
	workflows []workflow.Workflow
	conflicts []conflict.Conflict
	report    orchestrator.SyncReport
	logLines  []string
	logTotal  int

	syncing   bool
	statusMsg string
	boardErr  string

	width  int
	height int
}

// NewApp builds a dashboard over source.
func NewApp(source Source, opts ...AppOption) *App {
	app := &App{
		source:       source,
		refreshEvery: boardRefreshInterval,
		statusMsg:    "s sync · r refresh · q quit",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(app)
		}
	}
	items := []list.Item{
		menuItem{panel: panelAgents, title: "Agents", desc: "Registered workers and liveness"},
		menuItem{panel: panelTasks, title: "Tasks", desc: "Open and recent tasks"},
		menuItem{panel: panelWorkflows, title: "Workflows", desc: "Phase progress"},
		menuItem{panel: panelConflicts, title: "Conflicts", desc: "Open spec/code conflicts"},
	}
	if app.log != nil {
		items = append(items, menuItem{panel: panelLog, title: "Log", desc: "Recent orchestrator log"})
	}
	app.menu = list.New(items, list.NewDefaultDelegate(), 0, 0)
	app.menu.Title = "CONCORD"
	app.menu.SetShowStatusBar(false)
	app.menu.SetFilteringEnabled(false)
	return app
}

// Init is called once when the program starts.
func (a *App) Init() tea.Cmd {
	return a.fetchSnapshot()
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.menu.SetSize(max(0, msg.Width/3), max(0, msg.Height-8))
		return a, nil

	case snapshotMsg:
		if msg.err != nil {
			a.boardErr = msg.err.Error()
		} else {
			a.boardErr = ""
			a.agents = msg.agents
			a.tasks = msg.tasks
			a.workflows = msg.workflows
			a.conflicts = msg.conflicts
			a.report = msg.report
			a.logLines = msg.logLines
			a.logTotal = msg.logTotal
		}
		return a, a.scheduleRefresh()

	case syncFinishedMsg:
		a.syncing = false
		if msg.err != nil {
			a.statusMsg = fmt.Sprintf("Sync failed: %v", msg.err)
			return a, nil
		}
		a.report = msg.report
		a.statusMsg = fmt.Sprintf("Sync: %s", summarizeReport(msg.report))
		return a, a.fetchSnapshot()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return a, tea.Quit
		case "r":
			a.statusMsg = "Refreshing..."
			return a, a.fetchSnapshot()
		case "s":
			if a.syncing {
				return a, nil
			}
			a.syncing = true
			a.statusMsg = "Running sync cycle..."
			return a, a.runSync()
		}
	}

	var cmd tea.Cmd
	a.menu, cmd = a.menu.Update(msg)
	return a, cmd
}

func (a *App) selected() panel {
	if item, ok := a.menu.SelectedItem().(menuItem); ok {
		return item.panel
	}
	return panelAgents
}

// View renders the current state to a string.
func (a *App) View() string {
	width := a.width
	if width <= 0 {
		width = 100
	}
	leftWidth := max(24, width/3)
	rightWidth := width - leftWidth - 4
	if rightWidth < 30 {
		rightWidth = 30
	}
	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FF6B6B")).
		MarginBottom(1).
		Render("⬡ CONCORD")
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1)
	left := box.Width(leftWidth).Render(lipgloss.JoinVertical(lipgloss.Left, a.renderSummary(), "", a.menu.View()))
	right := box.Width(rightWidth).Render(a.renderPanel(a.selected(), rightWidth-4))
	footer := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#888888")).
		MarginTop(1).
		Render(a.statusMsg)
	return strings.Join([]string{header, lipgloss.JoinHorizontal(lipgloss.Top, left, right), footer}, "\n")
}

func (a *App) renderSummary() string {
	open := 0
	for _, task := range a.tasks {
		if !task.Closed() {
			open++
		}
	}
	lines := []string{
		fmt.Sprintf("%d agent(s) · %d open task(s)", len(a.agents), open),
		fmt.Sprintf("%d workflow(s) · %d open conflict(s)", len(a.workflows), len(a.conflicts)),
	}
	if !a.report.StartedAt.IsZero() {
		lines = append(lines, fmt.Sprintf("Last sync %s: %s", a.report.StartedAt.Format("15:04:05"), summarizeReport(a.report)))
	} else {
		lines = append(lines, "Last sync: never")
	}
	if a.boardErr != "" {
		lines = append(lines, fmt.Sprintf("⚠ %s", a.boardErr))
	}
	return strings.Join(lines, "\n")
}

func (a *App) renderPanel(p panel, width int) string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	muted := lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	var heading string
	var rows []string
	switch p {
	case panelAgents:
		heading = fmt.Sprintf("Agents (%d)", len(a.agents))
		for _, agent := range a.agents {
			line := fmt.Sprintf("%s · %s · trust %.2f · %s", agent.ID, agent.Status, agent.TrustScore, strings.Join(agent.Capabilities, ","))
			if agent.CurrentTask != "" {
				line += " · on " + shortID(agent.CurrentTask)
			}
			rows = append(rows, line)
		}
	case panelTasks:
		heading = fmt.Sprintf("Tasks (%d)", len(a.tasks))
		for _, task := range a.tasks {
			line := fmt.Sprintf("%s · %s · %s · %d/%d result(s)", shortID(task.ID), task.Status, task.Strategy, len(task.Results), task.Expected)
			if task.FailureReason != "" {
				line += " · " + task.FailureReason
			}
			rows = append(rows, line)
		}
	case panelWorkflows:
		heading = fmt.Sprintf("Workflows (%d)", len(a.workflows))
		for _, wf := range a.workflows {
			rows = append(rows, renderWorkflow(wf))
		}
	case panelConflicts:
		heading = fmt.Sprintf("Open conflicts (%d)", len(a.conflicts))
		for _, c := range a.conflicts {
			line := fmt.Sprintf("%s · %s", c.EntityKey, c.Severity)
			if len(c.Overlapping) > 0 {
				line += " · " + strings.Join(c.Overlapping, ",")
			}
			rows = append(rows, line)
		}
	case panelLog:
		heading = fmt.Sprintf("Log (last %d of %d)", len(a.logLines), a.logTotal)
		for _, line := range a.logLines {
			rows = append(rows, truncate(line, width))
		}
	}
	if len(rows) == 0 {
		rows = []string{muted.Render("Nothing to show.")}
	}
	return lipgloss.NewStyle().Width(max(20, width)).Render(title.Render(heading) + "\n" + strings.Join(rows, "\n"))
}

func renderWorkflow(wf workflow.Workflow) string {
	name := wf.Name
	if name == "" {
		name = wf.ID
	}
	line := fmt.Sprintf("%s · %s · phase %d/%d", name, wf.State, min(wf.CurrentPhaseIndex+1, len(wf.Phases)), len(wf.Phases))
	if phase, ok := wf.CurrentPhase(); ok {
		line += " (" + phase.Name + ")"
	}
	if wf.BlockedReason != "" {
		line += " · " + wf.BlockedReason
	}
	return line
}

func (a *App) fetchSnapshot() tea.Cmd {
	return func() tea.Msg {
		return a.buildSnapshot()
	}
}

func (a *App) scheduleRefresh() tea.Cmd {
	if a.refreshEvery <= 0 {
		return nil
	}
	return tea.Tick(a.refreshEvery, func(time.Time) tea.Msg {
		return a.buildSnapshot()
	})
}

func (a *App) buildSnapshot() snapshotMsg {
	ctx := context.Background()
	tasks, err := a.source.ListTasks(ctx)
	if err != nil {
		return snapshotMsg{err: err}
	}
	workflows, err := a.source.ListWorkflows(ctx)
	if err != nil {
		return snapshotMsg{err: err}
	}
	conflicts, err := a.source.GetConflicts(ctx, conflict.FilterOpen)
	if err != nil {
		return snapshotMsg{err: err}
	}
	snap := snapshotMsg{
		agents:    a.source.Agents(),
		tasks:     tasks,
		workflows: workflows,
		conflicts: conflicts,
		report:    a.source.LastReport(),
	}
	if a.log != nil {
		snap.logLines, snap.logTotal = a.log.Tail(logTailLines)
	}
	return snap
}

func (a *App) runSync() tea.Cmd {
	return func() tea.Msg {
		report, err := a.source.RunSyncCycle(context.Background())
		return syncFinishedMsg{report: report, err: err}
	}
}

func summarizeReport(r orchestrator.SyncReport) string {
	return fmt.Sprintf("%d applied · %d conflicted · %d failed · %d pending", r.Applied, r.Conflicted, r.Failed, r.Pending)
}

func truncate(line string, width int) string {
	runes := []rune(line)
	if width <= 1 || len(runes) <= width {
		return line
	}
	return string(runes[:width-1]) + "…"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
