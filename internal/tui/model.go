// Package tui renders a live dashboard of one generation run and hosts the
// interactive project wizard.
package tui

import (
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/appforge/internal/config"
	"github.com/aristath/appforge/internal/events"
	"github.com/aristath/appforge/internal/orchestrator"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTaskList PaneID = iota
	PaneTaskOutput
	PaneRun
)

const paneCount = 3

// Options configures the dashboard.
type Options struct {
	// Initial is the run snapshot taken right after Start.
	Initial orchestrator.Snapshot
	// Events is a bus subscription opened before the run started. Events of
	// other runs are ignored.
	Events <-chan events.Event
	// Cancel requests cancellation of the run. Optional.
	Cancel func() error

	Config            *config.Config
	GlobalConfigPath  string
	ProjectConfigPath string
}

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	runID        string
	taskPane     TaskPaneModel
	runPane      RunPaneModel
	settingsPane SettingsPaneModel
	focusedPane  PaneID
	eventSub     <-chan events.Event
	cancel       func() error
	cancelErr    error
	cancelSent   bool
	width        int
	height       int
	quitting     bool
	showSettings bool
}

// New creates a new TUI model.
func New(opts Options) Model {
	return Model{
		runID:        opts.Initial.RunID,
		taskPane:     NewTaskPaneModel(opts.Initial.Tasks),
		runPane:      NewRunPaneModel(opts.Initial),
		settingsPane: NewSettingsPaneModel(opts.Config, opts.GlobalConfigPath, opts.ProjectConfigPath),
		focusedPane:  PaneTaskList,
		eventSub:     opts.Events,
		cancel:       opts.Cancel,
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	if sub == nil {
		return nil
	}
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

type cancelResultMsg struct {
	err error
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.showSettings {
			// Modal: every key goes to the settings form.
			switch {
			case key.Matches(msg, keys.Back):
				m.showSettings = false
				m.settingsPane.SetVisible(false)
			default:
				var cmd tea.Cmd
				m.settingsPane, cmd = m.settingsPane.Update(msg)
				cmds = append(cmds, cmd)
				if !m.settingsPane.IsVisible() {
					m.showSettings = false
				}
			}
			return m, tea.Batch(cmds...)
		}

		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit

		case key.Matches(msg, keys.Settings):
			m.showSettings = true
			m.settingsPane.SetVisible(true)
			cmds = append(cmds, m.settingsPane.Init())

		case key.Matches(msg, keys.Cancel):
			if m.cancel != nil && !m.cancelSent && !m.runPane.Terminal() {
				m.cancelSent = true
				cancel := m.cancel
				cmds = append(cmds, func() tea.Msg { return cancelResultMsg{err: cancel()} })
			}

		case key.Matches(msg, keys.Next):
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case key.Matches(msg, keys.Prev):
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case key.Matches(msg, keys.Tasks):
			m.focusedPane = PaneTaskList
			m.updateFocusStates()

		case key.Matches(msg, keys.Output):
			m.focusedPane = PaneTaskOutput
			m.updateFocusStates()

		case key.Matches(msg, keys.Run):
			m.focusedPane = PaneRun
			m.updateFocusStates()

		default:
			if m.focusedPane != PaneRun {
				var cmd tea.Cmd
				m.taskPane, cmd = m.taskPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()
		m.settingsPane.SetSize(msg.Width, msg.Height)

	case cancelResultMsg:
		m.cancelErr = msg.err

	case tickMsg:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)

	case events.Event:
		if msg.Metadata().RunID == m.runID {
			var cmd tea.Cmd
			m.taskPane, cmd = m.taskPane.Update(msg)
			cmds = append(cmds, cmd)
			m.runPane, _ = m.runPane.Update(msg)
		}
		cmds = append(cmds, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}
	if m.showSettings {
		return m.settingsPane.View()
	}

	panes := lipgloss.JoinVertical(lipgloss.Left, m.taskPane.View(), m.runPane.View())

	help := helpView(m.width)
	if m.cancelErr != nil {
		help = styleBad.Render("cancel failed: "+m.cancelErr.Error()) + "  " + help
	} else if m.runPane.Terminal() {
		help = styleTitle.Render("Run "+m.runPane.Status()+", press q to exit") + " " + help
	}
	return lipgloss.JoinVertical(lipgloss.Left, panes, help)
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	available := m.height - 1 // help bar
	taskHeight := (available * 60) / 100

	m.taskPane.SetSize(m.width, taskHeight)
	m.runPane.SetSize(m.width, available-taskHeight)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTaskList || m.focusedPane == PaneTaskOutput)
	m.runPane.SetFocused(m.focusedPane == PaneRun)
}

// RunStatus returns the run status the dashboard last observed.
func (m Model) RunStatus() string { return m.runPane.Status() }
