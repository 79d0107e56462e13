package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/appforge/internal/agent"
	"github.com/aristath/appforge/internal/events"
	"github.com/aristath/appforge/internal/orchestrator"
)

const listWidth = 34

// TaskState is what the dashboard knows about one task.
type TaskState struct {
	ID       string
	Name     string
	Kind     agent.Kind
	Status   string
	Progress int
	Retries  int
	Files    int
	Output   []string
}

// TaskPaneModel shows the task list and the selected task's output.
type TaskPaneModel struct {
	tasks       map[string]*TaskState
	order       []string
	selectedIdx int
	bar         progress.Model
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // for debouncing
}

// NewTaskPaneModel creates a pane pre-populated with the run's tasks.
func NewTaskPaneModel(initial []orchestrator.TaskSnapshot) TaskPaneModel {
	m := TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage(), progress.WithWidth(10)),
		viewport: viewport.New(0, 0),
	}
	for _, t := range initial {
		m.tasks[t.ID] = &TaskState{
			ID:       t.ID,
			Name:     t.Name,
			Kind:     t.Kind,
			Status:   t.Status.String(),
			Progress: t.Progress,
			Retries:  t.RetryCount,
		}
		m.order = append(m.order, t.ID)
	}
	m.updateViewportContent()
	return m
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch {
		case key.Matches(msg, keys.Down):
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case key.Matches(msg, keys.Up):
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskStatusChanged:
		t := m.task(msg.ID, msg.Kind)
		t.Status = msg.Status
		t.Progress = max(t.Progress, msg.Progress)
		t.Retries = msg.RetryCount
		line := fmt.Sprintf("[%s] %s", msg.Timestamp.Format(time.TimeOnly), msg.Status)
		if msg.Error != "" {
			line += ": " + msg.Error
		}
		t.Output = append(t.Output, line)
		return m, m.refresh(msg.ID)

	case events.TaskProgress:
		t := m.task(msg.ID, msg.Kind)
		t.Progress = max(t.Progress, msg.Progress)

	case events.FileGenerated:
		t := m.task(msg.ID, "")
		t.Files++
		t.Output = append(t.Output, fmt.Sprintf("+ %s (%d bytes)", msg.Path, msg.Size))
		return m, m.refresh(msg.ID)

	case events.Log:
		if msg.ID == "" {
			break
		}
		t := m.task(msg.ID, msg.Kind)
		t.Output = append(t.Output, severityStyle(msg.Severity).Render(fmt.Sprintf("%s: %s", msg.Severity, msg.Message)))
		return m, m.refresh(msg.ID)

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// task returns the state for id, adding it when the run announces a task
// the initial snapshot did not contain.
func (m *TaskPaneModel) task(id string, kind agent.Kind) *TaskState {
	if t, ok := m.tasks[id]; ok {
		return t
	}
	name := id
	if kind != "" {
		name = kind.Title()
	}
	t := &TaskState{ID: id, Name: name, Kind: kind, Status: "pending"}
	m.tasks[id] = t
	m.order = append(m.order, id)
	return t
}

// refresh schedules a debounced viewport update when id is selected.
func (m *TaskPaneModel) refresh(id string) tea.Cmd {
	if m.selectedTaskID() != id {
		return nil
	}
	m.updateTag++
	tag := m.updateTag
	return tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
		return tickMsg{tag: tag}
	})
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	viewportWidth := max(m.width-listWidth-4, 10)
	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	return paneStyle(m.focused).
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderTaskList() string {
	var b strings.Builder

	title := styleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(styleMuted.Render("Waiting..."))
	}
	nameWidth := listWidth - 4
	for i, id := range m.order {
		t := m.tasks[id]
		name := t.Name
		if len(name) > nameWidth {
			name = name[:nameWidth-3] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(t.Status), name)
		if i == m.selectedIdx {
			line = styleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n  ")
		b.WriteString(m.bar.ViewAs(float64(t.Progress) / 100))
		b.WriteString(fmt.Sprintf(" %3d%%", t.Progress))
		if t.Retries > 0 {
			b.WriteString(styleBusy.Render(fmt.Sprintf(" ↻%d", t.Retries)))
		}
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(listWidth).
		Height(m.height - 2).
		Render(b.String())
}

func (m TaskPaneModel) selectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

// Selected returns the state of the selected task.
func (m TaskPaneModel) Selected() (TaskState, bool) {
	t, ok := m.tasks[m.selectedTaskID()]
	if !ok {
		return TaskState{}, false
	}
	return *t, true
}

// Task returns the state of one task.
func (m TaskPaneModel) Task(id string) (TaskState, bool) {
	t, ok := m.tasks[id]
	if !ok {
		return TaskState{}, false
	}
	return *t, true
}

func (m *TaskPaneModel) updateViewportContent() {
	t, ok := m.tasks[m.selectedTaskID()]
	if !ok || len(t.Output) == 0 {
		m.viewport.SetContent("Waiting for output...")
		return
	}
	m.viewport.SetContent(strings.Join(t.Output, "\n"))
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-listWidth-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
