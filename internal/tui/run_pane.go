package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/appforge/internal/events"
	"github.com/aristath/appforge/internal/orchestrator"
)

const maxRunLog = 200

// RunPaneModel shows overall progress and run-level messages.
type RunPaneModel struct {
	runID     string
	projectID string
	status    string
	overall   int
	statuses  map[string]string // task ID -> status
	files     int
	summary   string
	duration  time.Duration
	log       []string
	bar       progress.Model
	width     int
	height    int
	focused   bool
}

// NewRunPaneModel creates a run pane from the run's initial snapshot.
func NewRunPaneModel(snap orchestrator.Snapshot) RunPaneModel {
	m := RunPaneModel{
		runID:     snap.RunID,
		projectID: snap.ProjectID,
		status:    snap.Status.String(),
		overall:   snap.Progress,
		statuses:  make(map[string]string, len(snap.Tasks)),
		files:     len(snap.Files),
		summary:   snap.ErrorSummary,
		bar:       progress.New(progress.WithDefaultGradient()),
	}
	for _, t := range snap.Tasks {
		m.statuses[t.ID] = t.Status.String()
	}
	return m
}

// Update handles messages for the run pane.
func (m RunPaneModel) Update(msg tea.Msg) (RunPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.RunStarted:
		m.status = "running"
		m.appendLog(msg.Timestamp, fmt.Sprintf("run started with %d tasks", msg.Tasks))
	case events.RunProgress:
		m.overall = max(m.overall, msg.OverallPercent)
	case events.RunCompleted:
		m.status = "completed"
		m.overall = 100
		m.duration = msg.Duration
		m.appendLog(msg.Timestamp, fmt.Sprintf("completed: %d files", msg.Files))
	case events.RunFailed:
		m.status = "failed"
		m.summary = msg.ErrorSummary
		m.duration = msg.Duration
		m.appendLog(msg.Timestamp, "failed")
	case events.RunCancelled:
		m.status = "cancelled"
		m.duration = msg.Duration
		m.appendLog(msg.Timestamp, "cancelled")
	case events.TaskStatusChanged:
		m.statuses[msg.ID] = msg.Status
	case events.FileGenerated:
		m.files++
	case events.Log:
		if msg.ID == "" {
			m.appendLog(msg.Timestamp, severityStyle(msg.Severity).Render(msg.Message))
		}
	}
	return m, nil
}

func (m *RunPaneModel) appendLog(at time.Time, line string) {
	m.log = append(m.log, fmt.Sprintf("[%s] %s", at.Format(time.TimeOnly), line))
	if len(m.log) > maxRunLog {
		m.log = m.log[len(m.log)-maxRunLog:]
	}
}

// Status returns the run status as last observed.
func (m RunPaneModel) Status() string { return m.status }

// Overall returns the overall progress percentage.
func (m RunPaneModel) Overall() int { return m.overall }

// Terminal reports whether the run has finished.
func (m RunPaneModel) Terminal() bool {
	switch m.status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

func (m RunPaneModel) counts() map[string]int {
	out := make(map[string]int)
	for _, s := range m.statuses {
		out[s]++
	}
	return out
}

// View renders the run pane.
func (m RunPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	title := styleTitle.Render("Run " + m.runID)
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	b.WriteString(fmt.Sprintf("Project:   %s\n", m.projectID))
	b.WriteString(fmt.Sprintf("Status:    %s %s\n", StatusIcon(m.status), m.status))
	if m.duration > 0 {
		b.WriteString(fmt.Sprintf("Duration:  %s\n", m.duration.Round(time.Millisecond)))
	}

	c := m.counts()
	b.WriteString(fmt.Sprintf("Tasks:     %d total, %s done, %s running, %s failed, %s skipped\n",
		len(m.statuses),
		styleOK.Render(fmt.Sprint(c["completed"])),
		styleBusy.Render(fmt.Sprint(c["running"])),
		styleBad.Render(fmt.Sprint(c["failed"])),
		styleSkipped.Render(fmt.Sprint(c["skipped"]+c["cancelled"])),
	))
	b.WriteString(fmt.Sprintf("Files:     %d\n\n", m.files))

	m.bar.Width = max(min(m.width-6, 60), 10)
	b.WriteString(m.bar.ViewAs(float64(m.overall) / 100))
	b.WriteString("\n")

	if m.summary != "" {
		b.WriteString("\n")
		b.WriteString(styleBad.Render(m.summary))
		b.WriteString("\n")
	}

	// Newest messages that still fit.
	room := m.height - 14
	if room > 0 && len(m.log) > 0 {
		b.WriteString("\n")
		start := max(len(m.log)-room, 0)
		b.WriteString(strings.Join(m.log[start:], "\n"))
	}

	return paneStyle(m.focused).
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *RunPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *RunPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
