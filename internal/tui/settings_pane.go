package tui

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/appforge/internal/agent"
	"github.com/aristath/appforge/internal/config"
)

// settingsFields holds the form bindings. It lives on the heap so the
// pointers handed to huh survive copies of the pane model.
type settingsFields struct {
	saveTarget     string
	maxConcurrency string
	taskTimeout    string
	maxAttempts    string
	models         map[agent.Kind]*string
}

// SettingsPaneModel manages the settings form overlay.
type SettingsPaneModel struct {
	form        *huh.Form
	fields      *settingsFields
	config      *config.Config
	globalPath  string
	projectPath string
	width       int
	height      int
	visible     bool
	saved       bool
	err         error
}

// NewSettingsPaneModel creates a new settings pane.
func NewSettingsPaneModel(cfg *config.Config, globalPath, projectPath string) SettingsPaneModel {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	m := SettingsPaneModel{
		config:      cfg,
		globalPath:  globalPath,
		projectPath: projectPath,
	}
	m.loadFields()
	m.buildForm()
	return m
}

// loadFields initializes the form bindings from the config.
func (m *SettingsPaneModel) loadFields() {
	o := m.config.Orchestrator
	f := &settingsFields{
		saveTarget:     "project",
		maxConcurrency: strconv.Itoa(o.MaxConcurrency),
		taskTimeout:    o.TaskTimeout.String(),
		maxAttempts:    strconv.Itoa(o.Retry.MaxAttempts),
		models:         make(map[agent.Kind]*string),
	}
	for _, k := range agent.Kinds() {
		model := m.config.Agents[string(k)].Model
		f.models[k] = &model
	}
	m.fields = f
}

func positiveInt(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return fmt.Errorf("must be a whole number of at least 1")
	}
	return nil
}

func positiveDuration(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fmt.Errorf("must be a positive duration such as 90s")
	}
	return nil
}

// buildForm constructs the Huh form with all settings fields.
func (m *SettingsPaneModel) buildForm() {
	f := m.fields

	modelInputs := make([]huh.Field, 0, len(agent.Kinds()))
	for _, k := range agent.Kinds() {
		modelInputs = append(modelInputs, huh.NewInput().
			Key("model."+string(k)).
			Title(k.Title()+" model").
			Value(f.models[k]).
			Placeholder("provider default"))
	}

	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Save To").
				Options(
					huh.NewOption("Global (~/.appforge/config.yaml)", "global"),
					huh.NewOption("Project (.appforge/config.yaml)", "project"),
				).
				Value(&f.saveTarget),
		).Title("Save Target"),

		huh.NewGroup(
			huh.NewInput().
				Key("maxConcurrency").
				Title("Concurrent tasks").
				Value(&f.maxConcurrency).
				Validate(positiveInt),

			huh.NewInput().
				Key("taskTimeout").
				Title("Task timeout").
				Value(&f.taskTimeout).
				Validate(positiveDuration),

			huh.NewInput().
				Key("maxAttempts").
				Title("Attempts per task").
				Value(&f.maxAttempts).
				Validate(positiveInt),
		).Title("Orchestrator"),

		huh.NewGroup(modelInputs...).Title("Agent Models"),
	)
}

// Init initializes the settings pane.
func (m SettingsPaneModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update handles messages for the settings pane.
func (m SettingsPaneModel) Update(msg tea.Msg) (SettingsPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}

	if k, ok := msg.(tea.KeyMsg); ok && key.Matches(k, keys.Back) {
		m.visible = false
		m.saved = false
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted {
		if err := m.applyFieldsToConfig(); err != nil {
			m.err = err
			return m, cmd
		}
		targetPath := m.projectPath
		if m.fields.saveTarget == "global" {
			targetPath = m.globalPath
		}
		if err := config.Save(m.config, targetPath); err != nil {
			m.err = err
			m.saved = false
		} else {
			m.saved = true
			m.err = nil
			m.visible = false
		}
	}

	return m, cmd
}

// applyFieldsToConfig copies the form bindings back to the config.
func (m *SettingsPaneModel) applyFieldsToConfig() error {
	f := m.fields
	concurrency, err := strconv.Atoi(f.maxConcurrency)
	if err != nil {
		return fmt.Errorf("concurrent tasks: %w", err)
	}
	timeout, err := time.ParseDuration(f.taskTimeout)
	if err != nil {
		return fmt.Errorf("task timeout: %w", err)
	}
	attempts, err := strconv.Atoi(f.maxAttempts)
	if err != nil {
		return fmt.Errorf("attempts per task: %w", err)
	}

	m.config.Orchestrator.MaxConcurrency = concurrency
	m.config.Orchestrator.TaskTimeout = timeout
	m.config.Orchestrator.Retry.MaxAttempts = attempts

	if m.config.Agents == nil {
		m.config.Agents = map[string]config.AgentConfig{}
	}
	for k, model := range f.models {
		a, ok := m.config.Agents[string(k)]
		if !ok && *model == "" {
			continue
		}
		a.Model = *model
		m.config.Agents[string(k)] = a
	}
	return m.config.Validate()
}

// View renders the settings pane.
func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	var content string
	switch {
	case m.err != nil:
		content = styleBad.Render(fmt.Sprintf("✗ Error saving: %v", m.err))
	default:
		content = m.form.View()
	}

	frame := stylePaneFocused.
		Padding(1, 2).
		Width(m.width - 4).
		Height(m.height - 4)
	title := styleTitle.Render("⚙ Settings (applies to the next run)")
	return lipgloss.JoinVertical(lipgloss.Left, title, frame.Render(content))
}

// SetSize updates the dimensions of the settings pane.
func (m *SettingsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil {
		m.form.WithWidth(w - 8).WithHeight(h - 8)
	}
}

// SetVisible shows or hides the settings pane.
func (m *SettingsPaneModel) SetVisible(v bool) {
	m.visible = v
	m.saved = false
	m.err = nil

	if v {
		m.loadFields()
		m.buildForm()
	}
}

// IsVisible returns whether the settings pane is currently visible.
func (m SettingsPaneModel) IsVisible() bool {
	return m.visible
}

// Saved reports whether the last form submission was written to disk.
func (m SettingsPaneModel) Saved() bool {
	return m.saved
}
