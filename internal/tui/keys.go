package tui

import (
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
)

// keyMap holds the dashboard bindings. It implements help.KeyMap.
type keyMap struct {
	Up       key.Binding
	Down     key.Binding
	Next     key.Binding
	Prev     key.Binding
	Tasks    key.Binding
	Output   key.Binding
	Run      key.Binding
	Cancel   key.Binding
	Settings key.Binding
	Back     key.Binding
	Quit     key.Binding
}

var keys = keyMap{
	Up:       key.NewBinding(key.WithKeys("k", "up"), key.WithHelp("k/↑", "prev task")),
	Down:     key.NewBinding(key.WithKeys("j", "down"), key.WithHelp("j/↓", "next task")),
	Next:     key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "focus")),
	Prev:     key.NewBinding(key.WithKeys("shift+tab")),
	Tasks:    key.NewBinding(key.WithKeys("1"), key.WithHelp("1/2/3", "jump")),
	Output:   key.NewBinding(key.WithKeys("2")),
	Run:      key.NewBinding(key.WithKeys("3")),
	Cancel:   key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "cancel run")),
	Settings: key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "settings")),
	Back:     key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "close")),
	Quit:     key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Next, k.Tasks, k.Down, k.Cancel, k.Settings, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp(), {k.Up, k.Prev, k.Back}}
}

// helpView renders the one-line help bar.
func helpView(width int) string {
	h := help.New()
	h.Width = width
	h.Styles.ShortKey = styleHelpKey
	h.Styles.ShortDesc = styleHelp
	h.Styles.ShortSeparator = styleHelp
	return h.View(keys)
}
