// Package prompt asks a user at a terminal which recording format a file
// was made with.
package prompt

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/zsiec/salvage/internal/repair"
	"github.com/zsiec/salvage/internal/repair/profile"
)

const visibleRows = 12

// Model is the format picker. Typing a code picks it directly; the arrow
// keys and enter pick from the list.
type Model struct {
	family   profile.Family
	profiles []profile.Profile
	hints    []profile.Hint
	cursor   int
	chosen   string
	canceled bool
	done     bool
}

// NewModel creates a picker over profiles.
func NewModel(family profile.Family, profiles []profile.Profile, hints []profile.Hint) Model {
	return Model{family: family, profiles: profiles, hints: hints}
}

// Chosen returns the selected code and whether the user made a choice.
func (m Model) Chosen() (string, bool) {
	return m.chosen, m.chosen != "" && !m.canceled
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}

	switch key.Type {
	case tea.KeyCtrlC, tea.KeyEsc:
		m.canceled = true
		m.done = true
		return m, tea.Quit
	case tea.KeyUp:
		m.move(-1)
		return m, nil
	case tea.KeyDown, tea.KeyTab:
		m.move(1)
		return m, nil
	case tea.KeyHome:
		m.cursor = 0
		return m, nil
	case tea.KeyEnd:
		m.cursor = len(m.profiles) - 1
		return m, nil
	case tea.KeyEnter:
		if len(m.profiles) == 0 {
			return m, nil
		}
		m.chosen = m.profiles[m.cursor].Code
		m.done = true
		return m, tea.Quit
	case tea.KeyRunes:
		if len(key.Runes) != 1 {
			return m, nil
		}
		if i := m.indexOf(string(key.Runes)); i >= 0 {
			m.cursor = i
			m.chosen = m.profiles[i].Code
			m.done = true
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m *Model) move(delta int) {
	n := len(m.profiles)
	if n == 0 {
		return
	}
	m.cursor = (m.cursor + delta + n) % n
}

func (m Model) indexOf(code string) int {
	for i, p := range m.profiles {
		if strings.EqualFold(p.Code, code) {
			return i
		}
	}
	return -1
}

// View implements tea.Model
func (m Model) View() string {
	if m.done {
		return ""
	}

	var b strings.Builder
	b.WriteString(HeaderStyle.Render(fmt.Sprintf("Select the %s video format", m.family)))
	b.WriteString("\n")

	first, last := m.visible()
	rows := make([]string, 0, last-first)
	for i := first; i < last; i++ {
		p := m.profiles[i]
		pointer := "  "
		desc := ItemStyle.Render(p.Description)
		if i == m.cursor {
			pointer = SelectedStyle.Render("> ")
			desc = SelectedStyle.Render(p.Description)
		}
		rows = append(rows, pointer+CodeStyle.Render(p.Code)+desc+" "+CodecStyle.Render(string(p.Codec)))
	}
	b.WriteString(ListStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...)))
	b.WriteString("\n")

	if len(m.hints) > 0 {
		b.WriteString(HintStyle.Render("If unsure:"))
		b.WriteString("\n")
		for _, h := range m.hints {
			b.WriteString(HintStyle.Render(fmt.Sprintf("  %s: %s", h.Source, h.Code)))
			b.WriteString("\n")
		}
	}

	b.WriteString(HelpStyle.Render("type a code, or use arrows and enter; esc cancels"))
	b.WriteString("\n")
	return b.String()
}

// visible returns the window of rows around the cursor.
func (m Model) visible() (int, int) {
	n := len(m.profiles)
	if n <= visibleRows {
		return 0, n
	}
	first := m.cursor - visibleRows/2
	if first < 0 {
		first = 0
	}
	if first+visibleRows > n {
		first = n - visibleRows
	}
	return first, first + visibleRows
}

// Selector runs the picker on a terminal.
type Selector struct {
	in  io.Reader
	out io.Writer
}

// NewSelector creates a Selector on stdin and stderr, so a repaired stream
// written to stdout is not mixed with the picker.
func NewSelector() *Selector {
	return &Selector{in: os.Stdin, out: os.Stderr}
}

// NewSelectorWithIO creates a Selector on the given streams.
func NewSelectorWithIO(in io.Reader, out io.Writer) *Selector {
	return &Selector{in: in, out: out}
}

// SelectFormat implements repair.FormatSelector. Cancelling returns
// repair.ErrNoFormat.
func (s *Selector) SelectFormat(ctx context.Context, family profile.Family, profiles []profile.Profile, hints []profile.Hint) (string, error) {
	if len(profiles) == 0 {
		return "", repair.ErrNoFormat
	}

	prog := tea.NewProgram(
		NewModel(family, profiles, hints),
		tea.WithContext(ctx),
		tea.WithInput(s.in),
		tea.WithOutput(s.out),
	)
	final, err := prog.Run()
	if err != nil {
		return "", fmt.Errorf("format prompt: %w", err)
	}

	m, ok := final.(Model)
	if !ok {
		return "", repair.ErrNoFormat
	}
	code, ok := m.Chosen()
	if !ok {
		return "", repair.ErrNoFormat
	}
	return code, nil
}

var _ repair.FormatSelector = (*Selector)(nil)
