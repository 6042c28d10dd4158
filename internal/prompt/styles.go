package prompt

import "github.com/charmbracelet/lipgloss"

// Dark terminal palette
var (
	Primary   = lipgloss.Color("#FF6B35")
	Secondary = lipgloss.Color("#1E88E5")
	Success   = lipgloss.Color("#4CAF50")
	Warning   = lipgloss.Color("#FFB74D")

	Text       = lipgloss.Color("#E0E0E0")
	TextBright = lipgloss.Color("#FFFFFF")
	Muted      = lipgloss.Color("#90A4AE")

	HeaderBg   = lipgloss.Color("#1C2128")
	BorderDark = lipgloss.Color("#30363D")
)

var (
	HeaderStyle = lipgloss.NewStyle().
			Foreground(TextBright).
			Background(HeaderBg).
			Padding(0, 2).
			Bold(true).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Primary)

	ListStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(BorderDark).
			Padding(0, 1)

	CodeStyle = lipgloss.NewStyle().
			Foreground(Secondary).
			Bold(true).
			Width(3)

	SelectedStyle = lipgloss.NewStyle().
			Foreground(Primary).
			Bold(true)

	ItemStyle = lipgloss.NewStyle().
			Foreground(Text)

	CodecStyle = lipgloss.NewStyle().
			Foreground(Success)

	HintStyle = lipgloss.NewStyle().
			Foreground(Warning)

	HelpStyle = lipgloss.NewStyle().
			Foreground(Muted).
			Italic(true)
)
