package tui

import "github.com/charmbracelet/lipgloss"

var (
	colorAccent = lipgloss.AdaptiveColor{Light: "#00797A", Dark: "#4FD1C5"}
	colorOK     = lipgloss.AdaptiveColor{Light: "#1E8E3E", Dark: "#5AD67D"}
	colorFail   = lipgloss.AdaptiveColor{Light: "#C5221F", Dark: "#FF6B6B"}
	colorBusy   = lipgloss.AdaptiveColor{Light: "#B06000", Dark: "#F6AD55"}
	colorSubtle = lipgloss.AdaptiveColor{Light: "#9B9B9B", Dark: "#5C5C5C"}
	colorFg     = lipgloss.AdaptiveColor{Light: "#1A202C", Dark: "#EDF2F7"}
	colorDimFg  = lipgloss.AdaptiveColor{Light: "#718096", Dark: "#8A8F98"}
	colorBorder = lipgloss.AdaptiveColor{Light: "#CBD5E0", Dark: "#3A3F47"}
	colorRowBg  = lipgloss.AdaptiveColor{Light: "#E6FFFA", Dark: "#1D3B3B"}
)

// pill renders a header badge on bg.
func pill(bg lipgloss.AdaptiveColor) lipgloss.Style {
	return lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(bg).
		Padding(0, 1)
}

var (
	runningPill = pill(colorOK)
	busyPill    = pill(colorBusy)
	idlePill    = pill(colorSubtle)
	crashedPill = pill(colorFail)
)

var (
	logoStyle = lipgloss.NewStyle().Bold(true).Foreground(colorAccent).PaddingRight(2)

	activeTabStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorAccent).Underline(true).Padding(0, 2)
	inactiveTabStyle = lipgloss.NewStyle().Foreground(colorDimFg).Padding(0, 2)

	helpBarStyle  = lipgloss.NewStyle().Foreground(colorDimFg).Padding(0, 1)
	helpKeyStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	helpDescStyle = lipgloss.NewStyle().Foreground(colorDimFg)
	helpSepStyle  = lipgloss.NewStyle().Foreground(colorSubtle)
)

var (
	successStyle = lipgloss.NewStyle().Foreground(colorOK).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(colorBusy)
	dimStyle     = lipgloss.NewStyle().Foreground(colorDimFg)

	cardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(1, 2)
	cardTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	cardLabelStyle = lipgloss.NewStyle().Foreground(colorDimFg).Width(14)
	cardValueStyle = lipgloss.NewStyle().Foreground(colorFg)

	spinnerStyle = lipgloss.NewStyle().Foreground(colorAccent)

	// Footer messages after an action.
	notifSuccessStyle = lipgloss.NewStyle().Foreground(colorOK).Bold(true).Padding(0, 1)
	notifErrorStyle   = lipgloss.NewStyle().Foreground(colorFail).Bold(true).Padding(0, 1)
)
