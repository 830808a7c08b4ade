package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/lipgloss"

	"corekeeper/internal/core/types"
)

var tabNames = []string{"Status", "Connections", "Kernel log"}

func renderHeader(activeTab int, state types.State, connName string, width int) string {
	logo := logoStyle.Render("COREKEEPER")

	var badge string
	switch state {
	case types.StateRunning:
		label := " CONNECTED "
		if connName != "" {
			label = " " + connName + " "
		}
		badge = runningPill.Render(label)
	case types.StateStarting, types.StateRestarting, types.StateStopping:
		badge = busyPill.Render(" " + strings.ToUpper(state.String()) + " ")
	case types.StateCrashed:
		badge = crashedPill.Render(" CRASHED ")
	default:
		badge = idlePill.Render(" DISCONNECTED ")
	}

	var tabs []string
	for i, name := range tabNames {
		if i == activeTab {
			tabs = append(tabs, activeTabStyle.Render(name))
		} else {
			tabs = append(tabs, inactiveTabStyle.Render(name))
		}
	}
	tabBar := lipgloss.JoinHorizontal(lipgloss.Bottom, tabs...)

	gap := width - lipgloss.Width(logo) - lipgloss.Width(badge)
	if gap < 1 {
		gap = 1
	}
	topRow := logo + strings.Repeat(" ", gap) + badge

	return lipgloss.JoinVertical(lipgloss.Left, topRow, tabBar, separator(width))
}

func renderFooter(helpText string, width int) string {
	return lipgloss.JoinVertical(lipgloss.Left, separator(width), helpBarStyle.Render(helpText))
}

func separator(width int) string {
	return lipgloss.NewStyle().
		Foreground(colorBorder).
		Render(strings.Repeat("─", max(width, 0)))
}

func renderHelpBar(showFull bool) string {
	if !showFull {
		return renderBindings(keys.ShortHelp(), " | ")
	}
	var lines []string
	for _, group := range keys.FullHelp() {
		lines = append(lines, renderBindings(group, "  "))
	}
	return strings.Join(lines, "\n")
}

func renderBindings(bindings []key.Binding, sep string) string {
	var parts []string
	for _, b := range bindings {
		if !b.Enabled() {
			continue
		}
		parts = append(parts, helpKeyStyle.Render(b.Help().Key)+" "+helpDescStyle.Render(b.Help().Desc))
	}
	return strings.Join(parts, helpSepStyle.Render(sep))
}
