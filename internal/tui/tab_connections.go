package tui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"corekeeper/internal/core/types"
	"corekeeper/internal/storage/models"
)

type connectionsModel struct {
	table       table.Model
	connections []*models.Connection
	current     types.ConnectionGroupPair
	width       int
	height      int
}

func newConnectionsModel() connectionsModel {
	t := table.New(
		table.WithColumns(connectionColumns(100)),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(colorBorder).
		BorderBottom(true).
		Bold(true).
		Foreground(colorAccent)
	s.Selected = s.Selected.
		Foreground(colorFg).
		Background(colorRowBg).
		Bold(true)
	t.SetStyles(s)

	return connectionsModel{table: t}
}

func connectionColumns(width int) []table.Column {
	flex := (width - 2 - 12 - 10) / 3
	if flex < 12 {
		flex = 12
	}
	return []table.Column{
		{Title: "", Width: 2},
		{Title: "Name", Width: flex},
		{Title: "Protocol", Width: 12},
		{Title: "Address", Width: flex},
		{Title: "Traffic", Width: 10},
		{Title: "Group", Width: flex - 6},
	}
}

func (cm *connectionsModel) setSize(w, h int) {
	cm.width = w
	cm.height = h
	cm.table.SetHeight(max(h, 1))
	if w > 60 {
		cm.table.SetColumns(connectionColumns(w))
	}
}

func (cm *connectionsModel) setConnections(conns []*models.Connection, current types.ConnectionGroupPair) {
	cursor := cm.table.Cursor()
	cm.connections = conns
	cm.current = current
	cm.refreshRows()
	if cursor >= len(conns) {
		cursor = len(conns) - 1
	}
	cm.table.SetCursor(max(cursor, 0))
}

func (cm *connectionsModel) markCurrent(pair types.ConnectionGroupPair) {
	cm.current = pair
	cm.refreshRows()
}

func (cm *connectionsModel) refreshRows() {
	rows := make([]table.Row, len(cm.connections))
	for i, c := range cm.connections {
		mark := ""
		if c.ID == cm.current.ConnectionID {
			mark = "●"
		}
		rows[i] = table.Row{
			mark,
			truncate(c.Name, 40),
			c.Protocol,
			fmt.Sprintf("%s:%d", c.Address, c.Port),
			formatBytes(uint64(c.TotalUpload + c.TotalDownload)),
			c.GroupID,
		}
	}
	cm.table.SetRows(rows)
}

func (cm *connectionsModel) selected() types.ConnectionGroupPair {
	idx := cm.table.Cursor()
	if idx >= 0 && idx < len(cm.connections) {
		c := cm.connections[idx]
		return types.ConnectionGroupPair{ConnectionID: c.ID, GroupID: c.GroupID}
	}
	return types.ConnectionGroupPair{}
}

func (cm *connectionsModel) Update(msg tea.Msg, root *Model) tea.Cmd {
	if msg, ok := msg.(tea.KeyMsg); ok && key.Matches(msg, keys.Connect) {
		return root.connect(cm.selected())
	}
	var cmd tea.Cmd
	cm.table, cmd = cm.table.Update(msg)
	return cmd
}

func (cm *connectionsModel) View() string {
	if len(cm.connections) == 0 {
		return forceHeight(dimStyle.Render("No connections. Import some with 'corekeeper connection add <link>'."), cm.width, cm.height)
	}
	return forceHeight(cm.table.View(), cm.width, cm.height)
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-1]) + "~"
}
