package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"

	"corekeeper/internal/core/types"
)

// statsRows fixes the display order of the statistics types.
var statsRows = []struct {
	typ   types.StatisticsType
	label string
}{
	{types.StatsInbound, "Inbound"},
	{types.StatsOutboundProxy, "Proxy"},
	{types.StatsOutboundDirect, "Direct"},
}

type statusModel struct {
	width  int
	height int

	sample   types.Sample
	sampleAt time.Time
}

func newStatusModel() statusModel {
	return statusModel{}
}

func (sm *statusModel) setSize(w, h int) {
	sm.width = w
	sm.height = h
}

func (sm *statusModel) updateSample(s types.Sample, at time.Time) {
	sm.sample = s
	sm.sampleAt = at
}

// reset drops the last sample; a new run starts from zero.
func (sm *statusModel) reset() {
	sm.sample = nil
	sm.sampleAt = time.Time{}
}

func (sm *statusModel) View(st types.Status, connName string) string {
	var content string
	if st.Connection.IsEmpty() {
		content = sm.viewIdle(st)
	} else {
		content = sm.viewConnected(st, connName)
	}
	return forceHeight(content, sm.width, sm.height)
}

func (sm *statusModel) cardWidth() int {
	w := sm.width - 6
	if w < 30 {
		w = 30
	}
	return w
}

func (sm *statusModel) viewIdle(st types.Status) string {
	label := "Not connected"
	if st.State == types.StateCrashed {
		label = "Kernel crashed"
	}
	content := lipgloss.JoinVertical(lipgloss.Left,
		cardTitleStyle.Render("Kernel"),
		dimStyle.Render(label),
		"",
		dimStyle.Render("Pick a connection on the Connections tab and press enter"),
	)
	return cardStyle.Width(sm.cardWidth()).Render(content)
}

func (sm *statusModel) viewConnected(st types.Status, connName string) string {
	state := warningStyle.Render(st.State.String())
	if st.Running() {
		state = successStyle.Render(st.State.String())
	}
	if connName == "" {
		connName = st.Connection.ConnectionID
	}

	connRows := []string{
		cardTitleStyle.Render("Connection"),
		row("State", state),
		row("Connection", connName),
		row("Group", st.Connection.GroupID),
		row("Kernel", st.CoreType),
	}
	if st.PID > 0 {
		connRows = append(connRows, row("PID", fmt.Sprintf("%d", st.PID)))
	}
	if !st.StartedAt.IsZero() {
		connRows = append(connRows,
			row("Started", st.StartedAt.Format("15:04:05")),
			row("Uptime", formatDuration(st.Uptime)))
	}
	connCard := lipgloss.JoinVertical(lipgloss.Left, connRows...)

	trafficRows := []string{cardTitleStyle.Render("Traffic")}
	if sm.sample == nil {
		trafficRows = append(trafficRows, dimStyle.Render("waiting for statistics"))
	}
	for _, r := range statsRows {
		d, ok := sm.sample[r.typ]
		if !ok {
			continue
		}
		trafficRows = append(trafficRows,
			row(r.label, fmt.Sprintf("↑ %s/s  ↓ %s/s", formatBytes(d.UploadSpeed), formatBytes(d.DownloadSpeed))),
			row("", dimStyle.Render(fmt.Sprintf("total ↑ %s  ↓ %s", formatBytes(d.TotalUpload), formatBytes(d.TotalDownload)))))
	}
	trafficCard := lipgloss.JoinVertical(lipgloss.Left, trafficRows...)

	w := sm.cardWidth()
	if sm.width > 80 {
		halfW := (w - 4) / 2
		return lipgloss.JoinHorizontal(lipgloss.Top,
			cardStyle.Width(halfW).Render(connCard), "  ",
			cardStyle.Width(halfW).Render(trafficCard))
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		cardStyle.Width(w).Render(connCard),
		cardStyle.Width(w).Render(trafficCard))
}

func row(label, value string) string {
	if label != "" {
		label += ":"
	}
	return cardLabelStyle.Render(label) + " " + cardValueStyle.Render(value)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
