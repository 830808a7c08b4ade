package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

const maxLogLines = 500

// logModel shows the most recent kernel output. It follows the tail until
// the user scrolls up; f jumps back to the tail.
type logModel struct {
	viewport viewport.Model
	lines    []string
	follow   bool
	width    int
	height   int
}

func newLogModel() logModel {
	return logModel{viewport: viewport.New(80, 10), follow: true}
}

func (lm *logModel) setSize(w, h int) {
	lm.width = w
	lm.height = h
	lm.viewport.Width = w
	lm.viewport.Height = max(h, 1)
	lm.render()
}

func (lm *logModel) append(line string) {
	lm.lines = append(lm.lines, line)
	if over := len(lm.lines) - maxLogLines; over > 0 {
		lm.lines = append(lm.lines[:0], lm.lines[over:]...)
	}
	lm.render()
}

func (lm *logModel) render() {
	lm.viewport.SetContent(strings.Join(lm.lines, "\n"))
	if lm.follow {
		lm.viewport.GotoBottom()
	}
}

func (lm *logModel) Update(msg tea.Msg) tea.Cmd {
	if msg, ok := msg.(tea.KeyMsg); ok && key.Matches(msg, keys.Follow) {
		lm.follow = true
		lm.viewport.GotoBottom()
		return nil
	}
	var cmd tea.Cmd
	lm.viewport, cmd = lm.viewport.Update(msg)
	if _, ok := msg.(tea.KeyMsg); ok {
		lm.follow = lm.viewport.AtBottom()
	}
	return cmd
}

func (lm *logModel) View() string {
	if len(lm.lines) == 0 {
		return forceHeight(dimStyle.Render("No kernel output yet."), lm.width, lm.height)
	}
	return forceHeight(lm.viewport.View(), lm.width, lm.height)
}
