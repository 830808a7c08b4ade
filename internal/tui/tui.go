// Package tui is the terminal monitor shown by "corekeeper run --monitor".
// It follows the daemon's event bus and drives the supervisor directly.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"corekeeper/internal/core/types"
	"corekeeper/internal/event"
	"corekeeper/internal/registry"
)

// Tab indices.
const (
	tabStatus      = 0
	tabConnections = 1
	tabLog         = 2
	tabCount       = 3
)

// Kernel is the part of the supervisor the monitor drives.
type Kernel interface {
	Status() types.Status
	StartConnection(ctx context.Context, pair types.ConnectionGroupPair) error
	StopConnection(ctx context.Context) error
	RestartConnection(ctx context.Context) error
	SwitchConnection(ctx context.Context, pair types.ConnectionGroupPair) error
}

// Deps holds all dependencies injected into the monitor.
type Deps struct {
	Kernel   Kernel
	Bus      *event.Bus
	Registry *registry.Registry
}

// Model is the root BubbleTea model.
type Model struct {
	kernel   Kernel
	registry *registry.Registry
	events   *event.Subscription

	width  int
	height int

	activeTab int
	showHelp  bool

	status   types.Status
	connName string
	busy     bool

	statusTab      statusModel
	connectionsTab connectionsModel
	logTab         logModel

	notification    string
	notificationErr bool
	notifVersion    int

	spinner spinner.Model
}

// NewModel creates the root model and subscribes to the bus. The
// subscription is released when the model's event stream ends or Close is
// called.
func NewModel(deps Deps) *Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = spinnerStyle

	return &Model{
		kernel:   deps.Kernel,
		registry: deps.Registry,
		events: deps.Bus.Subscribe(
			event.Connected,
			event.Disconnected,
			event.Stats,
			event.KernelLog,
			event.ConnectionCreated,
			event.ConnectionRenamed,
			event.ConnectionDeleted,
			event.ConnectionLinked,
			event.SubscriptionUpdated,
			event.StatsReset,
		),
		status:         deps.Kernel.Status(),
		activeTab:      tabStatus,
		spinner:        s,
		statusTab:      newStatusModel(),
		connectionsTab: newConnectionsModel(),
		logTab:         newLogModel(),
	}
}

// Close releases the bus subscription.
func (m *Model) Close() {
	m.events.Close()
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		waitForEvent(m.events),
		loadConnections(m.registry),
		resolveName(m.registry, m.status.Connection),
		statusTick(),
		m.spinner.Tick,
	)
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	prevNotifVersion := m.notifVersion

	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		return m, nil

	case tea.KeyMsg:
		if cmd, handled := m.handleGlobalKey(msg); handled {
			return m, cmd
		}

	case eventMsg:
		cmds = append(cmds, m.handleEvent(event.Event(msg)), waitForEvent(m.events))
	case eventsClosedMsg:
		return m, tea.Quit

	case connectionsLoadedMsg:
		if msg.err != nil {
			m.setNotification(fmt.Sprintf("Loading connections failed: %v", msg.err), true)
		} else {
			m.connectionsTab.setConnections(msg.connections, m.status.Connection)
		}
	case nameResolvedMsg:
		if msg.pair == m.status.Connection {
			m.connName = msg.name
		}

	case actionResultMsg:
		m.busy = false
		m.status = m.kernel.Status()
		switch {
		case msg.err != nil:
			m.setNotification(fmt.Sprintf("%s failed: %v", msg.action, msg.err), true)
		case msg.action == "Stop":
			m.setNotification("Disconnected", false)
		}

	case statusTickMsg:
		m.status = m.kernel.Status()
		cmds = append(cmds, statusTick())

	case clearNotificationMsg:
		if msg.version == m.notifVersion {
			m.notification = ""
			m.notificationErr = false
		}
	}

	if m.busy {
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	if m.notifVersion > prevNotifVersion && m.notification != "" {
		cmds = append(cmds, clearNotification(4*time.Second, m.notifVersion))
	}

	switch m.activeTab {
	case tabConnections:
		cmds = append(cmds, m.connectionsTab.Update(msg, m))
	case tabLog:
		cmds = append(cmds, m.logTab.Update(msg))
	}

	return m, tea.Batch(cmds...)
}

func (m *Model) handleEvent(e event.Event) tea.Cmd {
	switch e.Kind {
	case event.Connected:
		m.status = m.kernel.Status()
		m.statusTab.reset()
		m.connectionsTab.markCurrent(e.Pair)
		if e.Restarted {
			m.setNotification("Kernel restarted", false)
		}
		return resolveName(m.registry, e.Pair)

	case event.Disconnected:
		m.status = m.kernel.Status()
		m.statusTab.reset()
		m.connectionsTab.markCurrent(types.ConnectionGroupPair{})
		m.connName = ""
		switch e.Reason {
		case event.ReasonCrashed, event.ReasonRestartFailed:
			msg := "Kernel stopped unexpectedly"
			if e.Err != nil {
				msg += ": " + e.Err.Error()
			}
			m.setNotification(msg, true)
		}

	case event.Stats:
		m.statusTab.updateSample(e.Stats, e.At)

	case event.KernelLog:
		m.logTab.append(e.Line)

	case event.SubscriptionUpdated:
		m.setNotification(fmt.Sprintf("Subscription %s updated: %d connections", e.Name, len(e.Connections)), false)
		return loadConnections(m.registry)

	default:
		return loadConnections(m.registry)
	}
	return nil
}

func (m *Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	header := renderHeader(m.activeTab, m.status.State, m.connName, m.width)

	var content string
	switch m.activeTab {
	case tabStatus:
		content = m.statusTab.View(m.status, m.connName)
	case tabConnections:
		content = m.connectionsTab.View()
	case tabLog:
		content = m.logTab.View()
	}

	var notif string
	switch {
	case m.busy:
		notif = notifSuccessStyle.Render(m.spinner.View() + " Working...")
	case m.notification != "" && m.notificationErr:
		notif = notifErrorStyle.Render("! " + m.notification)
	case m.notification != "":
		notif = notifSuccessStyle.Render("* " + m.notification)
	}

	footer := renderFooter(renderHelpBar(m.showHelp), m.width)

	parts := []string{header}
	if notif != "" {
		parts = append(parts, notif)
	}
	parts = append(parts, content, footer)
	output := lipgloss.JoinVertical(lipgloss.Left, parts...)

	// exactly m.height lines, or bubbletea leaves ghost lines between tabs
	return forceHeight(output, m.width, m.height)
}

// forceHeight pads or truncates s to exactly height lines.
func forceHeight(s string, width, height int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > height {
		lines = lines[:height]
	}
	blank := strings.Repeat(" ", width)
	for len(lines) < height {
		lines = append(lines, blank)
	}
	return strings.Join(lines, "\n")
}

func (m *Model) resize() {
	ch := m.contentHeight()
	m.statusTab.setSize(m.width, ch)
	m.connectionsTab.setSize(m.width, ch)
	m.logTab.setSize(m.width, ch)
}

func (m *Model) contentHeight() int {
	overhead := 6
	if m.showHelp {
		overhead += 2
	}
	h := m.height - overhead
	if h < 1 {
		h = 1
	}
	return h
}

func (m *Model) handleGlobalKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch {
	case key.Matches(msg, keys.Quit):
		return tea.Quit, true

	case key.Matches(msg, keys.Help):
		m.showHelp = !m.showHelp
		m.resize()
		return nil, true

	case key.Matches(msg, keys.TabNext):
		m.activeTab = (m.activeTab + 1) % tabCount
		return nil, true

	case key.Matches(msg, keys.TabPrev):
		m.activeTab = (m.activeTab - 1 + tabCount) % tabCount
		return nil, true

	case key.Matches(msg, keys.Restart):
		if m.busy {
			return nil, true
		}
		m.busy = true
		return runAction("Restart", m.kernel.RestartConnection), true

	case key.Matches(msg, keys.Stop):
		if m.busy {
			return nil, true
		}
		m.busy = true
		return runAction("Stop", m.kernel.StopConnection), true
	}
	return nil, false
}

// connect starts pair, replacing the running connection if there is one.
func (m *Model) connect(pair types.ConnectionGroupPair) tea.Cmd {
	if m.busy || pair.IsEmpty() {
		return nil
	}
	m.busy = true
	if m.status.Running() {
		return runAction("Switch", func(ctx context.Context) error {
			return m.kernel.SwitchConnection(ctx, pair)
		})
	}
	return runAction("Connect", func(ctx context.Context) error {
		return m.kernel.StartConnection(ctx, pair)
	})
}

func (m *Model) setNotification(text string, isErr bool) {
	m.notification = text
	m.notificationErr = isErr
	m.notifVersion++
}

// Run shows the monitor until the user quits or ctx is done.
func Run(ctx context.Context, deps Deps) error {
	m := NewModel(deps)
	defer m.Close()

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("monitor: %w", err)
	}
	return nil
}
