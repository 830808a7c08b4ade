package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"corekeeper/internal/core/types"
	"corekeeper/internal/event"
	"corekeeper/internal/registry"
	"corekeeper/internal/storage"
)

const actionTimeout = 30 * time.Second

// waitForEvent blocks on the subscription; Update re-issues it after every
// event so the bus drains one message at a time.
func waitForEvent(sub *event.Subscription) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-sub.C
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg(e)
	}
}

// loadConnections fetches every connection for the connections tab.
func loadConnections(r *registry.Registry) tea.Cmd {
	return func() tea.Msg {
		conns, err := r.Connections(context.Background(), storage.ConnectionFilter{})
		return connectionsLoadedMsg{connections: conns, err: err}
	}
}

// resolveName looks up the display name of pair's connection.
func resolveName(r *registry.Registry, pair types.ConnectionGroupPair) tea.Cmd {
	if pair.IsEmpty() {
		return nil
	}
	return func() tea.Msg {
		conn := r.ConnectionMeta(context.Background(), pair.ConnectionID)
		name := conn.Name
		if conn.IsEmpty() {
			name = pair.ConnectionID
		}
		return nameResolvedMsg{pair: pair, name: name}
	}
}

// runAction calls a supervisor operation off the update loop.
func runAction(name string, fn func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		return actionResultMsg{action: name, err: fn(ctx)}
	}
}

func statusTick() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg {
		return statusTickMsg{}
	})
}

func clearNotification(after time.Duration, version int) tea.Cmd {
	return tea.Tick(after, func(time.Time) tea.Msg {
		return clearNotificationMsg{version: version}
	})
}
