package tui

import (
	"corekeeper/internal/core/types"
	"corekeeper/internal/event"
	"corekeeper/internal/storage/models"
)

// eventMsg carries one bus event into the update loop.
type eventMsg event.Event

// eventsClosedMsg means the bus shut down; the daemon is going away.
type eventsClosedMsg struct{}

type connectionsLoadedMsg struct {
	connections []*models.Connection
	err         error
}

type nameResolvedMsg struct {
	pair types.ConnectionGroupPair
	name string
}

// actionResultMsg reports a supervisor call made from a key press.
type actionResultMsg struct {
	action string
	err    error
}

type statusTickMsg struct{}

type clearNotificationMsg struct {
	version int
}
