package models

import "time"

// ActiveConnection is the persisted record of the running kernel. The table
// holds at most one row; a row left behind by a dead daemon is stale.
type ActiveConnection struct {
	ConnectionID string    `json:"connection_id"`
	GroupID      string    `json:"group_id"`
	CoreType     string    `json:"core_type"`
	PID          int       `json:"pid"`
	StartedAt    time.Time `json:"started_at"`
}
