package models

import "time"

// Group is a named collection of connections, optionally fed by a subscription.
type Group struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	IsDefault    bool               `json:"is_default"`
	Subscription SubscriptionOption `json:"subscription"`
	LastUpdated  *time.Time         `json:"last_updated,omitempty"`
	NextUpdate   *time.Time         `json:"next_update,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// SubscriptionOption describes where and how a group refreshes its connections.
type SubscriptionOption struct {
	Address         string   `json:"address"`
	AutoUpdate      bool     `json:"auto_update"`
	UpdateInterval  int      `json:"update_interval"` // seconds
	UserAgent       string   `json:"user_agent,omitempty"`
	IncludeKeywords []string `json:"include_keywords,omitempty"`
	ExcludeKeywords []string `json:"exclude_keywords,omitempty"`
}

// IsEmpty reports whether g is the zero value returned for unknown ids.
func (g Group) IsEmpty() bool {
	return g.ID == ""
}

// HasSubscription reports whether the group is fed by a subscription.
func (g Group) HasSubscription() bool {
	return g.Subscription.Address != ""
}

// DefaultGroupID names the group every connection falls back to. It always
// exists and cannot be deleted.
const DefaultGroupID = "000000000000"
