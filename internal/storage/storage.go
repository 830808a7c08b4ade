package storage

import (
	"context"
	"time"

	"corekeeper/internal/storage/models"
)

// Storage defines the interface for data persistence
type Storage interface {
	// Group operations
	CreateGroup(ctx context.Context, group *models.Group) error
	GetGroup(ctx context.Context, id string) (*models.Group, error)
	GetGroupByName(ctx context.Context, name string) (*models.Group, error)
	GetAllGroups(ctx context.Context) ([]*models.Group, error)
	UpdateGroup(ctx context.Context, group *models.Group) error
	DeleteGroup(ctx context.Context, id string) error
	GetDefaultGroup(ctx context.Context) (*models.Group, error)
	GetDueGroups(ctx context.Context, now time.Time) ([]*models.Group, error) // subscriptions due for update

	// Connection operations
	CreateConnection(ctx context.Context, conn *models.Connection) error
	GetConnection(ctx context.Context, id string) (*models.Connection, error)
	GetAllConnections(ctx context.Context, filter ConnectionFilter) ([]*models.Connection, error)
	UpdateConnection(ctx context.Context, conn *models.Connection) error
	DeleteConnection(ctx context.Context, id string) error
	DeleteConnectionsByGroup(ctx context.Context, groupID string, fromSubscriptionOnly bool) error
	// MoveConnections relinks every connection of fromGroup to toGroup and
	// returns the ids it touched.
	MoveConnections(ctx context.Context, fromGroup, toGroup string) ([]string, error)
	AddTraffic(ctx context.Context, id string, upload, download int64) error
	ResetTraffic(ctx context.Context, id string) error
	MarkConnected(ctx context.Context, id string, at time.Time) error

	// Latency operations
	RecordLatency(ctx context.Context, latency *models.LatencyTest) error
	GetLatestLatency(ctx context.Context, connectionID string) (*models.LatencyTest, error)

	// Settings operations
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	GetAllSettings(ctx context.Context) (map[string]string, error)

	// Active connection
	SetActiveConnection(ctx context.Context, conn *models.ActiveConnection) error
	GetActiveConnection(ctx context.Context) (*models.ActiveConnection, error)
	ClearActiveConnection(ctx context.Context) error

	// Transactions
	BeginTx(ctx context.Context) (Transaction, error)

	// Close closes the storage connection
	Close() error
}

// ConnectionFilter represents filters for querying connections
type ConnectionFilter struct {
	GroupID          *string
	Protocol         *string
	FromSubscription *bool
	SearchTerm       string // matched against name, address and notes
	Tags             []string
}

// Transaction represents a database transaction
type Transaction interface {
	Commit() error
	Rollback() error
	Storage
}

// Setting keys shared by the daemon and the CLI.
const (
	SettingLastConnection = "last_connection"
	SettingKernelVersion  = "kernel_version"
)
