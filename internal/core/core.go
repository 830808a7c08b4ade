package core

import (
	"context"

	"corekeeper/internal/core/types"
)

// ProxyCore launches kernel processes of one kind (xray).
type ProxyCore interface {
	// Name is the kernel family, e.g. "xray".
	Name() string
	// Path is the kernel binary in use.
	Path() string
	// Protocols lists the outbound protocols the kernel can be configured for.
	Protocols() []string
	Version(ctx context.Context) (string, error)

	// Start spawns a kernel for config and returns once the process has
	// survived its start-up grace period. Errors wrap ErrConfigInvalid when
	// config cannot be rendered and ErrSpawnFailed when the process cannot be
	// launched or exits early.
	Start(ctx context.Context, config *types.CoreConfig) (Process, error)
}

// Process is one running kernel. Every Start returns a fresh Process.
type Process interface {
	PID() int
	// Done is closed when the process has exited.
	Done() <-chan struct{}
	// Err is the exit error; valid after Done is closed.
	Err() error
	// Stop interrupts the process, waits a bounded time, then kills it.
	Stop(ctx context.Context) error
	// QueryStats reads the kernel's raw traffic counters.
	QueryStats(ctx context.Context) (types.TrafficCounters, error)
}

// Source is the supervisor's view of the connection registry.
type Source interface {
	BuildCoreConfig(ctx context.Context, pair types.ConnectionGroupPair, tmpl types.CoreConfig) (*types.CoreConfig, error)
	MarkConnected(ctx context.Context, pair types.ConnectionGroupPair, coreType string, pid int) error
	ClearActive(ctx context.Context) error
	AddTraffic(ctx context.Context, id string, upload, download int64) error
	// PairOf resolves the group a connection currently belongs to.
	PairOf(ctx context.Context, connectionID string) (types.ConnectionGroupPair, error)
}
