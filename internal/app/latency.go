package app

import (
	"context"

	"corekeeper/internal/latency"
	"corekeeper/internal/storage"
	"corekeeper/internal/storage/models"
	pkgerrors "corekeeper/pkg/errors"
)

// Tester builds a latency tester for strategy ("tcp" or "http") with the
// configured worker count and timeout.
func (a *App) Tester(strategy string) (*latency.Tester, error) {
	s, err := latency.NewStrategy(strategy, a.NewCore)
	if err != nil {
		return nil, err
	}
	return latency.NewTester(a.Storage, latency.TesterConfig{
		Workers:  int64(a.Config.Latency.Workers),
		Timeout:  a.Config.Latency.Timeout,
		Strategy: s,
	}, a.Log), nil
}

// Fastest tests every connection of groupID (all connections when empty)
// over TCP and returns the one with the lowest latency.
func (a *App) Fastest(ctx context.Context, groupID string, progress latency.ProgressFunc) (models.Connection, error) {
	var filter storage.ConnectionFilter
	if groupID != "" {
		filter.GroupID = &groupID
	}
	conns, err := a.Registry.Connections(ctx, filter)
	if err != nil {
		return models.Connection{}, err
	}
	if len(conns) == 0 {
		return models.Connection{}, pkgerrors.ErrConnectionNotFound
	}

	tester, err := a.Tester("tcp")
	if err != nil {
		return models.Connection{}, err
	}
	best, err := tester.TestBatch(ctx, conns, progress).Best()
	if err != nil {
		return models.Connection{}, err
	}
	return *best.Connection, nil
}
