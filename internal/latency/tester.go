package latency

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"corekeeper/internal/storage"
	"corekeeper/internal/storage/models"
	pkgerrors "corekeeper/pkg/errors"
)

// TestResult holds the outcome for a single connection test.
type TestResult struct {
	Connection *models.Connection
	Latency    *models.LatencyTest
}

// BatchResult holds the outcome of testing multiple connections.
type BatchResult struct {
	Results   []*TestResult // successes by latency, then failures
	Tested    int
	Succeeded int
	Failed    int
	Duration  time.Duration
}

// Best returns the fastest successful result.
func (b *BatchResult) Best() (*TestResult, error) {
	if len(b.Results) == 0 || !b.Results[0].Latency.Success {
		return nil, pkgerrors.ErrNoLatencyData
	}
	return b.Results[0], nil
}

// ProgressFunc is called each time a single test completes during batch testing.
type ProgressFunc func(result *TestResult, current, total int)

// TesterConfig holds configuration for the Tester.
type TesterConfig struct {
	Workers  int64
	Timeout  time.Duration
	Strategy Strategy
}

// Tester orchestrates latency testing.
type Tester struct {
	storage storage.Storage
	config  TesterConfig
	log     *zap.Logger
}

// NewTester creates a new Tester.
func NewTester(store storage.Storage, cfg TesterConfig, log *zap.Logger) *Tester {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Strategy == nil {
		cfg.Strategy = &TCPStrategy{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Tester{
		storage: store,
		config:  cfg,
		log:     log.With(zap.String("component", "latency")),
	}
}

// TestSingle tests a single connection and records the result.
func (t *Tester) TestSingle(ctx context.Context, conn *models.Connection) *TestResult {
	testCtx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()

	latencyMS, err := t.config.Strategy.Test(testCtx, conn)

	lt := &models.LatencyTest{
		ConnectionID: conn.ID,
		TestStrategy: t.config.Strategy.Name(),
		TestedAt:     time.Now(),
	}
	if err != nil {
		lt.ErrorMessage = err.Error()
	} else {
		lt.Success = true
		lt.LatencyMS = &latencyMS
	}

	// A lost record only costs history; the caller still gets the result.
	if err := t.storage.RecordLatency(ctx, lt); err != nil {
		t.log.Warn("recording latency", zap.String("connection", conn.ID), zap.Error(err))
	}
	return &TestResult{Connection: conn, Latency: lt}
}

// TestBatch tests connections concurrently, at most Workers at a time.
// Cancelling ctx skips the tests that have not started yet.
func (t *Tester) TestBatch(ctx context.Context, conns []*models.Connection, progress ProgressFunc) *BatchResult {
	startTime := time.Now()

	batch := &BatchResult{}
	results := make([]*TestResult, len(conns))
	var (
		mu        sync.Mutex
		completed int
		wg        sync.WaitGroup
	)
	sem := semaphore.NewWeighted(t.config.Workers)

	for i, conn := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer sem.Release(1)

			result := t.TestSingle(ctx, conn)
			results[i] = result

			mu.Lock()
			completed++
			current := completed
			if result.Latency.Success {
				batch.Succeeded++
			} else {
				batch.Failed++
			}
			mu.Unlock()

			if progress != nil {
				progress(result, current, len(conns))
			}
		}()
	}
	wg.Wait()

	for _, r := range results {
		if r != nil {
			batch.Results = append(batch.Results, r)
		}
	}
	batch.Tested = len(batch.Results)

	slices.SortStableFunc(batch.Results, func(a, b *TestResult) int {
		la, lb := a.Latency, b.Latency
		switch {
		case la.Success && !lb.Success:
			return -1
		case !la.Success && lb.Success:
			return 1
		case la.Success && lb.Success:
			return *la.LatencyMS - *lb.LatencyMS
		}
		return 0
	})

	batch.Duration = time.Since(startTime)
	return batch
}
