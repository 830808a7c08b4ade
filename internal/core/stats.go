package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"corekeeper/internal/core/types"
	"corekeeper/internal/event"
)

const defaultStatsInterval = time.Second

// statsCollector polls the running kernel's traffic counters and publishes
// speed samples for the current connection. It is attached for exactly one
// Process at a time.
type statsCollector struct {
	interval time.Duration
	current  func() types.ConnectionGroupPair
	bus      *event.Bus
	log      *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	proc      Process
	scheduler gocron.Scheduler
	last      types.TrafficCounters
	lastAt    time.Time
}

func newStatsCollector(interval time.Duration, current func() types.ConnectionGroupPair, bus *event.Bus, log *zap.Logger) *statsCollector {
	if interval <= 0 {
		interval = defaultStatsInterval
	}
	return &statsCollector{
		interval: interval,
		current:  current,
		bus:      bus,
		log:      log,
		now:      time.Now,
	}
}

// attach starts polling proc. The first poll runs immediately and yields
// zero speeds.
func (c *statsCollector) attach(proc Process) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create stats scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(c.interval),
		gocron.NewTask(func() {
			c.collect(proc)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		scheduler.Shutdown()
		return fmt.Errorf("failed to create stats job: %w", err)
	}

	c.mu.Lock()
	c.proc = proc
	c.scheduler = scheduler
	c.last = nil
	c.lastAt = time.Time{}
	c.mu.Unlock()

	scheduler.Start()
	return nil
}

// detach stops polling. When final is set the kernel is queried once more
// so the returned session totals include the last interval. It returns the
// proxy outbound byte counts of the session.
func (c *statsCollector) detach(final bool) types.Counter {
	c.mu.Lock()
	proc, scheduler := c.proc, c.scheduler
	c.scheduler = nil
	c.mu.Unlock()

	if scheduler != nil {
		if err := scheduler.Shutdown(); err != nil {
			c.log.Debug("stats scheduler shutdown", zap.Error(err))
		}
	}
	if final && proc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if counters, err := proc.QueryStats(ctx); err == nil {
			c.record(proc, counters)
		}
		cancel()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	totals := c.last[types.StatsOutboundProxy]
	c.proc = nil
	c.last = nil
	return totals
}

func (c *statsCollector) collect(proc Process) {
	ctx, cancel := context.WithTimeout(context.Background(), c.interval)
	defer cancel()

	counters, err := proc.QueryStats(ctx)
	if err != nil {
		c.log.Debug("stats query failed", zap.Error(err))
		return
	}
	sample, ok := c.record(proc, counters)
	if !ok {
		return
	}

	pair := c.current()
	if pair.IsEmpty() {
		return
	}
	c.bus.Publish(event.Event{Kind: event.Stats, Pair: pair, Stats: sample})
}

// record stores counters as the latest poll of proc and returns the speed
// sample relative to the previous poll. ok is false when proc is no longer
// the attached process.
func (c *statsCollector) record(proc Process, counters types.TrafficCounters) (types.Sample, bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc != proc {
		return nil, false
	}

	elapsed := now.Sub(c.lastAt).Seconds()
	sample := make(types.Sample, len(counters))
	for st, cur := range counters {
		data := types.SpeedData{TotalUpload: cur.Uplink, TotalDownload: cur.Downlink}
		if prev, seen := c.last[st]; seen && elapsed > 0 {
			data.UploadSpeed = rate(prev.Uplink, cur.Uplink, elapsed)
			data.DownloadSpeed = rate(prev.Downlink, cur.Downlink, elapsed)
		}
		sample[st] = data
	}
	c.last = counters
	c.lastAt = now
	return sample, true
}

// rate is bytes per second between two counter readings; a counter that
// went backwards reads as zero.
func rate(prev, cur uint64, seconds float64) uint64 {
	if cur < prev {
		return 0
	}
	return uint64(float64(cur-prev) / seconds)
}
