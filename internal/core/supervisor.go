package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"corekeeper/internal/core/types"
	"corekeeper/internal/event"
	pkgerrors "corekeeper/pkg/errors"
)

// Options configures a Supervisor.
type Options struct {
	Core   ProxyCore
	Source Source
	Bus    *event.Bus
	Log    *zap.Logger

	// Template carries the local inbound, DNS and routing settings every
	// kernel config is built from.
	Template      types.CoreConfig
	StatsInterval time.Duration
}

// Supervisor owns the lifecycle of at most one kernel process. Every state
// change runs on a single control goroutine; the exported methods only post
// requests to it and wait for the answer.
type Supervisor struct {
	core   ProxyCore
	source Source
	bus    *event.Bus
	log    *zap.Logger
	tmpl   types.CoreConfig
	stats  *statsCollector

	requests chan request
	exits    chan exitNotice
	loopDone chan struct{}
	closing  sync.Once
	links    *event.Subscription

	state   atomic.Int32
	current atomic.Pointer[types.ConnectionGroupPair]

	mu        sync.Mutex
	pid       int
	startedAt time.Time

	// owned by the control goroutine
	proc Process
	gen  uint64
}

type op int

const (
	opStart op = iota
	opStop
	opRestart
	opSwitch
	opRelink
	opShutdown
)

type request struct {
	op    op
	ctx   context.Context
	pair  types.ConnectionGroupPair
	reply chan error
}

// exitNotice reports that the process of run gen exited.
type exitNotice struct {
	gen uint64
	err error
}

// New creates a Supervisor and starts its control goroutine. Call Close to
// stop the kernel and release the goroutine.
func New(opts Options) *Supervisor {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "supervisor"))

	s := &Supervisor{
		core:     opts.Core,
		source:   opts.Source,
		bus:      opts.Bus,
		log:      log,
		tmpl:     opts.Template,
		requests: make(chan request),
		exits:    make(chan exitNotice),
		loopDone: make(chan struct{}),
	}
	s.stats = newStatsCollector(opts.StatsInterval, s.CurrentConnection, opts.Bus, log)
	if opts.Bus != nil {
		s.links = opts.Bus.Subscribe(event.ConnectionLinked, event.GroupDeleted)
		go s.followLinks()
	}
	go s.loop()
	return s
}

// StartConnection launches the kernel for pair. It fails with
// ErrAlreadyRunning while another run is active.
func (s *Supervisor) StartConnection(ctx context.Context, pair types.ConnectionGroupPair) error {
	return s.do(ctx, opStart, pair)
}

// StopConnection stops the running kernel. Stopping while idle succeeds.
func (s *Supervisor) StopConnection(ctx context.Context) error {
	return s.do(ctx, opStop, types.ConnectionGroupPair{})
}

// RestartConnection stops and starts the current connection in one step.
func (s *Supervisor) RestartConnection(ctx context.Context) error {
	return s.do(ctx, opRestart, types.ConnectionGroupPair{})
}

// SwitchConnection replaces the running connection with pair, or starts pair
// when idle.
func (s *Supervisor) SwitchConnection(ctx context.Context, pair types.ConnectionGroupPair) error {
	return s.do(ctx, opSwitch, pair)
}

// CurrentConnection returns the running pair, or the empty pair when idle.
func (s *Supervisor) CurrentConnection() types.ConnectionGroupPair {
	if p := s.current.Load(); p != nil {
		return *p
	}
	return types.ConnectionGroupPair{}
}

func (s *Supervisor) State() types.State {
	return types.State(s.state.Load())
}

// Status returns a snapshot of the current run.
func (s *Supervisor) Status() types.Status {
	st := types.Status{
		State:      s.State(),
		Connection: s.CurrentConnection(),
		CoreType:   s.core.Name(),
	}
	s.mu.Lock()
	st.PID = s.pid
	st.StartedAt = s.startedAt
	s.mu.Unlock()
	if !st.StartedAt.IsZero() {
		st.Uptime = time.Since(st.StartedAt).Truncate(time.Second)
	}
	return st
}

// ActiveKernelProtocols lists the protocols of the running kernel, or nil
// when idle. It does not go through the control goroutine and is safe to call
// while crashing.
func (s *Supervisor) ActiveKernelProtocols() []string {
	if s.CurrentConnection().IsEmpty() {
		return nil
	}
	return s.core.Protocols()
}

// Kernels describes the kernel binaries the supervisor can launch.
func (s *Supervisor) Kernels(ctx context.Context) []types.KernelInfo {
	version, err := s.core.Version(ctx)
	if err != nil {
		version = "unknown"
	}
	return []types.KernelInfo{{
		Name:      s.core.Name(),
		Version:   version,
		Path:      s.core.Path(),
		Protocols: s.core.Protocols(),
	}}
}

// Close stops any running kernel and ends the control goroutine.
func (s *Supervisor) Close(ctx context.Context) error {
	var err error
	s.closing.Do(func() {
		err = s.do(ctx, opShutdown, types.ConnectionGroupPair{})
	})
	return err
}

func (s *Supervisor) do(ctx context.Context, o op, pair types.ConnectionGroupPair) error {
	req := request{op: o, ctx: ctx, pair: pair, reply: make(chan error, 1)}
	select {
	case s.requests <- req:
	case <-s.loopDone:
		return pkgerrors.ErrSupervisorClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-req.reply
}

func (s *Supervisor) loop() {
	defer close(s.loopDone)
	if s.links != nil {
		defer s.links.Close()
	}
	for {
		select {
		case req := <-s.requests:
			switch req.op {
			case opStart:
				req.reply <- s.handleStart(req.ctx, req.pair)
			case opStop:
				req.reply <- s.handleStop(req.ctx, event.ReasonStopped)
			case opRestart:
				req.reply <- s.handleRestart(req.ctx)
			case opSwitch:
				req.reply <- s.handleSwitch(req.ctx, req.pair)
			case opRelink:
				req.reply <- s.handleRelink(req.ctx, req.pair.ConnectionID)
			case opShutdown:
				req.reply <- s.handleStop(req.ctx, event.ReasonShutdown)
				return
			}
		case n := <-s.exits:
			s.handleExit(n)
		}
	}
}

func (s *Supervisor) setState(st types.State) {
	old := types.State(s.state.Swap(int32(st)))
	if old != st {
		s.log.Debug("state", zap.Stringer("from", old), zap.Stringer("to", st))
	}
}

func startError(pair types.ConnectionGroupPair, err error) error {
	return &pkgerrors.StartError{ConnectionID: pair.ConnectionID, GroupID: pair.GroupID, Err: err}
}

func (s *Supervisor) handleStart(ctx context.Context, pair types.ConnectionGroupPair) error {
	if s.proc != nil {
		return startError(pair, pkgerrors.ErrAlreadyRunning)
	}
	cfg, err := s.buildConfig(ctx, pair)
	if err != nil {
		return err
	}

	s.setState(types.StateStarting)
	if err := s.spawn(ctx, pair, cfg); err != nil {
		s.setState(types.StateIdle)
		return err
	}
	s.announce(pair, false)
	return nil
}

func (s *Supervisor) handleStop(ctx context.Context, reason string) error {
	if s.proc == nil {
		return nil
	}
	pair := s.CurrentConnection()

	s.setState(types.StateStopping)
	err := s.teardown(ctx, pair)
	s.clearCurrent(ctx)
	s.setState(types.StateIdle)

	s.log.Info("connection stopped", zap.Stringer("connection", pair), zap.String("reason", reason))
	s.bus.Publish(event.Event{Kind: event.Disconnected, Pair: pair, Reason: reason, Err: err})
	return err
}

func (s *Supervisor) handleRestart(ctx context.Context) error {
	if s.proc == nil {
		return pkgerrors.ErrNotRunning
	}
	pair := s.resolve(ctx, s.CurrentConnection())

	s.setState(types.StateRestarting)
	err := s.teardown(ctx, pair)
	if err == nil {
		var cfg *types.CoreConfig
		if cfg, err = s.buildConfig(ctx, pair); err == nil {
			err = s.spawn(ctx, pair, cfg)
		}
	}
	if err != nil {
		s.clearCurrent(ctx)
		s.setState(types.StateIdle)
		s.log.Error("restart failed", zap.Stringer("connection", pair), zap.Error(err))
		s.bus.Publish(event.Event{Kind: event.Disconnected, Pair: pair, Reason: event.ReasonRestartFailed, Err: err})
		return err
	}
	s.announce(pair, true)
	return nil
}

func (s *Supervisor) handleSwitch(ctx context.Context, pair types.ConnectionGroupPair) error {
	if s.proc == nil {
		return s.handleStart(ctx, pair)
	}
	// validate the target before giving up the running connection
	cfg, err := s.buildConfig(ctx, pair)
	if err != nil {
		return err
	}
	if err := s.handleStop(ctx, event.ReasonSwitched); err != nil {
		s.log.Warn("previous kernel did not stop cleanly", zap.Error(err))
	}

	s.setState(types.StateStarting)
	if err := s.spawn(ctx, pair, cfg); err != nil {
		s.setState(types.StateIdle)
		return err
	}
	s.announce(pair, false)
	return nil
}

// followLinks forwards registry relinks of the running connection to the
// control goroutine. It ends when the subscription is closed.
func (s *Supervisor) followLinks() {
	for e := range s.links.C {
		ids := e.Connections
		if e.Kind == event.ConnectionLinked {
			ids = []string{e.Pair.ConnectionID}
		}
		for _, id := range ids {
			if id != "" && id == s.CurrentConnection().ConnectionID {
				s.do(context.Background(), opRelink, types.ConnectionGroupPair{ConnectionID: id})
			}
		}
	}
}

func (s *Supervisor) handleRelink(ctx context.Context, id string) error {
	cur := s.CurrentConnection()
	if s.proc == nil || cur.ConnectionID != id {
		return nil
	}
	s.resolve(ctx, cur)
	return nil
}

// resolve moves the current pair to the group the connection is linked with
// now. The pair is returned unchanged when the connection cannot be found.
func (s *Supervisor) resolve(ctx context.Context, pair types.ConnectionGroupPair) types.ConnectionGroupPair {
	now, err := s.source.PairOf(ctx, pair.ConnectionID)
	if err != nil || now == pair {
		return pair
	}
	s.current.Store(&now)
	s.log.Info("connection relinked", zap.Stringer("from", pair), zap.Stringer("to", now))
	return now
}

// handleExit reacts to a kernel that exited without being asked to.
func (s *Supervisor) handleExit(n exitNotice) {
	if s.proc == nil || n.gen != s.gen {
		return
	}
	pair := s.CurrentConnection()
	s.setState(types.StateCrashed)
	s.log.Error("kernel exited unexpectedly",
		zap.Stringer("connection", pair),
		zap.Int("pid", s.proc.PID()),
		zap.Error(n.err))

	s.proc = nil
	totals := s.stats.detach(false)
	s.flushTraffic(context.Background(), pair, totals)
	s.clearCurrent(context.Background())
	s.setState(types.StateIdle)

	err := n.err
	if err == nil {
		err = errors.New("kernel exited")
	}
	s.bus.Publish(event.Event{
		Kind:   event.Disconnected,
		Pair:   pair,
		Reason: event.ReasonCrashed,
		Err:    &pkgerrors.ProcessError{Kernel: s.core.Name(), Err: err},
	})
}

func (s *Supervisor) buildConfig(ctx context.Context, pair types.ConnectionGroupPair) (*types.CoreConfig, error) {
	if pair.IsEmpty() {
		return nil, startError(pair, fmt.Errorf("%w: no connection given", pkgerrors.ErrConfigInvalid))
	}
	cfg, err := s.source.BuildCoreConfig(ctx, pair, s.tmpl)
	if err != nil {
		if !errors.Is(err, pkgerrors.ErrConfigInvalid) {
			err = fmt.Errorf("%w: %v", pkgerrors.ErrConfigInvalid, err)
		}
		return nil, startError(pair, err)
	}
	return cfg, nil
}

// spawn starts the kernel and records the new run. The caller sets the
// transitional state beforehand.
func (s *Supervisor) spawn(ctx context.Context, pair types.ConnectionGroupPair, cfg *types.CoreConfig) error {
	proc, err := s.core.Start(ctx, cfg)
	if err != nil {
		return startError(pair, err)
	}

	s.gen++
	s.proc = proc
	s.current.Store(&pair)
	s.mu.Lock()
	s.pid = proc.PID()
	s.startedAt = time.Now()
	s.mu.Unlock()
	s.setState(types.StateRunning)

	if err := s.source.MarkConnected(ctx, pair, s.core.Name(), proc.PID()); err != nil {
		s.log.Warn("failed to record connection", zap.Stringer("connection", pair), zap.Error(err))
	}

	go func(gen uint64) {
		<-proc.Done()
		select {
		case s.exits <- exitNotice{gen: gen, err: proc.Err()}:
		case <-s.loopDone:
		}
	}(s.gen)
	return nil
}

// announce publishes Connected and then attaches the stats collector, so no
// sample for a run precedes its Connected event.
func (s *Supervisor) announce(pair types.ConnectionGroupPair, restarted bool) {
	s.log.Info("connection running",
		zap.Stringer("connection", pair),
		zap.Int("pid", s.proc.PID()),
		zap.Bool("restarted", restarted))
	s.bus.Publish(event.Event{Kind: event.Connected, Pair: pair, Restarted: restarted})
	if err := s.stats.attach(s.proc); err != nil {
		s.log.Warn("statistics unavailable", zap.Error(err))
	}
}

// teardown stops the current process and flushes its traffic. The current
// pair is left untouched.
func (s *Supervisor) teardown(ctx context.Context, pair types.ConnectionGroupPair) error {
	proc := s.proc
	s.proc = nil

	totals := s.stats.detach(true)
	err := proc.Stop(ctx)
	s.flushTraffic(ctx, pair, totals)

	s.mu.Lock()
	s.pid = 0
	s.startedAt = time.Time{}
	s.mu.Unlock()
	return err
}

func (s *Supervisor) clearCurrent(ctx context.Context) {
	s.current.Store(nil)
	s.mu.Lock()
	s.pid = 0
	s.startedAt = time.Time{}
	s.mu.Unlock()
	if err := s.source.ClearActive(ctx); err != nil {
		s.log.Warn("failed to clear active connection", zap.Error(err))
	}
}

func (s *Supervisor) flushTraffic(ctx context.Context, pair types.ConnectionGroupPair, totals types.Counter) {
	if totals.Uplink == 0 && totals.Downlink == 0 {
		return
	}
	if err := s.source.AddTraffic(ctx, pair.ConnectionID, int64(totals.Uplink), int64(totals.Downlink)); err != nil {
		s.log.Warn("failed to save traffic", zap.Stringer("connection", pair), zap.Error(err))
	}
}
