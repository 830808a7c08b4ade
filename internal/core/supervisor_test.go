package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"corekeeper/internal/core/types"
	"corekeeper/internal/event"
	"corekeeper/internal/storage/models"
	pkgerrors "corekeeper/pkg/errors"
)

type fakeProcess struct {
	pid  int
	done chan struct{}
	once sync.Once
	err  error

	mu       sync.Mutex
	counters types.TrafficCounters
	stopped  bool
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{}), counters: types.TrafficCounters{}}
}

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Err() error {
	<-p.done
	return p.err
}

func (p *fakeProcess) Stop(context.Context) error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.exit(nil)
	return nil
}

func (p *fakeProcess) setCounters(c types.TrafficCounters) {
	p.mu.Lock()
	p.counters = c
	p.mu.Unlock()
}

func (p *fakeProcess) QueryStats(context.Context) (types.TrafficCounters, error) {
	select {
	case <-p.done:
		return nil, errors.New("kernel is gone")
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(types.TrafficCounters, len(p.counters))
	for k, v := range p.counters {
		out[k] = v
	}
	return out, nil
}

type fakeCore struct {
	mu       sync.Mutex
	startErr error
	procs    []*fakeProcess
	// onStart runs inside Start, on the supervisor's control goroutine.
	onStart func()
}

func (c *fakeCore) Name() string { return "fake" }

func (c *fakeCore) Path() string { return "/opt/fake" }

func (c *fakeCore) Protocols() []string { return []string{"vless", "vmess"} }

func (c *fakeCore) Version(context.Context) (string, error) { return "1.0.0", nil }

func (c *fakeCore) Start(ctx context.Context, cfg *types.CoreConfig) (Process, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.onStart != nil {
		c.onStart()
	}
	if c.startErr != nil {
		return nil, c.startErr
	}
	p := newFakeProcess(1000 + len(c.procs))
	c.procs = append(c.procs, p)
	return p, nil
}

func (c *fakeCore) setStartErr(err error) {
	c.mu.Lock()
	c.startErr = err
	c.mu.Unlock()
}

func (c *fakeCore) last() *fakeProcess {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.procs[len(c.procs)-1]
}

type fakeSource struct {
	mu      sync.Mutex
	known   map[string]string // connection id -> group id
	marked  []types.ConnectionGroupPair
	cleared int
	traffic map[string]types.Counter
}

func newFakeSource(pairs ...types.ConnectionGroupPair) *fakeSource {
	s := &fakeSource{known: map[string]string{}, traffic: map[string]types.Counter{}}
	for _, p := range pairs {
		s.known[p.ConnectionID] = p.GroupID
	}
	return s
}

func (s *fakeSource) BuildCoreConfig(ctx context.Context, pair types.ConnectionGroupPair, tmpl types.CoreConfig) (*types.CoreConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.known[pair.ConnectionID]; !ok || g != pair.GroupID {
		return nil, fmt.Errorf("%w: unknown connection %s", pkgerrors.ErrConfigInvalid, pair)
	}
	cfg := tmpl
	cfg.Connection = &models.Connection{ID: pair.ConnectionID, GroupID: pair.GroupID, Protocol: "vless"}
	return &cfg, nil
}

func (s *fakeSource) MarkConnected(ctx context.Context, pair types.ConnectionGroupPair, coreType string, pid int) error {
	s.mu.Lock()
	s.marked = append(s.marked, pair)
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) ClearActive(context.Context) error {
	s.mu.Lock()
	s.cleared++
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) AddTraffic(ctx context.Context, id string, upload, download int64) error {
	s.mu.Lock()
	c := s.traffic[id]
	c.Uplink += uint64(upload)
	c.Downlink += uint64(download)
	s.traffic[id] = c
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) PairOf(ctx context.Context, id string) (types.ConnectionGroupPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.known[id]
	if !ok {
		return types.ConnectionGroupPair{}, pkgerrors.ErrConnectionNotFound
	}
	return types.ConnectionGroupPair{ConnectionID: id, GroupID: g}, nil
}

func (s *fakeSource) move(id, groupID string) {
	s.mu.Lock()
	s.known[id] = groupID
	s.mu.Unlock()
}

var (
	pairA = types.ConnectionGroupPair{ConnectionID: "c1", GroupID: "g1"}
	pairB = types.ConnectionGroupPair{ConnectionID: "c2", GroupID: "g1"}
)

type harness struct {
	sup    *Supervisor
	core   *fakeCore
	source *fakeSource
	bus    *event.Bus
	events *event.Subscription
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		core:   &fakeCore{},
		source: newFakeSource(pairA, pairB),
		bus:    event.New(),
	}
	h.events = h.bus.Subscribe(event.Connected, event.Disconnected)
	h.sup = New(Options{
		Core:          h.core,
		Source:        h.source,
		Bus:           h.bus,
		Log:           zap.NewNop(),
		Template:      types.CoreConfig{SOCKSPort: 1080},
		StatsInterval: 20 * time.Millisecond,
	})
	t.Cleanup(func() {
		h.sup.Close(context.Background())
		h.bus.Close()
	})
	return h
}

func (h *harness) next(t *testing.T) event.Event {
	t.Helper()
	select {
	case e := <-h.events.C:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return event.Event{}
}

func (h *harness) quiet(t *testing.T) {
	t.Helper()
	select {
	case e := <-h.events.C:
		t.Fatalf("unexpected event %s %s (%s)", e.Kind, e.Pair, e.Reason)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStartStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.sup.StartConnection(ctx, pairA); err != nil {
		t.Fatalf("StartConnection() error = %v", err)
	}
	if got := h.sup.State(); got != types.StateRunning {
		t.Fatalf("State() = %s, want running", got)
	}
	if got := h.sup.CurrentConnection(); got != pairA {
		t.Fatalf("CurrentConnection() = %s", got)
	}
	st := h.sup.Status()
	if st.PID != 1000 || st.StartedAt.IsZero() || st.CoreType != "fake" {
		t.Fatalf("Status() = %+v", st)
	}
	if e := h.next(t); e.Kind != event.Connected || e.Pair != pairA || e.Restarted {
		t.Fatalf("first event = %+v", e)
	}

	if err := h.sup.StopConnection(ctx); err != nil {
		t.Fatalf("StopConnection() error = %v", err)
	}
	if !h.sup.CurrentConnection().IsEmpty() || h.sup.State() != types.StateIdle {
		t.Fatalf("after stop: current=%s state=%s", h.sup.CurrentConnection(), h.sup.State())
	}
	if e := h.next(t); e.Kind != event.Disconnected || e.Pair != pairA || e.Reason != event.ReasonStopped {
		t.Fatalf("second event = %+v", e)
	}
	if !h.core.last().stopped {
		t.Error("process was not stopped")
	}

	// stopping while idle is a silent no-op
	if err := h.sup.StopConnection(ctx); err != nil {
		t.Fatalf("idle StopConnection() error = %v", err)
	}
	h.quiet(t)
}

func TestStartWhileRunningIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.sup.StartConnection(ctx, pairA); err != nil {
		t.Fatal(err)
	}
	h.next(t)

	err := h.sup.StartConnection(ctx, pairB)
	if !errors.Is(err, pkgerrors.ErrAlreadyRunning) {
		t.Fatalf("StartConnection() error = %v, want ErrAlreadyRunning", err)
	}
	var serr *pkgerrors.StartError
	if !errors.As(err, &serr) || serr.ConnectionID != "c2" {
		t.Fatalf("error is not a StartError for c2: %#v", err)
	}
	if got := h.sup.CurrentConnection(); got != pairA {
		t.Fatalf("CurrentConnection() = %s, want %s", got, pairA)
	}
	h.quiet(t)
}

func TestStartFailures(t *testing.T) {
	tests := []struct {
		name     string
		pair     types.ConnectionGroupPair
		startErr error
		want     error
	}{
		{"empty pair", types.ConnectionGroupPair{}, nil, pkgerrors.ErrConfigInvalid},
		{"unknown connection", types.ConnectionGroupPair{ConnectionID: "x", GroupID: "g1"}, nil, pkgerrors.ErrConfigInvalid},
		{"group mismatch", types.ConnectionGroupPair{ConnectionID: "c1", GroupID: "g2"}, nil, pkgerrors.ErrConfigInvalid},
		{"spawn", pairA, fmt.Errorf("%w: exec format error", pkgerrors.ErrSpawnFailed), pkgerrors.ErrSpawnFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.core.setStartErr(tt.startErr)

			err := h.sup.StartConnection(context.Background(), tt.pair)
			if !errors.Is(err, tt.want) {
				t.Fatalf("StartConnection() error = %v, want %v", err, tt.want)
			}
			if h.sup.State() != types.StateIdle || !h.sup.CurrentConnection().IsEmpty() {
				t.Fatalf("after failure: state=%s current=%s", h.sup.State(), h.sup.CurrentConnection())
			}
			h.quiet(t)
		})
	}
}

func TestRestartKeepsCurrentConnection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.sup.StartConnection(ctx, pairA); err != nil {
		t.Fatal(err)
	}
	h.next(t)

	var seen []types.ConnectionGroupPair
	var seenState types.State
	h.core.onStart = func() {
		seen = append(seen, h.sup.CurrentConnection())
		seenState = h.sup.State()
	}

	if err := h.sup.RestartConnection(ctx); err != nil {
		t.Fatalf("RestartConnection() error = %v", err)
	}
	if len(seen) != 1 || seen[0] != pairA {
		t.Fatalf("current connection during restart = %v", seen)
	}
	if seenState != types.StateRestarting {
		t.Fatalf("state during restart = %s", seenState)
	}
	if e := h.next(t); e.Kind != event.Connected || !e.Restarted || e.Pair != pairA {
		t.Fatalf("restart event = %+v", e)
	}
	h.quiet(t)

	if pid := h.sup.Status().PID; pid != 1001 {
		t.Fatalf("PID after restart = %d", pid)
	}
}

func TestRelinkFollowsRunningConnection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.sup.StartConnection(ctx, pairA); err != nil {
		t.Fatal(err)
	}
	h.next(t)

	moved := types.ConnectionGroupPair{ConnectionID: "c1", GroupID: "g2"}
	h.source.move("c1", "g2")
	h.bus.Publish(event.Event{Kind: event.ConnectionLinked, Pair: moved})

	deadline := time.Now().Add(2 * time.Second)
	for h.sup.CurrentConnection() != moved {
		if time.Now().After(deadline) {
			t.Fatalf("CurrentConnection() = %s, want %s", h.sup.CurrentConnection(), moved)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := h.sup.RestartConnection(ctx); err != nil {
		t.Fatalf("RestartConnection() error = %v", err)
	}
	if e := h.next(t); e.Kind != event.Connected || !e.Restarted || e.Pair != moved {
		t.Fatalf("restart event = %+v", e)
	}
	h.quiet(t)
}

func TestRestartResolvesMovedConnection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.sup.StartConnection(ctx, pairA); err != nil {
		t.Fatal(err)
	}
	h.next(t)

	// no relink event: the restart itself has to notice the new group
	h.source.move("c1", "g3")
	if err := h.sup.RestartConnection(ctx); err != nil {
		t.Fatalf("RestartConnection() error = %v", err)
	}
	want := types.ConnectionGroupPair{ConnectionID: "c1", GroupID: "g3"}
	if got := h.sup.CurrentConnection(); got != want || h.sup.State() != types.StateRunning {
		t.Fatalf("after restart: current=%s state=%s", got, h.sup.State())
	}
	if e := h.next(t); e.Kind != event.Connected || e.Pair != want {
		t.Fatalf("restart event = %+v", e)
	}
}

func TestRestartFailureClearsCurrent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.sup.StartConnection(ctx, pairA); err != nil {
		t.Fatal(err)
	}
	h.next(t)

	h.core.setStartErr(pkgerrors.ErrSpawnFailed)
	if err := h.sup.RestartConnection(ctx); !errors.Is(err, pkgerrors.ErrSpawnFailed) {
		t.Fatalf("RestartConnection() error = %v", err)
	}
	e := h.next(t)
	if e.Kind != event.Disconnected || e.Reason != event.ReasonRestartFailed || e.Pair != pairA {
		t.Fatalf("event = %+v", e)
	}
	if !h.sup.CurrentConnection().IsEmpty() || h.sup.State() != types.StateIdle {
		t.Fatalf("after failed restart: current=%s state=%s", h.sup.CurrentConnection(), h.sup.State())
	}
	h.quiet(t)
}

func TestRestartWhileIdle(t *testing.T) {
	h := newHarness(t)
	if err := h.sup.RestartConnection(context.Background()); !errors.Is(err, pkgerrors.ErrNotRunning) {
		t.Fatalf("RestartConnection() error = %v, want ErrNotRunning", err)
	}
}

func TestCrashDisconnectsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.sup.StartConnection(ctx, pairA); err != nil {
		t.Fatal(err)
	}
	h.next(t)

	h.core.last().exit(errors.New("signal: segmentation fault"))

	e := h.next(t)
	if e.Kind != event.Disconnected || e.Reason != event.ReasonCrashed || e.Pair != pairA {
		t.Fatalf("event = %+v", e)
	}
	var perr *pkgerrors.ProcessError
	if !errors.As(e.Err, &perr) {
		t.Fatalf("crash error = %#v", e.Err)
	}
	h.quiet(t)

	if h.sup.State() != types.StateIdle || !h.sup.CurrentConnection().IsEmpty() {
		t.Fatalf("after crash: state=%s current=%s", h.sup.State(), h.sup.CurrentConnection())
	}
	h.source.mu.Lock()
	cleared := h.source.cleared
	h.source.mu.Unlock()
	if cleared != 1 {
		t.Fatalf("ClearActive called %d times", cleared)
	}

	// a crash leaves the supervisor usable
	if err := h.sup.StartConnection(ctx, pairB); err != nil {
		t.Fatalf("StartConnection() after crash error = %v", err)
	}
}

func TestStoppedExitIsNotACrash(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.sup.StartConnection(ctx, pairA); err != nil {
		t.Fatal(err)
	}
	h.next(t)
	if err := h.sup.StopConnection(ctx); err != nil {
		t.Fatal(err)
	}
	if e := h.next(t); e.Reason != event.ReasonStopped {
		t.Fatalf("event = %+v", e)
	}
	h.quiet(t)
}

func TestSwitchConnection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// switching while idle is a plain start
	if err := h.sup.SwitchConnection(ctx, pairA); err != nil {
		t.Fatal(err)
	}
	if e := h.next(t); e.Kind != event.Connected || e.Pair != pairA {
		t.Fatalf("event = %+v", e)
	}

	if err := h.sup.SwitchConnection(ctx, pairB); err != nil {
		t.Fatalf("SwitchConnection() error = %v", err)
	}
	if e := h.next(t); e.Kind != event.Disconnected || e.Pair != pairA || e.Reason != event.ReasonSwitched {
		t.Fatalf("first switch event = %+v", e)
	}
	if e := h.next(t); e.Kind != event.Connected || e.Pair != pairB {
		t.Fatalf("second switch event = %+v", e)
	}
	if got := h.sup.CurrentConnection(); got != pairB {
		t.Fatalf("CurrentConnection() = %s", got)
	}

	// an invalid target leaves the running connection alone
	bad := types.ConnectionGroupPair{ConnectionID: "nope", GroupID: "g1"}
	if err := h.sup.SwitchConnection(ctx, bad); !errors.Is(err, pkgerrors.ErrConfigInvalid) {
		t.Fatalf("SwitchConnection(bad) error = %v", err)
	}
	if got := h.sup.CurrentConnection(); got != pairB {
		t.Fatalf("CurrentConnection() after bad switch = %s", got)
	}
	h.quiet(t)
}

func TestStatsPublishedForCurrentConnection(t *testing.T) {
	h := newHarness(t)
	stats := h.bus.Subscribe(event.Stats)
	defer stats.Close()
	ctx := context.Background()

	if err := h.sup.StartConnection(ctx, pairA); err != nil {
		t.Fatal(err)
	}
	proc := h.core.last()
	proc.setCounters(types.TrafficCounters{
		types.StatsOutboundProxy: {Uplink: 300, Downlink: 4000},
	})

	deadline := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case e := <-stats.C:
			if e.Pair != pairA {
				t.Fatalf("stats pair = %s", e.Pair)
			}
			done = e.Stats[types.StatsOutboundProxy].TotalUpload == 300
		case <-deadline:
			t.Fatal("no stats event with the kernel's counters")
		}
	}

	if err := h.sup.StopConnection(ctx); err != nil {
		t.Fatal(err)
	}
	h.source.mu.Lock()
	got := h.source.traffic["c1"]
	h.source.mu.Unlock()
	if got.Uplink != 300 || got.Downlink != 4000 {
		t.Fatalf("session traffic = %+v", got)
	}
}

func TestCloseStopsKernel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.sup.StartConnection(ctx, pairA); err != nil {
		t.Fatal(err)
	}
	h.next(t)

	if err := h.sup.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if e := h.next(t); e.Kind != event.Disconnected || e.Reason != event.ReasonShutdown {
		t.Fatalf("event = %+v", e)
	}
	if err := h.sup.StartConnection(ctx, pairA); !errors.Is(err, pkgerrors.ErrSupervisorClosed) {
		t.Fatalf("StartConnection() after Close error = %v", err)
	}
}

func TestKernelInfo(t *testing.T) {
	h := newHarness(t)
	if got := h.sup.ActiveKernelProtocols(); got != nil {
		t.Fatalf("ActiveKernelProtocols() idle = %v", got)
	}
	if err := h.sup.StartConnection(context.Background(), pairA); err != nil {
		t.Fatal(err)
	}
	if got := h.sup.ActiveKernelProtocols(); len(got) != 2 {
		t.Fatalf("ActiveKernelProtocols() = %v", got)
	}
	k := h.sup.Kernels(context.Background())
	if len(k) != 1 || k[0].Version != "1.0.0" || k[0].Path != "/opt/fake" {
		t.Fatalf("Kernels() = %+v", k)
	}
}
