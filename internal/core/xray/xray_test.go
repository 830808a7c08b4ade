//go:build !windows

package xray

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"corekeeper/internal/core/types"
	"corekeeper/internal/storage/models"
	pkgerrors "corekeeper/pkg/errors"
)

// fakeKernel answers the subcommands xray is driven with. FAKE_KERNEL_MODE
// selects how `run` behaves.
const fakeKernel = `#!/bin/sh
case "$1" in
version)
	echo "Xray 1.8.24 (Xray, Penetrates Everything.) Custom (go1.22 linux/amd64)"
	;;
api)
	echo '{"stat":[{"name":"outbound>>>proxy>>>traffic>>>uplink","value":"100"},{"name":"outbound>>>proxy>>>traffic>>>downlink","value":2048},{"name":"inbound>>>socks-in>>>traffic>>>uplink","value":7}]}'
	;;
run)
	echo "Xray 1.8.24 started"
	if [ "$FAKE_KERNEL_MODE" = "crash" ]; then
		echo "Failed to start: bad config" >&2
		exit 23
	fi
	if [ "$FAKE_KERNEL_MODE" = "stubborn" ]; then
		trap '' INT
	else
		trap 'exit 0' INT TERM
	fi
	while true; do sleep 0.05; done
	;;
esac
`

func writeFakeKernel(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "xray")
	if err := os.WriteFile(path, []byte(fakeKernel), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

type lineRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *lineRecorder) add(line string) {
	r.mu.Lock()
	r.lines = append(r.lines, line)
	r.mu.Unlock()
}

func (r *lineRecorder) contains(s string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.lines {
		if strings.Contains(l, s) {
			return true
		}
	}
	return false
}

func newTestXray(t *testing.T, rec *lineRecorder) *Xray {
	t.Helper()
	opts := Options{
		BinaryPath:  writeFakeKernel(t),
		WorkDir:     t.TempDir(),
		StartGrace:  150 * time.Millisecond,
		StopTimeout: 500 * time.Millisecond,
	}
	if rec != nil {
		opts.OnLog = rec.add
	}
	x, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return x
}

func testCoreConfig() *types.CoreConfig {
	return &types.CoreConfig{
		Connection: &models.Connection{
			ID:         "c1",
			Protocol:   "vless",
			Address:    "example.com",
			Port:       443,
			AuthConfig: json.RawMessage(`{"uuid":"b831381d-6324-4d53-ad4f-8cda48b30811"}`),
		},
		SOCKSPort: 10808,
		HTTPPort:  10809,
		APIPort:   10999,
	}
}

func TestVersion(t *testing.T) {
	x := newTestXray(t, nil)
	v, err := x.Version(context.Background())
	if err != nil {
		t.Fatalf("Version() error = %v", err)
	}
	if v != "1.8.24" {
		t.Fatalf("Version() = %q, want 1.8.24", v)
	}
}

func TestNewMissingBinary(t *testing.T) {
	_, err := New(Options{BinaryPath: filepath.Join(t.TempDir(), "nope"), WorkDir: t.TempDir()})
	if !errors.Is(err, pkgerrors.ErrKernelNotFound) {
		t.Fatalf("New() error = %v, want ErrKernelNotFound", err)
	}
}

func TestStartStop(t *testing.T) {
	rec := &lineRecorder{}
	x := newTestXray(t, rec)

	proc, err := x.Start(context.Background(), testCoreConfig())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if proc.PID() <= 0 {
		t.Fatalf("PID() = %d", proc.PID())
	}
	if _, err := os.Stat(x.pidPath); err != nil {
		t.Errorf("pid file missing: %v", err)
	}

	data, err := os.ReadFile(x.configPath)
	if err != nil {
		t.Fatalf("config not written: %v", err)
	}
	var written Config
	if err := json.Unmarshal(data, &written); err != nil {
		t.Fatalf("config is not JSON: %v", err)
	}
	if len(written.Outbounds) == 0 || written.Outbounds[0].Tag != tagProxy {
		t.Errorf("first outbound = %+v", written.Outbounds)
	}

	counters, err := proc.QueryStats(context.Background())
	if err != nil {
		t.Fatalf("QueryStats() error = %v", err)
	}
	if got := counters[types.StatsOutboundProxy]; got.Uplink != 100 || got.Downlink != 2048 {
		t.Errorf("proxy counters = %+v", got)
	}

	if err := proc.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	select {
	case <-proc.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done() not closed after Stop")
	}
	if _, err := os.Stat(x.pidPath); !os.IsNotExist(err) {
		t.Errorf("pid file left behind: %v", err)
	}
	if !rec.contains("started") {
		t.Error("kernel output was not forwarded to OnLog")
	}
	// stopping twice is harmless
	if err := proc.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
}

func TestStopKillsStubbornKernel(t *testing.T) {
	t.Setenv("FAKE_KERNEL_MODE", "stubborn")
	x := newTestXray(t, nil)

	proc, err := x.Start(context.Background(), testCoreConfig())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	start := time.Now()
	if err := proc.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < x.stopTimeout {
		t.Errorf("Stop() returned after %v, before the stop timeout", elapsed)
	}
}

func TestStartEarlyExit(t *testing.T) {
	t.Setenv("FAKE_KERNEL_MODE", "crash")
	x := newTestXray(t, nil)

	_, err := x.Start(context.Background(), testCoreConfig())
	if !errors.Is(err, pkgerrors.ErrSpawnFailed) {
		t.Fatalf("Start() error = %v, want ErrSpawnFailed", err)
	}
	if !strings.Contains(err.Error(), "bad config") {
		t.Errorf("error does not carry the kernel log tail: %v", err)
	}
	var perr *pkgerrors.ProcessError
	if !errors.As(err, &perr) || perr.Kernel != "xray" {
		t.Errorf("error is not a ProcessError: %#v", err)
	}
}

func TestStartInvalidConfig(t *testing.T) {
	x := newTestXray(t, nil)
	cfg := testCoreConfig()
	cfg.Connection.Protocol = "wireguard"

	if _, err := x.Start(context.Background(), cfg); !errors.Is(err, pkgerrors.ErrConfigInvalid) {
		t.Fatalf("Start() error = %v, want ErrConfigInvalid", err)
	}
}

func TestReapOrphan(t *testing.T) {
	x := newTestXray(t, nil)

	if pid, err := x.ReapOrphan(); pid != 0 || err != nil {
		t.Fatalf("ReapOrphan() without pid file = %d, %v", pid, err)
	}

	// a pid that is not ours must survive
	if err := os.WriteFile(x.pidPath, []byte("1"), 0644); err != nil {
		t.Fatal(err)
	}
	if pid, err := x.ReapOrphan(); pid != 0 || err != nil {
		t.Fatalf("ReapOrphan() foreign pid = %d, %v", pid, err)
	}
	if _, err := os.Stat(x.pidPath); !os.IsNotExist(err) {
		t.Error("stale pid file not removed")
	}
}
