package xray

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"corekeeper/internal/core"
	"corekeeper/internal/core/types"
	"corekeeper/internal/paths"
	pkgerrors "corekeeper/pkg/errors"
)

// Options configures an Xray kernel launcher.
type Options struct {
	// BinaryPath overrides the binary search.
	BinaryPath string
	// AssetDir holds geoip.dat/geosite.dat; defaults to the binary's directory.
	AssetDir string
	// WorkDir receives config.json, the pid file and the kernel log.
	WorkDir string

	StartGrace  time.Duration
	StopTimeout time.Duration

	// OnLog receives every line the kernel writes to stdout/stderr.
	OnLog func(line string)
	Log   *zap.Logger
}

// Xray implements core.ProxyCore for Xray-core.
type Xray struct {
	path       string
	assetDir   string
	configPath string
	logPath    string
	pidPath    string

	startGrace  time.Duration
	stopTimeout time.Duration
	onLog       func(string)
	log         *zap.Logger
}

var _ core.ProxyCore = (*Xray)(nil)

// New locates the xray binary and prepares the work directory.
func New(opts Options) (*Xray, error) {
	bin := opts.BinaryPath
	if bin == "" {
		found, err := findXrayBinary()
		if err != nil {
			return nil, fmt.Errorf("%w: %v (install from https://github.com/XTLS/Xray-core)", pkgerrors.ErrKernelNotFound, err)
		}
		bin = found
	} else if resolved, err := exec.LookPath(bin); err == nil {
		bin = resolved
	} else {
		return nil, fmt.Errorf("%w: %s", pkgerrors.ErrKernelNotFound, bin)
	}

	if opts.WorkDir == "" {
		return nil, fmt.Errorf("xray: work directory not set")
	}
	if err := os.MkdirAll(opts.WorkDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}

	x := &Xray{
		path:        bin,
		assetDir:    opts.AssetDir,
		configPath:  filepath.Join(opts.WorkDir, "config.json"),
		logPath:     filepath.Join(opts.WorkDir, "kernel.log"),
		pidPath:     filepath.Join(opts.WorkDir, "kernel.pid"),
		startGrace:  opts.StartGrace,
		stopTimeout: opts.StopTimeout,
		onLog:       opts.OnLog,
		log:         opts.Log,
	}
	if x.assetDir == "" {
		x.assetDir = filepath.Dir(bin)
	}
	if x.startGrace <= 0 {
		x.startGrace = time.Second
	}
	if x.stopTimeout <= 0 {
		x.stopTimeout = 5 * time.Second
	}
	if x.log == nil {
		x.log = zap.NewNop()
	}
	x.log = x.log.With(zap.String("component", "xray"))
	return x, nil
}

func (x *Xray) Name() string { return string(types.CoreTypeXray) }

func (x *Xray) Path() string { return x.path }

// LogPath is the file the kernel's output is written to.
func (x *Xray) LogPath() string { return x.logPath }

func (x *Xray) Protocols() []string {
	return append([]string(nil), supportedProtocols...)
}

// Version runs `xray version` and returns the version number.
func (x *Xray) Version(ctx context.Context) (string, error) {
	output, err := exec.CommandContext(ctx, x.path, "version").Output()
	if err != nil {
		return "", fmt.Errorf("failed to get xray version: %w", err)
	}
	return parseVersion(output), nil
}

// parseVersion extracts "1.8.24" from "Xray 1.8.24 (Xray, Penetrates Everything.) ...".
func parseVersion(output []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(output))
	if !scanner.Scan() {
		return ""
	}
	line := strings.TrimSpace(scanner.Text())
	fields := strings.Fields(line)
	if len(fields) >= 2 && strings.EqualFold(fields[0], "xray") {
		return fields[1]
	}
	return line
}

// Start writes the kernel config and launches `xray run`.
func (x *Xray) Start(ctx context.Context, config *types.CoreConfig) (core.Process, error) {
	xrayConfig, err := buildConfig(config)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrConfigInvalid, err)
	}
	configJSON, err := json.MarshalIndent(xrayConfig, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrConfigInvalid, err)
	}
	if err := os.WriteFile(x.configPath, configJSON, 0600); err != nil {
		return nil, fmt.Errorf("failed to write config file: %w", err)
	}
	paths.ChownToRealUser(x.configPath)

	// exec.Command, not CommandContext: the process outlives the request
	// context and is stopped explicitly.
	cmd := exec.Command(x.path, "run", "-c", x.configPath)
	cmd.Env = append(os.Environ(), "XRAY_LOCATION_ASSET="+x.assetDir)
	cmd.SysProcAttr = sysProcAttr()

	logFile, err := os.Create(x.logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}
	paths.ChownToRealUser(x.logPath)

	pr, pw := io.Pipe()
	out := io.MultiWriter(logFile, pw)
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		logFile.Close()
		pw.Close()
		return nil, &pkgerrors.ProcessError{Kernel: x.Name(), Err: fmt.Errorf("%w: %v", pkgerrors.ErrSpawnFailed, err)}
	}

	p := &process{
		cmd:         cmd,
		pid:         cmd.Process.Pid,
		done:        make(chan struct{}),
		stopTimeout: x.stopTimeout,
		apiAddr:     fmt.Sprintf("127.0.0.1:%d", apiPort(config)),
		xray:        x,
	}
	if err := os.WriteFile(x.pidPath, []byte(strconv.Itoa(p.pid)), 0644); err != nil {
		x.log.Warn("failed to write pid file", zap.Error(err))
	}
	paths.ChownToRealUser(x.pidPath)

	logsDone := make(chan struct{})
	go func() {
		defer close(logsDone)
		x.pumpLogs(pr)
	}()
	go func() {
		err := cmd.Wait()
		pw.Close()
		<-logsDone
		logFile.Close()
		os.Remove(x.pidPath)
		p.finish(err)
	}()

	x.log.Info("kernel spawned",
		zap.Int("pid", p.pid),
		zap.String("connection", config.Connection.ID))

	select {
	case <-p.done:
		tail := tailFile(x.logPath, 20)
		if tail == "" {
			tail = fmt.Sprintf("check logs at %s", x.logPath)
		}
		return nil, &pkgerrors.ProcessError{
			Kernel: x.Name(),
			PID:    p.pid,
			Err:    fmt.Errorf("%w: exited during start-up: %v\n%s", pkgerrors.ErrSpawnFailed, p.Err(), tail),
		}
	case <-ctx.Done():
		p.Stop(context.Background())
		return nil, ctx.Err()
	case <-time.After(x.startGrace):
	}
	return p, nil
}

func (x *Xray) pumpLogs(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		x.log.Debug("kernel", zap.String("line", line))
		if x.onLog != nil {
			x.onLog(line)
		}
	}
	// drain on scanner error so the kernel never blocks on a full pipe
	io.Copy(io.Discard, r)
}

// ReapOrphan stops a kernel left behind by a daemon that died without
// cleaning up. It only signals the recorded pid when that process is still
// running our config file.
func (x *Xray) ReapOrphan() (int, error) {
	data, err := os.ReadFile(x.pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer os.Remove(x.pidPath)

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 || !processAlive(pid) {
		return 0, nil
	}
	if !runsConfig(pid, x.configPath) {
		return 0, nil
	}
	if err := killGroup(pid); err != nil {
		return pid, fmt.Errorf("failed to kill orphaned kernel %d: %w", pid, err)
	}
	x.log.Warn("reaped orphaned kernel", zap.Int("pid", pid))
	return pid, nil
}

// process is one running xray instance.
type process struct {
	cmd         *exec.Cmd
	pid         int
	done        chan struct{}
	stopTimeout time.Duration
	apiAddr     string
	xray        *Xray

	mu  sync.Mutex
	err error
}

var _ core.Process = (*process)(nil)

func (p *process) PID() int { return p.pid }

func (p *process) Done() <-chan struct{} { return p.done }

func (p *process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *process) finish(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.done)
}

// Stop sends SIGINT to the kernel's process group, waits up to the stop
// timeout (or ctx), then kills the group.
func (p *process) Stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := interruptGroup(p.pid); err != nil {
		p.xray.log.Debug("interrupt failed, killing", zap.Int("pid", p.pid), zap.Error(err))
		killGroup(p.pid)
	}

	timer := time.NewTimer(p.stopTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
		p.xray.log.Warn("kernel did not stop in time, killing", zap.Int("pid", p.pid), zap.Duration("timeout", p.stopTimeout))
	case <-ctx.Done():
	}

	killGroup(p.pid)
	select {
	case <-p.done:
		return nil
	case <-time.After(2 * time.Second):
		return &pkgerrors.ProcessError{Kernel: p.xray.Name(), PID: p.pid, Err: pkgerrors.ErrStopFailed}
	}
}

// QueryStats runs `xray api statsquery` against the kernel's API inbound.
func (p *process) QueryStats(ctx context.Context) (types.TrafficCounters, error) {
	cmd := exec.CommandContext(ctx, p.xray.path, "api", "statsquery", "--server="+p.apiAddr)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to query xray stats: %w", err)
	}
	return parseStatsOutput(output), nil
}

// findXrayBinary finds the xray binary in common locations
func findXrayBinary() (string, error) {
	locations := []string{
		"xray",
		"/usr/local/bin/xray",
		"/usr/bin/xray",
		"/opt/xray/xray",
	}
	if homeDir, err := paths.HomeDir(); err == nil {
		locations = append(locations,
			filepath.Join(homeDir, ".local", "bin", "xray"),
			filepath.Join(homeDir, ".local", "share", "corekeeper", "kernels", "xray"),
		)
	}

	for _, loc := range locations {
		if path, err := exec.LookPath(loc); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("xray binary not found in any common location")
}

// tailFile returns the last n lines of path.
func tailFile(path string, n int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
