package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"

	pkgerrors "corekeeper/pkg/errors"
)

func openTestApp(t *testing.T) *App {
	t.Helper()
	a, err := Open(Options{Home: t.TempDir(), Quiet: true})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		code  int
		fatal bool
	}{
		{"nil", nil, ExitOK, false},
		{"plain", errors.New("boom"), ExitFailure, false},
		{"tls", startupError(ExitTLS, "tls", nil), ExitTLS, true},
		{"wrapped", fmt.Errorf("run: %w", startupError(ExitConfigFile, "corrupt", nil)), ExitConfigFile, true},
		{"secondary", startupError(ExitSecondaryInstance, "running", pkgerrors.ErrDaemonRunning), ExitSecondaryInstance, false},
		{"upgrade", startupError(ExitNewVersion, "upgrade", nil), ExitNewVersion, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.code {
				t.Errorf("ExitCode() = %d, want %d", got, tt.code)
			}
			if got := IsFatalStartup(tt.err); got != tt.fatal {
				t.Errorf("IsFatalStartup() = %v, want %v", got, tt.fatal)
			}
		})
	}
}

func TestOpenCreatesDefaults(t *testing.T) {
	a := openTestApp(t)

	if _, err := os.Stat(a.Dirs.ConfigFile()); err != nil {
		t.Errorf("config file not created: %v", err)
	}
	if _, err := os.Stat(a.Dirs.Database()); err != nil {
		t.Errorf("database not created: %v", err)
	}
	if a.Registry == nil || a.Parser == nil || a.Bus == nil {
		t.Error("Open() left services unset")
	}
}

func TestOpenCorruptConfig(t *testing.T) {
	home := t.TempDir()
	cfgDir := filepath.Join(home, "config")
	if err := os.MkdirAll(cfgDir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cfgDir, "config.yaml"), []byte("kernel: [nope\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := Open(Options{Home: home, Quiet: true})
	if code := ExitCode(err); code != ExitConfigFile {
		t.Fatalf("ExitCode(Open()) = %d (%v), want %d", code, err, ExitConfigFile)
	}
	if !errors.Is(err, pkgerrors.ErrConfigCorrupt) {
		t.Errorf("Open() error = %v, want ErrConfigCorrupt", err)
	}
}

func TestPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")

	if _, err := DaemonPID(path); !errors.Is(err, pkgerrors.ErrDaemonNotRunning) {
		t.Fatalf("DaemonPID() without file error = %v", err)
	}

	pf, err := AcquirePIDFile(path)
	if err != nil {
		t.Fatalf("AcquirePIDFile() error = %v", err)
	}
	if pid, err := DaemonPID(path); err != nil || pid != os.Getpid() {
		t.Fatalf("DaemonPID() = %d, %v, want %d", pid, err, os.Getpid())
	}

	// Re-acquiring from the owning process is allowed.
	if _, err := AcquirePIDFile(path); err != nil {
		t.Fatalf("AcquirePIDFile() by owner error = %v", err)
	}

	if err := pf.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("pid file still present after Release()")
	}
}

func TestPIDFileHeldByOtherProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("parent pid liveness is unix only")
	}
	path := filepath.Join(t.TempDir(), "daemon.pid")
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getppid())), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := AcquirePIDFile(path); !errors.Is(err, pkgerrors.ErrDaemonRunning) {
		t.Fatalf("AcquirePIDFile() error = %v, want ErrDaemonRunning", err)
	}

	// A stale file naming a dead pid is replaced.
	if err := os.WriteFile(path, []byte("999999999"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := AcquirePIDFile(path); err != nil {
		t.Fatalf("AcquirePIDFile() over stale file error = %v", err)
	}
}

func TestUpgradeRequest(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "upgrade.path")
	binary := filepath.Join(dir, "corekeeper-next")

	if err := RequestUpgrade(file, binary); err == nil {
		t.Fatal("RequestUpgrade() with missing binary succeeded")
	}
	if err := os.WriteFile(binary, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := RequestUpgrade(file, binary); err != nil {
		t.Fatalf("RequestUpgrade() error = %v", err)
	}

	got, ok := PendingUpgrade(file)
	if !ok || got != binary {
		t.Fatalf("PendingUpgrade() = %q, %v, want %q", got, ok, binary)
	}
	if _, ok := PendingUpgrade(file); ok {
		t.Error("PendingUpgrade() did not clear the request")
	}
}

func TestUpgradeRejectsNonExecutable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no exec bit on windows")
	}
	dir := t.TempDir()
	binary := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(binary, []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := RequestUpgrade(filepath.Join(dir, "upgrade.path"), binary); err == nil {
		t.Fatal("RequestUpgrade() accepted a non-executable file")
	}
}
