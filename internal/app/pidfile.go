package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"corekeeper/internal/paths"
	pkgerrors "corekeeper/pkg/errors"
)

// PIDFile marks the running daemon. Only one daemon may hold it.
type PIDFile struct {
	path string
	pid  int
}

// AcquirePIDFile records this process as the daemon. It fails with
// ErrDaemonRunning when the file names another live process; a file left
// by a dead daemon is replaced.
func AcquirePIDFile(path string) (*PIDFile, error) {
	if pid, err := ReadPID(path); err == nil && pid != os.Getpid() && processAlive(pid) {
		return nil, fmt.Errorf("%w (pid %d)", pkgerrors.ErrDaemonRunning, pid)
	}
	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write pid file: %w", err)
	}
	paths.ChownToRealUser(path)
	return &PIDFile{path: path, pid: pid}, nil
}

// Release removes the file if it still names this process.
func (p *PIDFile) Release() error {
	if pid, err := ReadPID(p.path); err != nil || pid != p.pid {
		return nil
	}
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ReadPID reads the pid stored at path.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed pid file %s", path)
	}
	return pid, nil
}

// DaemonPID returns the pid of the running daemon or ErrDaemonNotRunning.
func DaemonPID(path string) (int, error) {
	pid, err := ReadPID(path)
	if err != nil || !processAlive(pid) {
		return 0, pkgerrors.ErrDaemonNotRunning
	}
	return pid, nil
}
