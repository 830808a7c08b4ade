//go:build !windows

package signals

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

var (
	userSignals = map[os.Signal]request{
		unix.SIGUSR1: requestRestart,
		unix.SIGUSR2: requestStop,
	}
	shutdownSignals = []os.Signal{unix.SIGTERM, unix.SIGINT}
	fatalSignals    = []os.Signal{unix.SIGABRT, unix.SIGHUP, unix.SIGQUIT}
)

// Die restores the default SIGTRAP disposition and raises it so the process
// terminates the way debuggers and core dump collectors expect.
func Die() {
	signal.Reset(unix.SIGTRAP)
	unix.Kill(unix.Getpid(), unix.SIGTRAP)
	// not reached unless SIGTRAP is blocked
	os.Exit(128 + int(unix.SIGTRAP))
}

// SendRestart asks the daemon with the given pid to restart its connection.
func SendRestart(pid int) error {
	return unix.Kill(pid, unix.SIGUSR1)
}

// SendStop asks the daemon with the given pid to stop its connection.
func SendStop(pid int) error {
	return unix.Kill(pid, unix.SIGUSR2)
}

// SendShutdown asks the daemon with the given pid to exit.
func SendShutdown(pid int) error {
	return unix.Kill(pid, unix.SIGTERM)
}
