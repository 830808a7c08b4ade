//go:build windows

package signals

import (
	"errors"
	"os"

	"golang.org/x/sys/windows"
)

// ExitCrash is the exit code after a fatal signal on Windows.
const ExitCrash = 99

var (
	userSignals     = map[os.Signal]request{}
	shutdownSignals = []os.Signal{os.Interrupt, windows.SIGTERM}
	fatalSignals    = []os.Signal{windows.SIGABRT}
)

var errNoUserSignals = errors.New("connection control signals are not available on Windows")

// Die exits with ExitCrash.
func Die() {
	os.Exit(ExitCrash)
}

func SendRestart(int) error { return errNoUserSignals }

func SendStop(int) error { return errNoUserSignals }

// SendShutdown terminates the daemon process.
func SendShutdown(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
