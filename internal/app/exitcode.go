package app

import (
	"errors"

	pkgerrors "corekeeper/pkg/errors"
)

// Process exit codes.
const (
	ExitOK                = 0
	ExitFailure           = 1
	ExitPreInit           = 64
	ExitEarlySetup        = 65
	ExitConfigPath        = 66
	ExitConfigFile        = 67
	ExitTLS               = 68
	ExitSecondaryInstance = 69
	ExitNewVersion        = 70
	ExitCrash             = 99
)

func startupError(code int, msg string, err error) error {
	return &pkgerrors.StartupError{Code: code, Msg: msg, Err: err}
}

// ExitCode maps an error returned by a command to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var se *pkgerrors.StartupError
	if errors.As(err, &se) {
		return se.Code
	}
	return ExitFailure
}

// IsFatalStartup reports whether err should be shown to the user as a
// startup failure (explanation plus desktop notification). A secondary
// instance and an upgrade exit are expected outcomes, not failures.
func IsFatalStartup(err error) bool {
	var se *pkgerrors.StartupError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code != ExitSecondaryInstance && se.Code != ExitNewVersion
}
