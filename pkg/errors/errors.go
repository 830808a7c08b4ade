package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// Kernel errors
	ErrAlreadyRunning   = errors.New("a connection is already running")
	ErrNotRunning       = errors.New("no connection is running")
	ErrKernelNotFound   = errors.New("kernel binary not found")
	ErrSpawnFailed      = errors.New("failed to spawn kernel")
	ErrStopFailed       = errors.New("failed to stop kernel")
	ErrSupervisorClosed = errors.New("supervisor is shut down")

	// Config errors
	ErrConfigInvalid       = errors.New("invalid kernel config")
	ErrProtocolUnsupported = errors.New("protocol not supported")
	ErrURIInvalid          = errors.New("invalid URI")
	ErrConfigPath          = errors.New("config directory unavailable")
	ErrConfigCorrupt       = errors.New("config file is corrupt")

	// Registry errors
	ErrConnectionNotFound = errors.New("connection not found")
	ErrGroupNotFound      = errors.New("group not found")
	ErrGroupIsDefault     = errors.New("cannot delete the default group")
	ErrGroupExists        = errors.New("group name already in use")
	ErrEmptyName          = errors.New("name must not be empty")

	// Subscription errors
	ErrNoSubscription           = errors.New("group has no subscription")
	ErrSubscriptionFetchFailed  = errors.New("failed to fetch subscription")
	ErrSubscriptionDecodeFailed = errors.New("failed to decode subscription")
	ErrSubscriptionEmpty        = errors.New("subscription is empty")

	// Daemon errors
	ErrDaemonNotRunning = errors.New("daemon is not running")
	ErrDaemonRunning    = errors.New("daemon is already running")

	// Latency errors
	ErrLatencyTestFailed = errors.New("latency test failed")
	ErrNoLatencyData     = errors.New("no latency data available")
)

// StartError reports a failed start of a specific connection.
type StartError struct {
	ConnectionID string
	GroupID      string
	Err          error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start connection %s (group %s): %v", e.ConnectionID, e.GroupID, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// ProcessError represents a kernel process failure
type ProcessError struct {
	Kernel string
	PID    int
	Err    error
}

func (e *ProcessError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("%s kernel (pid %d): %v", e.Kernel, e.PID, e.Err)
	}
	return fmt.Sprintf("%s kernel: %v", e.Kernel, e.Err)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// SubscriptionError represents a subscription-related error
type SubscriptionError struct {
	URL  string
	Name string
	Err  error
}

func (e *SubscriptionError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("subscription '%s': %v", e.Name, e.Err)
	}
	return fmt.Sprintf("subscription '%s': %v", e.URL, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

// StartupError is a fatal failure before the daemon is serving. Code is the
// process exit code the failure maps to.
type StartupError struct {
	Code int
	Msg  string
	Err  error
}

func (e *StartupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// NetworkError represents a network-related error
type NetworkError struct {
	Address string
	Port    int
	Err     error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error (%s:%d): %v", e.Address, e.Port, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}
