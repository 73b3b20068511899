package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// Validation errors
	ErrInvalidFormat           = errors.New("invalid link format")
	ErrInvalidUUID             = errors.New("invalid uuid")
	ErrInvalidHost             = errors.New("invalid host")
	ErrPortOutOfRange          = errors.New("port out of range")
	ErrSubscriptionFetchFailed = errors.New("failed to fetch subscription")
	ErrSubscriptionEmpty       = errors.New("subscription has no valid entries")

	// Capability errors
	ErrPrivilegesRequired = errors.New("elevated privileges required")

	// Process errors
	ErrNoConfig           = errors.New("no config stored")
	ErrInvalidConfig      = errors.New("stored config is invalid")
	ErrAlreadyRunning     = errors.New("proxy is already running")
	ErrNotRunning         = errors.New("proxy is not running")
	ErrCoreNotFound       = errors.New("xray binary not found")
	ErrSpawnFailed        = errors.New("failed to start proxy process")
	ErrHealthCheckTimeout = errors.New("proxy did not become ready in time")
	ErrUnexpectedExit     = errors.New("proxy exited unexpectedly")

	// OS-state errors
	ErrInterfaceCreateFailed = errors.New("failed to create tun interface")
	ErrFirewall              = errors.New("firewall rule change failed")
	ErrSystemProxy           = errors.New("system proxy change failed")

	// Concurrency errors
	ErrBusy = errors.New("another operation is in progress")

	// State errors
	ErrConfigInUse  = errors.New("config is in use by the active connection")
	ErrNotConnected = errors.New("not connected")

	// Latency errors
	ErrLatencyTestFailed  = errors.New("latency test failed")
	ErrLatencyTestTimeout = errors.New("latency test timeout")
)

// ValidationError carries the input that failed a link or subscription check.
type ValidationError struct {
	Input  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%v: %s", e.Err, e.Reason)
	}
	return e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// SubscriptionError represents a subscription-related error
type SubscriptionError struct {
	URL string
	Err error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription '%s': %v", e.URL, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

// CoreError represents a proxy-process error
type CoreError struct {
	CoreType string
	Err      error
}

func (e *CoreError) Error() string {
	return fmt.Sprintf("%s core: %v", e.CoreType, e.Err)
}

func (e *CoreError) Unwrap() error {
	return e.Err
}

// FirewallError wraps a failed iptables invocation.
type FirewallError struct {
	Command string
	Output  string
	Err     error
}

func (e *FirewallError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("%s: %v: %s", e.Command, e.Err, e.Output)
	}
	return fmt.Sprintf("%s: %v", e.Command, e.Err)
}

func (e *FirewallError) Unwrap() []error {
	return []error{ErrFirewall, e.Err}
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

// Is, As and New re-export the standard helpers so callers need one import.
var (
	Is  = errors.Is
	As  = errors.As
	New = errors.New
)
