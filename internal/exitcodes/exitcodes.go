// Package exitcodes maps sync failures to process exit codes so schedulers
// (cron, Airflow, Kubernetes jobs) can decide whether a rerun is worthwhile.
package exitcodes

import (
	"context"
	"errors"
	"os"
	"strings"
)

const (
	// Success - every selected entity ran to completion
	Success = 0

	// ConfigError - configuration, arguments or mapping documents are invalid (don't retry)
	ConfigError = 1

	// ConnectionError - source database or GraphQL endpoint unreachable (recoverable)
	ConnectionError = 2

	// SyncError - extraction or upsert failed in a way that stopped the run
	SyncError = 3

	// Cancelled - user cancelled via SIGINT/SIGTERM (recoverable)
	Cancelled = 5

	// StateError - checkpoint or id-map files unreadable or corrupt
	StateError = 6

	// IOError - report, dead-letter or other file I/O errors (recoverable)
	IOError = 7

	// PartialFailure - rows were dead-lettered; only reported in strict mode (recoverable)
	PartialFailure = 8
)

// ExitError wraps an error with an exit code.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code.
func NewExitError(err error, code int) *ExitError {
	return &ExitError{Err: err, Code: code}
}

// FromError determines the exit code for an error, preferring an explicit
// ExitError and falling back to classifying the message.
func FromError(err error) int {
	if err == nil {
		return Success
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	if errors.Is(err, context.Canceled) {
		return Cancelled
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return IOError
	}

	errStr := strings.ToLower(err.Error())

	if containsAny(errStr, []string{
		"no such file",
		"file not found",
		"permission denied",
		"is a directory",
		"not a directory",
	}) {
		return IOError
	}

	if containsAny(errStr, []string{
		"yaml:",
		"json:",
		"unmarshal",
		"invalid config",
		"invalid mapping",
		"invalid arguments",
		"missing required",
		"unknown transform",
		"unknown lookup",
		"parsing config",
	}) && !containsAny(errStr, []string{"connection", "connect", "dial"}) {
		return ConfigError
	}

	if containsAny(errStr, []string{
		"connection",
		"connect",
		"dial",
		"refused",
		"timeout",
		"unreachable",
		"no such host",
		"network",
		"ping",
		"login failed",
		"authentication",
	}) {
		return ConnectionError
	}

	if containsAny(errStr, []string{
		"cancel",
		"interrupt",
		"context deadline",
	}) {
		return Cancelled
	}

	if containsAny(errStr, []string{
		"state",
		"checkpoint",
		"id map",
		"cursor",
	}) {
		return StateError
	}

	return SyncError
}

// IsRecoverable returns true if the error is recoverable (safe to retry).
func IsRecoverable(code int) bool {
	switch code {
	case ConnectionError, Cancelled, IOError, PartialFailure:
		return true
	default:
		return false
	}
}

// Description returns a human-readable description of the exit code.
func Description(code int) string {
	switch code {
	case Success:
		return "success"
	case ConfigError:
		return "configuration error"
	case ConnectionError:
		return "connection error (recoverable)"
	case SyncError:
		return "sync error"
	case Cancelled:
		return "cancelled (recoverable)"
	case StateError:
		return "state error"
	case IOError:
		return "I/O error (recoverable)"
	case PartialFailure:
		return "rows failed (recoverable)"
	default:
		return "unknown error"
	}
}

func containsAny(s string, substrs []string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
