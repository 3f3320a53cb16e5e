// Package exitcodes defines exit codes for the backup CLI so cron jobs and systemd
// units can tell a bad password apart from a flaky network.
package exitcodes

import (
	"errors"
	"os"
	"strings"

	"github.com/johndauphine/sms-backup-sync/internal/syncerr"
)

const (
	// Success - run completed without errors
	Success = 0

	// ConfigError - configuration/YAML parsing or invalid settings (don't retry)
	ConfigError = 1

	// ConnectionError - no network path to the mail server (recoverable)
	ConnectionError = 2

	// ProtocolError - the mail server rejected an operation (non-recoverable)
	ProtocolError = 3

	// AuthError - credentials rejected and could not be refreshed
	AuthError = 4

	// Cancelled - user cancelled via SIGINT/SIGTERM (recoverable)
	Cancelled = 5

	// StateError - watermark/run state database errors or a run already active
	StateError = 6

	// IOError - file I/O errors (recoverable)
	IOError = 7

	// PermissionError - the local record store could not be read
	PermissionError = 8
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

// FromError determines the exit code for an error. Classified sync errors map by kind;
// anything else is matched on its message.
func FromError(err error) int {
	if err == nil {
		return Success
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	switch syncerr.KindOf(err) {
	case syncerr.KindAuthentication:
		return AuthError
	case syncerr.KindPermission:
		return PermissionError
	case syncerr.KindConnectivity:
		return ConnectionError
	case syncerr.KindConfiguration:
		return ConfigError
	case syncerr.KindProtocol:
		return ProtocolError
	case syncerr.KindCanceled:
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
		"missing required",
		"invalid value",
	}) && !containsAny(errStr, []string{"connection", "connect", "dial"}) {
		return ConfigError
	}

	if containsAny(errStr, []string{
		"authenticationfailed",
		"invalid credentials",
		"login required",
		"oauth2",
	}) {
		return AuthError
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
		"watermark",
		"checkpoint",
		"run already active",
		"run not found",
		"master key",
	}) {
		return StateError
	}

	return ProtocolError
}

// IsRecoverable returns true if re-running later may succeed without user action.
func IsRecoverable(code int) bool {
	switch code {
	case ConnectionError, Cancelled, IOError, StateError:
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
	case ProtocolError:
		return "mail server protocol error"
	case AuthError:
		return "authentication error"
	case Cancelled:
		return "cancelled (recoverable)"
	case StateError:
		return "state error"
	case IOError:
		return "I/O error (recoverable)"
	case PermissionError:
		return "record store permission error"
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
