// Package syncerr is the error taxonomy shared by the sync engine.
//
// Every failure that can end a run is classified as one of the Kind values below.
// Collaborators wrap their errors with the constructor matching the failure so that
// the orchestrator, the exit code mapping and the state observers can all answer
// "was this an authentication problem?" without string matching.
package syncerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a sync failure.
type Kind int

const (
	// KindUnknown is reported for errors that were never classified.
	KindUnknown Kind = iota
	// KindAuthentication covers expired or rejected credentials.
	KindAuthentication
	// KindPermission covers missing access to a local record store.
	KindPermission
	// KindConnectivity covers the absence of a usable network path.
	KindConnectivity
	// KindConfiguration covers invalid run or remote settings.
	KindConfiguration
	// KindProtocol is the catch-all for failures reported by the transfer client.
	KindProtocol
	// KindCanceled marks a run stopped by the user.
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindPermission:
		return "permission"
	case KindConnectivity:
		return "connectivity"
	case KindConfiguration:
		return "configuration"
	case KindProtocol:
		return "protocol"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Op names the operation that failed ("login",
// "folder SMS", "refresh token").
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	default:
		return e.Kind.String() + " error"
	}
}

func (e *Error) Unwrap() error { return e.Err }

// ErrLoginRequired is returned when no usable credential exists for the remote mailbox.
var ErrLoginRequired = &Error{Kind: KindAuthentication, Op: "login", Err: errors.New("login required")}

// ErrCanceled is the cause attached to runs stopped by the user.
var ErrCanceled = &Error{Kind: KindCanceled, Err: errors.New("canceled by user")}

func newErr(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Auth wraps err as an authentication failure.
func Auth(op string, err error) error { return newErr(KindAuthentication, op, err) }

// Permission wraps err as a missing-permission failure.
func Permission(op string, err error) error { return newErr(KindPermission, op, err) }

// Connectivity wraps err as a network failure.
func Connectivity(op string, err error) error { return newErr(KindConnectivity, op, err) }

// Configuration wraps err as a configuration failure.
func Configuration(op string, err error) error { return newErr(KindConfiguration, op, err) }

// Protocol wraps err as a transfer protocol failure.
func Protocol(op string, err error) error { return newErr(KindProtocol, op, err) }

// Configf builds a configuration error from a format string.
func Configf(format string, args ...any) error {
	return &Error{Kind: KindConfiguration, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the classification of the outermost classified error in err's chain.
// Context cancellation counts as KindCanceled.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindUnknown
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool { return KindOf(err) == KindAuthentication }

// IsPermission reports whether err is a missing-permission failure.
func IsPermission(err error) bool { return KindOf(err) == KindPermission }

// IsConnectivity reports whether err is a network failure.
func IsConnectivity(err error) bool { return KindOf(err) == KindConnectivity }

// IsConfiguration reports whether err is a configuration failure.
func IsConfiguration(err error) bool { return KindOf(err) == KindConfiguration }

// IsCanceled reports whether err marks a user cancellation.
func IsCanceled(err error) bool { return KindOf(err) == KindCanceled }

// Message returns the text shown to a user for err: a fixed sentence for the
// classified kinds that have one, and the error's own text otherwise.
func Message(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case KindAuthentication:
		return "Authentication with the mailbox failed. Check or renew the stored credentials."
	case KindPermission:
		return "Missing permission to read the local record store."
	case KindConnectivity:
		return "No network connection to the mail server."
	case KindCanceled:
		return "Canceled by user."
	default:
		return err.Error()
	}
}
