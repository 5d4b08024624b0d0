// Package perrors defines the error kinds of spec.md §7 as typed wrappers
// over github.com/pkg/errors, so call sites can recover both the kind (for
// 4xx/5xx/log-and-continue routing) and the wrapped cause (for logging).
package perrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the six error kinds spec.md §7 names.
type Kind int

const (
	// PublicValidationError is a safe-to-expose admission rejection (4xx).
	PublicValidationError Kind = iota
	// PublicInspectionError is a safe-to-expose chain-state validation
	// failure (wrong nonce, closed channel, bad signatures).
	PublicInspectionError
	// ConfigurationError is a construction-time invariant violation,
	// fatal at startup, never raised during steady state.
	ConfigurationError
	// QueueConsistencyError marks an impossible GasQueue state; logged at
	// error level, the offending operation is aborted, head processing
	// continues.
	QueueConsistencyError
	// ArgumentError is a programmer mistake at an API boundary, treated
	// like ConfigurationError inside the core.
	ArgumentError
	// TransientIoError is an RPC/persistence failure, retried on the next
	// head tick.
	TransientIoError
)

func (k Kind) String() string {
	switch k {
	case PublicValidationError:
		return "PublicValidationError"
	case PublicInspectionError:
		return "PublicInspectionError"
	case ConfigurationError:
		return "ConfigurationError"
	case QueueConsistencyError:
		return "QueueConsistencyError"
	case ArgumentError:
		return "ArgumentError"
	case TransientIoError:
		return "TransientIoError"
	default:
		return "UnknownError"
	}
}

// Public reports whether a kind's message is safe to return to a customer.
func (k Kind) Public() bool {
	return k == PublicValidationError || k == PublicInspectionError
}

// Error is a kinded error. The message is the safe, public-facing text for
// Public() kinds; the wrapped cause (if any) carries internal detail for
// logs only.
type Error struct {
	kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

// Kind returns the error's kind.
func (e *Error) Kind() Kind { return e.kind }

// Cause returns the wrapped cause, unwrapping for github.com/pkg/errors
// and the standard errors.Unwrap protocol alike.
func (e *Error) Cause() error  { return e.cause }
func (e *Error) Unwrap() error { return e.cause }

// PublicMessage returns the text safe to hand back to the customer, or the
// empty string if this error kind must never be surfaced.
func (e *Error) PublicMessage() string {
	if !e.kind.Public() {
		return ""
	}
	return e.msg
}

// New constructs a bare kinded error.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

// Newf constructs a bare kinded error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and public-safe message to an internal cause,
// preserving the cause via github.com/pkg/errors.Wrap so stack traces
// survive for logging.
func Wrap(kind Kind, cause error, msg string) *Error {
	if cause == nil {
		return New(kind, msg)
	}
	return &Error{kind: kind, msg: msg, cause: errors.Wrap(cause, msg)}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(kind Kind, cause error, format string, args ...interface{}) *Error {
	return Wrap(kind, cause, fmt.Sprintf(format, args...))
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.kind == kind
	}
	return false
}
