package status

import (
	"errors"
	"fmt"
)

// Code classifies an operation failure.
type Code int

const (
	OK Code = iota
	NotFound
	Corruption
	IOError
	Incomplete
	InvalidArgument
)

// String returns the human-readable name of the code.
func (c Code) String() string {
	switch c {
	case OK:
		return "ok"
	case NotFound:
		return "not found"
	case Corruption:
		return "corruption"
	case IOError:
		return "io error"
	case Incomplete:
		return "incomplete"
	case InvalidArgument:
		return "invalid argument"
	default:
		return "unknown"
	}
}

// Error is a classified error. Callers match on the code with CodeOf or
// the IsXxx helpers; the wrapped cause stays reachable through errors.Is.
type Error struct {
	Code    Code
	Message string
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// New creates a classified error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a classified error with a formatted message.
func Errorf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an existing error.
func Wrap(code Code, err error, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// Wrapf attaches a code and formatted message to an existing error.
func Wrapf(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: err}
}

// CodeOf extracts the code from an error chain. A nil error is OK and an
// unclassified error is reported as IOError, since every untyped failure
// in this codebase originates from the filesystem.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return IOError
}

// IsNotFound reports whether err carries the NotFound code.
func IsNotFound(err error) bool { return hasCode(err, NotFound) }

// IsCorruption reports whether err carries the Corruption code.
func IsCorruption(err error) bool { return hasCode(err, Corruption) }

// IsIOError reports whether err carries the IOError code.
func IsIOError(err error) bool { return hasCode(err, IOError) }

// IsIncomplete reports whether err carries the Incomplete code.
func IsIncomplete(err error) bool { return hasCode(err, Incomplete) }

// IsInvalidArgument reports whether err carries the InvalidArgument code.
func IsInvalidArgument(err error) bool { return hasCode(err, InvalidArgument) }

func hasCode(err error, code Code) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}
