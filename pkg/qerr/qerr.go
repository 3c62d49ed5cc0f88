package qerr

import (
	"errors"
	"fmt"
)

// Code represents a stable error category that callers can switch on.
type Code string

const (
	CodeUnknown         Code = "unknown"
	CodeInvalidSpec     Code = "invalid_spec"
	CodeProvisioning    Code = "provisioning"
	CodeConnection      Code = "connection"
	CodeRemoteExecution Code = "remote_execution"
	CodeTimeout         Code = "timeout"
	CodeCollection      Code = "collection"
	CodeTeardown        Code = "teardown"
	CodeCancelled       Code = "cancelled"
)

// Error is a simple value type that carries a Code plus the underlying error.
type Error struct {
	Code Code
	err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// New wraps an error with the provided code. If err is nil a nil is returned.
func New(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, err: err}
}

// Errorf formats a message and wraps it with code.
func Errorf(code Code, format string, args ...any) error {
	return &Error{Code: code, err: fmt.Errorf(format, args...)}
}

// IsCode helps callers compare codes without type assertions. The first
// coded error in the chain decides.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// CodeOf returns the code of the outermost coded error in err's chain, or
// CodeUnknown.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Fatal reports whether an error of this code ends the remaining work on an
// instance. Timeouts and collection problems are recorded but not fatal.
func Fatal(err error) bool {
	switch CodeOf(err) {
	case "", CodeTimeout, CodeCollection, CodeTeardown:
		return false
	default:
		return true
	}
}
