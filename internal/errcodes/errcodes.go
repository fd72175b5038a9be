// Package errcodes defines the error taxonomy surfaced to gateway callers.
//
// Every failure that crosses a component boundary is an [*Error] carrying a
// machine-readable [Code], a message, and where one exists a suggestion a
// human operator can act on. Causes are wrapped so errors.Is and errors.As
// keep working on the underlying network or SSH errors.
package errcodes

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
)

// Code is a machine-readable error classification.
type Code string

const (
	ConnectionTimeout   Code = "CONNECTION_TIMEOUT"
	ConnectionRefused   Code = "CONNECTION_REFUSED"
	AuthFailed          Code = "AUTH_FAILED"
	HostUnreachable     Code = "HOST_UNREACHABLE"
	SessionDisconnected Code = "SESSION_DISCONNECTED"
	InvalidParameter    Code = "INVALID_PARAMETER"
	PatternSyntaxError  Code = "PATTERN_SYNTAX_ERROR"
	Timeout             Code = "TIMEOUT"
	TargetNotFound      Code = "TARGET_NOT_FOUND"
	SessionNotFound     Code = "SESSION_NOT_FOUND"
	JobNotFound         Code = "JOB_NOT_FOUND"
	ReadRequired        Code = "READ_REQUIRED"
	BatchHalted         Code = "BATCH_HALTED"
	UpstreamError       Code = "UPSTREAM_ERROR"
	Internal            Code = "INTERNAL_ERROR"
)

var suggestions = map[Code]string{
	ConnectionTimeout:   "verify the target is running and reachable from the gateway, then retry",
	ConnectionRefused:   "verify the console port is correct and the device console service is enabled",
	AuthFailed:          "verify the credentials supplied for the target are correct",
	HostUnreachable:     "verify the target host address and network routing",
	SessionDisconnected: "the session was closed; retry the operation to reconnect",
	PatternSyntaxError:  "check the regular expression syntax (RE2)",
	ReadRequired:        "read the session output before sending input to it",
	TargetNotFound:      "check the target name against the inventory or project nodes",
}

// Error is a classified gateway error.
type Error struct {
	Code       Code   `json:"code"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
	Err        error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error with the default suggestion for the code.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Suggestion: suggestions[code]}
}

// Wrap creates an error with the given code around a cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Suggestion: suggestions[code], Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or Internal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Classify maps a connection-establishment failure to its taxonomy code.
// Errors that are already classified are returned unchanged.
func Classify(err error, target string) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}

	code := HostUnreachable
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		code = ConnectionTimeout
	case isTimeout(err):
		code = ConnectionTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		code = ConnectionRefused
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		code = HostUnreachable
	case isAuthFailure(err):
		code = AuthFailed
	}
	return Wrap(code, err, "connect to %s failed", target)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// isAuthFailure recognises x/crypto/ssh handshake failures, which are not
// exported as typed errors.
func isAuthFailure(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "authentication failed")
}
