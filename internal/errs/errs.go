// Package errs defines the Stream Orchestrator's error taxonomy
// (spec.md §7). Errors never cross component boundaries as exceptions:
// they are classified here and encoded into events or RPC reply envelopes
// by the caller, never panicked or left to propagate as bare Go errors
// into unrelated subsystems.
package errs

import "fmt"

// Class buckets an error into one of the four taxonomy classes.
type Class string

const (
	// Validation errors are rejected at the boundary and never propagated.
	Validation Class = "validation"
	// Transient is recovered locally via backoff policy.
	Transient Class = "transient"
	// PolicyExhausted means the subsystem gave up on a specific resource.
	PolicyExhausted Class = "policy_exhausted"
	// Fatal errors only occur at startup; the process exits non-zero.
	Fatal Class = "fatal"
)

// Code is a stable machine-readable error identifier, stable across
// releases since dashboards and tests match on it directly.
type Code string

const (
	CodeInvalidConfig       Code = "invalid_config"
	CodeInvalidMessage      Code = "invalid_message"
	CodeUnknownType         Code = "unknown_type"
	CodeConnectionLost      Code = "connection_lost"
	CodeTimeout             Code = "timeout"
	CodePortInUse           Code = "port_in_use"
	CodeRestartLimitReached Code = "restart_limit_reached"
	CodeSlowConsumer        Code = "slow_consumer"
	CodeConfigUnloadable    Code = "config_unloadable"
	CodeCannotBindListener  Code = "cannot_bind_listen_socket"
	CodeAlreadyExists       Code = "already_exists"
	CodeBusy                Code = "busy"
	CodeNotFound            Code = "not_found"
	CodeNodeUnreachable     Code = "node_unreachable"
	CodeInvalidState        Code = "invalid_state"
	CodeFatal               Code = "fatal"
)

var classByCode = map[Code]Class{
	CodeInvalidConfig:       Validation,
	CodeInvalidMessage:      Validation,
	CodeUnknownType:         Validation,
	CodeConnectionLost:      Transient,
	CodeTimeout:             Transient,
	CodePortInUse:           Transient,
	CodeRestartLimitReached: PolicyExhausted,
	CodeSlowConsumer:        PolicyExhausted,
	CodeConfigUnloadable:    Fatal,
	CodeCannotBindListener:  Fatal,
	CodeAlreadyExists:       Validation,
	CodeBusy:                Validation,
	CodeNotFound:            Validation,
	CodeNodeUnreachable:     Transient,
	CodeInvalidState:        Validation,
	CodeFatal:               Fatal,
}

// Error is a classified, machine-matchable error carrying a stable code
// and a human-readable message, suitable for encoding directly into an
// RPC reply envelope's {ok:false, error:{code, message}} shape.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Class reports which of the four taxonomy classes this error belongs to.
func (e *Error) Class() Class {
	if c, ok := classByCode[e.Code]; ok {
		return c
	}
	return Validation
}

// New builds a classified error, optionally wrapping a cause.
func New(code Code, message string, cause error) *Error {
	return Wrap(code, message, cause)
}

// Wrap builds a classified error around an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// As extracts a *Error from err, if any wraps one.
func As(err error) (*Error, bool) {
	var target *Error
	if err == nil {
		return nil, false
	}
	if e, ok := err.(*Error); ok {
		return e, true
	}
	if u, ok := err.(interface{ Unwrap() error }); ok {
		return As(u.Unwrap())
	}
	_ = target
	return nil, false
}
