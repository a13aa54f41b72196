// Package apperr classifies the errors dispatchd returns across its
// dispatch, preparation, and execution boundaries so callers can map them
// onto a small, stable wire taxonomy without inspecting error strings.
package apperr

import (
	"errors"
	"fmt"
)

// Code identifies the class of failure a caller-facing error belongs to.
type Code string

const (
	CodeInvalidParams  Code = "invalid_params"
	CodeInvalidRequest Code = "invalid_request"
	CodePathViolation  Code = "path_violation"
	CodeTimeout        Code = "timeout"
	CodeSpawnFailure   Code = "spawn_failure"
	CodeCommandFailure Code = "command_failure"
	CodeCancellation   Code = "cancellation"
	CodePoolFull       Code = "pool_full"
	CodeNotFound       Code = "not_found"
	CodeInternal       Code = "internal"
)

// Error is a classified, wrapped error.
type Error struct {
	code Code
	msg  string
	err  error
}

func New(code Code, msg string) *Error {
	return &Error{code: code, msg: msg}
}

func Wrap(code Code, msg string, err error) *Error {
	return &Error{code: code, msg: msg, err: err}
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

func (e *Error) Code() Code { return e.code }

// Is lets errors.Is(err, apperr.New(code, "")) match on code alone; the
// target's message and wrapped error are not compared.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.code == e.code
	}
	return false
}

// CodeOf extracts the Code from err if it is (or wraps) an *Error, or
// CodeInternal otherwise.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return CodeInternal
}
