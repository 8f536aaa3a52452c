// Package ioerr defines the typed failures of the DMA dispatch path.
package ioerr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// Code represents a high-level failure category. A Code is itself an
// error so that errors.Is(err, CodeEngineTimeout) matches any *Error
// carrying that code.
type Code string

func (c Code) Error() string {
	return "onic: " + string(c)
}

const (
	CodeInvalidArgument    Code = "invalid argument"
	CodeResourceExhausted  Code = "resource exhausted"
	CodeIntegrityViolation Code = "integrity violation"
	CodeEngineFailure      Code = "engine failure"
	CodeEngineTimeout      Code = "engine timeout"
	CodeDeviceClosed       Code = "device closed"
)

// Error is a structured dispatch-path error with context and errno mapping
type Error struct {
	Op    string        // Operation that failed (e.g., "pin", "submit")
	Dir   string        // Direction ("c2h", "h2c"); empty if not applicable
	Queue int           // Queue identifier (-1 if not applicable)
	Code  Code          // Failure category
	Errno syscall.Errno // Kernel or engine errno (0 if not applicable)
	Msg   string        // Human-readable message
	Inner error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Dir != "" {
		parts = append(parts, fmt.Sprintf("dir=%s", e.Dir))
	}
	if e.Queue >= 0 {
		parts = append(parts, fmt.Sprintf("queue=%d", e.Queue))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("onic: %s (%s)", msg, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("onic: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches a bare Code or another *Error by code
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Code:
		return e.Code == t
	case *Error:
		return e.Code == t.Code
	}
	return false
}

// New creates a new structured error
func New(op string, code Code, msg string) *Error {
	return &Error{
		Op:    op,
		Queue: -1,
		Code:  code,
		Msg:   msg,
	}
}

// Newf creates a new structured error with a formatted message
func Newf(op string, code Code, format string, args ...any) *Error {
	return New(op, code, fmt.Sprintf(format, args...))
}

// Wrap wraps inner with the given code, keeping any errno it carries
func Wrap(op string, code Code, inner error) *Error {
	if inner == nil {
		return nil
	}
	e := &Error{
		Op:    op,
		Queue: -1,
		Code:  code,
		Msg:   inner.Error(),
		Inner: inner,
	}
	var errno syscall.Errno
	if errors.As(inner, &errno) {
		e.Errno = errno
	}
	return e
}

// WithQueue returns a copy of e annotated with direction and queue
func (e *Error) WithQueue(dir string, queue int) *Error {
	c := *e
	c.Dir = dir
	c.Queue = queue
	return &c
}

// FromEngine classifies an error returned by a queue engine. Deadline and
// timer errors become CodeEngineTimeout; everything else, including
// negative errno results, becomes CodeEngineFailure. An error that is
// already structured keeps its code.
func FromEngine(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	var se *Error
	if errors.As(inner, &se) {
		c := *se
		c.Op = op
		return &c
	}
	code := CodeEngineFailure
	if errors.Is(inner, context.DeadlineExceeded) {
		code = CodeEngineTimeout
	}
	var errno syscall.Errno
	if errors.As(inner, &errno) {
		code = MapErrno(errno)
		if code != CodeEngineTimeout {
			code = CodeEngineFailure
		}
	}
	return Wrap(op, code, inner)
}

// MapErrno maps an errno to a failure category
func MapErrno(errno syscall.Errno) Code {
	switch errno {
	case syscall.EINVAL, syscall.E2BIG, syscall.ERANGE:
		return CodeInvalidArgument
	case syscall.ENOMEM, syscall.EAGAIN, syscall.ENOSPC, syscall.EPERM:
		return CodeResourceExhausted
	case syscall.EFAULT:
		return CodeIntegrityViolation
	case syscall.ETIMEDOUT, syscall.ETIME:
		return CodeEngineTimeout
	case syscall.ENODEV, syscall.EBADF:
		return CodeDeviceClosed
	default:
		return CodeEngineFailure
	}
}

// IsCode checks if an error carries a specific code
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsErrno checks if an error carries a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Errno == errno
	}
	return false
}
