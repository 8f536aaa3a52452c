package onic

import (
	"syscall"

	"github.com/ehrlich-b/go-onic/internal/ioerr"
)

// Error is a structured transfer error with context and errno mapping.
// Every error returned by Device carries one.
type Error = ioerr.Error

// ErrorCode represents high-level error categories. An ErrorCode is itself
// an error, so errors.Is(err, ErrEngineTimeout) matches any *Error with
// that code.
type ErrorCode = ioerr.Code

const (
	// ErrInvalidArgument: a malformed request, rejected before any resource
	// is acquired
	ErrInvalidArgument = ioerr.CodeInvalidArgument
	// ErrResourceExhausted: not every page of the buffer could be pinned
	ErrResourceExhausted = ioerr.CodeResourceExhausted
	// ErrIntegrityViolation: the scatter-gather table did not describe the
	// buffer exactly
	ErrIntegrityViolation = ioerr.CodeIntegrityViolation
	// ErrEngineFailure: the queue engine rejected or failed the transfer
	ErrEngineFailure = ioerr.CodeEngineFailure
	// ErrEngineTimeout: the transfer did not complete before its deadline
	ErrEngineTimeout = ioerr.CodeEngineTimeout
	// ErrDeviceClosed: the device no longer accepts requests
	ErrDeviceClosed = ioerr.CodeDeviceClosed
)

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return ioerr.New(op, code, msg)
}

// WrapError wraps an existing error, mapping a bare errno to a category
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return ioerr.Wrap(op, ioerr.MapErrno(errno), inner)
	}
	return ioerr.FromEngine(op, inner)
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	return ioerr.IsCode(err, code)
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	return ioerr.IsErrno(err, errno)
}
