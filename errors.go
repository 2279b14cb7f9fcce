package ioa

import (
	"context"
	"errors"
	"fmt"

	"github.com/ehrlich-b/go-ioa/internal/arena"
	"github.com/ehrlich-b/go-ioa/internal/dma"
	"github.com/ehrlich-b/go-ioa/internal/engine"
	"github.com/ehrlich-b/go-ioa/internal/queue"
	"github.com/ehrlich-b/go-ioa/internal/restable"
)

// Error represents a structured adapter error with context
type Error struct {
	Op      string    // Operation that failed (e.g., "ATTACH", "ABORT")
	Adapter string    // Adapter instance ID ("" if not applicable)
	Index   int       // Command context index (-1 if not applicable)
	Code    ErrorCode // High-level error category
	Msg     string    // Human-readable message
	Inner   error     // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.Adapter != "" {
		parts = append(parts, fmt.Sprintf("adapter=%s", e.Adapter))
	}

	if e.Index >= 0 {
		parts = append(parts, fmt.Sprintf("cmd=%d", e.Index))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("ioa: %s (%s)", msg, parts[0])
	}

	return fmt.Sprintf("ioa: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches sentinels and other structured errors by code
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if se, ok := target.(IOAError); ok {
		return e.Code == ErrorCode(se)
	}

	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeBusy              ErrorCode = "adapter busy"
	ErrCodeNoDevice          ErrorCode = "no such device"
	ErrCodeAdapterDead       ErrorCode = "adapter dead"
	ErrCodeTimeout           ErrorCode = "timeout"
	ErrCodeResourceExhausted ErrorCode = "resource exhausted"
	ErrCodeInvalidHandle     ErrorCode = "invalid response handle"
	ErrCodeInvalidState      ErrorCode = "invalid state"
	ErrCodeInvalidParameters ErrorCode = "invalid parameters"
	ErrCodeIOError           ErrorCode = "I/O error"
	ErrCodeNotSupported      ErrorCode = "not supported"
)

// IOAError is a sentinel comparable with errors.Is against *Error
type IOAError string

func (e IOAError) Error() string {
	return "ioa: " + string(e)
}

// Sentinel errors, one per code
const (
	ErrBusy              IOAError = IOAError(ErrCodeBusy)
	ErrNoDevice          IOAError = IOAError(ErrCodeNoDevice)
	ErrAdapterDead       IOAError = IOAError(ErrCodeAdapterDead)
	ErrTimeout           IOAError = IOAError(ErrCodeTimeout)
	ErrResourceExhausted IOAError = IOAError(ErrCodeResourceExhausted)
	ErrInvalidHandle     IOAError = IOAError(ErrCodeInvalidHandle)
	ErrInvalidState      IOAError = IOAError(ErrCodeInvalidState)
	ErrInvalidParameters IOAError = IOAError(ErrCodeInvalidParameters)
	ErrIOError           IOAError = IOAError(ErrCodeIOError)
	ErrNotSupported      IOAError = IOAError(ErrCodeNotSupported)
)

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Index: -1,
		Code:  code,
		Msg:   msg,
	}
}

// NewCommandError creates an error tied to one command context
func NewCommandError(op, adapter string, index int, code ErrorCode, msg string) *Error {
	return &Error{
		Op:      op,
		Adapter: adapter,
		Index:   index,
		Code:    code,
		Msg:     msg,
	}
}

// WrapError wraps an existing error with adapter context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	var ie *Error
	if errors.As(inner, &ie) {
		return &Error{
			Op:      op,
			Adapter: ie.Adapter,
			Index:   ie.Index,
			Code:    ie.Code,
			Msg:     ie.Msg,
			Inner:   ie.Inner,
		}
	}

	return &Error{
		Op:    op,
		Index: -1,
		Code:  codeOf(inner),
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// codeOf maps internal sentinel errors to error codes
func codeOf(err error) ErrorCode {
	switch {
	case errors.Is(err, engine.ErrBusy):
		return ErrCodeBusy
	case errors.Is(err, engine.ErrNoDevice):
		return ErrCodeNoDevice
	case errors.Is(err, engine.ErrDead):
		return ErrCodeAdapterDead
	case errors.Is(err, engine.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	case errors.Is(err, arena.ErrEmpty), errors.Is(err, restable.ErrTableFull),
		errors.Is(err, dma.ErrMapFailed), errors.Is(err, dma.ErrTooManySegments):
		return ErrCodeResourceExhausted
	case errors.Is(err, queue.ErrInvalidHandle):
		return ErrCodeInvalidHandle
	case errors.Is(err, engine.ErrDetached), errors.Is(err, engine.ErrNotDumpWindow),
		errors.Is(err, context.Canceled):
		return ErrCodeInvalidState
	case errors.Is(err, dma.ErrShortRegions):
		return ErrCodeInvalidParameters
	case errors.Is(err, engine.ErrNoDump):
		return ErrCodeNotSupported
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Code == code
	}
	return false
}
