package ioa

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ehrlich-b/go-ioa/internal/arena"
	"github.com/ehrlich-b/go-ioa/internal/dma"
	"github.com/ehrlich-b/go-ioa/internal/engine"
	"github.com/ehrlich-b/go-ioa/internal/queue"
)

func TestStructuredError(t *testing.T) {
	err := NewError("ATTACH", ErrCodeInvalidParameters, "arena size must be positive")

	if err.Op != "ATTACH" {
		t.Errorf("Expected Op=ATTACH, got %s", err.Op)
	}

	if err.Code != ErrCodeInvalidParameters {
		t.Errorf("Expected Code=ErrCodeInvalidParameters, got %s", err.Code)
	}

	expected := "ioa: arena size must be positive (op=ATTACH)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}

	// Code is used when there is no message
	bare := &Error{Index: -1, Code: ErrCodeBusy}
	if bare.Error() != "ioa: adapter busy" {
		t.Errorf("Expected code as message, got %q", bare.Error())
	}
}

func TestCommandError(t *testing.T) {
	err := NewCommandError("ABORT", "", 7, ErrCodeTimeout, "abort timed out")
	if err.Index != 7 {
		t.Errorf("Expected Index=7, got %d", err.Index)
	}
	if err.Error() != "ioa: abort timed out (op=ABORT)" {
		t.Errorf("Unexpected message %q", err.Error())
	}
}

func TestWrapError(t *testing.T) {
	err := WrapError("RESET_DEVICE", fmt.Errorf("reset 0:1:0: %w", engine.ErrTimeout))

	if err.Code != ErrCodeTimeout {
		t.Errorf("Expected Code=ErrCodeTimeout, got %s", err.Code)
	}

	if !errors.Is(err, engine.ErrTimeout) {
		t.Error("Expected wrapped error to satisfy errors.Is for the engine sentinel")
	}

	if WrapError("NOP", nil) != nil {
		t.Error("WrapError(nil) should be nil")
	}

	// Rewrapping keeps the code and replaces the operation
	again := WrapError("OUTER", err)
	if again.Op != "OUTER" || again.Code != ErrCodeTimeout {
		t.Errorf("Unexpected rewrap %+v", again)
	}
}

func TestSentinelErrors(t *testing.T) {
	var sentinelErr error = ErrAdapterDead

	structuredErr := &Error{Code: ErrCodeAdapterDead}

	if !errors.Is(structuredErr, ErrAdapterDead) {
		t.Error("Structured error should match sentinel via errors.Is")
	}

	if sentinelErr.Error() != "ioa: adapter dead" {
		t.Errorf("Expected sentinel error message, got %q", sentinelErr.Error())
	}

	wrappedErr := WrapError("RESET_ADAPTER", engine.ErrDead)
	if !errors.Is(wrappedErr, ErrAdapterDead) {
		t.Error("Wrapped engine.ErrDead should match ErrAdapterDead")
	}

	if errors.Is(wrappedErr, ErrBusy) {
		t.Error("Wrapped engine.ErrDead should not match ErrBusy")
	}
}

func TestIsCode(t *testing.T) {
	err := NewError("TEST", ErrCodeTimeout, "operation timed out")

	if !IsCode(err, ErrCodeTimeout) {
		t.Error("IsCode should return true for matching code")
	}

	if IsCode(err, ErrCodeIOError) {
		t.Error("IsCode should return false for non-matching code")
	}

	if IsCode(nil, ErrCodeTimeout) {
		t.Error("IsCode should return false for nil error")
	}

	if !IsCode(fmt.Errorf("outer: %w", err), ErrCodeTimeout) {
		t.Error("IsCode should see through fmt wrapping")
	}
}

func TestErrorMapping(t *testing.T) {
	testCases := []struct {
		err      error
		expected ErrorCode
	}{
		{engine.ErrBusy, ErrCodeBusy},
		{engine.ErrNoDevice, ErrCodeNoDevice},
		{engine.ErrDead, ErrCodeAdapterDead},
		{engine.ErrTimeout, ErrCodeTimeout},
		{context.DeadlineExceeded, ErrCodeTimeout},
		{arena.ErrEmpty, ErrCodeResourceExhausted},
		{dma.ErrMapFailed, ErrCodeResourceExhausted},
		{queue.ErrInvalidHandle, ErrCodeInvalidHandle},
		{engine.ErrDetached, ErrCodeInvalidState},
		{engine.ErrNotDumpWindow, ErrCodeInvalidState},
		{dma.ErrShortRegions, ErrCodeInvalidParameters},
		{engine.ErrNoDump, ErrCodeNotSupported},
		{engine.ErrFailed, ErrCodeIOError},
		{errors.New("something else"), ErrCodeIOError},
	}

	for _, tc := range testCases {
		code := codeOf(tc.err)
		if code != tc.expected {
			t.Errorf("codeOf(%v) = %s, want %s", tc.err, code, tc.expected)
		}
	}
}
