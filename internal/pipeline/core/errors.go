package core

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies pipeline errors by how the caller should react.
type Kind string

const (
	// KindValidation is a malformed input, invalid stack, or unknown id,
	// surfaced synchronously before any execution.
	KindValidation Kind = "validation"
	// KindPrecondition is a runtime IO requirement not satisfied in
	// strict mode.
	KindPrecondition Kind = "precondition"
	// KindProviderTransient covers 429s, 5xxs, and timeouts; providers
	// retry these locally and only surface them once retries are spent.
	KindProviderTransient Kind = "provider_transient"
	// KindProviderPermanent covers non-retryable provider rejections.
	KindProviderPermanent Kind = "provider_permanent"
	// KindResource covers filesystem, blob store, and database failures.
	KindResource Kind = "resource"
	// KindCancelled is a cooperative cancellation observed.
	KindCancelled Kind = "cancelled"
	// KindInternal is an assertion violation or bug.
	KindInternal Kind = "internal"
)

// Error is a classified pipeline error.
type Error struct {
	Kind Kind
	Op   string // the processor or component that raised it
	Msg  string // user-visible sentence
	Err  error  // underlying cause, for logs
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// UserMessage returns the single-sentence error for the job record.
func (e *Error) UserMessage() string {
	return e.Msg
}

// NewError creates a classified error.
func NewError(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// KindOf returns the Kind of err, or KindInternal for unclassified errors.
// Context cancellation maps to KindCancelled regardless of wrapping.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindInternal
}

// Sentinel errors.
var (
	// ErrProcessorNotFound indicates a step referenced an unregistered processor.
	ErrProcessorNotFound = errors.New("processor not found")

	// ErrDuplicateProcessor indicates a processor id was registered twice.
	ErrDuplicateProcessor = errors.New("processor already registered")

	// ErrRegistryFrozen indicates registration after the first execution.
	ErrRegistryFrozen = errors.New("processor registry is frozen")

	// ErrStackInvalid indicates the stack failed static validation.
	ErrStackInvalid = errors.New("stack validation failed")

	// ErrSwapIncompatible indicates a processor swap with mismatched IO.
	ErrSwapIncompatible = errors.New("processor swap incompatible")
)
