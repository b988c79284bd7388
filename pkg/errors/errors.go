// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides the error taxonomy shared by wsmux packages.
package errors

import (
	"errors"
	"fmt"
)

// Error classes. Every error returned by wsmux wraps exactly one of these.
var (
	// ErrConfig indicates an invalid or conflicting configuration value.
	ErrConfig = errors.New("invalid configuration")

	// ErrRoutingConflict indicates a path or accept-all key already claimed
	// on the same transport server.
	ErrRoutingConflict = errors.New("routing conflict")

	// ErrAttach indicates a listener failed to attach to its transport server.
	ErrAttach = errors.New("attach failed")

	// ErrDetach indicates one or more failures while detaching a listener.
	ErrDetach = errors.New("detach failed")

	// ErrOwnership indicates a listener that does not belong to the server.
	ErrOwnership = errors.New("listener not owned by server")

	// ErrInconsistent indicates connections survived a complete shutdown.
	ErrInconsistent = errors.New("internal consistency failure")

	// ErrNotAttached indicates an operation on a listener that is not attached.
	ErrNotAttached = errors.New("listener not attached")

	// ErrClosed indicates the connection was already closed.
	ErrClosed = errors.New("connection closed")
)

// Error wraps an error class with the operation and subject that produced it.
type Error struct {
	Op       string // Operation that failed
	Listener string // Listener identifier, if any
	Field    string // Offending configuration field, if any
	Err      error  // Underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("%s: field %q: %v", e.Op, e.Field, e.Err)
	case e.Listener != "":
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.Listener, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new Error for the given operation and listener.
func New(op, listener string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{
		Op:       op,
		Listener: listener,
		Err:      err,
	}
}

// Config creates a configuration error naming the offending field.
func Config(op, field, reason string) error {
	return &Error{
		Op:    op,
		Field: field,
		Err:   fmt.Errorf("%w: %s", ErrConfig, reason),
	}
}

// ListenerError records the failure of a single listener inside a bulk operation.
type ListenerError struct {
	Listener string
	Err      error
}

// Error implements the error interface.
func (e *ListenerError) Error() string {
	return fmt.Sprintf("listener %s: %v", e.Listener, e.Err)
}

// Unwrap returns the underlying error.
func (e *ListenerError) Unwrap() error {
	return e.Err
}

// InconsistencyError reports connections that remained tracked after a stop
// which detached every listener and closed every standalone connection.
type InconsistencyError struct {
	Remaining int
}

// Error implements the error interface.
func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("[BUG] %d connections still tracked after detaching all listeners and stopping all standalone clients", e.Remaining)
}

// Is reports whether target is ErrInconsistent.
func (e *InconsistencyError) Is(target error) bool {
	return target == ErrInconsistent
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Join returns an error that wraps the given non-nil errors.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
