// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"errors"
	"fmt"
)

// Failure kinds. Each names the step that failed and so the remedy.
var (
	// ErrEndpoint: allocating an endpoint or inserting a right failed.
	ErrEndpoint = errors.New("endpoint error")

	// ErrMessageTransfer: a send or receive failed, timed out, or
	// delivered something the protocol did not expect.
	ErrMessageTransfer = errors.New("message transfer error")

	// ErrDuplication: the process could not be duplicated. No replica
	// exists.
	ErrDuplication = errors.New("duplication error")

	// ErrMemoryObject: allocating the local region or creating the
	// memory object failed. Retry with a smaller size.
	ErrMemoryObject = errors.New("memory object error")

	// ErrRemoteMapping: mapping into the other address space failed.
	// Check the task control right and whether the replica is alive.
	ErrRemoteMapping = errors.New("remote mapping error")
)

// Causes reported by kernel backends.
var (
	ErrTimeout           = errors.New("receive deadline exceeded")
	ErrDeadName          = errors.New("endpoint no longer exists")
	ErrInvalidName       = errors.New("name does not denote a right")
	ErrInvalidRight      = errors.New("right is of the wrong type for this operation")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrResourceShortage  = errors.New("kernel resource shortage")
	ErrProtocolViolation = errors.New("protocol violation")
)

// Error is a failure of one kernel-facility call, tagged with its kind.
// errors.Is matches both the kind and anything in Err's chain.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Wrap tags err with kind and the operation that produced it. A nil err
// stays nil. An err that is already an *Error keeps its original kind:
// the innermost call site knows best which step failed.
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or nil.
func KindOf(err error) error {
	var capabilityError *Error
	if errors.As(err, &capabilityError) {
		return capabilityError.Kind
	}
	return nil
}
