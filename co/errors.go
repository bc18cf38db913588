/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package co

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies failures per spec §7's error taxonomy; it is deliberately
// a flat set of "kinds, not types" so callers can switch on it without a
// type hierarchy.
type Kind int

const (
	KindTimeout Kind = iota
	KindUnreachablePeer
	KindDuplicateConnect
	KindProtocolMismatch
	KindMalformedFrame
	KindMappingFailure
	KindProgrammerError
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindUnreachablePeer:
		return "unreachable peer"
	case KindDuplicateConnect:
		return "duplicate connect"
	case KindProtocolMismatch:
		return "protocol mismatch"
	case KindMalformedFrame:
		return "malformed frame"
	case KindMappingFailure:
		return "mapping failure"
	case KindProgrammerError:
		return "programmer error"
	}
	return "unknown"
}

// Error wraps an underlying cause with its Kind, using github.com/pkg/errors
// so the wrapping call site's stack context survives the hop from the
// command thread into the application thread (spec §5).
type Error struct {
	Kind  Kind
	cause error
}

func NewError(kind Kind, format string, a ...any) *Error {
	return &Error{Kind: kind, cause: errors.Errorf(format, a...)}
}

func WrapError(kind Kind, err error) *Error {
	return &Error{Kind: kind, cause: errors.WithStack(err)}
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.cause) }
func (e *Error) Unwrap() error { return e.cause }

func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

var (
	ErrUnexpectedEnd = NewError(KindMalformedFrame, "input stream: unexpected end of data")
	ErrTimeoutBarrier = NewError(KindTimeout, "barrier entry timed out")
)
