// Package apperr carries the error taxonomy exposed to API callers:
// every error has a Kind plus human-readable detail. Wrapping with
// pkg/errors preserves the kind for errors.As.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindConflict       Kind = "conflict"
	KindInvalidState   Kind = "invalid_state"
	KindRejected       Kind = "rejected"
	KindNotFound       Kind = "not_found"
	KindValidation     Kind = "validation"
	KindPartialFailure Kind = "partial_failure"
)

type Error struct {
	Kind   Kind
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) error {
	return New(KindConflict, format, args...)
}

func InvalidState(format string, args ...any) error {
	return New(KindInvalidState, format, args...)
}

func Rejected(format string, args ...any) error {
	return New(KindRejected, format, args...)
}

func NotFound(format string, args ...any) error {
	return New(KindNotFound, format, args...)
}

func Validation(format string, args ...any) error {
	return New(KindValidation, format, args...)
}

// PartialFailure is returned by batch operations where some items succeeded
// and some did not; callers must inspect per-item results.
type PartialFailure struct {
	Accepted int
	Rejected int
	Reasons  []string
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("partial_failure: %d accepted, %d rejected", e.Accepted, e.Rejected)
}

func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	var pf *PartialFailure
	if errors.As(err, &pf) {
		return KindPartialFailure
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
