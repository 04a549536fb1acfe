// Package faults is the error taxonomy shared by the gateway, invoker,
// artifact registry and dispatcher.
//
// Every failure that crosses a component boundary carries a Kind. Callers
// branch on kinds with errors.Is against the package sentinels, or extract
// the full *Error with errors.As.
package faults

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindUnknownTool         Kind = "UnknownTool"
	KindDuplicateTool       Kind = "DuplicateTool"
	KindArtifactNotFound    Kind = "ArtifactNotFound"
	KindToolTimeout         Kind = "ToolTimeout"
	KindToolFault           Kind = "ToolFault"
	KindAuthorizationDenied Kind = "AuthorizationDenied"
	KindSnapshotCorrupt     Kind = "SnapshotCorrupt"
	KindTaskCancelled       Kind = "TaskCancelled"
	KindModelFault          Kind = "ModelFault"
)

// Sentinels usable with errors.Is. An *Error matches the sentinel of its kind.
var (
	ErrUnknownTool         = &Error{Kind: KindUnknownTool}
	ErrDuplicateTool       = &Error{Kind: KindDuplicateTool}
	ErrArtifactNotFound    = &Error{Kind: KindArtifactNotFound}
	ErrToolTimeout         = &Error{Kind: KindToolTimeout}
	ErrToolFault           = &Error{Kind: KindToolFault}
	ErrAuthorizationDenied = &Error{Kind: KindAuthorizationDenied}
	ErrSnapshotCorrupt     = &Error{Kind: KindSnapshotCorrupt}
	ErrTaskCancelled       = &Error{Kind: KindTaskCancelled}
	ErrModelFault          = &Error{Kind: KindModelFault}
)

// Error is a classified failure.
type Error struct {
	Kind Kind
	// Op is the operation that failed, e.g. "gateway.authorize".
	Op string
	// Subject names what the operation acted on (tool name, artifact id, thread id).
	Subject string
	// Code is a stable machine-readable reason within the kind.
	Code string
	// Attempt is the 1-based retry attempt, zero when not retried.
	Attempt int
	// Permanent marks a normally transient kind as not worth retrying.
	Permanent bool
	Err       error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Subject != "" {
		msg += fmt.Sprintf(" %q", e.Subject)
	}
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Attempt > 0 {
		msg += fmt.Sprintf(" (attempt %d)", e.Attempt)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality against another *Error that carries no detail,
// which is how the package sentinels are shaped.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Op != "" || t.Subject != "" || t.Code != "" || t.Err != nil {
		return e == t
	}
	return e.Kind == t.Kind
}

// New builds a classified error.
func New(kind Kind, op, subject string, err error) *Error {
	return &Error{Kind: kind, Op: op, Subject: subject, Err: err}
}

// Newf builds a classified error with a formatted cause.
func Newf(kind Kind, op, subject, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Subject: subject, Err: fmt.Errorf(format, args...)}
}

// WithAttempt returns a copy of err's classification stamped with attempt.
// Errors that are not *Error are classified as ToolFault first.
func WithAttempt(err error, attempt int) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if !errors.As(err, &fe) {
		return &Error{Kind: KindToolFault, Attempt: attempt, Err: err}
	}
	cp := *fe
	cp.Attempt = attempt
	return &cp
}

// KindOf extracts the kind of err. Context cancellation maps to
// TaskCancelled, deadline expiry to ToolTimeout, anything else unclassified
// to ToolFault. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindTaskCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindToolTimeout
	}
	return KindToolFault
}

// Retryable reports whether a failure of this kind may succeed when the same
// call is repeated with the same arguments.
func Retryable(kind Kind) bool {
	switch kind {
	case KindToolTimeout, KindToolFault, KindModelFault:
		return true
	default:
		return false
	}
}

// IsRetryable classifies err and honours the Permanent override.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) && fe.Permanent {
		return false
	}
	return Retryable(KindOf(err))
}

// AttemptOf returns the attempt stamped on err, or zero.
func AttemptOf(err error) int {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Attempt
	}
	return 0
}
