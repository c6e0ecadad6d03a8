// Package fault defines the structured error taxonomy shared by the
// orchestrator services. Every user-visible rejection is one of these kinds;
// anything else is treated as an internal failure by the HTTP boundary.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a rejection.
type Kind string

const (
	// KindNotFound covers both absent entities and entities owned by
	// someone else, so responses never leak existence.
	KindNotFound Kind = "not_found"
	// KindInvalidInput marks missing or malformed request fields.
	KindInvalidInput Kind = "invalid_input"
	// KindAppNotReady marks a build request against an app whose lifecycle
	// status forbids building.
	KindAppNotReady Kind = "app_not_ready"
	// KindInvalidTransition marks a state machine violation.
	KindInvalidTransition Kind = "invalid_transition"
	// KindTimeout marks a store operation that exceeded its deadline. Safe
	// to retry.
	KindTimeout Kind = "timeout"
	// KindConflict marks a concurrency race that exhausted its retry
	// budget. The whole request should be retried.
	KindConflict Kind = "conflict"
)

// Error is a classified orchestrator error.
type Error struct {
	Kind    Kind
	Message string

	// Current and Requested carry state machine context for
	// KindInvalidTransition and KindAppNotReady.
	Current   string
	Requested string
}

func (e *Error) Error() string {
	return e.Message
}

// NotFound reports an absent (or not owned) entity.
func NotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %s not found", entity, id)}
}

// InvalidInput reports a malformed request.
func InvalidInput(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidInput, Message: fmt.Sprintf(format, args...)}
}

// AppNotReady reports a build request against an app that cannot accept one.
func AppNotReady(current string) *Error {
	return &Error{
		Kind:    KindAppNotReady,
		Message: fmt.Sprintf("app is not ready for build (current status %s)", current),
		Current: current,
	}
}

// InvalidTransition reports a state machine violation with both sides of the
// rejected edge.
func InvalidTransition(current, requested string) *Error {
	return &Error{
		Kind:      KindInvalidTransition,
		Message:   fmt.Sprintf("invalid transition from %s to %s", current, requested),
		Current:   current,
		Requested: requested,
	}
}

// Timeout reports a store deadline overrun.
func Timeout(op string) *Error {
	return &Error{Kind: KindTimeout, Message: fmt.Sprintf("%s timed out", op)}
}

// Conflict reports an exhausted retry budget.
func Conflict(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind of err, or "" when err is not a fault error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err is a fault error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
