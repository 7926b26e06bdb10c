package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for the transport layer
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindInvalidState      Kind = "invalid_state"
	KindConflict          Kind = "conflict"
	KindInvalidArgument   Kind = "invalid_argument"
	KindResourceExhausted Kind = "resource_exhausted"
	KindInternal          Kind = "internal"
)

// Error is a structured domain error. Two errors match with errors.Is
// when their reasons are equal, so the sentinels below can be used as
// targets even when the returned error carries extra detail.
type Error struct {
	Kind    Kind
	Reason  string
	Message string

	// Op and State are set for invalid transitions
	Op    string
	State State

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a domain error with the same reason
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Reason == e.Reason
}

// Domain errors
var (
	ErrSessionNotFound    = &Error{Kind: KindNotFound, Reason: "session_not_found", Message: "session not found"}
	ErrPlayerNotFound     = &Error{Kind: KindNotFound, Reason: "player_not_found", Message: "player not found in session"}
	ErrNameTaken          = &Error{Kind: KindConflict, Reason: "name_taken", Message: "name taken"}
	ErrAlreadySubmitted   = &Error{Kind: KindConflict, Reason: "already_submitted", Message: "completion time already submitted"}
	ErrInvalidTransition  = &Error{Kind: KindInvalidState, Reason: "invalid_transition", Message: "invalid state transition"}
	ErrInvalidName        = &Error{Kind: KindInvalidArgument, Reason: "invalid_name", Message: "invalid player name"}
	ErrInvalidElapsed     = &Error{Kind: KindInvalidArgument, Reason: "invalid_elapsed", Message: "elapsed time must be a non-negative integer number of milliseconds"}
	ErrInvalidRequest     = &Error{Kind: KindInvalidArgument, Reason: "invalid_request", Message: "invalid request"}
	ErrCodeSpaceExhausted = &Error{Kind: KindResourceExhausted, Reason: "code_space_exhausted", Message: "could not allocate a free session code"}
	ErrPersistence        = &Error{Kind: KindInternal, Reason: "persistence_failed", Message: "failed to persist session"}
	ErrArchiveWrite       = &Error{Kind: KindInternal, Reason: "archive_failed", Message: "failed to write archive"}
	ErrInternal           = &Error{Kind: KindInternal, Reason: "internal", Message: "internal server error"}
)

// InvalidTransition reports that op is not allowed while the session is in state
func InvalidTransition(op string, state State) error {
	msg := fmt.Sprintf("cannot %s: session is %s", op, state)
	if op == "join" && state != StateCreated {
		msg = fmt.Sprintf("cannot join: game already started (session is %s)", state)
	}
	return &Error{
		Kind:    KindInvalidState,
		Reason:  ErrInvalidTransition.Reason,
		Message: msg,
		Op:      op,
		State:   state,
	}
}

// Wrap attaches a cause to one of the sentinel errors
func Wrap(sentinel *Error, err error) error {
	return &Error{
		Kind:    sentinel.Kind,
		Reason:  sentinel.Reason,
		Message: sentinel.Message,
		Err:     err,
	}
}

// WithMessage returns a copy of sentinel with a more specific message
func WithMessage(sentinel *Error, format string, args ...any) error {
	return &Error{
		Kind:    sentinel.Kind,
		Reason:  sentinel.Reason,
		Message: fmt.Sprintf(format, args...),
	}
}

// KindOf classifies err. Errors that are not domain errors are internal.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// ReasonOf returns the machine readable reason for err
func ReasonOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Reason
	}
	return ErrInternal.Reason
}

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return KindOf(err) == KindNotFound
}
