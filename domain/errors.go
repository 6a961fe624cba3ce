package domain

import (
	"errors"
	"fmt"
)

// ErrConcurrencyConflict indicates that the underlying storage rejected an
// update because a newer version of the entity is already persisted.
var ErrConcurrencyConflict = errors.New("concurrency conflict")

// ErrOrderConflict is returned by stores when a write would give two tasks of
// one partition the same order key.
var ErrOrderConflict = errors.New("order key already taken")

var (
	ErrNotFound        = errors.New("not found")
	ErrBoardKeyTaken   = errors.New("board key already taken")
	ErrPartitionLocked = errors.New("partition is locked")
)

// Kind classifies engine errors for callers that map them to responses.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindInvalidDependency Kind = "invalid_dependency"
	KindTransitionDenied  Kind = "transition_denied"
	KindOrderConflict     Kind = "order_conflict"
	KindConcurrentUpdate  Kind = "concurrent_update"
	// KindStore is reported for errors that did not originate in the engine.
	KindStore Kind = "store"
)

// Reason tells apart the gatekeeper rules that can deny a transition.
type Reason string

const (
	ReasonDependenciesNotReady Reason = "dependencies_not_ready"
	ReasonParentInProgress     Reason = "parent_in_progress"
	ReasonChildFurtherAlong    Reason = "child_further_along"
)

// Error is returned by engine operations for every failure the engine itself
// detects.
type Error struct {
	Kind   Kind
	Op     string
	Reason Reason
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the kind of err, or KindStore when err was not produced by
// the engine.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStore
}

// ReasonOf returns the transition reason carried by err, if any.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

func validationError(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func notFoundError(op, what, id string) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf("%s %s not found", what, id), Err: ErrNotFound}
}

func invalidDependencyError(op, format string, args ...any) error {
	return &Error{Kind: KindInvalidDependency, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func transitionDeniedError(reason Reason, msg string) error {
	return &Error{Kind: KindTransitionDenied, Op: "transition", Reason: reason, Msg: msg}
}

func orderConflictError(op string, err error) error {
	return &Error{Kind: KindOrderConflict, Op: op, Msg: "order collision persisted after rebalance", Err: err}
}

func concurrentUpdateError(op string, err error) error {
	return &Error{Kind: KindConcurrentUpdate, Op: op, Msg: "task changed concurrently", Err: err}
}
