package model

import (
	"errors"
	"fmt"
)

// ErrNotAuthenticated is returned before any state is touched when the
// caller carries no identity.
var ErrNotAuthenticated = errors.New("caller is not authenticated")

// GuardViolationError reports an attempted transition that is illegal from
// the case's current state. No state was changed.
type GuardViolationError struct {
	CaseID string
	From   CaseStatus
	Action string
	Reason string
}

func (e *GuardViolationError) Error() string {
	msg := fmt.Sprintf("guard violation: %s not allowed from %s (case %s)", e.Action, e.From, e.CaseID)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// ConcurrentRunError reports a pricing trigger while a run is in flight.
type ConcurrentRunError struct {
	CaseID    string
	RunID     string
	RunNumber int
}

func (e *ConcurrentRunError) Error() string {
	return fmt.Sprintf("pricing run #%d (%s) is already running for case %s", e.RunNumber, e.RunID, e.CaseID)
}

// NotFoundError reports a missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// InvariantError reports a store-level invariant violation, naming the
// entity and the rule that was broken.
type InvariantError struct {
	Entity    string
	ID        string
	Invariant string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Entity, e.ID, e.Invariant)
}

// ValidationError reports malformed caller input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsGuardViolation reports whether err is (or wraps) a GuardViolationError.
func IsGuardViolation(err error) bool {
	var gv *GuardViolationError
	return errors.As(err, &gv)
}
