package rref

import (
	"errors"
	"fmt"
)

// Protocol errors
var (
	ErrStaleReference = errors.New("stale reference")
	ErrAlreadySet     = errors.New("value already set")
	ErrUnknownRRef    = errors.New("unknown rref")
	ErrUnknownFork    = errors.New("unknown fork")
	ErrDuplicateFork  = errors.New("fork already registered")
	ErrNotOwner       = errors.New("not the owner of this reference")
	ErrReleased       = errors.New("reference already released")
	ErrClosed         = errors.New("registry closed")
)

// RRefError records the operation and reference a protocol error
// occurred on.
type RRefError struct {
	Op     string
	RRefID RRefID
	ForkID ForkID
	Err    error
}

func (e *RRefError) Error() string {
	if !e.ForkID.IsZero() && e.ForkID != e.RRefID {
		return fmt.Sprintf("rref %s %s fork %s: %v", e.Op, e.RRefID, e.ForkID, e.Err)
	}
	return fmt.Sprintf("rref %s %s: %v", e.Op, e.RRefID, e.Err)
}

func (e *RRefError) Unwrap() error {
	return e.Err
}

func newError(op string, rrefID RRefID, forkID ForkID, err error) error {
	return &RRefError{Op: op, RRefID: rrefID, ForkID: forkID, Err: err}
}
