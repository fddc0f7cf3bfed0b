package engine

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrUnknownDependency   = errors.New("unknown dependency")
	ErrDependenciesPending = errors.New("dependencies not completed")
	ErrAlreadyExists       = errors.New("already exists")
)

// TransitionError is returned when a requested status change is not an
// edge of the state machine, or when the record moved underneath the
// caller. The record is left unchanged.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: invalid transition %s -> %s", e.Entity, e.ID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
