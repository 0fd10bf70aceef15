package service

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownService    = errors.New("unknown service")
	ErrInvalidTransition = errors.New("invalid transition")
)

// UnknownServiceError is returned for names outside the registry.
type UnknownServiceError struct {
	Name string
}

func (e *UnknownServiceError) Error() string {
	return fmt.Sprintf("unknown service %q", e.Name)
}

func (e *UnknownServiceError) Is(target error) bool { return target == ErrUnknownService }

// InvalidTransitionError is returned when a requested edge is not part of
// the lifecycle state machine.
type InvalidTransitionError struct {
	Name Name
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("service %s: invalid transition %s -> %s", e.Name, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }
