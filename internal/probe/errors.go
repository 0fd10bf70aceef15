package probe

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrLaunch  = errors.New("launch failed")
	ErrProbe   = errors.New("probe failed")
	ErrTimeout = errors.New("operation timed out")
)

// LaunchError wraps a launcher failure for one service.
type LaunchError struct {
	Service string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Service, e.Err)
}

func (e *LaunchError) Unwrap() error        { return e.Err }
func (e *LaunchError) Is(target error) bool { return target == ErrLaunch }

// Error wraps a failed process, port or output probe.
type Error struct {
	Op     string
	Target string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *Error) Unwrap() error        { return e.Err }
func (e *Error) Is(target error) bool { return target == ErrProbe }

// TimeoutError reports a collaborator call that exceeded its budget.
type TimeoutError struct {
	Op      string
	Target  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s: timed out after %s", e.Op, e.Target, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }
