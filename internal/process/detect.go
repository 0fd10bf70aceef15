package process

import (
	"context"
	"errors"
	"os"
	"os/exec"
)

// Detector decides whether a service is up without owning its process.
// Implementations must be safe for concurrent use.
type Detector interface {
	// Alive reports liveness and, when known, the pid.
	Alive(ctx context.Context) (bool, int, error)
	Describe() string
}

// PIDFileDetector trusts a pidfile, rejecting it when the recorded start
// time no longer matches the live process.
type PIDFileDetector struct {
	PIDFile string
}

func (d PIDFileDetector) Alive(ctx context.Context) (bool, int, error) {
	pid, meta, err := ReadPIDFile(d.PIDFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, 0, nil
		}
		return false, 0, err
	}
	if !pidAlive(ctx, pid) {
		return false, 0, nil
	}
	if meta.StartUnix > 0 {
		if cur := startUnix(ctx, pid); cur > 0 && cur != meta.StartUnix {
			return false, 0, nil // pid reused
		}
	}
	return true, pid, nil
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }

// CommandDetector runs a command that exits 0 while the service is up.
type CommandDetector struct {
	Command string
}

func (d CommandDetector) Alive(ctx context.Context) (bool, int, error) {
	base := buildCommand(d.Command)
	// #nosec G204 -- configured detection command
	cmd := exec.CommandContext(ctx, base.Path, base.Args[1:]...)
	err := cmd.Run()
	if err == nil {
		return true, 0, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) && ctx.Err() == nil {
		return false, 0, nil
	}
	return false, 0, err
}

func (d CommandDetector) Describe() string { return "cmd:" + d.Command }
