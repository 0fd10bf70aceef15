package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// killGrace bounds the wait for a process after SIGKILL.
const killGrace = 2 * time.Second

// Process is a single run of a Spec. A new Process is created for every
// launch; it is never restarted.
type Process struct {
	spec Spec

	mu        sync.Mutex
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	exitErr   error
	outW      io.WriteCloser
	errW      io.WriteCloser
	done      chan struct{}
}

func New(spec Spec) *Process { return &Process{spec: spec, done: make(chan struct{})} }

func (p *Process) Spec() Spec { return p.spec }

// configureCmd builds the command with workdir, env, output files and its
// own process group.
func (p *Process) configureCmd(env []string) (*exec.Cmd, error) {
	cmd := p.spec.BuildCommand()
	if cmd.Err != nil {
		return nil, cmd.Err
	}
	if p.spec.WorkDir != "" {
		cmd.Dir = p.spec.WorkDir
	}
	if len(env) > 0 || len(p.spec.Env) > 0 {
		cmd.Env = append(append([]string{}, env...), p.spec.Env...)
	}
	setProcessGroup(cmd)

	if d := p.spec.Log.Dir; d != "" {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	outW, errW, err := p.spec.Log.Writers(p.spec.Name)
	if err != nil {
		return nil, err
	}
	p.outW, p.errW = outW, errW
	if outW != nil {
		cmd.Stdout = outW
	}
	if errW != nil {
		cmd.Stderr = errW
	}
	// nil Stdout/Stderr means os/exec attaches the null device
	return cmd, nil
}

// Start launches the process and begins waiting on it in the background.
// env is the base environment; Spec.Env is appended to it.
func (p *Process) Start(env []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return errors.New("process already started")
	}
	cmd, err := p.configureCmd(env)
	if err != nil {
		p.closeWritersLocked()
		return err
	}
	if err := cmd.Start(); err != nil {
		p.closeWritersLocked()
		return err
	}
	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.startedAt = time.Now()
	if p.spec.PIDFile != "" {
		meta := PIDMeta{StartUnix: startUnix(context.Background(), p.pid)}
		_ = WritePIDFile(p.spec.PIDFile, p.pid, meta)
	}
	go p.wait(cmd)
	return nil
}

// wait is the only caller of cmd.Wait for this run.
func (p *Process) wait(cmd *exec.Cmd) {
	err := cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.closeWritersLocked()
	pid := p.pid
	p.mu.Unlock()
	removePIDFileIf(p.spec.PIDFile, pid)
	close(p.done)
}

func (p *Process) closeWritersLocked() {
	if p.outW != nil {
		_ = p.outW.Close()
		p.outW = nil
	}
	if p.errW != nil {
		_ = p.errW.Close()
		p.errW = nil
	}
}

func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

func (p *Process) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startedAt
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Alive reports whether the process was started and has not exited.
func (p *Process) Alive() bool {
	if p.PID() == 0 {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitErr returns the wait error once the process exited.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// EnforceStartDuration returns an error if the process exits within d.
func (p *Process) EnforceStartDuration(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if p.PID() == 0 {
		return errBeforeStart(d, nil)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.done:
		return errBeforeStart(d, p.ExitErr())
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func errBeforeStart(d time.Duration, exitErr error) error {
	if exitErr != nil {
		return fmt.Errorf("process exited before start duration %s: %w", d, exitErr)
	}
	return fmt.Errorf("process exited before start duration %s", d)
}

// Stop sends SIGTERM to the process group, escalating to SIGKILL after
// wait. It returns an error only if the process is still alive afterwards.
func (p *Process) Stop(wait time.Duration) error {
	if !p.Alive() {
		return nil
	}
	pid := p.PID()
	if err := terminateGroup(pid); err != nil {
		return fmt.Errorf("terminate %d: %w", pid, err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(wait):
	}
	if err := killGroup(pid); err != nil {
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(killGrace):
		return fmt.Errorf("process %d did not exit after kill", pid)
	}
}
