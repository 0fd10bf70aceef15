package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loykin/svconsole/internal/logger"
	"github.com/loykin/svconsole/internal/probe"
	"github.com/loykin/svconsole/internal/service"
)

// DefaultStopWait is how long Stop waits after SIGTERM before SIGKILL.
const DefaultStopWait = 3 * time.Second

// Supervisor runs service processes from their Specs. It implements
// probe.Launcher, probe.ProcessProbe and probe.OutputProbe.
type Supervisor struct {
	mu       sync.Mutex
	specs    map[service.Name]Spec
	procs    map[service.Name]*Process
	env      []string
	stopWait time.Duration
	log      *slog.Logger
}

var (
	_ probe.Launcher     = (*Supervisor)(nil)
	_ probe.ProcessProbe = (*Supervisor)(nil)
	_ probe.OutputProbe  = (*Supervisor)(nil)
)

// Option customises a Supervisor.
type Option func(*Supervisor)

// WithEnv sets the base environment for launched processes. The default is
// the console's own environment.
func WithEnv(env []string) Option { return func(s *Supervisor) { s.env = env } }

// WithStopWait overrides DefaultStopWait.
func WithStopWait(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.stopWait = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.log = l
		}
	}
}

// NewSupervisor validates specs and indexes them by service name.
func NewSupervisor(specs map[service.Name]Spec, opts ...Option) (*Supervisor, error) {
	s := &Supervisor{
		specs:    make(map[service.Name]Spec, len(specs)),
		procs:    make(map[service.Name]*Process),
		env:      os.Environ(),
		stopWait: DefaultStopWait,
		log:      slog.Default(),
	}
	for name, sp := range specs {
		if sp.Name == "" {
			sp.Name = string(name)
		}
		if err := sp.Validate(); err != nil {
			return nil, err
		}
		s.specs[name] = sp
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Supervisor) spec(name service.Name) (Spec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.specs[name]
	return sp, ok
}

func (s *Supervisor) current(name service.Name) *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[name]
}

// Launch starts name unless a process it owns is already alive, in which
// case that pid is returned.
func (s *Supervisor) Launch(ctx context.Context, name service.Name) (probe.Handle, error) {
	sp, ok := s.spec(name)
	if !ok {
		return probe.Handle{}, &probe.LaunchError{Service: string(name), Err: errors.New("no command configured")}
	}

	s.mu.Lock()
	if cur := s.procs[name]; cur != nil && cur.Alive() {
		s.mu.Unlock()
		return probe.Handle{PID: cur.PID()}, nil
	}
	p := New(sp)
	if err := p.Start(s.env); err != nil {
		s.mu.Unlock()
		return probe.Handle{}, &probe.LaunchError{Service: string(name), Err: err}
	}
	s.procs[name] = p
	s.mu.Unlock()

	s.log.Debug("process started", "service", name, "pid", p.PID(), "command", sp.Command)

	if err := p.EnforceStartDuration(ctx, sp.StartDuration); err != nil {
		_ = p.Stop(s.stopWait)
		return probe.Handle{}, &probe.LaunchError{Service: string(name), Err: err}
	}
	return probe.Handle{PID: p.PID()}, nil
}

// Stop terminates the process of name. Processes found only through a
// pidfile are signalled by pid.
func (s *Supervisor) Stop(ctx context.Context, name service.Name) error {
	wait := s.stopWait
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl) - killGrace; left > 0 && left < wait {
			wait = left
		}
	}
	if p := s.current(name); p != nil && p.Alive() {
		if err := p.Stop(wait); err != nil {
			return err
		}
		s.log.Debug("process stopped", "service", name, "pid", p.PID())
		return nil
	}

	sp, ok := s.spec(name)
	if !ok || sp.PIDFile == "" {
		return nil
	}
	alive, pid, err := PIDFileDetector{PIDFile: sp.PIDFile}.Alive(ctx)
	if err != nil || !alive {
		return err
	}
	if err := terminateGroup(pid); err != nil {
		return fmt.Errorf("terminate %d: %w", pid, err)
	}
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if !pidAlive(ctx, pid) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	if err := killGroup(pid); err != nil {
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	return nil
}

// IsRunning checks the owned process first and then the configured
// detectors.
func (s *Supervisor) IsRunning(ctx context.Context, name service.Name) (probe.ProcessState, error) {
	sp, ok := s.spec(name)
	if !ok {
		return probe.ProcessState{}, nil
	}
	pid := 0
	if p := s.current(name); p != nil && p.Alive() {
		pid = p.PID()
	} else {
		var errs []error
		found := false
		for _, d := range sp.Detectors() {
			alive, dpid, err := d.Alive(ctx)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", d.Describe(), err))
				continue
			}
			if alive {
				found, pid = true, dpid
				break
			}
		}
		if !found {
			if len(errs) > 0 {
				return probe.ProcessState{}, &probe.Error{Op: "detect", Target: string(name), Err: errors.Join(errs...)}
			}
			return probe.ProcessState{Running: false}, nil
		}
		if pid == 0 {
			// a command detector proves liveness without a pid
			return probe.ProcessState{Running: true}, nil
		}
	}

	st := probe.ProcessState{Running: true, PID: pid}
	if sample, err := Sample(ctx, pid); err == nil {
		st.MemoryRSS = sample.MemoryRSS
		st.CPUPercent = sample.CPUPercent
	}
	return st, nil
}

// Tail returns the last n lines written to the service's stdout log,
// falling back to stderr when stdout is empty.
func (s *Supervisor) Tail(_ context.Context, name service.Name, n int) ([]string, error) {
	sp, ok := s.spec(name)
	if !ok {
		return nil, nil
	}
	lines, err := logger.Tail(sp.Log.StdoutFile(sp.Name), n)
	if err != nil {
		return nil, &probe.Error{Op: "tail", Target: string(name), Err: err}
	}
	if len(lines) > 0 {
		return lines, nil
	}
	lines, err = logger.Tail(sp.Log.StderrFile(sp.Name), n)
	if err != nil {
		return nil, &probe.Error{Op: "tail", Target: string(name), Err: err}
	}
	return lines, nil
}

// Shutdown stops every owned process that is still alive.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	procs := make([]*Process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	var errs []error
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.Stop(s.stopWait); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
