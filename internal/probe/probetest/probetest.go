// Package probetest provides scriptable in-memory collaborators for tests.
package probetest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/svconsole/internal/probe"
	"github.com/loykin/svconsole/internal/service"
)

// Launcher is a fake probe.Launcher that also acts as the ProcessProbe for
// the processes it "runs".
type Launcher struct {
	mu       sync.Mutex
	nextPID  int
	running  map[service.Name]int
	failures map[service.Name]error
	delays   map[service.Name]time.Duration
	stopErrs map[service.Name]error
	gate     chan struct{}
	probeErr error
	lag      time.Duration

	Launches atomic.Int64
	Stops    atomic.Int64
}

func NewLauncher() *Launcher {
	return &Launcher{
		nextPID:  1000,
		running:  make(map[service.Name]int),
		failures: make(map[service.Name]error),
		delays:   make(map[service.Name]time.Duration),
		stopErrs: make(map[service.Name]error),
	}
}

// Fail makes every launch of name return err.
func (l *Launcher) Fail(name service.Name, err error) *Launcher {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[name] = err
	return l
}

// Delay makes launches of name take d, ignoring the context.
func (l *Launcher) Delay(name service.Name, d time.Duration) *Launcher {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delays[name] = d
	return l
}

// FailStop makes Stop of name return err (the process is still removed).
func (l *Launcher) FailStop(name service.Name, err error) *Launcher {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopErrs[name] = err
	return l
}

// Gate blocks every launch until the returned function is called.
func (l *Launcher) Gate() (release func()) {
	ch := make(chan struct{})
	l.mu.Lock()
	l.gate = ch
	l.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// FailProbe makes IsRunning return err.
func (l *Launcher) FailProbe(err error) {
	l.mu.Lock()
	l.probeErr = err
	l.mu.Unlock()
}

// SlowProbe makes IsRunning answer d after it looked at the process, so
// the state it reports can be stale by the time it returns.
func (l *Launcher) SlowProbe(d time.Duration) {
	l.mu.Lock()
	l.lag = d
	l.mu.Unlock()
}

// Kill simulates name dying on its own.
func (l *Launcher) Kill(name service.Name) {
	l.mu.Lock()
	delete(l.running, name)
	l.mu.Unlock()
}

// Adopt simulates name having been started outside the console.
func (l *Launcher) Adopt(name service.Name, pid int) {
	l.mu.Lock()
	l.running[name] = pid
	l.mu.Unlock()
}

func (l *Launcher) Launch(ctx context.Context, name service.Name) (probe.Handle, error) {
	l.Launches.Add(1)
	l.mu.Lock()
	gate, delay, fail := l.gate, l.delays[name], l.failures[name]
	l.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if fail != nil {
		return probe.Handle{}, &probe.LaunchError{Service: name.String(), Err: fail}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if pid, ok := l.running[name]; ok {
		return probe.Handle{PID: pid}, nil
	}
	l.nextPID++
	l.running[name] = l.nextPID
	return probe.Handle{PID: l.nextPID}, nil
}

func (l *Launcher) Stop(_ context.Context, name service.Name) error {
	l.Stops.Add(1)
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.running, name)
	return l.stopErrs[name]
}

func (l *Launcher) IsRunning(ctx context.Context, name service.Name) (probe.ProcessState, error) {
	l.mu.Lock()
	probeErr, lag := l.probeErr, l.lag
	pid, ok := l.running[name]
	l.mu.Unlock()
	if lag > 0 {
		select {
		case <-time.After(lag):
		case <-ctx.Done():
			return probe.ProcessState{}, ctx.Err()
		}
	}
	if probeErr != nil {
		return probe.ProcessState{}, &probe.Error{Op: "is running", Target: name.String(), Err: probeErr}
	}
	return probe.ProcessState{Running: ok, PID: pid, MemoryRSS: 4096}, nil
}

// Running reports whether the fake currently holds a process for name.
func (l *Launcher) Running(name service.Name) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.running[name]
	return ok
}

// Ports is a fake probe.PortProbe backed by a map.
type Ports struct {
	mu     sync.Mutex
	active map[int]bool
	errs   map[int]error
	delay  time.Duration
}

func NewPorts(active ...int) *Ports {
	p := &Ports{active: make(map[int]bool), errs: make(map[int]error)}
	for _, port := range active {
		p.active[port] = true
	}
	return p
}

func (p *Ports) Set(port int, active bool) {
	p.mu.Lock()
	p.active[port] = active
	p.mu.Unlock()
}

func (p *Ports) Fail(port int, err error) {
	p.mu.Lock()
	p.errs[port] = err
	p.mu.Unlock()
}

// Hang makes every check take d regardless of the context.
func (p *Ports) Hang(d time.Duration) {
	p.mu.Lock()
	p.delay = d
	p.mu.Unlock()
}

func (p *Ports) CheckPort(_ context.Context, port int) (probe.PortState, error) {
	p.mu.Lock()
	delay, err, active := p.delay, p.errs[port], p.active[port]
	p.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return probe.PortState{}, &probe.Error{Op: "check port", Target: strconv.Itoa(port), Err: err}
	}
	return probe.PortState{Active: active}, nil
}

// Output is a fake probe.OutputProbe.
type Output struct {
	mu    sync.Mutex
	lines map[service.Name][]string
	err   error
}

func NewOutput() *Output { return &Output{lines: make(map[service.Name][]string)} }

func (o *Output) Set(name service.Name, lines ...string) {
	o.mu.Lock()
	o.lines[name] = lines
	o.mu.Unlock()
}

func (o *Output) Fail(err error) {
	o.mu.Lock()
	o.err = err
	o.mu.Unlock()
}

func (o *Output) Tail(_ context.Context, name service.Name, n int) ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, &probe.Error{Op: "tail", Target: name.String(), Err: o.err}
	}
	lines := o.lines[name]
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return append([]string(nil), lines...), nil
}

// ErrBoom is a generic failure for scripted collaborators.
var ErrBoom = errors.New("boom")
