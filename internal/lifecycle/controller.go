package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loykin/svconsole/internal/history"
	"github.com/loykin/svconsole/internal/logbuf"
	"github.com/loykin/svconsole/internal/metrics"
	"github.com/loykin/svconsole/internal/probe"
	"github.com/loykin/svconsole/internal/service"
)

// Defaults applied when Options leaves a field at zero.
const (
	DefaultLaunchTimeout = 10 * time.Second
	DefaultStopTimeout   = 10 * time.Second
	DefaultProbeTimeout  = 3 * time.Second
	DefaultTailLines     = 50
	SnippetLines         = 3
)

// Options tunes a Controller.
type Options struct {
	LaunchTimeout time.Duration
	StopTimeout   time.Duration
	ProbeTimeout  time.Duration
	// OutputCaptureDelay > 0 captures service output that long after every
	// successful start.
	OutputCaptureDelay time.Duration
	TailLines          int
	Logger             *slog.Logger
	History            *history.Recorder
}

func (o Options) withDefaults() Options {
	if o.LaunchTimeout <= 0 {
		o.LaunchTimeout = DefaultLaunchTimeout
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	if o.TailLines <= 0 {
		o.TailLines = DefaultTailLines
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Controller is the only component that calls the Launcher and drives
// service transitions.
type Controller struct {
	reg      *service.Registry
	logs     *logbuf.Buffer
	launcher probe.Launcher
	procs    probe.ProcessProbe
	output   probe.OutputProbe
	opts     Options
	log      *slog.Logger

	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu         sync.Mutex
	healthStop chan struct{}
}

// New wires a controller. output may be nil when service output cannot be
// read.
func New(reg *service.Registry, logs *logbuf.Buffer, launcher probe.Launcher, procs probe.ProcessProbe, output probe.OutputProbe, opts Options) *Controller {
	opts = opts.withDefaults()
	c := &Controller{
		reg:      reg,
		logs:     logs,
		launcher: launcher,
		procs:    procs,
		output:   output,
		opts:     opts,
		log:      opts.Logger.With("component", "lifecycle"),
		closing:  make(chan struct{}),
	}
	reg.OnTransition(observeTransition)
	return c
}

var statusNames = []string{
	service.Stopped.String(), service.Starting.String(),
	service.Running.String(), service.Error.String(),
}

func observeTransition(ch service.Change) {
	name := ch.Record.Name.String()
	metrics.RecordStateTransition(name, ch.From.String(), ch.Record.Status.String())
	metrics.SetCurrentState(name, ch.Record.Status.String(), statusNames)
}

func (c *Controller) record(ctx context.Context, t history.EventType, rec service.Record) {
	if !c.opts.History.Enabled() {
		return
	}
	c.opts.History.Record(context.WithoutCancel(ctx), history.Event{
		Type:       t,
		OccurredAt: rec.UpdatedAt,
		Record: history.Record{
			Service: rec.Name.String(),
			PID:     rec.PID,
			Status:  rec.Status.String(),
			Error:   rec.LastError,
		},
	})
}

// Start launches name. Launch failures and timeouts are reported through
// the record and the log, never as an error; errors are returned only for
// unknown services. A start while another start or stop of the same service
// is in flight, or while it is Starting or Running, returns the current
// record. Refreshes do not block it.
func (c *Controller) Start(ctx context.Context, name service.Name) (service.Record, error) {
	rec, err := c.reg.Get(name)
	if err != nil {
		return rec, err
	}
	if ok, _ := c.reg.TryBegin(name); !ok {
		return rec, nil
	}
	defer c.reg.End(name)

	rec, _ = c.reg.Get(name)
	if rec.Status == service.Starting || rec.Status == service.Running {
		return rec, nil
	}
	if rec, err = c.reg.Transition(name, service.Starting, service.Fields{}); err != nil {
		return rec, err
	}
	c.logs.Add(name.String(), logbuf.LevelInfo, "starting %s", name)

	began := time.Now()
	h, err := probe.Call(ctx, c.opts.LaunchTimeout, "launch", name.String(),
		func(ctx context.Context) (probe.Handle, error) { return c.launcher.Launch(ctx, name) },
		c.cleanupLateLaunch(name))
	metrics.ObserveLaunchDuration(name.String(), time.Since(began).Seconds())
	if err == nil && h.PID <= 0 {
		err = &probe.LaunchError{Service: name.String(), Err: errors.New("launcher returned no pid")}
	}
	if err != nil {
		reason := "launch"
		if errors.Is(err, probe.ErrTimeout) {
			reason = "timeout"
		}
		metrics.IncStartFailure(name.String(), reason)
		rec, _ = c.reg.Transition(name, service.Error, service.Fields{Err: err.Error()})
		c.logs.Add(name.String(), logbuf.LevelError, "failed to start %s: %v", name, err)
		c.log.Warn("start failed", "service", name, "reason", reason, "error", err)
		c.record(ctx, history.EventError, rec)
		return rec, nil
	}

	rec, _ = c.reg.Transition(name, service.Running, service.Fields{PID: h.PID})
	metrics.IncStart(name.String())
	c.logs.Add(name.String(), logbuf.LevelSuccess, "%s started (pid %d)", name, h.PID)
	c.log.Info("service started", "service", name, "pid", h.PID)
	c.record(ctx, history.EventStart, rec)
	c.scheduleCapture(name)
	return rec, nil
}

// cleanupLateLaunch stops a process whose launch succeeded after the start
// had already been reported as timed out.
func (c *Controller) cleanupLateLaunch(name service.Name) probe.Late[probe.Handle] {
	return func(h probe.Handle, err error) {
		if err != nil {
			return
		}
		if rec, _ := c.reg.Get(name); rec.Status == service.Running {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.StopTimeout)
		defer cancel()
		if serr := c.launcher.Stop(ctx, name); serr != nil {
			c.log.Warn("cleanup of late launch failed", "service", name, "pid", h.PID, "error", serr)
			return
		}
		c.logs.Add(name.String(), logbuf.LevelWarning, "stopped %s (pid %d) that came up after its start timed out", name, h.PID)
	}
}

// Stop stops a Running service. Launcher failures are logged and the
// service is still marked Stopped. Stopped, Error and busy services are
// left as they are.
func (c *Controller) Stop(ctx context.Context, name service.Name) (service.Record, error) {
	rec, err := c.reg.Get(name)
	if err != nil {
		return rec, err
	}
	if ok, _ := c.reg.TryBegin(name); !ok {
		return rec, nil
	}
	defer c.reg.End(name)

	rec, _ = c.reg.Get(name)
	if rec.Status != service.Running {
		return rec, nil
	}
	c.logs.Add(name.String(), logbuf.LevelInfo, "stopping %s", name)
	_, err = probe.Call(ctx, c.opts.StopTimeout, "stop", name.String(),
		func(ctx context.Context) (struct{}, error) { return struct{}{}, c.launcher.Stop(ctx, name) }, nil)
	if err != nil {
		c.logs.Add(name.String(), logbuf.LevelError, "stop %s reported: %v", name, err)
		c.log.Warn("stop failed, marking stopped", "service", name, "error", err)
	}
	if rec, err = c.reg.Transition(name, service.Stopped, service.Fields{}); err != nil {
		return rec, err
	}
	metrics.IncStop(name.String())
	c.logs.Add(name.String(), logbuf.LevelInfo, "%s stopped", name)
	c.record(ctx, history.EventStop, rec)
	return rec, nil
}

// Refresh reconciles the record of name with the process probe. It never
// takes the in-flight flag: a refresh that overlaps a start or stop, or
// finds the record changed once the probe answers, discards its result. A
// probe failure leaves the record unchanged. Entries are logged only when
// the status changes.
func (c *Controller) Refresh(ctx context.Context, name service.Name) (service.Record, error) {
	rec, rev, err := c.reg.Revision(name)
	if err != nil {
		return rec, err
	}
	if c.reg.InFlight(name) {
		return rec, nil
	}
	st, err := probe.Call(ctx, c.opts.ProbeTimeout, "process probe", name.String(),
		func(ctx context.Context) (probe.ProcessState, error) { return c.procs.IsRunning(ctx, name) }, nil)
	if err != nil {
		c.log.Debug("refresh probe failed", "service", name, "error", err)
		return c.current(name, rec), nil
	}

	switch rec.Status {
	case service.Running:
		if !st.Running {
			next, ok, _ := c.reg.TransitionIf(name, rev, service.Fields{Err: "process exited unexpectedly"}, service.Error)
			if !ok {
				return next, nil
			}
			c.logs.Add(name.String(), logbuf.LevelError, "%s exited unexpectedly", name)
			c.log.Warn("service exited unexpectedly", "service", name)
			c.record(ctx, history.EventError, next)
			return next, nil
		}
		if st.PID > 0 && st.PID != rec.PID {
			next, _, _ := c.reg.UpdatePIDIf(name, rev, st.PID)
			return next, nil
		}
	case service.Stopped, service.Error:
		if !st.Running || st.PID <= 0 {
			return c.current(name, rec), nil
		}
		next, ok, _ := c.reg.TransitionIf(name, rev, service.Fields{PID: st.PID}, service.Starting, service.Running)
		if !ok {
			return next, nil
		}
		c.logs.Add(name.String(), logbuf.LevelSuccess, "%s is running (pid %d)", name, st.PID)
		c.log.Info("adopted running service", "service", name, "pid", st.PID)
		c.record(ctx, history.EventAdopt, next)
		return next, nil
	}
	return c.current(name, rec), nil
}

// current returns the latest record of name, or fallback.
func (c *Controller) current(name service.Name, fallback service.Record) service.Record {
	if rec, err := c.reg.Get(name); err == nil {
		return rec
	}
	return fallback
}

// RefreshAll refreshes every service in registry order.
func (c *Controller) RefreshAll(ctx context.Context) []service.Record {
	for _, n := range c.reg.Names() {
		if ctx.Err() != nil {
			break
		}
		_, _ = c.Refresh(ctx, n)
	}
	c.logs.Add(logbuf.SourceSystem, logbuf.LevelInfo, "status refreshed")
	return c.reg.Snapshot()
}

// CaptureOutput reads the latest output of name, stores the last lines as
// the record's LastOutput and logs the newest line.
func (c *Controller) CaptureOutput(ctx context.Context, name service.Name) (service.Record, error) {
	rec, err := c.reg.Get(name)
	if err != nil {
		return rec, err
	}
	if c.output == nil {
		c.logs.Add(name.String(), logbuf.LevelWarning, "no output available for %s", name)
		return rec, nil
	}
	lines, err := probe.Call(ctx, c.opts.ProbeTimeout, "tail", name.String(),
		func(ctx context.Context) ([]string, error) { return c.output.Tail(ctx, name, c.opts.TailLines) }, nil)
	if err != nil {
		c.logs.Add(name.String(), logbuf.LevelError, "failed to read %s output: %v", name, err)
		return rec, nil
	}
	if len(lines) == 0 {
		c.logs.Add(name.String(), logbuf.LevelWarning, "no output from %s yet", name)
		return rec, nil
	}
	tail := lines[max(0, len(lines)-SnippetLines):]
	if rec, err = c.reg.SetOutput(name, strings.Join(tail, " | ")); err != nil {
		return rec, err
	}
	c.logs.Add(name.String(), logbuf.LevelInfo, "%s", lines[len(lines)-1])
	return rec, nil
}

func (c *Controller) scheduleCapture(name service.Name) {
	d := c.opts.OutputCaptureDelay
	if d <= 0 || c.output == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-c.closing:
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.ProbeTimeout)
		defer cancel()
		_, _ = c.CaptureOutput(ctx, name)
	}()
}

// StartHealthCheck periodically refreshes Running services so processes
// that died on their own move to Error.
func (c *Controller) StartHealthCheck(interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	c.mu.Lock()
	if c.healthStop != nil {
		c.mu.Unlock()
		return // already running
	}
	stop := make(chan struct{})
	c.healthStop = stop
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				c.checkHealth()
			case <-stop:
				return
			case <-c.closing:
				return
			}
		}
	}()
}

func (c *Controller) checkHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ProbeTimeout*time.Duration(len(c.reg.Names())+1))
	defer cancel()
	for _, rec := range c.reg.Snapshot() {
		if rec.Status == service.Running {
			_, _ = c.Refresh(ctx, rec.Name)
		}
	}
}

// StopHealthCheck stops the loop started by StartHealthCheck.
func (c *Controller) StopHealthCheck() {
	c.mu.Lock()
	ch := c.healthStop
	c.healthStop = nil
	c.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// Close stops background work and waits for it to finish.
func (c *Controller) Close() {
	c.closeOnce.Do(func() { close(c.closing) })
	c.StopHealthCheck()
	c.wg.Wait()
}
