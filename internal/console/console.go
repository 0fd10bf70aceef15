// Package console wires the registry, the log view, lifecycle control,
// diagnostics and orchestration into one owned object.
package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/svconsole/internal/config"
	"github.com/loykin/svconsole/internal/cron"
	"github.com/loykin/svconsole/internal/diagnostics"
	"github.com/loykin/svconsole/internal/history"
	"github.com/loykin/svconsole/internal/history/factory"
	"github.com/loykin/svconsole/internal/lifecycle"
	"github.com/loykin/svconsole/internal/logbuf"
	"github.com/loykin/svconsole/internal/metrics"
	"github.com/loykin/svconsole/internal/orchestrator"
	"github.com/loykin/svconsole/internal/probe"
	"github.com/loykin/svconsole/internal/process"
	"github.com/loykin/svconsole/internal/service"
)

// Collaborators are the probes and launcher the console drives. Output may
// be nil.
type Collaborators struct {
	Launcher  probe.Launcher
	Processes probe.ProcessProbe
	Ports     probe.PortProbe
	Output    probe.OutputProbe
}

type Options struct {
	Services    []service.Name // nil means service.All
	LogCapacity int
	Ports       map[service.Name]int // nil means service.DefaultPorts

	LaunchTimeout      time.Duration
	StopTimeout        time.Duration
	ProbeTimeout       time.Duration
	OutputCaptureDelay time.Duration
	TailLines          int

	StartDelay  time.Duration
	StartDelays map[service.Name]time.Duration

	HealthCheckInterval time.Duration // 0 disables the background health check

	Logger  *slog.Logger
	History *history.Recorder
}

// Console is the entry point for every operation on the supervised
// services. It is safe for concurrent use.
type Console struct {
	reg  *service.Registry
	logs *logbuf.Buffer
	ctl  *lifecycle.Controller
	diag *diagnostics.Aggregator
	orch *orchestrator.Orchestrator
	hist *history.Recorder
	log  *slog.Logger

	mu       sync.Mutex
	shutdown []func(context.Context) error
}

func New(c Collaborators, opts Options) (*Console, error) {
	if c.Launcher == nil || c.Processes == nil || c.Ports == nil {
		return nil, errors.New("console requires a launcher, a process probe and a port probe")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Ports == nil {
		opts.Ports = service.DefaultPorts
	}
	reg := service.NewRegistry(opts.Services)
	logs := logbuf.New(opts.LogCapacity)
	log := opts.Logger.With("component", "console")
	logs.SetObserver(mirror(log, logs))

	ctl := lifecycle.New(reg, logs, c.Launcher, c.Processes, c.Output, lifecycle.Options{
		LaunchTimeout:      opts.LaunchTimeout,
		StopTimeout:        opts.StopTimeout,
		ProbeTimeout:       opts.ProbeTimeout,
		OutputCaptureDelay: opts.OutputCaptureDelay,
		TailLines:          opts.TailLines,
		Logger:             opts.Logger,
		History:            opts.History,
	})
	cons := &Console{
		reg:  reg,
		logs: logs,
		ctl:  ctl,
		diag: diagnostics.New(reg, logs, c.Processes, c.Ports, c.Output, diagnostics.Options{
			Ports:        opts.Ports,
			ProbeTimeout: opts.ProbeTimeout,
			Logger:       opts.Logger,
		}),
		orch: orchestrator.New(reg, logs, ctl, orchestrator.Options{
			StartDelay: opts.StartDelay,
			Delays:     opts.StartDelays,
			Logger:     opts.Logger,
		}),
		hist: opts.History,
		log:  log,
	}
	if opts.HealthCheckInterval > 0 {
		ctl.StartHealthCheck(opts.HealthCheckInterval)
	}
	return cons, nil
}

// mirror copies console entries to the operational logger and metrics.
func mirror(log *slog.Logger, logs *logbuf.Buffer) logbuf.Observer {
	return func(e logbuf.Entry) {
		lvl := slog.LevelInfo
		switch e.Level {
		case logbuf.LevelWarning:
			lvl = slog.LevelWarn
		case logbuf.LevelError:
			lvl = slog.LevelError
		}
		log.LogAttrs(context.Background(), lvl, e.Message,
			slog.String("source", e.Source), slog.String("level", e.Level.String()))
		metrics.IncLogEntry(e.Level.String())
		metrics.SetLogBuffered(logs.Len())
	}
}

// FromConfig builds a console backed by real processes: the exec
// supervisor, a TCP port probe and the configured history sinks.
func FromConfig(cfg *config.Config, log *slog.Logger) (*Console, error) {
	if log == nil {
		log = slog.Default()
	}
	env, err := cfg.GlobalEnv()
	if err != nil {
		return nil, fmt.Errorf("global env: %w", err)
	}
	sup, err := process.NewSupervisor(cfg.ProcessSpecs(),
		process.WithEnv(env),
		process.WithStopWait(cfg.Console.StopWait),
		process.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}
	sinks, err := factory.NewSinksFromDSNs(cfg.History.Sinks())
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	var rec *history.Recorder
	if len(sinks) > 0 {
		rec = history.NewRecorder(log, sinks...)
	}

	c, err := New(Collaborators{
		Launcher:  sup,
		Processes: sup,
		Ports:     probe.TCPPortProbe{Host: cfg.Console.ProbeHost},
		Output:    sup,
	}, Options{
		LogCapacity:         cfg.Console.LogCapacity,
		Ports:               cfg.Ports(),
		LaunchTimeout:       cfg.Console.LaunchTimeout,
		StopTimeout:         cfg.Console.StopTimeout,
		ProbeTimeout:        cfg.Console.ProbeTimeout,
		OutputCaptureDelay:  cfg.Console.OutputCaptureDelay,
		TailLines:           cfg.Console.TailLines,
		StartDelay:          cfg.Console.StartDelay,
		StartDelays:         cfg.StartDelays(),
		HealthCheckInterval: cfg.Console.HealthCheckInterval,
		Logger:              log,
		History:             rec,
	})
	if err != nil {
		_ = rec.Close()
		return nil, err
	}
	c.shutdown = append(c.shutdown, sup.Shutdown)
	return c, nil
}

// Lookup parses a service name against the registry.
func (c *Console) Lookup(name string) (service.Name, error) { return c.reg.Lookup(name) }

func (c *Console) Services() []service.Name { return c.reg.Names() }

// Status returns the record of one service.
func (c *Console) Status(name service.Name) (service.Record, error) { return c.reg.Get(name) }

// StatusAll returns every record in registry order.
func (c *Console) StatusAll() []service.Record { return c.reg.Snapshot() }

// Port returns the well-known port of name, if any.
func (c *Console) Port(name service.Name) (int, bool) { return c.diag.Port(name) }

func (c *Console) Start(ctx context.Context, name service.Name) (service.Record, error) {
	return c.ctl.Start(ctx, name)
}

func (c *Console) Stop(ctx context.Context, name service.Name) (service.Record, error) {
	return c.ctl.Stop(ctx, name)
}

func (c *Console) RefreshStatus(ctx context.Context, name service.Name) (service.Record, error) {
	return c.ctl.Refresh(ctx, name)
}

func (c *Console) RefreshAll(ctx context.Context) []service.Record { return c.ctl.RefreshAll(ctx) }

func (c *Console) CaptureOutput(ctx context.Context, name service.Name) (service.Record, error) {
	return c.ctl.CaptureOutput(ctx, name)
}

func (c *Console) StartAll(ctx context.Context) []service.Record { return c.orch.StartAll(ctx) }
func (c *Console) StopAll(ctx context.Context) []service.Record  { return c.orch.StopAll(ctx) }

func (c *Console) RunFullDiagnostics(ctx context.Context) diagnostics.Report {
	return c.diag.Run(ctx)
}

func (c *Console) CheckPorts(ctx context.Context) map[int]diagnostics.PortStatus {
	return c.diag.CheckPorts(ctx)
}

func (c *Console) CheckProcesses(ctx context.Context) map[service.Name]diagnostics.ProcessStatus {
	return c.diag.CheckProcesses(ctx)
}

func (c *Console) GetLogs(ctx context.Context, name service.Name) ([]string, error) {
	return c.diag.GetLogs(ctx, name)
}

func (c *Console) TestPort(ctx context.Context, port int) diagnostics.PortStatus {
	return c.diag.TestPort(ctx, port)
}

func (c *Console) Troubleshoot(ctx context.Context, name service.Name) ([]string, error) {
	return c.diag.Troubleshoot(ctx, name)
}

// Schedule runs full diagnostics and a status refresh on cron schedules.
// Empty schedules are skipped. The scheduler is stopped by Shutdown.
func (c *Console) Schedule(diagnosticsSpec, refreshSpec string) (*cron.Scheduler, error) {
	sch := cron.NewScheduler(cron.WithLogger(c.log))
	if diagnosticsSpec != "" {
		if err := sch.Add(&cron.Job{Name: "diagnostics", Schedule: diagnosticsSpec, Run: func(ctx context.Context) {
			_ = c.RunFullDiagnostics(ctx)
		}}); err != nil {
			return nil, err
		}
	}
	if refreshSpec != "" {
		if err := sch.Add(&cron.Job{Name: "refresh", Schedule: refreshSpec, Run: func(ctx context.Context) {
			_ = c.RefreshAll(ctx)
		}}); err != nil {
			return nil, err
		}
	}
	if err := sch.Start(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.shutdown = append([]func(context.Context) error{func(context.Context) error { sch.Stop(); return nil }}, c.shutdown...)
	c.mu.Unlock()
	return sch, nil
}

// LogSnapshot returns the console log newest-first. A non-empty source
// restricts it to that source.
func (c *Console) LogSnapshot(source string) []logbuf.Entry {
	if source == "" {
		return c.logs.Snapshot()
	}
	return c.logs.Filter(source)
}

func (c *Console) ClearLogs() {
	c.logs.Clear()
	metrics.SetLogBuffered(0)
}

// Log appends an entry to the console log.
func (c *Console) Log(source string, level logbuf.Level, msg string) logbuf.Entry {
	return c.logs.Append(logbuf.Entry{Source: source, Level: level, Message: msg})
}

// Shutdown stops background work, the processes the console launched and
// the history sinks.
func (c *Console) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	fns := c.shutdown
	c.shutdown = nil
	c.mu.Unlock()

	c.ctl.Close()
	var errs []error
	for _, fn := range fns {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.hist.Close(); err != nil {
		errs = append(errs, err)
	}
	err := errors.Join(errs...)
	c.log.Info("console shut down", "error", err)
	return err
}
