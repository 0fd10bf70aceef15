// Package diagnostics probes ports, processes and service output and turns
// the results into reports with recommendations.
package diagnostics

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/loykin/svconsole/internal/logbuf"
	"github.com/loykin/svconsole/internal/metrics"
	"github.com/loykin/svconsole/internal/probe"
	"github.com/loykin/svconsole/internal/service"
)

// Port status texts.
const (
	PortRunning    = "running"
	PortNotRunning = "not running"
	PortUnknown    = "unknown"
)

// Process status texts.
const (
	ProcessRunning    = "running"
	ProcessNotRunning = "not running"
	ProcessUnknown    = "unknown"
)

const (
	DefaultProbeTimeout = 3 * time.Second
	DefaultTailLines    = 5
)

type PortStatus struct {
	Active bool   `json:"active"`
	Status string `json:"status"`
}

type ProcessStatus struct {
	Running    bool    `json:"running"`
	PID        int     `json:"pid,omitempty"`
	Status     string  `json:"status"`
	MemoryRSS  uint64  `json:"memory_rss,omitempty"`
	CPUPercent float64 `json:"cpu_percent,omitempty"`
}

// Report is the result of one full diagnostics pass. Each caller of Run
// owns the report it gets back.
type Report struct {
	ID               string                          `json:"id"`
	GeneratedAt      time.Time                       `json:"generated_at"`
	BackendConnected bool                            `json:"backend_connected"`
	PortStatuses     map[int]PortStatus              `json:"port_statuses"`
	Services         map[service.Name]service.Record `json:"services"`
	Processes        map[service.Name]ProcessStatus  `json:"processes"`
	Output           map[service.Name][]string       `json:"output,omitempty"`
	Recommendations  []string                        `json:"recommendations"`
}

func (r Report) clone() Report {
	r.PortStatuses = maps.Clone(r.PortStatuses)
	r.Services = maps.Clone(r.Services)
	r.Processes = maps.Clone(r.Processes)
	if r.Output != nil {
		out := make(map[service.Name][]string, len(r.Output))
		for n, lines := range r.Output {
			out[n] = slices.Clone(lines)
		}
		r.Output = out
	}
	r.Recommendations = slices.Clone(r.Recommendations)
	return r
}

type Options struct {
	// Ports maps services to their well-known port. Services without an
	// entry have no port.
	Ports        map[service.Name]int
	ProbeTimeout time.Duration
	TailLines    int
	Logger       *slog.Logger
}

// Aggregator runs diagnostics against the probe collaborators. It never
// changes service records.
type Aggregator struct {
	reg    *service.Registry
	logs   *logbuf.Buffer
	procs  probe.ProcessProbe
	ports  probe.PortProbe
	output probe.OutputProbe
	opts   Options
	log    *slog.Logger

	runs singleflight.Group
}

// New builds an Aggregator. output may be nil.
func New(reg *service.Registry, logs *logbuf.Buffer, procs probe.ProcessProbe, ports probe.PortProbe, output probe.OutputProbe, opts Options) *Aggregator {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.TailLines <= 0 {
		opts.TailLines = DefaultTailLines
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	known := make(map[service.Name]int, len(opts.Ports))
	for n, p := range opts.Ports {
		if p > 0 {
			known[n] = p
		}
	}
	opts.Ports = known
	return &Aggregator{
		reg:    reg,
		logs:   logs,
		procs:  procs,
		ports:  ports,
		output: output,
		opts:   opts,
		log:    opts.Logger.With("component", "diagnostics"),
	}
}

// Port returns the well-known port of name, if it has one.
func (a *Aggregator) Port(name service.Name) (int, bool) {
	p, ok := a.opts.Ports[name]
	return p, ok
}

// WellKnownPorts lists configured ports in registry order.
func (a *Aggregator) WellKnownPorts() []int {
	var out []int
	seen := make(map[int]bool)
	for _, n := range a.reg.Names() {
		if p, ok := a.opts.Ports[n]; ok && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// pass collects probe results for one diagnostics run.
type pass struct {
	mu     sync.Mutex
	ports  map[int]PortStatus
	procs  map[service.Name]ProcessStatus
	output map[service.Name][]string
	failed atomic.Bool
}

func newPass() *pass {
	return &pass{
		ports:  make(map[int]PortStatus),
		procs:  make(map[service.Name]ProcessStatus),
		output: make(map[service.Name][]string),
	}
}

func (a *Aggregator) checkPort(ctx context.Context, p *pass, port int) {
	st, err := probe.Call(ctx, a.opts.ProbeTimeout, "check port", strconv.Itoa(port),
		func(ctx context.Context) (probe.PortState, error) { return a.ports.CheckPort(ctx, port) }, nil)
	ps := PortStatus{Status: PortUnknown}
	if err != nil {
		p.failed.Store(true)
		a.log.Debug("port probe failed", "port", port, "error", err)
	} else if st.Active {
		ps = PortStatus{Active: true, Status: PortRunning}
	} else {
		ps.Status = PortNotRunning
	}
	metrics.SetPortActive(strconv.Itoa(port), ps.Active)
	p.mu.Lock()
	p.ports[port] = ps
	p.mu.Unlock()
}

func (a *Aggregator) checkProcess(ctx context.Context, p *pass, name service.Name) {
	st, err := probe.Call(ctx, a.opts.ProbeTimeout, "process probe", name.String(),
		func(ctx context.Context) (probe.ProcessState, error) { return a.procs.IsRunning(ctx, name) }, nil)
	ps := ProcessStatus{Status: ProcessUnknown}
	if err != nil {
		p.failed.Store(true)
		a.log.Debug("process probe failed", "service", name, "error", err)
	} else {
		ps = ProcessStatus{Running: st.Running, Status: ProcessNotRunning}
		if st.Running {
			ps.PID = st.PID
			ps.Status = ProcessRunning
			ps.MemoryRSS = st.MemoryRSS
			ps.CPUPercent = st.CPUPercent
		}
		metrics.SetResourceUsage(name.String(), ps.MemoryRSS, ps.CPUPercent)
	}
	p.mu.Lock()
	p.procs[name] = ps
	p.mu.Unlock()
}

func (a *Aggregator) tail(ctx context.Context, p *pass, name service.Name) {
	if a.output == nil {
		return
	}
	lines, err := a.tailLines(ctx, name)
	if err != nil {
		p.failed.Store(true)
		a.log.Debug("output probe failed", "service", name, "error", err)
		return
	}
	if len(lines) == 0 {
		return
	}
	p.mu.Lock()
	p.output[name] = lines
	p.mu.Unlock()
}

func (a *Aggregator) tailLines(ctx context.Context, name service.Name) ([]string, error) {
	return probe.Call(ctx, a.opts.ProbeTimeout, "tail", name.String(),
		func(ctx context.Context) ([]string, error) { return a.output.Tail(ctx, name, a.opts.TailLines) }, nil)
}

// Run performs a full diagnostics pass. Concurrent callers share one pass,
// which is not cut short when the caller that started it goes away; each
// probe is still bounded by the probe timeout. Every caller gets its own copy.
func (a *Aggregator) Run(ctx context.Context) Report {
	v, _, _ := a.runs.Do("run", func() (any, error) {
		return a.run(context.WithoutCancel(ctx)), nil
	})
	return v.(Report).clone()
}

func (a *Aggregator) run(ctx context.Context) Report {
	a.logs.Add(logbuf.SourceSystem, logbuf.LevelInfo, "running full diagnostics")

	p := newPass()
	g, gctx := errgroup.WithContext(ctx)
	for _, port := range a.WellKnownPorts() {
		g.Go(func() error { a.checkPort(gctx, p, port); return nil })
	}
	for _, n := range a.reg.Names() {
		g.Go(func() error { a.checkProcess(gctx, p, n); return nil })
		g.Go(func() error { a.tail(gctx, p, n); return nil })
	}
	_ = g.Wait()

	services := make(map[service.Name]service.Record)
	for _, rec := range a.reg.Snapshot() {
		services[rec.Name] = rec
	}
	r := Report{
		ID:               uuid.NewString(),
		GeneratedAt:      time.Now(),
		BackendConnected: !p.failed.Load(),
		PortStatuses:     p.ports,
		Services:         services,
		Processes:        p.procs,
		Output:           p.output,
	}
	r.Recommendations = a.recommend(a.reg.Names(), r)
	metrics.IncDiagnosticsRun(r.BackendConnected)

	if r.BackendConnected {
		a.logs.Add(logbuf.SourceSystem, logbuf.LevelSuccess, "full diagnostics complete")
	} else {
		a.logs.Add(logbuf.SourceSystem, logbuf.LevelWarning, "full diagnostics complete, some probes did not answer")
	}
	a.log.Info("diagnostics finished", "id", r.ID, "connected", r.BackendConnected, "recommendations", len(r.Recommendations))
	return r
}

// recommend derives ordered recommendations for names from a report.
func (a *Aggregator) recommend(names []service.Name, r Report) []string {
	out := []string{}
	for _, n := range names {
		rec, ok := r.Services[n]
		if !ok {
			continue
		}
		port, hasPort := a.opts.Ports[n]
		portActive := hasPort && r.PortStatuses[port].Active

		switch rec.Status {
		case service.Stopped, service.Error:
			if !portActive {
				out = append(out, fmt.Sprintf("start service %s", n))
				if hasPort {
					out = append(out, fmt.Sprintf("check port %d configuration", port))
				}
			}
			if rec.Status == service.Error {
				out = append(out, fmt.Sprintf("inspect last error of %s: %s", n, rec.LastError))
			}
		case service.Running:
			if hasPort && !portActive {
				out = append(out, fmt.Sprintf("check port %d configuration for %s", port, n))
			}
			if ps, ok := r.Processes[n]; ok && ps.Status == ProcessNotRunning {
				out = append(out, fmt.Sprintf("refresh status of %s", n))
			}
		}
	}
	return out
}

// CheckPorts probes every well-known port.
func (a *Aggregator) CheckPorts(ctx context.Context) map[int]PortStatus {
	a.logs.Add(logbuf.SourceSystem, logbuf.LevelInfo, "checking ports")
	p := newPass()
	var g errgroup.Group
	ports := a.WellKnownPorts()
	for _, port := range ports {
		g.Go(func() error { a.checkPort(ctx, p, port); return nil })
	}
	_ = g.Wait()

	parts := make([]string, 0, len(ports))
	for _, port := range ports {
		parts = append(parts, fmt.Sprintf("%d=%s", port, p.ports[port].Status))
	}
	a.logs.Add(logbuf.SourceSystem, logbuf.LevelInfo, "port check complete: %s", strings.Join(parts, ", "))
	return p.ports
}

// CheckProcesses asks the process probe about every service.
func (a *Aggregator) CheckProcesses(ctx context.Context) map[service.Name]ProcessStatus {
	a.logs.Add(logbuf.SourceSystem, logbuf.LevelInfo, "checking processes")
	p := newPass()
	var g errgroup.Group
	for _, n := range a.reg.Names() {
		g.Go(func() error { a.checkProcess(ctx, p, n); return nil })
	}
	_ = g.Wait()
	if p.failed.Load() {
		a.logs.Add(logbuf.SourceSystem, logbuf.LevelWarning, "process check complete, some probes did not answer")
	} else {
		a.logs.Add(logbuf.SourceSystem, logbuf.LevelInfo, "process check complete")
	}
	return p.procs
}

// GetLogs returns the latest output lines of name. Probe failures are
// logged and yield an empty slice.
func (a *Aggregator) GetLogs(ctx context.Context, name service.Name) ([]string, error) {
	if _, err := a.reg.Get(name); err != nil {
		return nil, err
	}
	if a.output == nil {
		return []string{}, nil
	}
	lines, err := a.tailLines(ctx, name)
	if err != nil {
		a.logs.Add(name.String(), logbuf.LevelError, "failed to fetch %s logs: %v", name, err)
		return []string{}, nil
	}
	if lines == nil {
		lines = []string{}
	}
	return lines, nil
}

// TestPort checks a single port and logs the outcome.
func (a *Aggregator) TestPort(ctx context.Context, port int) PortStatus {
	a.logs.Add(logbuf.SourceSystem, logbuf.LevelInfo, "testing port %d", port)
	p := newPass()
	a.checkPort(ctx, p, port)
	ps := p.ports[port]
	switch {
	case ps.Active:
		a.logs.Add(logbuf.SourceSystem, logbuf.LevelSuccess, "port %d is accepting connections", port)
	case ps.Status == PortUnknown:
		a.logs.Add(logbuf.SourceSystem, logbuf.LevelError, "port %d could not be tested", port)
	default:
		a.logs.Add(logbuf.SourceSystem, logbuf.LevelError, "port %d is not accepting connections", port)
	}
	return ps
}

// Troubleshoot runs diagnostics restricted to name and logs every
// recommendation as a warning.
func (a *Aggregator) Troubleshoot(ctx context.Context, name service.Name) ([]string, error) {
	if _, err := a.reg.Get(name); err != nil {
		return nil, err
	}
	a.logs.Add(logbuf.SourceSystem, logbuf.LevelInfo, "troubleshooting %s", name)

	p := newPass()
	var g errgroup.Group
	if port, ok := a.opts.Ports[name]; ok {
		g.Go(func() error { a.checkPort(ctx, p, port); return nil })
	}
	g.Go(func() error { a.checkProcess(ctx, p, name); return nil })
	_ = g.Wait()

	rec, _ := a.reg.Get(name)
	recs := a.recommend([]service.Name{name}, Report{
		PortStatuses: p.ports,
		Services:     map[service.Name]service.Record{name: rec},
		Processes:    p.procs,
	})
	if len(recs) == 0 {
		a.logs.Add(logbuf.SourceSystem, logbuf.LevelSuccess, "troubleshooting %s finished, no problems found", name)
		return recs, nil
	}
	a.logs.Add(logbuf.SourceSystem, logbuf.LevelInfo, "troubleshooting %s finished", name)
	for _, r := range recs {
		a.logs.Add(logbuf.SourceSystem, logbuf.LevelWarning, "recommendation: %s", r)
	}
	return recs, nil
}

// SortedPorts returns the keys of m in ascending order.
func SortedPorts(m map[int]PortStatus) []int {
	out := make([]int, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}
