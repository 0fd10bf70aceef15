// Package orchestrator runs lifecycle operations across every registered
// service.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/svconsole/internal/logbuf"
	"github.com/loykin/svconsole/internal/service"
)

// DefaultStartDelay is the gap after each start when a service has no
// delay of its own.
const DefaultStartDelay = time.Second

// Lifecycle is the per-service operation set the orchestrator drives.
type Lifecycle interface {
	Start(ctx context.Context, name service.Name) (service.Record, error)
	Stop(ctx context.Context, name service.Name) (service.Record, error)
}

type Options struct {
	// StartDelay is the default gap between successive starts.
	StartDelay time.Duration
	// Delays overrides the gap after a particular service.
	Delays map[service.Name]time.Duration
	Logger *slog.Logger
}

type Orchestrator struct {
	reg  *service.Registry
	logs *logbuf.Buffer
	lc   Lifecycle
	opts Options
	log  *slog.Logger
}

func New(reg *service.Registry, logs *logbuf.Buffer, lc Lifecycle, opts Options) *Orchestrator {
	if opts.StartDelay <= 0 {
		opts.StartDelay = DefaultStartDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		reg:  reg,
		logs: logs,
		lc:   lc,
		opts: opts,
		log:  opts.Logger.With("component", "orchestrator"),
	}
}

// delayAfter returns the gap to wait after starting name.
func (o *Orchestrator) delayAfter(name service.Name) time.Duration {
	if d, ok := o.opts.Delays[name]; ok && d > 0 {
		return d
	}
	return o.opts.StartDelay
}

// StartAll starts every service in registry order, waiting between starts.
// A service that fails to start is logged and the sequence continues.
// Cancelling ctx abandons the services not started yet; a start already
// under way runs to completion.
func (o *Orchestrator) StartAll(ctx context.Context) []service.Record {
	names := o.reg.Names()
	o.logs.Add(logbuf.SourceSystem, logbuf.LevelInfo, "starting all services")

	running := 0
	for i, n := range names {
		if ctx.Err() != nil {
			o.logs.Add(logbuf.SourceSystem, logbuf.LevelWarning, "start all cancelled before %s", n)
			break
		}
		rec, err := o.lc.Start(context.WithoutCancel(ctx), n)
		switch {
		case err != nil:
			o.logs.Add(logbuf.SourceSystem, logbuf.LevelWarning, "could not start %s: %v", n, err)
		case rec.Status == service.Running:
			running++
		default:
			o.logs.Add(logbuf.SourceSystem, logbuf.LevelWarning, "%s did not start, continuing", n)
		}
		if i == len(names)-1 {
			break
		}
		if !sleep(ctx, o.delayAfter(n)) {
			o.logs.Add(logbuf.SourceSystem, logbuf.LevelWarning, "start all cancelled after %s", n)
			break
		}
	}

	if running == len(names) {
		o.logs.Add(logbuf.SourceSystem, logbuf.LevelSuccess, "all services started")
	} else {
		o.logs.Add(logbuf.SourceSystem, logbuf.LevelWarning, "%d of %d services running", running, len(names))
	}
	o.log.Info("start all finished", "running", running, "total", len(names))
	return o.reg.Snapshot()
}

// StopAll stops every service concurrently and waits for all of them. The
// stops are not cut short by ctx.
func (o *Orchestrator) StopAll(ctx context.Context) []service.Record {
	var g errgroup.Group
	for _, n := range o.reg.Names() {
		g.Go(func() error {
			if _, err := o.lc.Stop(context.WithoutCancel(ctx), n); err != nil {
				o.log.Warn("stop failed", "service", n, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	o.logs.Add(logbuf.SourceSystem, logbuf.LevelInfo, "all services stopped")
	return o.reg.Snapshot()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
