package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// Standard five-field specs, an optional leading seconds field and
// descriptors such as "@every 30s" or "@hourly" are accepted.
var parser = rcron.NewParser(
	rcron.SecondOptional | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor,
)

// Job is a named console task run on a schedule.
//
// Overlap: when a run is still in progress at the next tick that tick is
// skipped.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context)

	running atomic.Bool
	runs    atomic.Int64
	skipped atomic.Int64
}

// Runs reports how many times the job has fired.
func (j *Job) Runs() int64 { return j.runs.Load() }

// Skipped reports how many ticks were skipped because of overlap.
func (j *Job) Skipped() int64 { return j.skipped.Load() }

func (j *Job) validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return errors.New("cron job requires a name")
	}
	if strings.TrimSpace(j.Schedule) == "" {
		return fmt.Errorf("cron job %s requires a schedule", j.Name)
	}
	if j.Run == nil {
		return fmt.Errorf("cron job %s requires a run function", j.Name)
	}
	return nil
}

// ParseSchedule validates a schedule expression.
func ParseSchedule(expr string) (rcron.Schedule, error) {
	s, err := parser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return s, nil
}

// Scheduler runs jobs on a robfig/cron runner. Use Start to begin firing
// and Stop to cancel; Stop waits for running jobs.
type Scheduler struct {
	mu      sync.Mutex
	c       *rcron.Cron
	jobs    map[string]*Job
	ids     map[string]rcron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	log     *slog.Logger
}

type Option func(*Scheduler)

// WithLocation interprets schedules in loc instead of local time.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) { s.c = rcron.New(rcron.WithParser(parser), rcron.WithLocation(loc)) }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

func NewScheduler(opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		c:      rcron.New(rcron.WithParser(parser)),
		jobs:   make(map[string]*Job),
		ids:    make(map[string]rcron.EntryID),
		ctx:    ctx,
		cancel: cancel,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("component", "cron")
	return s
}

// Add registers job. Names must be unique.
func (s *Scheduler) Add(job *Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	sched, err := ParseSchedule(job.Schedule)
	if err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("cron job %q already exists", job.Name)
	}
	s.jobs[job.Name] = job
	s.ids[job.Name] = s.c.Schedule(sched, rcron.FuncJob(func() { s.fire(job) }))
	return nil
}

func (s *Scheduler) fire(j *Job) {
	if !j.running.CompareAndSwap(false, true) {
		j.skipped.Add(1)
		s.log.Debug("skipping overlapping run", "job", j.Name)
		return
	}
	defer j.running.Store(false)
	j.runs.Add(1)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("cron job panicked", "job", j.Name, "panic", r)
		}
	}()
	j.Run(s.ctx)
}

// Start launches the runner.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	s.started = true
	s.c.Start()
	s.log.Info("scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop cancels the job context and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	s.cancel()
	if started {
		<-s.c.Stop().Done()
	}
}

// Next returns the next activation time of every job, keyed by name.
// Times are zero until the scheduler is started.
func (s *Scheduler) Next() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.ids))
	for name, id := range s.ids {
		out[name] = s.c.Entry(id).Next
	}
	return out
}
