package lifecycle

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/svconsole/internal/history"
	"github.com/loykin/svconsole/internal/logbuf"
	"github.com/loykin/svconsole/internal/probe/probetest"
	"github.com/loykin/svconsole/internal/service"
)

type fixture struct {
	reg      *service.Registry
	logs     *logbuf.Buffer
	launcher *probetest.Launcher
	output   *probetest.Output
	ctl      *Controller
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		reg:      service.NewRegistry(nil),
		logs:     logbuf.New(200),
		launcher: probetest.NewLauncher(),
		output:   probetest.NewOutput(),
	}
	if opts.LaunchTimeout == 0 {
		opts.LaunchTimeout = time.Second
	}
	f.ctl = New(f.reg, f.logs, f.launcher, f.launcher, f.output, opts)
	t.Cleanup(f.ctl.Close)
	return f
}

func (f *fixture) messages(source string) []string {
	var out []string
	for _, e := range f.logs.Filter(source) {
		out = append(out, e.Level.String()+": "+e.Message)
	}
	return out
}

func TestStartSuccess(t *testing.T) {
	f := newFixture(t, Options{})
	rec, err := f.ctl.Start(context.Background(), service.Webserver)
	require.NoError(t, err)
	assert.Equal(t, service.Running, rec.Status)
	assert.Greater(t, rec.PID, 0)
	assert.Empty(t, rec.LastError)

	msgs := f.messages("webserver")
	require.Len(t, msgs, 2)
	assert.Equal(t, "success: webserver started (pid 1001)", msgs[0])
	assert.Equal(t, "info: starting webserver", msgs[1])
}

func TestStartFailureGoesToError(t *testing.T) {
	f := newFixture(t, Options{})
	f.launcher.Fail(service.Extract, errors.New("address already in use"))

	rec, err := f.ctl.Start(context.Background(), service.Extract)
	require.NoError(t, err, "launch failures are not returned")
	assert.Equal(t, service.Error, rec.Status)
	assert.Zero(t, rec.PID)
	assert.Contains(t, rec.LastError, "address already in use")

	snap := f.logs.Filter("extract")
	require.NotEmpty(t, snap)
	assert.Equal(t, logbuf.LevelError, snap[0].Level)

	// Error -> Starting is legal, so a retry launches again
	f.launcher.Fail(service.Extract, nil)
	rec, _ = f.ctl.Start(context.Background(), service.Extract)
	assert.Equal(t, service.Running, rec.Status)
	assert.Equal(t, int64(2), f.launcher.Launches.Load())
}

func TestStartTimeout(t *testing.T) {
	f := newFixture(t, Options{LaunchTimeout: 50 * time.Millisecond, StopTimeout: time.Second})
	f.launcher.Delay(service.Task, 300*time.Millisecond)

	began := time.Now()
	rec, err := f.ctl.Start(context.Background(), service.Task)
	require.NoError(t, err)
	assert.Less(t, time.Since(began), 250*time.Millisecond)
	assert.Equal(t, service.Error, rec.Status)
	assert.Contains(t, rec.LastError, "timed out")

	// the launch that completes late is cleaned up
	require.Eventually(t, func() bool {
		return f.launcher.Stops.Load() == 1 && !f.launcher.Running(service.Task)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartUnknownService(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.ctl.Start(context.Background(), "calc")
	assert.ErrorIs(t, err, service.ErrUnknownService)
	assert.Zero(t, f.launcher.Launches.Load())
}

func TestStartWhileRunningIsNoop(t *testing.T) {
	f := newFixture(t, Options{})
	first, _ := f.ctl.Start(context.Background(), service.Webserver)
	second, err := f.ctl.Start(context.Background(), service.Webserver)
	require.NoError(t, err)
	assert.Equal(t, first.PID, second.PID)
	assert.Equal(t, int64(1), f.launcher.Launches.Load())
}

func TestConcurrentStartLaunchesOnce(t *testing.T) {
	f := newFixture(t, Options{})
	release := f.launcher.Gate()

	var wg sync.WaitGroup
	results := make([]service.Record, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = f.ctl.Start(context.Background(), service.Webserver)
		}(i)
	}
	require.Eventually(t, func() bool { return f.launcher.Launches.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	release()
	wg.Wait()

	assert.Equal(t, int64(1), f.launcher.Launches.Load())
	rec, _ := f.reg.Get(service.Webserver)
	assert.Equal(t, service.Running, rec.Status)
}

func TestStop(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	rec, err := f.ctl.Stop(ctx, service.Task)
	require.NoError(t, err)
	assert.Equal(t, service.Stopped, rec.Status, "stop of a stopped service is a no-op")
	assert.Zero(t, f.launcher.Stops.Load())

	_, _ = f.ctl.Start(ctx, service.Task)
	rec, err = f.ctl.Stop(ctx, service.Task)
	require.NoError(t, err)
	assert.Equal(t, service.Stopped, rec.Status)
	assert.Zero(t, rec.PID)
	assert.False(t, f.launcher.Running(service.Task))
}

func TestStopFailureStillStops(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.launcher.FailStop(service.Webserver, errors.New("permission denied"))
	_, _ = f.ctl.Start(ctx, service.Webserver)

	rec, err := f.ctl.Stop(ctx, service.Webserver)
	require.NoError(t, err)
	assert.Equal(t, service.Stopped, rec.Status)

	msgs := f.messages("webserver")
	assert.Contains(t, msgs, "info: webserver stopped")
	assert.Contains(t, msgs, "error: stop webserver reported: permission denied")
}

func TestStopOnErrorIsNoop(t *testing.T) {
	f := newFixture(t, Options{})
	f.launcher.Fail(service.Extract, probetest.ErrBoom)
	_, _ = f.ctl.Start(context.Background(), service.Extract)
	rec, err := f.ctl.Stop(context.Background(), service.Extract)
	require.NoError(t, err)
	assert.Equal(t, service.Error, rec.Status)
}

func TestRefreshDetectsDeath(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, _ = f.ctl.Start(ctx, service.Webserver)
	f.launcher.Kill(service.Webserver)

	rec, err := f.ctl.Refresh(ctx, service.Webserver)
	require.NoError(t, err)
	assert.Equal(t, service.Error, rec.Status)
	assert.Equal(t, "process exited unexpectedly", rec.LastError)
}

func TestRefreshAdoptsRunningProcess(t *testing.T) {
	f := newFixture(t, Options{})
	f.launcher.Adopt(service.Extract, 4242)
	before := f.logs.Len()

	rec, err := f.ctl.Refresh(context.Background(), service.Extract)
	require.NoError(t, err)
	assert.Equal(t, service.Running, rec.Status)
	assert.Equal(t, 4242, rec.PID)
	assert.Equal(t, before+1, f.logs.Len())
}

func TestRefreshUpdatesPIDWithoutLogging(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, _ = f.ctl.Start(ctx, service.Task)
	f.launcher.Adopt(service.Task, 7777)
	before := f.logs.Len()

	rec, _ := f.ctl.Refresh(ctx, service.Task)
	assert.Equal(t, 7777, rec.PID)
	assert.Equal(t, service.Running, rec.Status)
	assert.Equal(t, before, f.logs.Len())
}

func TestRefreshProbeFailureLeavesRecord(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, _ = f.ctl.Start(ctx, service.Task)
	f.launcher.FailProbe(probetest.ErrBoom)
	rec, err := f.ctl.Refresh(ctx, service.Task)
	require.NoError(t, err)
	assert.Equal(t, service.Running, rec.Status)
}

// waitRefreshing runs Refresh of name in the background and returns once
// its process check is under way.
func waitRefreshing(t *testing.T, f *fixture, name service.Name) <-chan service.Record {
	t.Helper()
	done := make(chan service.Record, 1)
	go func() {
		rec, _ := f.ctl.Refresh(context.Background(), name)
		done <- rec
	}()
	time.Sleep(50 * time.Millisecond)
	return done
}

func TestStopDuringRefreshStops(t *testing.T) {
	f := newFixture(t, Options{ProbeTimeout: time.Second})
	ctx := context.Background()
	_, _ = f.ctl.Start(ctx, service.Task)
	f.launcher.SlowProbe(300 * time.Millisecond)

	done := waitRefreshing(t, f, service.Task)
	rec, err := f.ctl.Stop(ctx, service.Task)
	require.NoError(t, err)
	assert.Equal(t, service.Stopped, rec.Status)
	assert.EqualValues(t, 1, f.launcher.Stops.Load())

	// the refresh saw the process alive but must not resurrect the record
	refreshed := <-done
	assert.Equal(t, service.Stopped, refreshed.Status)
	rec, _ = f.reg.Get(service.Task)
	assert.Equal(t, service.Stopped, rec.Status)
	assert.Zero(t, rec.PID)
}

func TestStartDuringRefreshStarts(t *testing.T) {
	f := newFixture(t, Options{ProbeTimeout: time.Second})
	f.launcher.SlowProbe(300 * time.Millisecond)

	done := waitRefreshing(t, f, service.Extract)
	rec, err := f.ctl.Start(context.Background(), service.Extract)
	require.NoError(t, err)
	assert.Equal(t, service.Running, rec.Status)
	assert.EqualValues(t, 1, f.launcher.Launches.Load())

	// the refresh saw no process and must not undo the start
	<-done
	rec, _ = f.reg.Get(service.Extract)
	assert.Equal(t, service.Running, rec.Status)
	assert.NotZero(t, rec.PID)
	assert.True(t, f.launcher.Running(service.Extract))
}

func TestStaleDeathIsIgnoredAfterRestart(t *testing.T) {
	f := newFixture(t, Options{ProbeTimeout: time.Second})
	ctx := context.Background()
	_, _ = f.ctl.Start(ctx, service.Webserver)
	f.launcher.Kill(service.Webserver)
	f.launcher.SlowProbe(300 * time.Millisecond)

	done := waitRefreshing(t, f, service.Webserver)
	_, _ = f.ctl.Stop(ctx, service.Webserver)
	rec, _ := f.ctl.Start(ctx, service.Webserver)
	require.Equal(t, service.Running, rec.Status)

	<-done
	rec, _ = f.reg.Get(service.Webserver)
	assert.Equal(t, service.Running, rec.Status)
	assert.Empty(t, rec.LastError)
}

func TestRefreshAllLogsSummary(t *testing.T) {
	f := newFixture(t, Options{})
	recs := f.ctl.RefreshAll(context.Background())
	assert.Len(t, recs, 3)
	assert.Equal(t, []string{"info: status refreshed"}, f.messages(logbuf.SourceSystem))
}

func TestCaptureOutput(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, _ = f.ctl.CaptureOutput(ctx, service.Extract)
	assert.Equal(t, logbuf.LevelWarning, f.logs.Snapshot()[0].Level)

	f.output.Set(service.Extract, "loading model", "listening on 8001", "ready", "processed 3 docs")
	rec, err := f.ctl.CaptureOutput(ctx, service.Extract)
	require.NoError(t, err)
	assert.Equal(t, "listening on 8001 | ready | processed 3 docs", rec.LastOutput)
	top := f.logs.Snapshot()[0]
	assert.Equal(t, "processed 3 docs", top.Message)
	assert.Equal(t, "extract", top.Source)

	f.output.Fail(probetest.ErrBoom)
	_, err = f.ctl.CaptureOutput(ctx, service.Extract)
	require.NoError(t, err)
	assert.Equal(t, logbuf.LevelError, f.logs.Snapshot()[0].Level)
}

func TestOutputCapturedAfterStart(t *testing.T) {
	f := newFixture(t, Options{OutputCaptureDelay: 20 * time.Millisecond})
	f.output.Set(service.Extract, "extract ready")
	_, _ = f.ctl.Start(context.Background(), service.Extract)

	require.Eventually(t, func() bool {
		rec, _ := f.reg.Get(service.Extract)
		return rec.LastOutput == "extract ready"
	}, time.Second, 5*time.Millisecond)
}

func TestHealthCheckMarksDeadServices(t *testing.T) {
	f := newFixture(t, Options{})
	_, _ = f.ctl.Start(context.Background(), service.Webserver)
	f.ctl.StartHealthCheck(10 * time.Millisecond)
	f.ctl.StartHealthCheck(10 * time.Millisecond) // second call is a no-op
	f.launcher.Kill(service.Webserver)

	require.Eventually(t, func() bool {
		rec, _ := f.reg.Get(service.Webserver)
		return rec.Status == service.Error
	}, time.Second, 5*time.Millisecond)
	f.ctl.StopHealthCheck()
}

type captureSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (c *captureSink) Send(_ context.Context, e history.Event) error {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	return nil
}

func TestHistoryEvents(t *testing.T) {
	sink := &captureSink{}
	f := newFixture(t, Options{History: history.NewRecorder(nil, sink)})
	ctx := context.Background()
	f.launcher.Fail(service.Extract, probetest.ErrBoom)

	_, _ = f.ctl.Start(ctx, service.Webserver)
	_, _ = f.ctl.Start(ctx, service.Extract)
	_, _ = f.ctl.Stop(ctx, service.Webserver)

	var types []history.EventType
	for _, e := range sink.events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []history.EventType{history.EventStart, history.EventError, history.EventStop}, types)
	assert.Equal(t, "extract", sink.events[1].Record.Service)
	assert.NotEmpty(t, sink.events[1].Record.Error)
}

// TestRandomOperationsKeepInvariants interleaves start, stop, refresh and
// simulated crashes from several goroutines and checks every observed
// transition against the state machine.
func TestRandomOperationsKeepInvariants(t *testing.T) {
	f := newFixture(t, Options{LaunchTimeout: 30 * time.Millisecond})
	f.launcher.Delay(service.Task, 5*time.Millisecond)
	f.launcher.Fail(service.Extract, probetest.ErrBoom)

	var mu sync.Mutex
	var bad []service.Change
	f.reg.OnTransition(func(c service.Change) {
		if !service.CanTransition(c.From, c.Record.Status) ||
			(c.Record.PID != 0) != (c.Record.Status == service.Running) ||
			(c.Record.LastError != "" && c.Record.Status != service.Error) {
			mu.Lock()
			bad = append(bad, c)
			mu.Unlock()
		}
	})

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			ctx := context.Background()
			for i := 0; i < 100; i++ {
				name := service.All[r.Intn(len(service.All))]
				switch r.Intn(4) {
				case 0:
					_, _ = f.ctl.Start(ctx, name)
				case 1:
					_, _ = f.ctl.Stop(ctx, name)
				case 2:
					_, _ = f.ctl.Refresh(ctx, name)
				case 3:
					f.launcher.Kill(name)
				}
			}
		}(int64(g))
	}
	wg.Wait()

	assert.Empty(t, bad)
	for _, rec := range f.reg.Snapshot() {
		assert.NotEqual(t, service.Starting, rec.Status, "%s left in starting", rec.Name)
	}
}
