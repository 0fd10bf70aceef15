//go:build !windows

package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/svconsole/internal/logger"
	"github.com/loykin/svconsole/internal/probe"
	"github.com/loykin/svconsole/internal/service"
)

func TestBuildCommand(t *testing.T) {
	tests := []struct {
		name string
		cmd  string
		argv []string
	}{
		{"direct", "echo hello", []string{"echo", "hello"}},
		{"meta", "echo hi | wc -c", []string{"/bin/sh", "-c", "echo hi | wc -c"}},
		{"explicit shell", "sh -c 'echo hi > /dev/null'", []string{"/bin/sh", "-c", "echo hi > /dev/null"}},
		{"empty", "  ", []string{"/bin/true"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Spec{Name: "x", Command: tt.cmd}.BuildCommand()
			assert.Equal(t, tt.argv, c.Args)
		})
	}
}

func TestSpecValidate(t *testing.T) {
	assert.NoError(t, Spec{Name: "task", Command: "sleep 1"}.Validate())
	assert.ErrorContains(t, Spec{Name: " ", Command: "x"}.Validate(), "requires name")
	assert.ErrorContains(t, Spec{Name: "task"}.Validate(), "requires command")
	assert.Error(t, Spec{Name: "task", Command: "x", StartDuration: -time.Second}.Validate())
}

func TestProcessStartStop(t *testing.T) {
	dir := t.TempDir()
	pidfile := filepath.Join(dir, "run", "svc.pid")
	p := New(Spec{Name: "svc", Command: "sleep 30", PIDFile: pidfile})
	require.NoError(t, p.Start(nil))
	require.True(t, p.Alive())
	require.Greater(t, p.PID(), 0)

	pid, meta, err := ReadPIDFile(pidfile)
	require.NoError(t, err)
	assert.Equal(t, p.PID(), pid)
	assert.Greater(t, meta.StartUnix, int64(0))

	require.NoError(t, p.Stop(2*time.Second))
	assert.False(t, p.Alive())
	_, err = os.Stat(pidfile)
	assert.True(t, errors.Is(err, os.ErrNotExist), "pidfile should be removed after exit")

	assert.Error(t, p.Start(nil), "a Process is single-use")
}

func TestProcessStopEscalatesToKill(t *testing.T) {
	p := New(Spec{Name: "stubborn", Command: "sh -c 'trap \"\" TERM; sleep 30'"})
	require.NoError(t, p.Start(nil))
	time.Sleep(100 * time.Millisecond)
	start := time.Now()
	require.NoError(t, p.Stop(200*time.Millisecond))
	assert.False(t, p.Alive())
	assert.Less(t, time.Since(start), killGrace+time.Second)
}

func TestEnforceStartDuration(t *testing.T) {
	quick := New(Spec{Name: "quick", Command: "sh -c 'exit 3'"})
	require.NoError(t, quick.Start(nil))
	err := quick.EnforceStartDuration(context.Background(), time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "before start duration")

	slow := New(Spec{Name: "slow", Command: "sleep 5"})
	require.NoError(t, slow.Start(nil))
	defer func() { _ = slow.Stop(time.Second) }()
	require.NoError(t, slow.EnforceStartDuration(context.Background(), 100*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, slow.EnforceStartDuration(ctx, time.Minute), context.Canceled)
}

func TestProcessOutputToRotatingFiles(t *testing.T) {
	dir := t.TempDir()
	p := New(Spec{Name: "echoer", Command: "sh -c 'echo one; echo two; echo oops 1>&2'", Log: logger.FileConfig{Dir: dir}})
	require.NoError(t, p.Start(nil))
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	lines, err := logger.Tail(filepath.Join(dir, "echoer.stdout.log"), 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, lines)
	errLines, _ := logger.Tail(filepath.Join(dir, "echoer.stderr.log"), 5)
	assert.Equal(t, []string{"oops"}, errLines)
}

func TestPIDFileRoundTripAndLegacy(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.pid")
	require.NoError(t, WritePIDFile(p, 1234, PIDMeta{StartUnix: 99}))
	pid, meta, err := ReadPIDFile(p)
	require.NoError(t, err)
	assert.Equal(t, 1234, pid)
	assert.Equal(t, int64(99), meta.StartUnix)

	require.NoError(t, os.WriteFile(p, []byte("4321\n"), 0o600))
	pid, meta, err = ReadPIDFile(p)
	require.NoError(t, err)
	assert.Equal(t, 4321, pid)
	assert.Zero(t, meta.StartUnix)

	require.NoError(t, os.WriteFile(p, []byte("abc"), 0o600))
	_, _, err = ReadPIDFile(p)
	assert.Error(t, err)
}

func TestPIDFileDetector(t *testing.T) {
	dir := t.TempDir()
	pf := filepath.Join(dir, "x.pid")
	d := PIDFileDetector{PIDFile: pf}
	ctx := context.Background()

	alive, _, err := d.Alive(ctx)
	require.NoError(t, err)
	assert.False(t, alive)

	self := os.Getpid()
	require.NoError(t, os.WriteFile(pf, []byte(strconv.Itoa(self)), 0o600))
	alive, pid, err := d.Alive(ctx)
	require.NoError(t, err)
	assert.True(t, alive)
	assert.Equal(t, self, pid)

	// recorded start time that does not match means the pid was reused
	require.NoError(t, WritePIDFile(pf, self, PIDMeta{StartUnix: 1}))
	alive, _, err = d.Alive(ctx)
	require.NoError(t, err)
	assert.False(t, alive)
	assert.True(t, strings.HasPrefix(d.Describe(), "pidfile:"))
}

func TestCommandDetector(t *testing.T) {
	ctx := context.Background()
	alive, _, err := CommandDetector{Command: "true"}.Alive(ctx)
	require.NoError(t, err)
	assert.True(t, alive)

	alive, _, err = CommandDetector{Command: "sh -c 'exit 3'"}.Alive(ctx)
	require.NoError(t, err)
	assert.False(t, alive)

	_, _, err = CommandDetector{Command: "__definitely_not_exists__"}.Alive(ctx)
	assert.Error(t, err)
}

func newTestSupervisor(t *testing.T, specs map[service.Name]Spec) *Supervisor {
	t.Helper()
	s, err := NewSupervisor(specs, WithStopWait(time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func TestSupervisorLaunchProbeStop(t *testing.T) {
	dir := t.TempDir()
	s := newTestSupervisor(t, map[service.Name]Spec{
		service.Webserver: {Command: "sh -c 'echo ready; sleep 30'", Log: logger.FileConfig{Dir: dir}},
	})
	ctx := context.Background()

	h, err := s.Launch(ctx, service.Webserver)
	require.NoError(t, err)
	require.Greater(t, h.PID, 0)

	again, err := s.Launch(ctx, service.Webserver)
	require.NoError(t, err)
	assert.Equal(t, h.PID, again.PID, "launch of a live service returns the same pid")

	st, err := s.IsRunning(ctx, service.Webserver)
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, h.PID, st.PID)

	require.Eventually(t, func() bool {
		lines, _ := s.Tail(ctx, service.Webserver, 3)
		return len(lines) == 1 && lines[0] == "ready"
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, s.Stop(ctx, service.Webserver))
	st, err = s.IsRunning(ctx, service.Webserver)
	require.NoError(t, err)
	assert.False(t, st.Running)
}

func TestSupervisorLaunchFailures(t *testing.T) {
	s := newTestSupervisor(t, map[service.Name]Spec{
		service.Task:    {Command: "__no_such_binary__ --flag"},
		service.Extract: {Command: "sh -c 'exit 1'", StartDuration: 500 * time.Millisecond},
	})
	ctx := context.Background()

	_, err := s.Launch(ctx, service.Task)
	assert.ErrorIs(t, err, probe.ErrLaunch)

	_, err = s.Launch(ctx, service.Extract)
	assert.ErrorIs(t, err, probe.ErrLaunch)
	assert.Contains(t, err.Error(), "before start duration")

	_, err = s.Launch(ctx, service.Webserver)
	assert.ErrorIs(t, err, probe.ErrLaunch)
}

func TestSupervisorDetectsExternalProcessByPIDFile(t *testing.T) {
	dir := t.TempDir()
	pf := filepath.Join(dir, "extract.pid")
	external := New(Spec{Name: "external", Command: "sleep 30"})
	require.NoError(t, external.Start(nil))
	defer func() { _ = external.Stop(time.Second) }()
	require.NoError(t, WritePIDFile(pf, external.PID(), PIDMeta{}))

	s := newTestSupervisor(t, map[service.Name]Spec{
		service.Extract: {Command: "sleep 30", PIDFile: pf},
	})
	ctx := context.Background()
	st, err := s.IsRunning(ctx, service.Extract)
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, external.PID(), st.PID)

	require.NoError(t, s.Stop(ctx, service.Extract))
	select {
	case <-external.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("external process not stopped")
	}
}

func TestNewSupervisorRejectsInvalidSpec(t *testing.T) {
	_, err := NewSupervisor(map[service.Name]Spec{service.Task: {}})
	assert.Error(t, err)
}
