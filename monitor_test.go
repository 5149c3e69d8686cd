package impact

import (
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/hugo-lorenzo-mato/impact/internal/config"
	"github.com/hugo-lorenzo-mato/impact/internal/fault"
	"github.com/hugo-lorenzo-mato/impact/internal/logging"
	"github.com/hugo-lorenzo-mato/impact/internal/report"
	"github.com/hugo-lorenzo-mato/impact/internal/state"
)

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	m := &Monitor{procfd: -1, logger: logging.NewNop()}
	m.path = filepath.Join(t.TempDir(), "impact.log")
	m.id = "abc123"
	m.session = "5f0c3ad2-7d5e-4b8e-9f61-0c1a2b3c4d5e"
	t.Cleanup(func() {
		if m.writer != nil {
			m.writer.Close()
		}
		if m.collector != nil {
			m.collector.Close()
		}
		if m.mem != nil {
			m.mem.Close()
		}
		if m.procfd >= 0 {
			unix.Close(m.procfd)
		}
	})
	return m
}

func TestMonitor_OpenReport(t *testing.T) {
	m := newTestMonitor(t)
	require.NoError(t, m.openReport())

	rep, err := report.ParseFile(m.path)
	require.NoError(t, err)
	require.NotNil(t, rep.Application)
	assert.Equal(t, "abc123", rep.Application.ID)
	assert.Equal(t, m.session, rep.Application.Session)
	assert.Equal(t, uint64(unix.Getpid()), rep.Application.PID)
	require.NotNil(t, rep.Environment)
	assert.Equal(t, runtime.GOOS, rep.Environment.Platform)
	assert.Equal(t, runtime.GOARCH, rep.Environment.Arch)
	assert.False(t, rep.Crashed())
}

func TestMonitor_DegradedWithoutReport(t *testing.T) {
	m := &Monitor{procfd: -1}
	cfg := config.Default()
	cfg.Report.Path = filepath.Join(t.TempDir(), "missing", "impact.log")

	m.StartWithConfig(cfg, WithLogger(logging.NewNop()), WithWatcher(false))

	assert.Error(t, m.Err())
	assert.Equal(t, state.Uninitialized, m.State())
	assert.Nil(t, m.signals)
	assert.Nil(t, m.writer)
	assert.NotEmpty(t, m.id, "an empty identifier gets a random one")
}

func TestMonitor_StartOnce(t *testing.T) {
	m := &Monitor{procfd: -1}
	cfg := config.Default()
	cfg.Report.Path = filepath.Join(t.TempDir(), "missing", "first.log")
	m.StartWithConfig(cfg, WithLogger(logging.NewNop()))

	cfg2 := config.Default()
	cfg2.Report.Path = filepath.Join(t.TempDir(), "second.log")
	m.StartWithConfig(cfg2)

	assert.Equal(t, cfg.Report.Path, m.Report())
}

func TestOptions(t *testing.T) {
	m := &Monitor{}
	l := logging.NewNop()
	WithLogger(l)(m)
	WithLogger(nil)(m)
	assert.Same(t, l, m.logger)

	WithWatcher(false)(m)
	require.NotNil(t, m.watcherEnabled)
	assert.False(t, *m.watcherEnabled)
}

func TestMonitor_Capture(t *testing.T) {
	m := newTestMonitor(t)
	require.NoError(t, m.openReport())
	m.prepare()
	require.NotNil(t, m.fc)
	require.NotNil(t, m.unwinder)

	var pcs [16]uintptr
	n := runtime.Callers(1, pcs[:])

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	tid := unix.Gettid()
	m.capture(fault.ExceptionKind(fault.TypeError, "AnException", "something bad happened"), tid, pcs[:n])

	rep, err := report.ParseFile(m.path)
	require.NoError(t, err)
	require.NotNil(t, rep.Exception)
	assert.Equal(t, fault.TypeError, rep.Exception.Type)
	assert.Equal(t, "AnException", rep.Exception.Name)
	assert.Equal(t, "something bad happened", rep.Exception.Message)
	assert.NotEmpty(t, rep.Binaries)

	crashed := rep.CrashedThread()
	require.NotNil(t, crashed)
	assert.Equal(t, uint64(tid), crashed.ID)
	require.Len(t, crashed.Frames, n)
	assert.Equal(t, uint64(pcs[0]), crashed.Frames[0])

	count := 0
	for _, th := range rep.Threads {
		if th.Crashed {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.NotEmpty(t, rep.Threads)
}
