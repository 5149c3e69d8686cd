package impact_test

import (
	"errors"
	"flag"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/impact"
	"github.com/hugo-lorenzo-mato/impact/internal/encoding"
	"github.com/hugo-lorenzo-mato/impact/internal/logging"
	"github.com/hugo-lorenzo-mato/impact/internal/report"
	"github.com/hugo-lorenzo-mato/impact/internal/scenario"
)

const (
	scenarioEnv = "IMPACT_TEST_SCENARIO"
	reportEnv   = "IMPACT_TEST_REPORT"
	identifier  = "abc123"
)

// TestMain doubles as the crashing program: with scenarioEnv set the test
// binary starts the monitor and triggers that scenario instead of running
// tests. The report path comes from reportEnv, or else from the first
// argument after the test flags. The watcher copy of the binary never gets
// here; the impact package turns it into the watcher during init.
func TestMain(m *testing.M) {
	if name := os.Getenv(scenarioEnv); name != "" {
		path := os.Getenv(reportEnv)
		if path == "" {
			flag.Parse()
			if flag.NArg() != 1 {
				os.Exit(5)
			}
			path = flag.Arg(0)
		}
		impact.Start(path, identifier, true, impact.WithLogger(logging.NewNop()))
		if name == "normal" {
			os.Exit(0)
		}
		s, ok := scenario.Lookup(name)
		if !ok {
			os.Exit(3)
		}
		s.Trigger()
		os.Exit(4)
	}
	os.Exit(m.Run())
}

func runScenario(t *testing.T, name string) (string, int) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "impact.log")

	cmd := exec.Command(os.Args[0], "-test.run=^$")
	cmd.Env = append(os.Environ(), scenarioEnv+"="+name, reportEnv+"="+path)
	return path, exitCode(t, cmd.Run())
}

// runScenarioWithArgs passes the report path on the command line only, so
// the scenario fails early if its argv is not the one it was started with.
func runScenarioWithArgs(t *testing.T, name string) (string, int) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "impact.log")

	cmd := exec.Command(os.Args[0], "-test.run=^$", "--", path)
	cmd.Env = append(os.Environ(), scenarioEnv+"="+name)
	return path, exitCode(t, cmd.Run())
}

func exitCode(t *testing.T, err error) int {
	t.Helper()

	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	} else {
		require.NoError(t, err)
	}
	return code
}

func readReport(t *testing.T, path string) (*report.Report, string) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	rep, err := report.Parse(strings.NewReader(string(data)))
	require.NoError(t, err)
	return rep, string(data)
}

// waitReport polls until done accepts the report. The watcher writes after
// the crashed process is gone.
func waitReport(t *testing.T, path string, done func(*report.Report) bool) (*report.Report, string) {
	t.Helper()
	assert.Eventually(t, func() bool {
		rep, err := report.ParseFile(path)
		return err == nil && done(rep)
	}, 10*time.Second, 50*time.Millisecond)
	return readReport(t, path)
}

func crashedCount(text string) int {
	return strings.Count(text, "["+report.CategoryThreadCrashed+"]")
}

func TestStart_NormalExit(t *testing.T) {
	path, code := runScenario(t, "normal")
	assert.Equal(t, 0, code)

	rep, text := readReport(t, path)
	assert.Contains(t, text, "[Application] id: "+encoding.Encode(identifier))
	assert.Contains(t, text, "[Environment] platform: linux")
	require.NotNil(t, rep.Application)
	assert.Equal(t, identifier, rep.Application.ID)
	assert.NotEmpty(t, rep.Application.Session)
	assert.Positive(t, rep.Application.PID)
	assert.False(t, rep.Crashed())
	assert.Nil(t, rep.Signal)
	assert.Nil(t, rep.Exception)
	assert.Empty(t, rep.Threads)
}

func TestRaise_Abort(t *testing.T) {
	path, code := runScenario(t, "abort")
	assert.Equal(t, 0, code, "suppressed reports exit cleanly")

	rep, text := readReport(t, path)
	assert.Contains(t, text, "[Signal] signal: 0x6,")
	assert.Equal(t, 1, crashedCount(text))
	require.NotNil(t, rep.Signal)
	assert.Equal(t, "SIGABRT", rep.Signal.Name)
	assert.NotEmpty(t, rep.Binaries)

	crashed := rep.CrashedThread()
	require.NotNil(t, crashed)
	assert.Greater(t, len(rep.Threads), 1, "every thread is captured")
	require.NotNil(t, crashed.State, "the raising thread is parked in a syscall")
	assert.NotZero(t, crashed.State.PC)
}

func TestRaise_OtherSignals(t *testing.T) {
	for name, signo := range map[string]string{
		"segv":    "0xb",
		"illegal": "0x4",
		"trap":    "0x5",
		"bus":     "0x7",
		"fpe":     "0x8",
		"sys":     "0x1f",
	} {
		t.Run(name, func(t *testing.T) {
			path, code := runScenario(t, name)
			assert.Equal(t, 0, code)
			_, text := readReport(t, path)
			assert.Contains(t, text, "[Signal] signal: "+signo+",")
			assert.Equal(t, 1, crashedCount(text))
		})
	}
}

func TestWatcher_NilDereference(t *testing.T) {
	path, code := runScenario(t, "nil")
	assert.Equal(t, 2, code, "the runtime exits with status 2 in suppress mode")

	rep, text := waitReport(t, path, func(r *report.Report) bool {
		c := r.CrashedThread()
		return r.Signal != nil && c != nil && len(c.Frames) > 0
	})
	assert.Contains(t, text, "[Signal] signal: 0xb,")
	assert.Equal(t, 1, crashedCount(text))
	require.NotNil(t, rep.Signal)
	assert.NotZero(t, rep.Signal.PC)
	require.NotNil(t, rep.CrashedThread())
	assert.NotEmpty(t, rep.CrashedThread().Frames)
}

func TestWatcher_ReportPathFromArgs(t *testing.T) {
	path, code := runScenarioWithArgs(t, "nil")
	assert.Equal(t, 2, code)

	rep, text := waitReport(t, path, func(r *report.Report) bool {
		c := r.CrashedThread()
		return r.Signal != nil && c != nil && len(c.Frames) > 0
	})
	assert.Contains(t, text, "[Signal] signal: 0xb,")
	assert.Equal(t, 1, crashedCount(text))
	require.NotNil(t, rep.Application)
	assert.Equal(t, identifier, rep.Application.ID)
}

// faultCount counts fault lines; a report holds at most one.
func faultCount(text string) int {
	return strings.Count(text, "["+report.CategorySignal+"]") +
		strings.Count(text, "["+report.CategoryException+"]")
}

func TestRaise_RuntimeCrashDuringReport(t *testing.T) {
	for i := 0; i < 5; i++ {
		path, _ := runScenario(t, "abort-race")

		waitReport(t, path, func(r *report.Report) bool {
			return r.Signal != nil || r.Exception != nil
		})
		// Give a watcher that was still reading a chance to append.
		time.Sleep(500 * time.Millisecond)

		_, text := readReport(t, path)
		assert.Equal(t, 1, faultCount(text), "run %d:\n%s", i, text)
		assert.LessOrEqual(t, crashedCount(text), 1, "run %d", i)
	}
}

func TestWatcher_GoroutinePanic(t *testing.T) {
	path, code := runScenario(t, "goroutine-panic")
	assert.Equal(t, 2, code)

	rep, text := waitReport(t, path, func(r *report.Report) bool {
		return r.Exception != nil && r.CrashedThread() != nil
	})
	assert.Equal(t, 1, crashedCount(text))
	require.NotNil(t, rep.Exception)
	assert.Equal(t, "go-panic", rep.Exception.Type)
	assert.Contains(t, rep.Exception.Message, scenario.Message)
}

func TestWatcher_Fatal(t *testing.T) {
	path, code := runScenario(t, "fatal")
	assert.Equal(t, 2, code)

	rep, _ := waitReport(t, path, func(r *report.Report) bool {
		return r.Exception != nil && r.CrashedThread() != nil
	})
	require.NotNil(t, rep.Exception)
	assert.Equal(t, "go-fatal", rep.Exception.Type)
	assert.Contains(t, rep.Exception.Message, "unlock of unlocked mutex")
}

func TestGo_Panic(t *testing.T) {
	path, code := runScenario(t, "panic")
	assert.Equal(t, 0, code)

	rep, text := readReport(t, path)
	assert.Contains(t, text, "[Exception] type: go-error, name: "+encoding.Encode("AnException")+
		", message: "+encoding.Encode("something bad happened"))
	assert.Equal(t, 1, crashedCount(text))

	crashed := rep.CrashedThread()
	require.NotNil(t, crashed)
	assert.NotEmpty(t, crashed.Frames, "frames come from the panicking goroutine")
}

func TestRecover_NotStarted(t *testing.T) {
	require.Empty(t, impact.Shared().Report(), "the test process never starts the monitor")
	assert.Panics(t, func() {
		defer impact.Recover()
		panic("through")
	})
}
