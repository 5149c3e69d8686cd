// Package watch captures runtime fatal errors from a companion process.
//
// The Go runtime prints a traceback of every goroutine when it dies of a
// fault, an unrecovered panic or an internal throw. The parent process
// routes that output to a pipe with debug.SetCrashOutput; a copy of the same
// executable, started in watcher mode, reads the pipe and appends the fault
// to the report once the parent is gone.
package watch

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"runtime/debug"
	"strconv"
	"syscall"
	"time"

	"github.com/hugo-lorenzo-mato/impact/internal/fault"
	"github.com/hugo-lorenzo-mato/impact/internal/report"
)

const (
	// EnvReport carries the report path to the watcher and marks a process
	// as the watcher.
	EnvReport = "IMPACT_WATCHER"
	// EnvParent carries the monitored process id.
	EnvParent = "IMPACT_WATCHER_PARENT"

	// crashFD is where the watcher finds the read end of the pipe.
	crashFD = 3
)

// IsWatcher reports whether this process was started as a watcher.
func IsWatcher() bool {
	return os.Getenv(EnvReport) != ""
}

// Options configures Spawn.
type Options struct {
	// Suppress makes the runtime exit with status 2 after printing instead
	// of dying of SIGABRT.
	Suppress bool
	Logger   *slog.Logger
}

// Watcher is the parent's handle on the watcher process.
type Watcher struct {
	cmd    *exec.Cmd
	done   chan struct{}
	err    error
	logger *slog.Logger
}

// Spawn starts the watcher for reportPath and routes the runtime crash
// output to it.
func Spawn(reportPath string, opts Options) (*Watcher, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating executable: %w", err)
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating crash pipe: %w", err)
	}
	defer r.Close()

	// The watcher sees the same arguments as the program, so code that
	// reads them before Start behaves the same in both.
	cmd := exec.Command(exe)
	cmd.Args = append([]string(nil), os.Args...)
	cmd.Env = append(os.Environ(),
		EnvReport+"="+reportPath,
		fmt.Sprintf("%s=%d", EnvParent, os.Getpid()),
	)
	cmd.ExtraFiles = []*os.File{r}
	cmd.Stderr = os.Stderr
	// Own process group: a terminal interrupt aimed at the parent must not
	// kill the watcher before it has written the report.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		w.Close()
		return nil, fmt.Errorf("starting watcher: %w", err)
	}

	wt := &Watcher{cmd: cmd, done: make(chan struct{}), logger: logger}
	go func() {
		wt.err = cmd.Wait()
		close(wt.done)
	}()

	if err := debug.SetCrashOutput(w, debug.CrashOptions{}); err != nil {
		w.Close()
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("routing crash output: %w", err)
	}
	// SetCrashOutput keeps its own duplicate.
	w.Close()

	if opts.Suppress {
		debug.SetTraceback("system")
	} else {
		debug.SetTraceback("crash")
	}

	logger.Debug("watcher started", "pid", cmd.Process.Pid)
	return wt, nil
}

// Pid returns the watcher's process id.
func (w *Watcher) Pid() int { return w.cmd.Process.Pid }

// Detach stops routing crash output to the watcher. The watcher sees EOF
// and exits without writing.
func (w *Watcher) Detach() error {
	return debug.SetCrashOutput(nil, debug.CrashOptions{})
}

// Wait blocks until the watcher exits or the timeout passes.
func (w *Watcher) Wait(timeout time.Duration) error {
	select {
	case <-w.done:
		return w.err
	case <-time.After(timeout):
		return errors.New("watcher still running")
	}
}

// Main runs the watcher loop for the current process and returns its exit
// code. It is meant to be called when IsWatcher is true, before anything
// else in the program runs.
func Main(logger *slog.Logger) int {
	if logger == nil {
		logger = slog.Default()
	}
	// The parent's terminal signals are not ours to act on.
	signal.Ignore(os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)

	path := os.Getenv(EnvReport)
	ppid := os.Getppid()
	if n, err := strconv.Atoi(os.Getenv(EnvParent)); err == nil {
		ppid = n
	}

	in := os.NewFile(crashFD, "crash-output")
	if in == nil {
		logger.Error("watcher started without crash pipe")
		return 1
	}
	defer in.Close()

	if err := Run(path, in, ppid); err != nil {
		logger.Error("watcher failed", "report", path, "error", err)
		return 1
	}
	return 0
}

// Run waits for crash output on in. When some arrives it reads to EOF,
// parses it and appends the fault to the report at path. A clean EOF
// writes nothing.
func Run(path string, in io.Reader, pid int) error {
	first := make([]byte, 64*1024)
	n, err := in.Read(first)
	for n == 0 && err == nil {
		n, err = in.Read(first)
	}
	if n == 0 {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("reading crash output: %w", err)
	}

	fc := &fault.Context{}
	fc.Reset()
	fc.Time = time.Now().Unix()
	// The runtime has stopped the world to print; the mappings are
	// still there until the pipe closes.
	if err := fc.Images.LoadPid(pid); err != nil {
		fault.Debug("watcher: binary images unavailable")
	}

	rest, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("reading crash output: %w", err)
	}
	text := append(first[:n], rest...)

	// The monitored process writes its own faults; one that began before
	// the runtime crashed owns the report.
	done, err := reported(path)
	if err != nil {
		return fmt.Errorf("reading report: %w", err)
	}
	if done {
		fault.Debug("watcher: report already holds a fault")
		return nil
	}

	fc.Kind = Parse(text, fc).Kind

	w, err := report.OpenAppend(path)
	if err != nil {
		return fmt.Errorf("opening report: %w", err)
	}
	defer w.Close()
	if err := fault.Write(w, fc, nil, nil); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}

// reported reports whether the report at path already has a fault line.
func reported(path string) (bool, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()

	sigLine := []byte("[" + report.CategorySignal + "]")
	excLine := []byte("[" + report.CategoryException + "]")
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, report.LineSize), 64<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if bytes.HasPrefix(line, sigLine) || bytes.HasPrefix(line, excLine) {
			return true, nil
		}
	}
	return false, sc.Err()
}
