package impact

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/hugo-lorenzo-mato/impact/internal/config"
	"github.com/hugo-lorenzo-mato/impact/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/impact/internal/fault"
	"github.com/hugo-lorenzo-mato/impact/internal/logging"
	"github.com/hugo-lorenzo-mato/impact/internal/memory"
	"github.com/hugo-lorenzo-mato/impact/internal/panics"
	"github.com/hugo-lorenzo-mato/impact/internal/report"
	"github.com/hugo-lorenzo-mato/impact/internal/signals"
	"github.com/hugo-lorenzo-mato/impact/internal/state"
	"github.com/hugo-lorenzo-mato/impact/internal/thread"
	"github.com/hugo-lorenzo-mato/impact/internal/unwind"
	"github.com/hugo-lorenzo-mato/impact/internal/watch"
)

// Monitor is the per-process crash reporting session. There is exactly one,
// returned by Shared; it is configured by its first Start and lives until
// the process exits.
type Monitor struct {
	once  sync.Once
	state state.Machine

	logger         *logging.Logger
	watcherEnabled *bool

	path     string
	id       string
	session  string
	suppress bool
	err      error

	// Allocated by Start so the fault path does not allocate.
	writer    *report.Writer
	fc        *fault.Context
	collector *thread.Collector
	mem       *memory.Process
	unwinder  *unwind.Unwinder
	procfd    int

	signals *signals.Layer
	watcher *watch.Watcher
}

var shared = &Monitor{procfd: -1}

// Shared returns the process-wide monitor.
func Shared() *Monitor { return shared }

// StartWithConfig opens the report and installs the signal, watcher and
// panic layers, in that order. Failures are logged and leave the monitor
// without a report; it never panics and never exits.
func (m *Monitor) StartWithConfig(cfg *config.Config, opts ...Option) {
	m.once.Do(func() {
		for _, opt := range opts {
			opt(m)
		}
		if m.logger == nil {
			m.logger = logging.New(logging.Config{
				Level:  cfg.Log.Level,
				Format: cfg.Log.Format,
				Output: os.Stderr,
			})
		}

		m.start(cfg)
	})
}

func (m *Monitor) start(cfg *config.Config) {
	m.path = cfg.Report.Path
	m.id = cfg.Report.Identifier
	if m.id == "" {
		m.id = uuid.NewString()
	}
	m.suppress = cfg.Report.Suppress
	m.session = uuid.NewString()
	m.logger = m.logger.WithSession(m.session)

	if err := m.openReport(); err != nil {
		m.err = err
		m.logger.Warn("crash reporting disabled", "report", m.path, "error", err)
		return
	}
	m.prepare()

	if !m.state.Initialize() {
		return
	}
	m.signals = signals.Install(m.onSignal)

	watcherEnabled := cfg.Watcher.Enabled
	if m.watcherEnabled != nil {
		watcherEnabled = *m.watcherEnabled
	}
	if watcherEnabled {
		w, err := watch.Spawn(m.path, watch.Options{
			Suppress: m.suppress,
			Logger:   m.logger.WithComponent("watcher").Logger,
		})
		if err != nil {
			m.logger.Warn("crash watcher unavailable", "error", err)
		} else {
			m.watcher = w
		}
	}

	panics.Install(m.onPanic)
	m.logger.Info("crash reporting started", "report", m.path, "suppress", m.suppress)
}

// openReport truncates the report and writes the session header.
func (m *Monitor) openReport() error {
	w, err := report.Open(m.path)
	if err != nil {
		return fmt.Errorf("opening report: %w", err)
	}

	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	w.Begin(report.CategoryApplication)
	w.Encoded("id", m.id)
	w.Token("session", m.session)
	w.Hex("pid", uint64(os.Getpid()))
	w.Encoded("path", exe)
	if err := w.End(); err != nil {
		w.Close()
		return fmt.Errorf("writing report header: %w", err)
	}

	env := diagnostics.NewCollector().Collect()
	if err := env.Write(w); err != nil {
		w.Close()
		return fmt.Errorf("writing report header: %w", err)
	}
	m.writer = w
	return nil
}

// prepare allocates everything the fault path needs. Each piece is
// optional: without it the report carries less detail.
func (m *Monitor) prepare() {
	pid := os.Getpid()
	m.fc = &fault.Context{}

	if fd, err := unix.Open("/proc/self", unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0); err == nil {
		m.procfd = fd
		if err := m.fc.Images.Load(fd); err != nil {
			m.logger.Debug("binary images unavailable", "error", err)
		}
	}

	if c, err := thread.NewCollector(pid); err != nil {
		m.logger.Debug("thread enumeration unavailable", "error", err)
	} else {
		m.collector = c
	}

	if p, err := memory.Open(pid); err != nil {
		m.logger.Debug("stack memory unreadable", "error", err)
	} else {
		m.mem = p
	}

	table, err := unwind.LoadExecutable(&m.fc.Images)
	if err != nil {
		m.logger.Debug("call frame information unavailable, using frame pointers", "error", err)
	} else {
		m.logger.Debug("call frame information loaded", "entries", table.Len())
	}
	m.unwinder = unwind.New(table)
	m.unwinder.SetImages(&m.fc.Images)
}

// Err returns why the monitor is not reporting, or nil.
func (m *Monitor) Err() error { return m.err }

// Report returns the report path.
func (m *Monitor) Report() string { return m.path }

// Session returns the id written to the [Application] line.
func (m *Monitor) Session() string { return m.session }

// State returns the crash state.
func (m *Monitor) State() state.CrashState { return m.state.Load() }
