// Package impact records process-fatal failures of a Go program into a
// line-oriented report file.
//
// Call Start as early as possible in main:
//
//	func main() {
//		impact.Start("/var/log/app/impact.log", "my-service", false)
//		...
//	}
//
// From then on a fatal signal, a hardware fault, an unrecovered panic on a
// goroutine started with Go (or protected by defer Recover()), and any
// runtime fatal error captured by the crash watcher is written to the
// report, together with the state of every thread, before the process
// terminates.
//
// Only Go and Recover see the panic value itself. A panic on any other
// goroutine reaches the report through the watcher, which has only the
// runtime's text: an error value is printed as its Error() string, so it is
// recorded with type go-panic and name "panic" rather than its type name.
//
// The watcher is a copy of the program started with the same arguments.
// Importing this package is enough for that copy to become the watcher: it
// happens in an init function, before main or any package that imports
// impact is initialized.
package impact

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/hugo-lorenzo-mato/impact/internal/config"
	"github.com/hugo-lorenzo-mato/impact/internal/logging"
	"github.com/hugo-lorenzo-mato/impact/internal/panics"
	"github.com/hugo-lorenzo-mato/impact/internal/signals"
	"github.com/hugo-lorenzo-mato/impact/internal/watch"
)

func init() {
	if watch.IsWatcher() {
		logger := logging.New(logging.DefaultConfig()).WithComponent("watcher")
		os.Exit(watch.Main(logger.Logger))
	}
}

// Start opens the report at outputPath and installs the fault handlers on
// the shared monitor. Only the first call has any effect.
//
// When suppress is true the process exits with status 0 after a report is
// written instead of terminating with the original signal.
func Start(outputPath, identifier string, suppress bool, opts ...Option) {
	cfg := config.Default()
	cfg.Report.Path = outputPath
	cfg.Report.Identifier = identifier
	cfg.Report.Suppress = suppress
	Shared().StartWithConfig(cfg, opts...)
}

// StartWithConfig is Start driven by a loaded configuration.
func StartWithConfig(cfg *config.Config, opts ...Option) {
	Shared().StartWithConfig(cfg, opts...)
}

// Recover reports a panic in progress as a fault. It must be deferred
// directly at the top of a goroutine:
//
//	defer impact.Recover()
//
// Without a started monitor the panic continues.
func Recover() {
	if v := recover(); v != nil {
		panics.Handle(v)
	}
}

// Go runs fn on a new goroutine whose panics are reported.
func Go(fn func()) {
	panics.Go(fn)
}

// Raise delivers sig to the calling thread and never returns. With a
// started monitor the calling thread is recorded as the crashed one.
func Raise(sig unix.Signal) {
	signals.Raise(sig)
}
