package impact

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/hugo-lorenzo-mato/impact/internal/fault"
	"github.com/hugo-lorenzo-mato/impact/internal/memory"
	"github.com/hugo-lorenzo-mato/impact/internal/panics"
	"github.com/hugo-lorenzo-mato/impact/internal/signals"
)

// loserWait bounds how long a fault that lost the race waits for the
// winner to end the process.
const loserWait = 5 * time.Second

func (m *Monitor) onSignal(in signals.Info) {
	if !m.state.Begin() {
		m.lose()
	}
	fault.Debug("impact: handling signal")
	m.capture(fault.SignalKind(in.Signo, in.Code, 0), in.TID, nil)
	m.state.Finish()
	signals.Terminate(unix.Signal(in.Signo), m.suppress)
}

func (m *Monitor) onPanic(p *panics.Panic) {
	if !m.state.Begin() {
		m.lose()
	}
	fault.Debug("impact: handling panic")
	m.capture(p.Kind, p.TID, p.Frames())
	m.state.Finish()
	signals.Terminate(unix.SIGABRT, m.suppress)
}

// lose parks a fault path that did not win the crash state. The winner is
// writing the report and will terminate the process; if it never does,
// the loser exits without writing.
func (m *Monitor) lose() {
	ts := unix.Timespec{Nsec: int64(time.Millisecond)}
	for i := 0; i < int(loserWait/time.Millisecond); i++ {
		_ = unix.Nanosleep(&ts, nil)
	}
	unix.Exit(1)
}

// capture snapshots every thread and writes the fault. frames, when set,
// replace the unwound backtrace of the crashed thread.
//
// The watcher stays attached: a runtime crash on another goroutine can
// still kill the process before the fault line is written, and the watcher
// then records that crash instead. It appends only to a report without a
// fault line, and the fault line is the first thing written here.
func (m *Monitor) capture(kind fault.Kind, crashedTID int, frames []uintptr) {
	fc := m.fc
	fc.Kind = kind
	fc.Time = time.Now().Unix()

	if m.procfd >= 0 {
		if err := fc.Images.Load(m.procfd); err != nil {
			fault.Debug("impact: binary images unavailable")
		}
	}

	if m.collector != nil {
		if err := m.collector.Capture(crashedTID, &fc.Threads); err != nil {
			fault.Debug("impact: thread list incomplete")
		}
	} else {
		fc.Threads.Reset()
		fc.Threads.MarkCrashed(crashedTID)
	}
	if frames != nil {
		if t := fc.Threads.Crashed(); t != nil {
			t.SetFrames(frames)
		}
	}

	var mem memory.Reader
	if m.mem != nil {
		mem = m.mem
	}
	if err := fault.Write(m.writer, fc, m.unwinder, mem); err != nil {
		fault.Debug("impact: report incomplete")
	}
}
