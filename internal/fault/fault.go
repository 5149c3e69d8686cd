// Package fault models a single fault event and serializes it.
//
// Every fault source (signal, hardware fault, uncaught panic) fills the same
// Context, and Write turns it into report lines, so the report looks the
// same regardless of where the fault came from.
package fault

import (
	"errors"

	"github.com/hugo-lorenzo-mato/impact/internal/binimage"
	"github.com/hugo-lorenzo-mato/impact/internal/memory"
	"github.com/hugo-lorenzo-mato/impact/internal/report"
	"github.com/hugo-lorenzo-mato/impact/internal/thread"
	"github.com/hugo-lorenzo-mato/impact/internal/unwind"
)

// Tag identifies which payload of a Kind is set.
type Tag uint8

const (
	KindNone Tag = iota
	KindSignal
	KindHardware
	KindException
)

func (t Tag) String() string {
	switch t {
	case KindSignal:
		return "signal"
	case KindHardware:
		return "hardware"
	case KindException:
		return "exception"
	default:
		return "none"
	}
}

// Exception type tags.
const (
	TypePanic   = "go-panic"   // a non-error value passed to panic
	TypeError   = "go-error"   // an error value passed to panic
	TypeRuntime = "go-runtime" // a runtime.Error
	TypeFatal   = "go-fatal"   // an unrecoverable runtime failure
)

// Signal is a signal delivered to the process.
type Signal struct {
	Signo int
	Code  int
	Addr  uint64
}

// Hardware is a memory or arithmetic fault raised by the CPU, reported as
// the equivalent signal.
type Hardware struct {
	Signo int
	Code  int
	Addr  uint64
	PC    uint64
}

// Exception is an uncaught language-level failure.
type Exception struct {
	Type    string
	Name    string
	Message string
}

// Kind is a tagged variant over the fault sources.
type Kind struct {
	Tag       Tag
	Signal    Signal
	Hardware  Hardware
	Exception Exception
}

// SignalKind builds a signal fault.
func SignalKind(signo, code int, addr uint64) Kind {
	return Kind{Tag: KindSignal, Signal: Signal{Signo: signo, Code: code, Addr: addr}}
}

// HardwareKind builds a hardware fault.
func HardwareKind(signo, code int, addr, pc uint64) Kind {
	return Kind{Tag: KindHardware, Hardware: Hardware{Signo: signo, Code: code, Addr: addr, PC: pc}}
}

// ExceptionKind builds an uncaught exception.
func ExceptionKind(typ, name, message string) Kind {
	return Kind{Tag: KindException, Exception: Exception{Type: typ, Name: name, Message: message}}
}

// Context is everything captured for one fault. It is large and meant to be
// allocated once, then reused by whichever path wins the crash state.
type Context struct {
	Kind Kind
	// Time is the fault time in Unix seconds.
	Time    int64
	Threads thread.Set
	Images  binimage.Table
}

// Reset clears the context for a new capture.
func (c *Context) Reset() {
	c.Kind = Kind{}
	c.Time = 0
	c.Threads.Reset()
	c.Images.Parse(nil)
}

// Write serializes c: the fault line first, then mapped binaries, then
// each thread with its state and backtrace. It keeps going after a failed
// line so a partial report is still produced, and syncs before returning.
func Write(w *report.Writer, c *Context, u *unwind.Unwinder, mem memory.Reader) error {
	var errs error
	keep := func(err error) {
		if err != nil && errs == nil {
			errs = err
		}
	}

	keep(writeKind(w, &c.Kind, c.Time))

	for _, img := range c.Images.Images() {
		w.Begin(report.CategoryBinary)
		w.EncodedBytes("path", img.Path())
		w.Hex("address", img.Start)
		w.Hex("size", img.Size())
		w.Hex("offset", img.Offset)
		keep(w.End())
	}

	threads := c.Threads.Threads()
	for i := range threads {
		keep(writeThread(w, &threads[i], u, mem))
	}

	keep(w.Sync())
	return errs
}

func writeKind(w *report.Writer, k *Kind, now int64) error {
	switch k.Tag {
	case KindSignal:
		w.Begin(report.CategorySignal)
		w.Hex("signal", uint64(k.Signal.Signo))
		w.Hex("code", uint64(uint32(k.Signal.Code)))
		w.Hex("address", k.Signal.Addr)
		w.Hex("time", uint64(now))
	case KindHardware:
		w.Begin(report.CategorySignal)
		w.Hex("signal", uint64(k.Hardware.Signo))
		w.Hex("code", uint64(uint32(k.Hardware.Code)))
		w.Hex("address", k.Hardware.Addr)
		w.Hex("time", uint64(now))
		w.Hex("pc", k.Hardware.PC)
	case KindException:
		w.Begin(report.CategoryException)
		w.Token("type", k.Exception.Type)
		w.Encoded("name", k.Exception.Name)
		w.Encoded("message", k.Exception.Message)
		w.Hex("time", uint64(now))
	default:
		return errNoKind
	}
	return w.End()
}

var errNoKind = errors.New("fault kind not set")

func writeThread(w *report.Writer, t *thread.Snapshot, u *unwind.Unwinder, mem memory.Reader) error {
	var errs error
	if t.Crashed {
		w.Begin(report.CategoryThreadCrashed)
	} else {
		w.Begin(report.CategoryThread)
	}
	w.Hex("id", uint64(t.ID))
	if name := t.Name(); len(name) > 0 {
		w.EncodedBytes("name", name)
	}
	errs = w.End()

	if t.Regs.HasPC() {
		w.Begin(report.CategoryThreadState)
		w.Hex("pc", t.Regs.PC())
		w.Hex("sp", t.Regs.SP())
		w.Hex("fp", t.Regs.FP())
		if err := w.End(); err != nil && errs == nil {
			errs = err
		}
	}

	for _, pc := range t.Backtrace(u, mem) {
		w.Begin(report.CategoryThreadFrame)
		w.Hex("ip", pc)
		if err := w.End(); err != nil && errs == nil {
			errs = err
		}
	}
	return errs
}
