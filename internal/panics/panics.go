// Package panics turns uncaught panics on wrapped goroutines into faults.
//
// Go has no process-wide uncaught panic hook, so goroutines opt in with
// defer Recover() or by being started through Go. Panics elsewhere still
// reach the crash watcher through the runtime's fatal error output.
package panics

import (
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/hugo-lorenzo-mato/impact/internal/fault"
	"github.com/hugo-lorenzo-mato/impact/internal/unwind"
)

// Panic is an uncaught panic captured on its own goroutine.
type Panic struct {
	Value any
	Kind  fault.Kind
	// TID is the OS thread the panicking goroutine was locked to.
	TID int

	frames [unwind.MaxFrames]uintptr
	n      int
}

// Frames returns the program counters of the panicking goroutine, from the
// recovery point outwards.
func (p *Panic) Frames() []uintptr { return p.frames[:p.n] }

// Hook reports a panic. It does not return when the process is meant to
// die.
type Hook func(*Panic)

var hook atomic.Pointer[Hook]

// Install sets the process-wide hook. A nil hook uninstalls it.
func Install(h Hook) {
	if h == nil {
		hook.Store(nil)
		return
	}
	hook.Store(&h)
}

// Installed reports whether a hook is set.
func Installed() bool { return hook.Load() != nil }

// Recover reports a panic in progress. It must be deferred directly:
//
//	defer panics.Recover()
func Recover() {
	if v := recover(); v != nil {
		Handle(v)
	}
}

// Go runs fn on a new goroutine guarded by Recover.
func Go(fn func()) {
	go func() {
		defer Recover()
		fn()
	}()
}

// Handle reports v, a value obtained from recover. Without a hook it
// panics again with v so the runtime reports it as usual.
func Handle(v any) {
	h := hook.Load()
	if h == nil {
		panic(v)
	}

	runtime.LockOSThread()
	p := &Panic{Value: v, TID: unix.Gettid()}
	// Skip runtime.Callers and Handle itself.
	p.n = runtime.Callers(2, p.frames[:])
	p.Kind = Describe(v)
	(*h)(p)
}

// Describe classifies a panic value. Memory faults become hardware faults
// so they report the same way whichever layer caught them.
func Describe(v any) fault.Kind {
	if err, ok := v.(runtime.Error); ok {
		if addr, ok := memoryFault(err); ok {
			return fault.HardwareKind(int(unix.SIGSEGV), segvMapErr, addr, 0)
		}
	}
	return fault.ExceptionKind(Type(v), Name(v), Message(v))
}

const segvMapErr = 1

// memoryFault reports whether err is a bad memory access and the faulting
// address when the runtime recorded one.
func memoryFault(err runtime.Error) (uint64, bool) {
	if a, ok := err.(interface{ Addr() uintptr }); ok {
		return uint64(a.Addr()), true
	}
	if strings.Contains(safeError(err), "invalid memory address") {
		return 0, true
	}
	return 0, false
}

// Type returns the exception type tag for v.
func Type(v any) string {
	switch v.(type) {
	case runtime.Error:
		return fault.TypeRuntime
	case error:
		return fault.TypeError
	default:
		return fault.TypePanic
	}
}

// Name returns v's ExceptionName, or its type name without package path
// and pointer indirection.
func Name(v any) string {
	if n, ok := v.(interface{ ExceptionName() string }); ok {
		if name := call(n.ExceptionName); name != "" {
			return name
		}
	}
	t := reflect.TypeOf(v)
	if t == nil {
		return "nil"
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() != "" {
		return t.Name()
	}
	return t.String()
}

// Message returns Error(), String() or the default formatting of v.
func Message(v any) string {
	switch m := v.(type) {
	case error:
		return safeError(m)
	case fmt.Stringer:
		return call(m.String)
	default:
		return fmt.Sprint(v)
	}
}

func safeError(err error) string { return call(err.Error) }

// call runs a method of a value that is already misbehaving; a panic from
// it must not mask the original one.
func call(fn func() string) (s string) {
	defer func() {
		if recover() != nil {
			s = "<panic while describing value>"
		}
	}()
	return fn()
}
