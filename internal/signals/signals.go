// Package signals routes fatal signals to the crash reporter and owns the
// routine that finally terminates the process.
package signals

import (
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Fatal is the set of signals treated as crashes.
var Fatal = []os.Signal{
	unix.SIGABRT,
	unix.SIGILL,
	unix.SIGBUS,
	unix.SIGSEGV,
	unix.SIGFPE,
	unix.SIGTRAP,
	unix.SIGSYS,
}

// Signal codes from siginfo.
const (
	CodeUser  = 0  // SI_USER, sent by kill
	CodeTkill = -6 // SI_TKILL, sent by tkill/tgkill
)

// Info describes a received signal.
type Info struct {
	Signo int
	Code  int
	// TID is the thread the signal was aimed at, or the process id when
	// it came from outside.
	TID int
}

// Handler reports a signal. It must not return when the process is meant
// to die; Terminate is the usual last call.
type Handler func(Info)

// raiser is the tid of the thread parked in Raise, zero if none.
var raiser atomic.Int32

// Layer receives fatal signals on a dedicated goroutine.
type Layer struct {
	ch      chan os.Signal
	handler Handler
	pid     int
	done    chan struct{}
}

// Install starts delivering sigs (Fatal when empty) to handler. The channel
// is buffered so a burst of signals is not lost while the first is being
// handled.
func Install(handler Handler, sigs ...os.Signal) *Layer {
	if len(sigs) == 0 {
		sigs = Fatal
	}
	l := &Layer{
		ch:      make(chan os.Signal, len(sigs)),
		handler: handler,
		pid:     unix.Getpid(),
		done:    make(chan struct{}),
	}
	signal.Notify(l.ch, sigs...)
	go l.loop()
	return l
}

func (l *Layer) loop() {
	for {
		select {
		case s := <-l.ch:
			sig, ok := s.(unix.Signal)
			if !ok {
				continue
			}
			l.handler(l.info(sig))
		case <-l.done:
			return
		}
	}
}

func (l *Layer) info(sig unix.Signal) Info {
	in := Info{Signo: int(sig), Code: CodeUser, TID: l.pid}
	if tid := int(raiser.Load()); tid != 0 {
		in.Code = CodeTkill
		in.TID = tid
	}
	return in
}

// Stop detaches the layer. Signals go back to the runtime's handling.
func (l *Layer) Stop() {
	signal.Stop(l.ch)
	close(l.done)
}

// Raise sends sig to the calling OS thread and parks it so its registers
// stay readable from /proc while the handler runs. It never returns.
func Raise(sig unix.Signal) {
	runtime.LockOSThread()
	tid := unix.Gettid()
	raiser.Store(int32(tid))
	_ = unix.Tgkill(unix.Getpid(), tid, sig)
	for {
		_ = unix.Pause()
	}
}

// Raiser returns the tid recorded by Raise, or zero.
func Raiser() int { return int(raiser.Load()) }

// Terminate ends the process after a report has been written. With
// suppress it exits with status 0. Otherwise it restores the kernel default
// action for sig and delivers it to the current thread, so the exit status
// and core dump are those of an unhandled signal.
func Terminate(sig unix.Signal, suppress bool) {
	if suppress {
		unix.Exit(0)
	}
	_ = debug.SetCrashOutput(nil, debug.CrashOptions{})
	resetDefault(sig)
	runtime.LockOSThread()
	_ = unix.Tgkill(unix.Getpid(), unix.Gettid(), sig)
	// A default action of "ignore" or a blocked signal lands here.
	unix.Exit(128 + int(sig))
}

// kernelSigaction is large enough for struct sigaction on every 64-bit
// Linux port; a zero value means SIG_DFL with no flags and an empty mask.
type kernelSigaction [4]uint64

// resetDefault installs SIG_DFL behind the runtime's back. os/signal.Reset
// would hand the signal back to the runtime handler, which turns a
// synchronous SIGSEGV into a panic instead of a core dump.
func resetDefault(sig unix.Signal) {
	var act kernelSigaction
	_, _, _ = unix.RawSyscall6(unix.SYS_RT_SIGACTION, uintptr(sig),
		uintptr(unsafe.Pointer(&act)), 0, 8, 0, 0)
	var set [1]uint64
	set[0] = 1 << (uint(sig) - 1)
	_, _, _ = unix.RawSyscall6(unix.SYS_RT_SIGPROCMASK, unix.SIG_UNBLOCK,
		uintptr(unsafe.Pointer(&set)), 0, 8, 0, 0)
}
