// Package state holds the process-wide crash state machine that decides
// which fault gets reported.
package state

import "sync/atomic"

// CrashState is the lifecycle of the monitor with respect to faults.
type CrashState int32

const (
	Uninitialized CrashState = iota
	Initialized
	Handling
	Handled
)

func (s CrashState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Handling:
		return "handling"
	case Handled:
		return "handled"
	default:
		return "unknown"
	}
}

// Machine is lock-free: every transition is a single compare-and-swap, so
// it can be consulted from any thread while another is faulting.
type Machine struct {
	v atomic.Int32
}

// Load returns the current state.
func (m *Machine) Load() CrashState {
	return CrashState(m.v.Load())
}

// Transition moves from one state to another and reports whether this
// caller performed the move.
func (m *Machine) Transition(from, to CrashState) bool {
	return m.v.CompareAndSwap(int32(from), int32(to))
}

// Initialize marks the monitor as armed.
func (m *Machine) Initialize() bool {
	return m.Transition(Uninitialized, Initialized)
}

// Begin claims the right to report a fault. Exactly one caller ever
// succeeds; every other caller must terminate without writing.
func (m *Machine) Begin() bool {
	return m.Transition(Initialized, Handling)
}

// Finish records that the report has been written.
func (m *Machine) Finish() bool {
	return m.Transition(Handling, Handled)
}
