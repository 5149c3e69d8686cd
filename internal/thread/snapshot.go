// Package thread captures the threads of a process at fault time.
package thread

import (
	"github.com/hugo-lorenzo-mato/impact/internal/cpu"
	"github.com/hugo-lorenzo-mato/impact/internal/memory"
	"github.com/hugo-lorenzo-mato/impact/internal/unwind"
)

const (
	// MaxThreads bounds a Set; further threads are dropped.
	MaxThreads = 256
	// NameSize bounds a stored thread name.
	NameSize = 32
)

// Snapshot is the state of one thread at fault time.
type Snapshot struct {
	ID      int
	Crashed bool
	Regs    cpu.Registers

	frames     [unwind.MaxFrames]uint64
	frameCount int
	// supplied frames come from the fault source and are never re-unwound.
	supplied bool
	unwound  bool

	name    [NameSize]byte
	nameLen int
}

func (s *Snapshot) reset(id int) {
	s.ID = id
	s.Crashed = false
	s.Regs.Reset()
	s.frameCount = 0
	s.supplied = false
	s.unwound = false
	s.nameLen = 0
}

// Name returns the thread name.
func (s *Snapshot) Name() []byte { return s.name[:s.nameLen] }

// SetName stores a name, truncated to NameSize.
func (s *Snapshot) SetName(name string) {
	s.nameLen = copy(s.name[:], name)
}

func (s *Snapshot) setNameBytes(b []byte) {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == 0) {
		b = b[:len(b)-1]
	}
	s.nameLen = copy(s.name[:], b)
}

// AddFrame appends a return address supplied by the fault source. It
// returns false once the backtrace is full.
func (s *Snapshot) AddFrame(pc uint64) bool {
	s.supplied = true
	if s.frameCount == len(s.frames) {
		return false
	}
	s.frames[s.frameCount] = pc
	s.frameCount++
	return true
}

// SetFrames replaces the backtrace with pcs.
func (s *Snapshot) SetFrames(pcs []uintptr) {
	s.frameCount = 0
	s.supplied = true
	for _, pc := range pcs {
		if !s.AddFrame(uint64(pc)) {
			return
		}
	}
}

// HasFrames reports whether the fault source supplied a backtrace.
func (s *Snapshot) HasFrames() bool { return s.supplied }

// Backtrace returns the thread's return addresses, unwinding from the
// captured registers on first use. A thread without registers and without
// supplied frames has an empty backtrace.
func (s *Snapshot) Backtrace(u *unwind.Unwinder, mem memory.Reader) []uint64 {
	if !s.supplied && !s.unwound {
		s.unwound = true
		if u != nil && mem != nil {
			s.frameCount = u.Unwind(&s.Regs, mem, s.frames[:])
		}
	}
	return s.frames[:s.frameCount]
}

// Set is a fixed-capacity list of snapshots indexed by slot.
type Set struct {
	threads   [MaxThreads]Snapshot
	count     int
	truncated bool
}

// Reset empties the set without releasing its storage.
func (s *Set) Reset() {
	s.count = 0
	s.truncated = false
}

// Add claims the next slot for thread id, or returns nil when the set is
// full.
func (s *Set) Add(id int) *Snapshot {
	if s.count == MaxThreads {
		s.truncated = true
		return nil
	}
	t := &s.threads[s.count]
	t.reset(id)
	s.count++
	return t
}

// Len returns the number of captured threads.
func (s *Set) Len() int { return s.count }

// Truncated reports whether threads were dropped for lack of space.
func (s *Set) Truncated() bool { return s.truncated }

// Threads returns the captured snapshots in enumeration order.
func (s *Set) Threads() []Snapshot { return s.threads[:s.count] }

// Find returns the snapshot of thread id.
func (s *Set) Find(id int) *Snapshot {
	for i := 0; i < s.count; i++ {
		if s.threads[i].ID == id {
			return &s.threads[i]
		}
	}
	return nil
}

// Crashed returns the snapshot flagged as the fault origin.
func (s *Set) Crashed() *Snapshot {
	for i := 0; i < s.count; i++ {
		if s.threads[i].Crashed {
			return &s.threads[i]
		}
	}
	return nil
}

// MarkCrashed flags thread id as the fault origin and clears every other
// flag. When id was not captured the first slot is flagged instead, and an
// empty set gains a placeholder, so exactly one thread is always marked.
func (s *Set) MarkCrashed(id int) *Snapshot {
	for i := 0; i < s.count; i++ {
		s.threads[i].Crashed = false
	}
	t := s.Find(id)
	if t == nil {
		if s.count == 0 {
			t = s.Add(id)
		} else {
			t = &s.threads[0]
		}
	}
	t.Crashed = true
	return t
}
