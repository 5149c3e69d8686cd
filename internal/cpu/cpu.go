// Package cpu models the saved machine state of a thread.
//
// Registers are indexed by their DWARF register number so the unwinder can
// apply call-frame rules to them directly.
package cpu

// Registers is a fixed-size register file with a validity mask.
type Registers struct {
	values [NumRegs]uint64
	valid  uint64
}

// Set records the value of DWARF register reg. Out-of-range registers are
// ignored.
func (r *Registers) Set(reg int, v uint64) {
	if reg < 0 || reg >= NumRegs {
		return
	}
	r.values[reg] = v
	r.valid |= 1 << uint(reg)
}

// Get returns the value of reg and whether it is known.
func (r *Registers) Get(reg int) (uint64, bool) {
	if reg < 0 || reg >= NumRegs || r.valid&(1<<uint(reg)) == 0 {
		return 0, false
	}
	return r.values[reg], true
}

// Clear forgets reg.
func (r *Registers) Clear(reg int) {
	if reg < 0 || reg >= NumRegs {
		return
	}
	r.values[reg] = 0
	r.valid &^= 1 << uint(reg)
}

// Reset forgets every register.
func (r *Registers) Reset() {
	*r = Registers{}
}

// Empty reports whether no register is known.
func (r *Registers) Empty() bool {
	return r.valid == 0
}

// PC returns the program counter, or 0 if it is unknown.
func (r *Registers) PC() uint64 { return r.values[RegPC] }

// SP returns the stack pointer, or 0 if it is unknown.
func (r *Registers) SP() uint64 { return r.values[RegSP] }

// FP returns the frame pointer, or 0 if it is unknown.
func (r *Registers) FP() uint64 { return r.values[RegFP] }

func (r *Registers) SetPC(v uint64) { r.Set(RegPC, v) }
func (r *Registers) SetSP(v uint64) { r.Set(RegSP, v) }
func (r *Registers) SetFP(v uint64) { r.Set(RegFP, v) }

// HasPC reports whether a program counter was captured.
func (r *Registers) HasPC() bool {
	_, ok := r.Get(RegPC)
	return ok
}
