// Package unwind derives return addresses from a captured machine state.
//
// Call frame information (.debug_frame or .eh_frame) is loaded once at start
// into a Table. At fault time an allocation-free interpreter applies the
// rules for each frame; when no descriptor covers an address the walk falls
// back to the frame-pointer chain. Symbols are never resolved here.
package unwind

import (
	"github.com/hugo-lorenzo-mato/impact/internal/binimage"
	"github.com/hugo-lorenzo-mato/impact/internal/cpu"
	"github.com/hugo-lorenzo-mato/impact/internal/memory"
)

// MaxFrames bounds the depth of every walk.
const MaxFrames = 128

// Unwinder walks stacks using a Table. It keeps its interpreter state
// inline, so one Unwinder must not be used by two goroutines at once.
type Unwinder struct {
	table  *Table
	images *binimage.Table
	m      machine
	next   cpu.Registers
}

// New returns an unwinder over t. A nil table restricts the unwinder to
// frame pointers.
func New(t *Table) *Unwinder {
	u := &Unwinder{table: t}
	if t != nil {
		u.m.bias = t.bias
	}
	return u
}

// Table returns the call frame table in use.
func (u *Unwinder) Table() *Table { return u.table }

// SetImages bounds the walk to return addresses inside t. The table is read
// at each walk, so reloading it in place takes effect on the next Unwind.
// An empty or nil table disables the bound.
func (u *Unwinder) SetImages(t *binimage.Table) { u.images = t }

// Unwind writes the program counter of regs followed by the return address
// of each caller into out and returns the number of addresses written. The
// walk stops at len(out) or MaxFrames, at a zero return address, when the
// stack pointer stops growing, when memory cannot be read, or at a return
// address outside the images given to SetImages.
func (u *Unwinder) Unwind(regs *cpu.Registers, mem memory.Reader, out []uint64) int {
	if regs == nil || !regs.HasPC() || len(out) == 0 {
		return 0
	}
	if len(out) > MaxFrames {
		out = out[:MaxFrames]
	}

	cur := *regs
	n := 0
	for n < len(out) {
		pc := cur.PC()
		if pc == 0 {
			break
		}
		out[n] = pc
		n++

		// Return addresses point after the call; look up the call itself.
		lookup := pc
		if n > 1 {
			lookup--
		}
		ok := u.stepCFI(&cur, lookup, mem)
		if !ok {
			ok = u.stepFP(&cur, mem)
		}
		if !ok {
			break
		}
		if u.next.SP() < cur.SP() || (u.next.SP() == cur.SP() && u.next.PC() == pc) {
			break
		}
		if !u.inCode(u.next.PC()) {
			break
		}
		cur = u.next
	}
	return n
}

// inCode reports whether a return address may be emitted. A frame-pointer
// walk that ran past the last Go frame reads saved stack words, which are
// rejected here.
func (u *Unwinder) inCode(pc uint64) bool {
	if pc == 0 || u.images == nil || u.images.Len() == 0 {
		return true
	}
	return u.images.Find(pc) != nil
}

// stepCFI computes the caller's registers into u.next from call frame
// information.
func (u *Unwinder) stepCFI(cur *cpu.Registers, pc uint64, mem memory.Reader) bool {
	e, c := u.table.lookup(pc)
	if e == nil {
		return false
	}
	if !u.m.run(e, c, pc) || u.m.row.cfaExpr {
		return false
	}

	base, ok := cur.Get(u.m.row.cfaReg)
	if !ok {
		return false
	}
	cfa := uint64(int64(base) + u.m.row.cfaOffset)

	u.next.Reset()
	for reg := 0; reg < cpu.NumRegs; reg++ {
		r := u.m.row.rules[reg]
		switch r.kind {
		case ruleSameValue:
			if v, ok := cur.Get(reg); ok {
				u.next.Set(reg, v)
			}
		case ruleOffset:
			v, err := mem.ReadWord(uint64(int64(cfa) + r.offset))
			if err != nil {
				if reg == c.raCol {
					return false
				}
				continue
			}
			u.next.Set(reg, v)
		case ruleValOffset:
			u.next.Set(reg, uint64(int64(cfa)+r.offset))
		case ruleRegister:
			if v, ok := cur.Get(r.reg); ok {
				u.next.Set(reg, v)
			}
		case ruleUndefined, ruleExpression:
			// Unknown in the caller.
		}
	}

	ra, ok := u.next.Get(c.raCol)
	if !ok || ra == 0 {
		return false
	}
	u.next.SetSP(cfa)
	u.next.SetPC(ra)
	return true
}

// stepFP follows the conventional frame record: fp[0] holds the caller's
// frame pointer and fp[1] the return address.
func (u *Unwinder) stepFP(cur *cpu.Registers, mem memory.Reader) bool {
	fp, ok := cur.Get(cpu.RegFP)
	if !ok || fp == 0 || fp%cpu.PtrSize != 0 {
		return false
	}
	if sp, ok := cur.Get(cpu.RegSP); ok && fp < sp {
		return false
	}
	ra, err := mem.ReadWord(fp + cpu.PtrSize)
	if err != nil || ra == 0 {
		return false
	}
	next, err := mem.ReadWord(fp)
	if err != nil {
		return false
	}

	u.next.Reset()
	u.next.SetPC(ra)
	u.next.SetSP(fp + 2*cpu.PtrSize)
	if next > fp {
		u.next.SetFP(next)
	}
	return true
}
