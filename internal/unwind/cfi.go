package unwind

import (
	"encoding/binary"

	"github.com/hugo-lorenzo-mato/impact/internal/cpu"
)

// Call frame instruction opcodes (DWARF 4, section 6.4.2).
const (
	opAdvanceLoc = 0x40
	opOffset     = 0x80
	opRestore    = 0xc0

	opNop                       = 0x00
	opSetLoc                    = 0x01
	opAdvanceLoc1               = 0x02
	opAdvanceLoc2               = 0x03
	opAdvanceLoc4               = 0x04
	opOffsetExtended            = 0x05
	opRestoreExtended           = 0x06
	opUndefined                 = 0x07
	opSameValue                 = 0x08
	opRegister                  = 0x09
	opRememberState             = 0x0a
	opRestoreState              = 0x0b
	opDefCFA                    = 0x0c
	opDefCFARegister            = 0x0d
	opDefCFAOffset              = 0x0e
	opDefCFAExpression          = 0x0f
	opExpression                = 0x10
	opOffsetExtendedSF          = 0x11
	opDefCFASF                  = 0x12
	opDefCFAOffsetSF            = 0x13
	opValOffset                 = 0x14
	opValOffsetSF               = 0x15
	opValExpression             = 0x16
	opGNUArgsSize               = 0x2e
	opGNUNegativeOffsetExtended = 0x2f
)

// maxRememberDepth bounds DW_CFA_remember_state nesting.
const maxRememberDepth = 8

type ruleKind uint8

const (
	// ruleSameValue is the zero value: registers without a rule keep
	// their value in the caller.
	ruleSameValue ruleKind = iota
	ruleUndefined
	ruleOffset
	ruleValOffset
	ruleRegister
	ruleExpression
)

type rule struct {
	kind   ruleKind
	offset int64
	reg    int
}

type row struct {
	cfaReg    int
	cfaOffset int64
	cfaExpr   bool
	rules     [cpu.NumRegs]rule
}

// machine executes call frame instructions into a single row. All state is
// held in fixed arrays so executing a program never allocates.
type machine struct {
	row     row
	initial row
	stack   [maxRememberDepth]row
	depth   int
	loc     uint64
	bias    uint64
	invalid bool
}

// run computes the row in effect at pc for the function described by e.
func (m *machine) run(e *entry, c *cie, pc uint64) bool {
	m.row = row{cfaReg: -1}
	m.depth = 0
	m.invalid = false
	m.loc = e.begin

	// The CIE's initial instructions never advance the location.
	m.exec(c.initial, c, ^uint64(0))
	m.initial = m.row
	m.exec(e.ins, c, pc)
	return !m.invalid && m.row.cfaReg >= 0
}

// exec interprets ins until the location passes pc.
func (m *machine) exec(ins []byte, c *cie, pc uint64) {
	r := reader{b: ins}
	for !r.done() && !m.invalid {
		op := r.u8()
		switch op & 0xc0 {
		case opAdvanceLoc:
			if !m.advance(uint64(op&0x3f)*c.codeAlign, pc) {
				return
			}
			continue
		case opOffset:
			m.set(int(op&0x3f), rule{kind: ruleOffset, offset: int64(r.uleb()) * c.dataAlign})
			continue
		case opRestore:
			m.restore(int(op & 0x3f))
			continue
		}

		switch op {
		case opNop:
		case opSetLoc:
			loc := r.u64() + m.bias
			if pc < loc {
				return
			}
			m.loc = loc
		case opAdvanceLoc1:
			if !m.advance(uint64(r.u8())*c.codeAlign, pc) {
				return
			}
		case opAdvanceLoc2:
			if !m.advance(uint64(r.u16())*c.codeAlign, pc) {
				return
			}
		case opAdvanceLoc4:
			if !m.advance(uint64(r.u32())*c.codeAlign, pc) {
				return
			}
		case opOffsetExtended:
			reg := int(r.uleb())
			m.set(reg, rule{kind: ruleOffset, offset: int64(r.uleb()) * c.dataAlign})
		case opRestoreExtended:
			m.restore(int(r.uleb()))
		case opUndefined:
			m.set(int(r.uleb()), rule{kind: ruleUndefined})
		case opSameValue:
			m.set(int(r.uleb()), rule{kind: ruleSameValue})
		case opRegister:
			reg := int(r.uleb())
			m.set(reg, rule{kind: ruleRegister, reg: int(r.uleb())})
		case opRememberState:
			if m.depth == maxRememberDepth {
				m.invalid = true
				return
			}
			m.stack[m.depth] = m.row
			m.depth++
		case opRestoreState:
			if m.depth == 0 {
				m.invalid = true
				return
			}
			m.depth--
			// The CFA survives restore_state; only register rules are popped.
			cfaReg, cfaOffset, cfaExpr := m.row.cfaReg, m.row.cfaOffset, m.row.cfaExpr
			m.row = m.stack[m.depth]
			m.row.cfaReg, m.row.cfaOffset, m.row.cfaExpr = cfaReg, cfaOffset, cfaExpr
		case opDefCFA:
			m.row.cfaReg = int(r.uleb())
			m.row.cfaOffset = int64(r.uleb())
			m.row.cfaExpr = false
		case opDefCFARegister:
			m.row.cfaReg = int(r.uleb())
			m.row.cfaExpr = false
		case opDefCFAOffset:
			m.row.cfaOffset = int64(r.uleb())
		case opDefCFAExpression:
			r.skip(int(r.uleb()))
			m.row.cfaExpr = true
		case opExpression, opValExpression:
			reg := int(r.uleb())
			r.skip(int(r.uleb()))
			m.set(reg, rule{kind: ruleExpression})
		case opOffsetExtendedSF:
			reg := int(r.uleb())
			m.set(reg, rule{kind: ruleOffset, offset: r.sleb() * c.dataAlign})
		case opDefCFASF:
			m.row.cfaReg = int(r.uleb())
			m.row.cfaOffset = r.sleb() * c.dataAlign
			m.row.cfaExpr = false
		case opDefCFAOffsetSF:
			m.row.cfaOffset = r.sleb() * c.dataAlign
		case opValOffset:
			reg := int(r.uleb())
			m.set(reg, rule{kind: ruleValOffset, offset: int64(r.uleb()) * c.dataAlign})
		case opValOffsetSF:
			reg := int(r.uleb())
			m.set(reg, rule{kind: ruleValOffset, offset: r.sleb() * c.dataAlign})
		case opGNUArgsSize:
			r.uleb()
		case opGNUNegativeOffsetExtended:
			reg := int(r.uleb())
			m.set(reg, rule{kind: ruleOffset, offset: -int64(r.uleb()) * c.dataAlign})
		default:
			m.invalid = true
			return
		}
	}
	if r.overrun {
		m.invalid = true
	}
}

func (m *machine) advance(delta, pc uint64) bool {
	next := m.loc + delta
	if pc < next {
		return false
	}
	m.loc = next
	return true
}

func (m *machine) set(reg int, r rule) {
	if reg < 0 || reg >= cpu.NumRegs {
		return
	}
	m.row.rules[reg] = r
}

func (m *machine) restore(reg int) {
	if reg < 0 || reg >= cpu.NumRegs {
		return
	}
	m.row.rules[reg] = m.initial.rules[reg]
}

// reader decodes instruction operands. Reading past the end sets overrun
// and yields zeros instead of panicking.
type reader struct {
	b       []byte
	off     int
	overrun bool
}

func (r *reader) done() bool { return r.off >= len(r.b) }

func (r *reader) take(n int) []byte {
	if n < 0 || r.off+n > len(r.b) {
		r.overrun = true
		r.off = len(r.b)
		return nil
	}
	b := r.b[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) skip(n int) { r.take(n) }

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) uleb() uint64 {
	var v uint64
	var shift uint
	for {
		if r.done() {
			r.overrun = true
			return v
		}
		c := r.b[r.off]
		r.off++
		if shift < 64 {
			v |= uint64(c&0x7f) << shift
		}
		shift += 7
		if c&0x80 == 0 {
			return v
		}
	}
}

func (r *reader) sleb() int64 {
	var v int64
	var shift uint
	var c byte
	for {
		if r.done() {
			r.overrun = true
			return v
		}
		c = r.b[r.off]
		r.off++
		if shift < 64 {
			v |= int64(c&0x7f) << shift
		}
		shift += 7
		if c&0x80 == 0 {
			break
		}
	}
	if shift < 64 && c&0x40 != 0 {
		v |= -1 << shift
	}
	return v
}
