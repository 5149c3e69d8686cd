package unwind

import (
	"bytes"
	"compress/zlib"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/go-delve/delve/pkg/dwarf/frame"

	"github.com/hugo-lorenzo-mato/impact/internal/binimage"
	"github.com/hugo-lorenzo-mato/impact/internal/cpu"
)

// ErrNoFrameInfo is returned when a binary carries no call frame sections.
var ErrNoFrameInfo = errors.New("no call frame information")

type cie struct {
	codeAlign uint64
	dataAlign int64
	raCol     int
	initial   []byte
}

type entry struct {
	begin, end uint64
	cie        int
	ins        []byte
}

// Table is a compact, address-sorted copy of a binary's frame description
// entries. It is built once at start and only read afterwards.
type Table struct {
	entries []entry
	cies    []cie
	bias    uint64
}

// Len returns the number of function descriptors.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// Bias returns the load bias added to every descriptor address.
func (t *Table) Bias() uint64 {
	if t == nil {
		return 0
	}
	return t.bias
}

// lookup returns the descriptor covering pc.
func (t *Table) lookup(pc uint64) (*entry, *cie) {
	if t == nil || len(t.entries) == 0 {
		return nil, nil
	}
	// First entry whose begin is greater than pc, then step back.
	lo, hi := 0, len(t.entries)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if t.entries[mid].begin <= pc {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return nil, nil
	}
	e := &t.entries[lo-1]
	if pc >= e.end {
		return nil, nil
	}
	return e, &t.cies[e.cie]
}

// Load reads the call frame sections of the ELF binary at path. bias is the
// difference between run-time and link-time addresses (non-zero for
// position-independent executables).
func Load(path string, bias uint64) (*Table, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return FromELF(f, bias)
}

// FromELF builds a table from an open ELF file.
func FromELF(f *elf.File, bias uint64) (*Table, error) {
	var all frame.FrameDescriptionEntries

	if data, err := sectionData(f, "debug_frame"); err != nil {
		return nil, err
	} else if data != nil {
		fdes, err := parseFrames(data, f.ByteOrder, 0)
		if err != nil {
			return nil, fmt.Errorf("parsing .debug_frame: %w", err)
		}
		all = append(all, fdes...)
	}

	if sec := f.Section(".eh_frame"); sec != nil {
		data, err := sec.Data()
		if err != nil {
			return nil, fmt.Errorf("reading .eh_frame: %w", err)
		}
		fdes, err := parseFrames(data, f.ByteOrder, sec.Addr)
		if err != nil {
			return nil, fmt.Errorf("parsing .eh_frame: %w", err)
		}
		all = append(all, fdes...)
	}

	if len(all) == 0 {
		return nil, ErrNoFrameInfo
	}
	return build(all, bias), nil
}

func build(fdes frame.FrameDescriptionEntries, bias uint64) *Table {
	t := &Table{
		entries: make([]entry, 0, len(fdes)),
		bias:    bias,
	}
	index := make(map[*frame.CommonInformationEntry]int)

	for _, fde := range fdes {
		if fde == nil || fde.CIE == nil || fde.End() <= fde.Begin() {
			continue
		}
		ci, ok := index[fde.CIE]
		if !ok {
			ci = len(t.cies)
			index[fde.CIE] = ci
			t.cies = append(t.cies, cie{
				codeAlign: fde.CIE.CodeAlignmentFactor,
				dataAlign: fde.CIE.DataAlignmentFactor,
				raCol:     int(fde.CIE.ReturnAddressRegister),
				initial:   fde.CIE.InitialInstructions,
			})
		}
		t.entries = append(t.entries, entry{
			begin: fde.Begin() + bias,
			end:   fde.End() + bias,
			cie:   ci,
			ins:   fde.Instructions,
		})
	}

	sort.Slice(t.entries, func(i, j int) bool {
		return t.entries[i].begin < t.entries[j].begin
	})
	return t
}

// parseFrames wraps the frame parser, which panics on some malformed input.
func parseFrames(data []byte, order binary.ByteOrder, ehFrameAddr uint64) (fdes frame.FrameDescriptionEntries, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed call frame data: %v", r)
		}
	}()
	return frame.Parse(data, order, 0, cpu.PtrSize, ehFrameAddr)
}

// sectionData returns the named debug section, inflating the legacy
// .zdebug_ form when present. Missing sections yield nil, nil.
func sectionData(f *elf.File, name string) ([]byte, error) {
	if sec := f.Section("." + name); sec != nil {
		data, err := sec.Data()
		if err != nil {
			return nil, fmt.Errorf("reading .%s: %w", name, err)
		}
		return data, nil
	}
	sec := f.Section(".z" + name)
	if sec == nil {
		return nil, nil
	}
	data, err := sec.Data()
	if err != nil {
		return nil, fmt.Errorf("reading .z%s: %w", name, err)
	}
	if len(data) < 12 || string(data[:4]) != "ZLIB" {
		return nil, fmt.Errorf("section .z%s: missing ZLIB header", name)
	}
	size := binary.BigEndian.Uint64(data[4:12])
	zr, err := zlib.NewReader(bytes.NewReader(data[12:]))
	if err != nil {
		return nil, fmt.Errorf("inflating .z%s: %w", name, err)
	}
	defer zr.Close()
	out := make([]byte, size)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, fmt.Errorf("inflating .z%s: %w", name, err)
	}
	return out, nil
}

// LoadBias computes the load bias of f given the run-time address of its
// lowest file mapping.
func LoadBias(f *elf.File, mappedStart uint64) uint64 {
	const pageMask = 0xfff
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		// Progs are sorted by address; the first PT_LOAD is mapped lowest.
		return mappedStart - (p.Vaddr &^ pageMask)
	}
	return 0
}

// LoadExecutable loads the table of the running executable. images, when
// non-nil, supplies the run-time mapping used to compute the load bias.
func LoadExecutable(images *binimage.Table) (*Table, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating executable: %w", err)
	}
	f, err := elf.Open(exe)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", exe, err)
	}
	defer f.Close()

	var bias uint64
	if images != nil {
		if img := images.FindPath(exe); img != nil {
			bias = LoadBias(f, img.Start)
		}
	}
	return FromELF(f, bias)
}
