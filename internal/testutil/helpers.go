package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hugo-lorenzo-mato/impact/internal/encoding"
)

// ReportBuilder writes report text for tests, in the same format the
// monitor produces.
type ReportBuilder struct {
	lines []string
}

// NewReport starts a report with the session header lines.
func NewReport(identifier string) *ReportBuilder {
	b := &ReportBuilder{}
	b.add("[Application] id: %s, session: 6f1c2a9e-4b7d-4c3e-9a21-0d5e8f7b3c10, pid: 0x2a, path: %s",
		encoding.Encode(identifier), encoding.Encode("/usr/local/bin/app"))
	b.add("[Environment] platform: linux, arch: amd64, version: %s, kernel: %s, cpu: %s, cores: 0x8, memory: 0x400000000",
		encoding.Encode("go1.24.2"), encoding.Encode("6.8.0"), encoding.Encode("Test CPU"))
	return b
}

func (b *ReportBuilder) add(format string, args ...any) *ReportBuilder {
	b.lines = append(b.lines, fmt.Sprintf(format, args...))
	return b
}

// Signal adds a [Signal] line.
func (b *ReportBuilder) Signal(signo, code, addr uint64) *ReportBuilder {
	return b.add("[Signal] signal: 0x%x, code: 0x%x, address: 0x%x, time: 0x65f0a3c1", signo, code, addr)
}

// Exception adds an [Exception] line.
func (b *ReportBuilder) Exception(typ, name, message string) *ReportBuilder {
	return b.add("[Exception] type: %s, name: %s, message: %s, time: 0x65f0a3c1",
		typ, encoding.Encode(name), encoding.Encode(message))
}

// Binary adds a [Binary:Load] line.
func (b *ReportBuilder) Binary(path string, addr, size uint64) *ReportBuilder {
	return b.add("[Binary:Load] path: %s, address: 0x%x, size: 0x%x, offset: 0x0", encoding.Encode(path), addr, size)
}

// Thread adds a thread block. State is written when pc is non-zero.
func (b *ReportBuilder) Thread(id uint64, name string, crashed bool, pc, sp uint64, frames ...uint64) *ReportBuilder {
	category := "Thread"
	if crashed {
		category = "Thread:Crashed"
	}
	b.add("[%s] id: 0x%x, name: %s", category, id, encoding.Encode(name))
	if pc != 0 {
		b.add("[Thread:State] pc: 0x%x, sp: 0x%x, fp: 0x0", pc, sp)
	}
	for _, f := range frames {
		b.add("[Thread:Frame] ip: 0x%x", f)
	}
	return b
}

// Raw adds a line verbatim.
func (b *ReportBuilder) Raw(line string) *ReportBuilder {
	b.lines = append(b.lines, line)
	return b
}

func (b *ReportBuilder) String() string {
	return strings.Join(b.lines, "\n") + "\n"
}

// WriteFile writes the report under dir and returns its path.
func (b *ReportBuilder) WriteFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("writing report: %v", err)
	}
	return path
}
