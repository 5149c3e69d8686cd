package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/hugo-lorenzo-mato/impact/internal/encoding"
	"github.com/hugo-lorenzo-mato/impact/internal/report"
)

// renderReport writes a human-readable summary of rep.
func renderReport(w io.Writer, path string, rep *report.Report) {
	fmt.Fprintf(w, "Report:      %s\n", path)
	if a := rep.Application; a != nil {
		fmt.Fprintf(w, "Application: %s (pid %d)\n", a.ID, a.PID)
		if a.Session != "" {
			fmt.Fprintf(w, "Session:     %s\n", a.Session)
		}
		if a.Path != "" {
			fmt.Fprintf(w, "Executable:  %s\n", a.Path)
		}
	}
	if e := rep.Environment; e != nil {
		fmt.Fprintf(w, "Platform:    %s/%s %s\n", e.Platform, e.Arch, e.Version)
		if e.Kernel != "" {
			fmt.Fprintf(w, "Kernel:      %s\n", e.Kernel)
		}
		if e.CPU != "" || e.Cores > 0 {
			fmt.Fprintf(w, "CPU:         %s (%d cores)\n", e.CPU, e.Cores)
		}
		if e.Memory > 0 {
			fmt.Fprintf(w, "Memory:      %s\n", humanize.IBytes(e.Memory))
		}
	}

	fmt.Fprintf(w, "Fault:       %s\n", describeFault(rep))
	if !rep.Crashed() {
		return
	}

	if len(rep.Binaries) > 0 {
		fmt.Fprintf(w, "\nBinaries (%d):\n", len(rep.Binaries))
		for _, b := range rep.Binaries {
			fmt.Fprintf(w, "  0x%012x-0x%012x %s\n", b.Address, b.Address+b.Size, b.Path)
		}
	}

	fmt.Fprintf(w, "\nThreads (%d):\n", len(rep.Threads))
	for _, t := range rep.Threads {
		marker := " "
		if t.Crashed {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %d %s", marker, t.ID, t.Name)
		if t.State != nil {
			fmt.Fprintf(w, "  pc=0x%x sp=0x%x fp=0x%x", t.State.PC, t.State.SP, t.State.FP)
		}
		fmt.Fprintln(w)
		for i, ip := range t.Frames {
			fmt.Fprintf(w, "    #%-2d 0x%012x %s\n", i, ip, symbolize(rep.Binaries, ip))
		}
	}
	if rep.Skipped > 0 {
		fmt.Fprintf(w, "\n%d unrecognized line(s) skipped\n", rep.Skipped)
	}
}

func describeFault(rep *report.Report) string {
	switch {
	case rep.Exception != nil:
		e := rep.Exception
		return fmt.Sprintf("exception %s %s: %s", e.Type, e.Name, e.Message)
	case rep.Signal != nil:
		s := rep.Signal
		desc := fmt.Sprintf("signal %s (0x%x) code 0x%x address 0x%x", s.Name, s.Number, s.Code, s.Address)
		if s.PC != 0 {
			desc += fmt.Sprintf(" pc 0x%x", s.PC)
		}
		return desc
	case rep.Crashed():
		return "crashed (fault line missing)"
	default:
		return "none"
	}
}

// symbolize names the image containing ip as path+offset.
func symbolize(images []report.Binary, ip uint64) string {
	for _, b := range images {
		if ip >= b.Address && ip < b.Address+b.Size {
			return fmt.Sprintf("%s+0x%x", b.Path, ip-b.Address+b.Offset)
		}
	}
	return "?"
}

// encodedKeys are the fields written base64-encoded.
var encodedKeys = map[string]bool{
	"id":      true,
	"path":    true,
	"version": true,
	"kernel":  true,
	"cpu":     true,
	"name":    true,
	"message": true,
}

// decodeLine rewrites a raw report line with its encoded values decoded.
// Lines that do not parse are returned unchanged.
func decodeLine(raw string) string {
	line, ok := report.ParseLine(raw)
	if !ok {
		return strings.TrimRight(raw, "\r\n")
	}
	var b strings.Builder
	b.WriteString("[" + line.Category + "]")
	for i, f := range line.Fields {
		if i == 0 {
			b.WriteByte(' ')
		} else {
			b.WriteString(", ")
		}
		v := f.Value
		if encodedKeys[f.Key] {
			if s, err := encoding.Decode(v); err == nil {
				v = fmt.Sprintf("%q", s)
			}
		}
		b.WriteString(f.Key + ": " + v)
	}
	return b.String()
}
