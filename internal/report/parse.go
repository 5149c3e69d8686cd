package report

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/hugo-lorenzo-mato/impact/internal/encoding"
	"github.com/hugo-lorenzo-mato/impact/internal/fsutil"
)

// Field is one key/value pair of a line, in file order.
type Field struct {
	Key   string
	Value string
}

// Line is a parsed report line.
type Line struct {
	Category string
	Fields   []Field
}

// Get returns the raw value of key.
func (l Line) Get(key string) (string, bool) {
	for _, f := range l.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// ParseLine splits a single line into its category and fields.
func ParseLine(s string) (Line, bool) {
	s = strings.TrimRight(s, "\r\n")
	if !strings.HasPrefix(s, "[") {
		return Line{}, false
	}
	end := strings.IndexByte(s, ']')
	if end < 0 {
		return Line{}, false
	}
	line := Line{Category: s[1:end]}
	rest := strings.TrimSpace(s[end+1:])
	if rest == "" {
		return line, true
	}
	for _, part := range strings.Split(rest, ", ") {
		key, value, ok := strings.Cut(part, ": ")
		if !ok {
			key, value, _ = strings.Cut(part, ":")
		}
		line.Fields = append(line.Fields, Field{Key: strings.TrimSpace(key), Value: strings.TrimSpace(value)})
	}
	return line, true
}

// Application identifies the monitored process.
type Application struct {
	ID      string `json:"id" yaml:"id"`
	Session string `json:"session,omitempty" yaml:"session,omitempty"`
	PID     uint64 `json:"pid,omitempty" yaml:"pid,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

// Environment describes the host the report was written on.
type Environment struct {
	Platform string `json:"platform" yaml:"platform"`
	Arch     string `json:"arch,omitempty" yaml:"arch,omitempty"`
	Version  string `json:"version,omitempty" yaml:"version,omitempty"`
	Kernel   string `json:"kernel,omitempty" yaml:"kernel,omitempty"`
	CPU      string `json:"cpu,omitempty" yaml:"cpu,omitempty"`
	Cores    uint64 `json:"cores,omitempty" yaml:"cores,omitempty"`
	Memory   uint64 `json:"memory,omitempty" yaml:"memory,omitempty"`
}

// Signal is a fault delivered as a signal.
type Signal struct {
	Number  uint64 `json:"number" yaml:"number"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	Code    uint64 `json:"code" yaml:"code"`
	Address uint64 `json:"address" yaml:"address"`
	Time    uint64 `json:"time,omitempty" yaml:"time,omitempty"`
	// PC is set for faults raised by the CPU.
	PC uint64 `json:"pc,omitempty" yaml:"pc,omitempty"`
}

// Exception is an uncaught language-level failure.
type Exception struct {
	Type    string `json:"type" yaml:"type"`
	Name    string `json:"name" yaml:"name"`
	Message string `json:"message" yaml:"message"`
	Time    uint64 `json:"time,omitempty" yaml:"time,omitempty"`
}

// Binary is a mapped executable image.
type Binary struct {
	Path    string `json:"path" yaml:"path"`
	Address uint64 `json:"address" yaml:"address"`
	Size    uint64 `json:"size" yaml:"size"`
	Offset  uint64 `json:"offset" yaml:"offset"`
}

// State is the saved machine state of a thread.
type State struct {
	PC uint64 `json:"pc" yaml:"pc"`
	SP uint64 `json:"sp" yaml:"sp"`
	FP uint64 `json:"fp" yaml:"fp"`
}

// Thread is one thread (or goroutine) at the time of the fault.
type Thread struct {
	ID      uint64   `json:"id" yaml:"id"`
	Name    string   `json:"name,omitempty" yaml:"name,omitempty"`
	Crashed bool     `json:"crashed" yaml:"crashed"`
	State   *State   `json:"state,omitempty" yaml:"state,omitempty"`
	Frames  []uint64 `json:"frames,omitempty" yaml:"frames,omitempty"`
}

// Report is the decoded content of a report file.
type Report struct {
	Application *Application `json:"application,omitempty" yaml:"application,omitempty"`
	Environment *Environment `json:"environment,omitempty" yaml:"environment,omitempty"`
	Signal      *Signal      `json:"signal,omitempty" yaml:"signal,omitempty"`
	Exception   *Exception   `json:"exception,omitempty" yaml:"exception,omitempty"`
	Binaries    []Binary     `json:"binaries,omitempty" yaml:"binaries,omitempty"`
	Threads     []Thread     `json:"threads,omitempty" yaml:"threads,omitempty"`
	Lines       int          `json:"lines" yaml:"lines"`
	Skipped     int          `json:"skipped,omitempty" yaml:"skipped,omitempty"`
}

// Crashed reports whether the file records a fault.
func (r *Report) Crashed() bool {
	return r.Signal != nil || r.Exception != nil || r.CrashedThread() != nil
}

// CrashedThread returns the faulting thread, if any.
func (r *Report) CrashedThread() *Thread {
	for i := range r.Threads {
		if r.Threads[i].Crashed {
			return &r.Threads[i]
		}
	}
	return nil
}

// Summary describes the report in one line.
func (r *Report) Summary() string {
	id := "unknown"
	if r.Application != nil {
		id = r.Application.ID
	}
	switch {
	case r.Exception != nil:
		return fmt.Sprintf("%s: %s %s: %s", id, r.Exception.Type, r.Exception.Name, r.Exception.Message)
	case r.Signal != nil:
		return fmt.Sprintf("%s: signal %s (0x%x) at 0x%x", id, r.Signal.Name, r.Signal.Number, r.Signal.Address)
	case r.Crashed():
		return fmt.Sprintf("%s: crashed", id)
	default:
		return fmt.Sprintf("%s: no fault recorded", id)
	}
}

// Parse reads a report. Truncated or unknown lines are counted in Skipped
// rather than failing, since a report may be cut short by the process
// being killed mid-write.
func Parse(r io.Reader) (*Report, error) {
	rep := &Report{}
	current := -1

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, LineSize), 64<<20)
	for scanner.Scan() {
		text := scanner.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		rep.Lines++
		line, ok := ParseLine(text)
		if !ok {
			rep.Skipped++
			continue
		}

		switch line.Category {
		case CategoryApplication:
			rep.Application = &Application{
				ID:      decoded(line, "id"),
				Session: raw(line, "session"),
				PID:     hex(line, "pid"),
				Path:    decoded(line, "path"),
			}
		case CategoryEnvironment:
			rep.Environment = &Environment{
				Platform: raw(line, "platform"),
				Arch:     raw(line, "arch"),
				Version:  decoded(line, "version"),
				Kernel:   decoded(line, "kernel"),
				CPU:      decoded(line, "cpu"),
				Cores:    hex(line, "cores"),
				Memory:   hex(line, "memory"),
			}
		case CategorySignal:
			sig := &Signal{
				Number:  hex(line, "signal"),
				Code:    hex(line, "code"),
				Address: hex(line, "address"),
				Time:    hex(line, "time"),
				PC:      hex(line, "pc"),
			}
			sig.Name = unix.SignalName(syscall.Signal(sig.Number))
			rep.Signal = sig
		case CategoryException:
			rep.Exception = &Exception{
				Type:    raw(line, "type"),
				Name:    decoded(line, "name"),
				Message: decoded(line, "message"),
				Time:    hex(line, "time"),
			}
		case CategoryBinary:
			rep.Binaries = append(rep.Binaries, Binary{
				Path:    decoded(line, "path"),
				Address: hex(line, "address"),
				Size:    hex(line, "size"),
				Offset:  hex(line, "offset"),
			})
		case CategoryThread, CategoryThreadCrashed:
			rep.Threads = append(rep.Threads, Thread{
				ID:      hex(line, "id"),
				Name:    decoded(line, "name"),
				Crashed: line.Category == CategoryThreadCrashed,
			})
			current = len(rep.Threads) - 1
		case CategoryThreadState:
			if current >= 0 {
				rep.Threads[current].State = &State{PC: hex(line, "pc"), SP: hex(line, "sp"), FP: hex(line, "fp")}
			}
		case CategoryThreadFrame:
			if current >= 0 {
				t := &rep.Threads[current]
				t.Frames = append(t.Frames, hex(line, "ip"))
			}
		default:
			rep.Skipped++
		}
	}
	if err := scanner.Err(); err != nil {
		return rep, fmt.Errorf("reading report: %w", err)
	}
	return rep, nil
}

func raw(l Line, key string) string {
	v, _ := l.Get(key)
	return v
}

func decoded(l Line, key string) string {
	v, ok := l.Get(key)
	if !ok {
		return ""
	}
	s, err := encoding.Decode(v)
	if err != nil {
		return v
	}
	return s
}

func hex(l Line, key string) uint64 {
	v, ok := l.Get(key)
	if !ok {
		return 0
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(v, "0x"), 16, 64)
	if err != nil {
		return 0
	}
	return n
}

// ParseFile reads and parses the report at path.
func ParseFile(path string) (*Report, error) {
	data, err := fsutil.ReadFileScoped(path)
	if err != nil {
		return nil, fmt.Errorf("reading report %s: %w", path, err)
	}
	return Parse(bytes.NewReader(data))
}
