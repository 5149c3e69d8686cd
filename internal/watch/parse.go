package watch

import (
	"bufio"
	"bytes"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/hugo-lorenzo-mato/impact/internal/fault"
	"github.com/hugo-lorenzo-mato/impact/internal/thread"
)

var (
	// [signal SIGSEGV: segmentation violation code=0x1 addr=0x0 pc=0x48f0b6]
	reSignalNote = regexp.MustCompile(`^\[signal (SIG[A-Z0-9]+)`)

	// SIGABRT: abort
	reSignalHeader = regexp.MustCompile(`^(SIG[A-Z0-9]+): `)

	// goroutine 1 gp=0xc000002380 m=0 mp=0x5a4f60 [running]:
	reGoroutine = regexp.MustCompile(`^goroutine (\d+) (?:.* )?\[([^\]]*)\]:$`)

	// rip    0x46f3a8
	reRegister = regexp.MustCompile(`^([a-z][a-z0-9]*)\s+(0x[0-9a-f]+)$`)

	reKeyValue   = regexp.MustCompile(`\b([A-Za-z]+)=(-?0x[0-9a-f]+|-?[0-9]+)`)
	reRecovered  = regexp.MustCompile(`\s*\[recovered[^\]]*\]$`)
	reTypePrefix = regexp.MustCompile(`^\(([^)]+)\) `)
)

// Crash is what the runtime's fatal error text says about the failure.
type Crash struct {
	Kind fault.Kind
	// Recognized is false when the text matched no known fault header.
	Recognized bool
}

// parser accumulates state while scanning crash output line by line.
type parser struct {
	ctx *fault.Context

	kind       fault.Kind
	recognized bool
	// headers are only trusted until the first goroutine block; later
	// SIGQUIT dumps from other threads repeat the signal header format.
	inHeader bool
	pending  int // signo of a "SIGxxx:" header waiting for its PC= line

	current  *thread.Snapshot
	frames   int
	sigPC    uint64
	// funcs lists the functions of the block that failed: the "runtime
	// stack:" block when the runtime threw on its own stack, otherwise the
	// first goroutine.
	funcs    []string
	collect  bool
	regsSeen bool
	regsDone bool
	first    string
}

// Parse fills ctx with the fault and goroutines described by text, the
// output of a Go runtime fatal error. ctx.Threads is reset first. The
// first goroutine block is the one that faulted.
func Parse(text []byte, ctx *fault.Context) Crash {
	p := &parser{ctx: ctx, inHeader: true}
	ctx.Threads.Reset()

	sc := bufio.NewScanner(bytes.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		p.line(sc.Text())
	}
	return p.finish()
}

func (p *parser) line(line string) {
	trimmed := strings.TrimRight(line, " \r")
	if p.first == "" && trimmed != "" {
		p.first = trimmed
	}

	if strings.HasPrefix(trimmed, "\t") {
		p.frameLine(trimmed)
		return
	}

	if m := reRegister.FindStringSubmatch(trimmed); m != nil {
		p.register(m[1], m[2])
		return
	}
	if p.regsSeen {
		p.regsDone = true
	}
	if trimmed == "-----" {
		p.regsDone = true
		return
	}

	if m := reGoroutine.FindStringSubmatch(trimmed); m != nil {
		p.goroutine(m[1], m[2])
		return
	}
	if trimmed == "runtime stack:" {
		p.collect = p.inHeader && len(p.funcs) == 0
		return
	}
	if p.collect && trimmed != "" && !strings.HasPrefix(trimmed, "created by ") {
		if len(p.funcs) < maxFuncs {
			p.funcs = append(p.funcs, funcName(trimmed))
		}
		return
	}

	if !p.inHeader {
		return
	}
	switch {
	case strings.HasPrefix(trimmed, "panic: "):
		p.panicLine(strings.TrimPrefix(trimmed, "panic: "))
	case strings.HasPrefix(trimmed, "fatal error: "):
		if p.kind.Tag == fault.KindNone {
			p.kind = fault.ExceptionKind(fault.TypeFatal, "fatal error", strings.TrimPrefix(trimmed, "fatal error: "))
			p.recognized = true
		}
	case reSignalNote.MatchString(trimmed):
		p.signalNote(trimmed)
	case reSignalHeader.MatchString(trimmed):
		if p.kind.Tag == fault.KindNone {
			name := reSignalHeader.FindStringSubmatch(trimmed)[1]
			p.pending = int(unix.SignalNum(name))
		}
	case strings.HasPrefix(trimmed, "PC="):
		p.pcLine(trimmed)
	}
}

func (p *parser) panicLine(msg string) {
	if p.kind.Tag != fault.KindNone {
		return
	}
	msg = reRecovered.ReplaceAllString(msg, "")
	typ, name := fault.TypePanic, "panic"
	switch {
	case strings.HasPrefix(msg, "runtime error: "):
		typ, name = fault.TypeRuntime, "runtime.Error"
	case reTypePrefix.MatchString(msg):
		name = shortType(reTypePrefix.FindStringSubmatch(msg)[1])
	}
	p.kind = fault.ExceptionKind(typ, name, msg)
	p.recognized = true
}

// signalNote handles the bracketed note the runtime prints when a signal
// became a panic or fatal error. It always describes a CPU fault.
func (p *parser) signalNote(line string) {
	if p.kind.Tag == fault.KindHardware {
		return
	}
	name := reSignalNote.FindStringSubmatch(line)[1]
	kv := keyValues(line)
	p.sigPC = uint64(kv["pc"])
	p.kind = fault.HardwareKind(int(unix.SignalNum(name)), int(kv["code"]), uint64(kv["addr"]), p.sigPC)
	p.recognized = true
}

// pcLine completes a "SIGxxx:" header: PC=0x46f3a8 m=0 sigcode=0 addr=0x0
func (p *parser) pcLine(line string) {
	if p.pending == 0 {
		return
	}
	signo := p.pending
	p.pending = 0
	kv := keyValues(line)
	p.sigPC = uint64(kv["PC"])
	code := int(kv["sigcode"])
	if code > 0 && synchronous(signo) {
		p.kind = fault.HardwareKind(signo, code, uint64(kv["addr"]), p.sigPC)
	} else {
		p.kind = fault.SignalKind(signo, code, uint64(kv["addr"]))
	}
	p.recognized = true
}

func (p *parser) goroutine(id, state string) {
	p.inHeader = false
	p.pending = 0
	p.collect = false
	n, err := strconv.Atoi(id)
	if err != nil || p.ctx.Threads.Find(n) != nil {
		p.current = nil
		return
	}
	first := p.ctx.Threads.Len() == 0
	p.collect = first && len(p.funcs) == 0
	p.current = p.ctx.Threads.Add(n)
	p.frames = 0
	if p.current == nil {
		return
	}
	p.current.SetName(state)
	if first {
		p.current.Crashed = true
		if p.sigPC != 0 {
			p.current.Regs.SetPC(p.sigPC)
		}
	}
}

// frameLine reads the position line under a function name:
//
//	/src/main.go:7 +0x16 fp=0xc000067f50 sp=0xc000067ed8 pc=0x48f0b6
func (p *parser) frameLine(line string) {
	if p.current == nil || !strings.Contains(line, "pc=") {
		return
	}
	kv := keyValues(line)
	pc := uint64(kv["pc"])
	if pc == 0 {
		return
	}
	p.frames++
	p.current.AddFrame(pc)

	// Stack registers come from the frame that was executing when the
	// signal hit, else from the innermost frame.
	regs := &p.current.Regs
	switch {
	case p.frames == 1 && !regs.HasPC():
		regs.SetPC(pc)
		fallthrough
	case p.frames == 1, regs.PC() == pc:
		regs.SetSP(uint64(kv["sp"]))
		regs.SetFP(uint64(kv["fp"]))
	}
}

func (p *parser) register(name, value string) {
	if p.regsDone {
		return
	}
	p.regsSeen = true
	crashed := p.ctx.Threads.Crashed()
	if crashed == nil {
		return
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(value, "0x"), 16, 64)
	if err != nil {
		return
	}
	switch name {
	case "rip", "pc":
		crashed.Regs.SetPC(v)
	case "rsp", "sp":
		crashed.Regs.SetSP(v)
	case "rbp", "r29", "fp":
		crashed.Regs.SetFP(v)
	}
}

func (p *parser) finish() Crash {
	if !p.recognized {
		if msg, ok := throwMessage(p.funcs); ok {
			p.kind = fault.ExceptionKind(fault.TypeFatal, "fatal error", msg)
			p.recognized = true
		}
	}
	if !p.recognized {
		msg := p.first
		if msg == "" {
			msg = "unrecognized crash output"
		}
		p.kind = fault.ExceptionKind(fault.TypeFatal, "unknown", msg)
	}
	if p.ctx.Threads.Crashed() == nil {
		p.ctx.Threads.MarkCrashed(0)
	}
	return Crash{Kind: p.kind, Recognized: p.recognized}
}

func keyValues(line string) map[string]int64 {
	out := make(map[string]int64)
	for _, m := range reKeyValue.FindAllStringSubmatch(line, -1) {
		if n, err := strconv.ParseInt(m[2], 0, 64); err == nil {
			out[m[1]] = n
		} else if u, err := strconv.ParseUint(m[2], 0, 64); err == nil {
			out[m[1]] = int64(u)
		}
	}
	return out
}

// synchronous reports whether sig can be raised by the CPU itself.
func synchronous(sig int) bool {
	switch syscall.Signal(sig) {
	case unix.SIGSEGV, unix.SIGBUS, unix.SIGFPE, unix.SIGILL, unix.SIGTRAP:
		return true
	}
	return false
}

// shortType strips the package path and pointer marks from a type name
// as the runtime prints it, e.g. "*example.com/pkg.AnException".
func shortType(s string) string {
	s = strings.TrimLeft(s, "*")
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[i+1:]
	}
	return s
}

// maxFuncs bounds how much of the failing block is kept for classification.
const maxFuncs = 16

// funcName strips the argument list from a traceback function line:
// "sync.(*Mutex).Unlock(...)" becomes "sync.(*Mutex).Unlock".
func funcName(line string) string {
	if i := strings.LastIndexByte(line, '('); i > 0 && strings.HasSuffix(line, ")") {
		return line[:i]
	}
	return line
}

// isThrow reports whether fn is one of the runtime's fatal error entry
// points, such as runtime.throw, runtime.fatal, internal/sync.fatal or
// internal/runtime/maps.fatal.
func isThrow(fn string) bool {
	dot := strings.LastIndexByte(fn, '.')
	if dot < 0 {
		return false
	}
	pkg, name := fn[:dot], fn[dot+1:]
	if name != "throw" && name != "fatal" && name != "fatalthrow" {
		return false
	}
	return pkg == "runtime" || pkg == "sync" || strings.HasPrefix(pkg, "internal/")
}

// throwSites maps the callers of a fatal error to the message the runtime
// prints for them. The runtime writes that message only to standard error,
// not to the crash output, so it is recovered from where the throw came
// from. The innermost matching caller wins.
var throwSites = []struct {
	caller  string
	message string
}{
	{"(*RWMutex).rUnlockSlow", "sync: RUnlock of unlocked RWMutex"},
	{"(*RWMutex).RUnlock", "sync: RUnlock of unlocked RWMutex"},
	{"(*RWMutex).Unlock", "sync: Unlock of unlocked RWMutex"},
	{"(*Mutex).unlockSlow", "sync: unlock of unlocked mutex"},
	{"(*Mutex).Unlock", "sync: unlock of unlocked mutex"},
	{"mapassign", "concurrent map writes"},
	{"mapdelete", "concurrent map writes"},
	{"mapclear", "concurrent map writes"},
	{"(*Map).PutSlot", "concurrent map writes"},
	{"(*Map).Delete", "concurrent map writes"},
	{"(*Map).Clear", "concurrent map writes"},
	{"mapaccess", "concurrent map read and map write"},
	{"(*Map).Get", "concurrent map read and map write"},
	{"mapiternext", "concurrent map iteration and map write"},
	{"(*Iter).Next", "concurrent map iteration and map write"},
	{"runtime.checkdead", "all goroutines are asleep - deadlock!"},
	{"runtime.newstack", "stack overflow"},
}

// throwMessage classifies a failing block that starts in a fatal error
// entry point and returns the message for it. Unknown call sites are
// described by their first caller.
func throwMessage(funcs []string) (string, bool) {
	i := 0
	for i < len(funcs) && (funcs[i] == "runtime.systemstack" || funcs[i] == "runtime.systemstack_switch") {
		i++
	}
	if i == len(funcs) || !isThrow(funcs[i]) {
		return "", false
	}
	for i < len(funcs) && isThrow(funcs[i]) {
		i++
	}
	callers := funcs[i:]
	for _, fn := range callers {
		for _, site := range throwSites {
			if strings.Contains(fn, site.caller) {
				return site.message, true
			}
		}
	}
	if len(callers) > 0 {
		return "fatal error in " + callers[0], true
	}
	return "fatal error", true
}
