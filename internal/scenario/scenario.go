// Package scenario holds the faults impactctl crash can trigger.
package scenario

import (
	"runtime"
	"sort"
	"sync"

	"github.com/sahilm/fuzzy"
	"golang.org/x/sys/unix"

	"github.com/hugo-lorenzo-mato/impact"
	"github.com/hugo-lorenzo-mato/impact/internal/state"
)

// AnException is the error value panicked by the panic scenarios.
type AnException struct {
	Message string
}

func (e AnException) Error() string { return e.Message }

// Message is what the panic scenarios panic with.
const Message = "something bad happened"

// Scenario is one way to crash the process.
type Scenario struct {
	Name        string
	Description string
	trigger     func()
}

// Trigger crashes the process. It returns only if the fault was somehow
// survived.
func (s Scenario) Trigger() { s.trigger() }

type victim struct{ field int }

var sink int

var all = []Scenario{
	{"abort", "raise SIGABRT on the calling thread", func() { impact.Raise(unix.SIGABRT) }},
	{"segv", "raise SIGSEGV on the calling thread", func() { impact.Raise(unix.SIGSEGV) }},
	{"illegal", "raise SIGILL on the calling thread", func() { impact.Raise(unix.SIGILL) }},
	{"trap", "raise SIGTRAP on the calling thread", func() { impact.Raise(unix.SIGTRAP) }},
	{"bus", "raise SIGBUS on the calling thread", func() { impact.Raise(unix.SIGBUS) }},
	{"fpe", "raise SIGFPE on the calling thread", func() { impact.Raise(unix.SIGFPE) }},
	{"sys", "raise SIGSYS on the calling thread", func() { impact.Raise(unix.SIGSYS) }},
	{"nil", "dereference a nil pointer on the main goroutine", func() {
		var v *victim
		sink = v.field
	}},
	{"panic", "panic with an error on a goroutine started by impact.Go", func() {
		impact.Go(func() { panic(AnException{Message: Message}) })
		select {}
	}},
	{"goroutine-panic", "panic on a plain goroutine", func() {
		go func() { panic(AnException{Message: Message}) }()
		select {}
	}},
	{"fatal", "unlock an unlocked mutex", func() {
		var mu sync.Mutex
		mu.Unlock()
	}},
	{"abort-race", "raise SIGABRT while another goroutine dereferences nil", func() {
		go func() {
			for impact.Shared().State() == state.Initialized {
				runtime.Gosched()
			}
			var v *victim
			sink = v.field
		}()
		impact.Raise(unix.SIGABRT)
		select {}
	}},
}

// All returns every scenario.
func All() []Scenario {
	return append([]Scenario(nil), all...)
}

// Names returns every scenario name in sorted order.
func Names() []string {
	names := make([]string, len(all))
	for i, s := range all {
		names[i] = s.Name
	}
	sort.Strings(names)
	return names
}

// Lookup finds a scenario by name.
func Lookup(name string) (Scenario, bool) {
	for _, s := range all {
		if s.Name == name {
			return s, true
		}
	}
	return Scenario{}, false
}

// Suggest returns scenario names close to name, best match first.
func Suggest(name string) []string {
	names := Names()
	matches := fuzzy.Find(name, names)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.Str)
	}
	return out
}
