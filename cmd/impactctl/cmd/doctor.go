package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"unsafe"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/mod/semver"
	"golang.org/x/sys/unix"

	"github.com/hugo-lorenzo-mato/impact/internal/binimage"
	"github.com/hugo-lorenzo-mato/impact/internal/config"
	"github.com/hugo-lorenzo-mato/impact/internal/memory"
	"github.com/hugo-lorenzo-mato/impact/internal/thread"
	"github.com/hugo-lorenzo-mato/impact/internal/unwind"
)

// minGoVersion is the first release with runtime/debug.SetCrashOutput,
// which the crash watcher depends on.
const minGoVersion = "v1.23.0"

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that crash reports can be captured on this host",
	Long: `Verify the kernel interfaces and binary metadata the monitor relies on:
thread enumeration through /proc, process_vm_readv, memory maps, call frame
information, the Go version and the configuration.`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

var doctorBinary string

func init() {
	rootCmd.AddCommand(doctorCmd)

	doctorCmd.Flags().StringVar(&doctorBinary, "binary", "",
		"binary to check for call frame information (default: impactctl itself)")
}

type checkStatus int

const (
	checkOK checkStatus = iota
	checkWarn
	checkFail
)

type checkResult struct {
	Name   string
	Status checkStatus
	Detail string
}

func runDoctor(_ *cobra.Command, _ []string) error {
	binary := doctorBinary
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locating executable: %w", err)
		}
		binary = exe
	}

	fmt.Println("Checking crash capture support...")
	fmt.Println()

	results := runChecks(binary)
	failed := printChecks(os.Stdout, results, newCheckStyles(noColor))

	fmt.Println()
	if failed > 0 {
		fmt.Printf("%d check(s) failed\n", failed)
		return fmt.Errorf("doctor found %d problem(s)", failed)
	}
	fmt.Println("Crash reports can be captured on this host")
	return nil
}

func runChecks(binary string) []checkResult {
	return []checkResult{
		checkGoRuntime(runtime.Version()),
		checkGoToolchain(),
		checkThreads(),
		checkMemory(),
		checkImages(),
		checkFrameInfo(binary),
		checkConfig(),
	}
}

// goSemver converts "go1.24.2" to "v1.24.2".
func goSemver(v string) string {
	v = strings.TrimPrefix(v, "go")
	if i := strings.IndexAny(v, " -+"); i >= 0 {
		v = v[:i]
	}
	return "v" + v
}

func checkGoRuntime(version string) checkResult {
	r := checkResult{Name: "go runtime"}
	v := goSemver(version)
	switch {
	case !semver.IsValid(v):
		r.Status = checkWarn
		r.Detail = fmt.Sprintf("cannot parse %q", version)
	case semver.Compare(v, minGoVersion) < 0:
		r.Status = checkFail
		r.Detail = fmt.Sprintf("%s is older than %s, runtime fatal errors are not captured", version, minGoVersion)
	default:
		r.Detail = version
	}
	return r
}

func checkGoToolchain() checkResult {
	r := checkResult{Name: "go toolchain"}
	out, err := exec.Command("go", "env", "GOVERSION").Output()
	if err != nil {
		r.Status = checkWarn
		r.Detail = "not found (optional)"
		return r
	}
	version := strings.TrimSpace(string(out))
	res := checkGoRuntime(version)
	if res.Status == checkFail {
		// Only programs built with it are affected.
		res.Status = checkWarn
	}
	res.Name = r.Name
	return res
}

func checkThreads() checkResult {
	r := checkResult{Name: "thread list"}
	c, err := thread.NewCollector(os.Getpid())
	if err != nil {
		r.Status = checkFail
		r.Detail = err.Error()
		return r
	}
	defer c.Close()

	set := new(thread.Set)
	if err := c.Capture(unix.Gettid(), set); err != nil {
		r.Status = checkWarn
		r.Detail = fmt.Sprintf("partial: %v", err)
		return r
	}
	withState := 0
	for _, t := range set.Threads() {
		if t.Regs.HasPC() {
			withState++
		}
	}
	r.Detail = fmt.Sprintf("%d threads, %d with registers", set.Len(), withState)
	if withState == 0 {
		r.Status = checkWarn
		r.Detail += " (/proc/<pid>/task/<tid>/syscall unreadable, no backtraces for other threads)"
	}
	return r
}

func checkMemory() checkResult {
	r := checkResult{Name: "memory access"}
	p, err := memory.Open(os.Getpid())
	if err != nil {
		r.Status = checkFail
		r.Detail = err.Error()
		return r
	}
	defer p.Close()

	want := uint64(0x1badc0de)
	got, err := p.ReadWord(uint64(uintptr(unsafe.Pointer(&want))))
	runtime.KeepAlive(&want)
	switch {
	case err != nil:
		r.Status = checkFail
		r.Detail = err.Error()
	case got != want:
		r.Status = checkFail
		r.Detail = fmt.Sprintf("read 0x%x, want 0x%x", got, want)
	default:
		r.Detail = "process_vm_readv or /proc/self/mem readable"
	}
	return r
}

func checkImages() checkResult {
	r := checkResult{Name: "memory maps"}
	images := new(binimage.Table)
	if err := images.LoadPid(os.Getpid()); err != nil {
		r.Status = checkFail
		r.Detail = err.Error()
		return r
	}
	r.Detail = fmt.Sprintf("%d executable images", images.Len())
	return r
}

func checkFrameInfo(binary string) checkResult {
	r := checkResult{Name: "call frame info"}
	table, err := unwind.Load(binary, 0)
	switch {
	case errors.Is(err, unwind.ErrNoFrameInfo):
		r.Status = checkWarn
		r.Detail = fmt.Sprintf("%s has none, unwinding falls back to frame pointers", filepath.Base(binary))
	case err != nil:
		r.Status = checkWarn
		r.Detail = err.Error()
	default:
		r.Detail = fmt.Sprintf("%s: %d entries", filepath.Base(binary), table.Len())
	}
	return r
}

func checkConfig() checkResult {
	r := checkResult{Name: "configuration"}
	cfg, err := loadConfig()
	if err != nil {
		r.Status = checkFail
		r.Detail = err.Error()
		return r
	}
	if err := config.Validate(cfg); err != nil {
		r.Status = checkFail
		r.Detail = err.Error()
		return r
	}

	dir := filepath.Dir(cfg.Report.Path)
	if err := unix.Access(dir, unix.W_OK); err != nil {
		r.Status = checkWarn
		r.Detail = fmt.Sprintf("report directory %s is not writable: %v", dir, err)
		return r
	}
	r.Detail = "report: " + cfg.Report.Path
	return r
}

type checkStyles struct {
	ok, warn, fail, name, detail lipgloss.Style
}

func newCheckStyles(plain bool) checkStyles {
	if plain {
		s := lipgloss.NewStyle()
		return checkStyles{ok: s, warn: s, fail: s, name: s.Width(16), detail: s}
	}
	return checkStyles{
		ok:     lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true),
		warn:   lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true),
		fail:   lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		name:   lipgloss.NewStyle().Width(16),
		detail: lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	}
}

// printChecks writes one line per result and returns the failure count.
func printChecks(w io.Writer, results []checkResult, st checkStyles) int {
	failed := 0
	for _, r := range results {
		var icon string
		switch r.Status {
		case checkOK:
			icon = st.ok.Render("✓")
		case checkWarn:
			icon = st.warn.Render("○")
		default:
			icon = st.fail.Render("✗")
			failed++
		}
		fmt.Fprintf(w, "  %s %s %s\n", icon, st.name.Render(r.Name), st.detail.Render(r.Detail))
	}
	return failed
}
