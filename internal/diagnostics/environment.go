package diagnostics

import (
	"runtime"
	"strings"
	"sync"

	"github.com/jaypipes/ghw"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/hugo-lorenzo-mato/impact/internal/report"
)

// Environment is the content of the [Environment] report line.
type Environment struct {
	Platform string `json:"platform"`
	Arch     string `json:"arch"`
	Version  string `json:"version"`
	Kernel   string `json:"kernel"`
	CPU      string `json:"cpu"`
	Cores    int    `json:"cores"`
	Memory   uint64 `json:"memory"`
}

// Write emits the environment as a single report line.
func (e Environment) Write(w *report.Writer) error {
	w.Begin(report.CategoryEnvironment)
	w.Token("platform", e.Platform)
	w.Token("arch", e.Arch)
	w.Encoded("version", e.Version)
	w.Encoded("kernel", e.Kernel)
	w.Encoded("cpu", e.CPU)
	w.Hex("cores", uint64(e.Cores))
	w.Hex("memory", e.Memory)
	return w.End()
}

// Collector gathers the environment once and caches it.
type Collector struct {
	once sync.Once
	env  Environment
}

// NewCollector creates a collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Collect returns the host description. Fields that cannot be read are
// left empty.
func (c *Collector) Collect() Environment {
	c.once.Do(func() {
		c.env = Environment{Platform: runtime.GOOS, Arch: runtime.GOARCH}
		c.collectHost(&c.env)
		c.collectCPU(&c.env)
		c.collectMemory(&c.env)
	})
	return c.env
}

func (c *Collector) collectHost(env *Environment) {
	info, err := host.Info()
	if err != nil {
		return
	}
	env.Version = strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
	env.Kernel = strings.TrimSpace(info.KernelVersion)
}

// collectCPU prefers gopsutil and falls back to ghw, which reads sysfs
// topology when /proc/cpuinfo lacks a model name (common on arm64).
func (c *Collector) collectCPU(env *Environment) {
	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		env.CPU = strings.TrimSpace(infos[0].ModelName)
	}
	if cores, err := cpu.Counts(false); err == nil && cores > 0 {
		env.Cores = cores
	}
	if env.CPU != "" && env.Cores > 0 {
		return
	}

	info, err := ghw.CPU()
	if err != nil || info == nil {
		return
	}
	if env.Cores == 0 {
		env.Cores = int(info.TotalCores)
	}
	if env.CPU == "" && len(info.Processors) > 0 {
		p := info.Processors[0]
		env.CPU = strings.TrimSpace(p.Vendor + " " + p.Model)
	}
}

func (c *Collector) collectMemory(env *Environment) {
	if vm, err := mem.VirtualMemory(); err == nil && vm.Total > 0 {
		env.Memory = vm.Total
		return
	}
	if info, err := ghw.Memory(); err == nil && info != nil && info.TotalUsableBytes > 0 {
		env.Memory = uint64(info.TotalUsableBytes)
	}
}
