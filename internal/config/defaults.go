package config

import "github.com/spf13/viper"

// Default values.
const (
	DefaultReportPath = "impact.log"
	DefaultStorePath  = ".impact/reports.db"
	DefaultServerAddr = "127.0.0.1:8765"
)

// DefaultConfigYAML is what impactctl config init writes.
const DefaultConfigYAML = `# impact configuration
#
# Every key can be overridden with an IMPACT_ environment variable,
# e.g. IMPACT_REPORT_PATH or IMPACT_LOG_LEVEL.

report:
  # Where the crash report is written. The file is truncated at start.
  path: impact.log
  # Opaque identifier recorded in the report. A random UUID when empty.
  identifier: ""
  # Exit with status 0 after writing a report instead of re-raising.
  suppress: false

watcher:
  # Capture runtime fatal errors (nil dereference, unrecovered panics on
  # any goroutine, runtime throws) from a companion process.
  enabled: true

log:
  level: info   # debug, info, warn, error
  format: auto  # auto, text, json

store:
  path: .impact/reports.db

server:
  addr: 127.0.0.1:8765
  cors_origins: []
`

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("report.path", DefaultReportPath)
	v.SetDefault("report.identifier", "")
	v.SetDefault("report.suppress", false)

	v.SetDefault("watcher.enabled", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")

	v.SetDefault("store.path", DefaultStorePath)

	v.SetDefault("server.addr", DefaultServerAddr)
	v.SetDefault("server.cors_origins", []string{})
}
