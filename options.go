package impact

import "github.com/hugo-lorenzo-mato/impact/internal/logging"

// Option customizes StartWithConfig.
type Option func(*Monitor)

// WithLogger sets the logger for lifecycle events. Faults themselves are
// never logged, only written to the report.
func WithLogger(l *logging.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithWatcher overrides watcher.enabled from the configuration.
func WithWatcher(enabled bool) Option {
	return func(m *Monitor) {
		m.watcherEnabled = &enabled
	}
}
