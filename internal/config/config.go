// Package config loads monitor and impactctl settings with viper.
package config

// Config holds all settings.
type Config struct {
	Report  ReportConfig  `mapstructure:"report" yaml:"report"`
	Watcher WatcherConfig `mapstructure:"watcher" yaml:"watcher"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
}

// ReportConfig configures the crash report.
type ReportConfig struct {
	Path       string `mapstructure:"path" yaml:"path"`
	Identifier string `mapstructure:"identifier" yaml:"identifier"`
	// Suppress exits with status 0 after a report instead of dying of the
	// original signal.
	Suppress bool `mapstructure:"suppress" yaml:"suppress"`
}

// WatcherConfig configures the crash watcher process.
type WatcherConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// StoreConfig configures the report index.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// ServerConfig configures impactctl serve.
type ServerConfig struct {
	Addr        string   `mapstructure:"addr" yaml:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins"`
}
