package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks cfg and returns ValidationErrors when anything is wrong.
func Validate(cfg *Config) error {
	var errs ValidationErrors
	add := func(field string, value interface{}, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if strings.TrimSpace(cfg.Report.Path) == "" {
		add("report.path", cfg.Report.Path, "path required")
	} else if strings.ContainsRune(cfg.Report.Path, 0) {
		add("report.path", cfg.Report.Path, "invalid file path")
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		add("log.level", cfg.Log.Level, "must be one of: debug, info, warn, error")
	}
	switch cfg.Log.Format {
	case "auto", "text", "json":
	default:
		add("log.format", cfg.Log.Format, "must be one of: auto, text, json")
	}

	if cfg.Store.Path == "" {
		add("store.path", cfg.Store.Path, "path required")
	}

	if _, _, err := net.SplitHostPort(cfg.Server.Addr); err != nil {
		add("server.addr", cfg.Server.Addr, "must be host:port")
	}
	for _, origin := range cfg.Server.CORSOrigins {
		if origin != "*" && !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			add("server.cors_origins", origin, "must be * or an http(s) origin")
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
