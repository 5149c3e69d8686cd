package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoader_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultReportPath, cfg.Report.Path)
	assert.False(t, cfg.Report.Suppress)
	assert.True(t, cfg.Watcher.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "auto", cfg.Log.Format)
	assert.Equal(t, DefaultStorePath, cfg.Store.Path)
	assert.Equal(t, DefaultServerAddr, cfg.Server.Addr)

	_, err = uuid.Parse(cfg.Report.Identifier)
	assert.NoError(t, err, "an empty identifier becomes a UUID")
	assert.NoError(t, Validate(cfg))
}

func TestLoader_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
report:
  path: /var/tmp/app.log
  identifier: svc-42
  suppress: true
watcher:
  enabled: false
server:
  cors_origins: ["http://localhost:3000"]
`), 0o600))

	loader := NewLoader().WithConfigFile(path)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, path, loader.ConfigFile())
	assert.Equal(t, "/var/tmp/app.log", cfg.Report.Path)
	assert.Equal(t, "svc-42", cfg.Report.Identifier)
	assert.True(t, cfg.Report.Suppress)
	assert.False(t, cfg.Watcher.Enabled)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "info", cfg.Log.Level, "unset keys keep defaults")
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "impact.yaml")
	require.NoError(t, os.WriteFile(path, []byte("report:\n  identifier: from-file\n"), 0o600))
	t.Setenv("IMPACT_REPORT_IDENTIFIER", "from-env")
	t.Setenv("IMPACT_LOG_LEVEL", "debug")

	cfg, err := NewLoader().WithConfigFile(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Report.Identifier)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoader_SearchesWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "impact.yaml"), []byte("log:\n  format: json\n"), 0o600))
	t.Chdir(dir)

	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoader_BadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("report: [unclosed"), 0o600))

	_, err := NewLoader().WithConfigFile(path).Load()
	assert.ErrorContains(t, err, "reading config")
}

func TestDefaultConfigYAML_MatchesDefaults(t *testing.T) {
	var fromYAML Config
	require.NoError(t, yaml.Unmarshal([]byte(DefaultConfigYAML), &fromYAML))

	def := Default()
	assert.Equal(t, def.Report.Path, fromYAML.Report.Path)
	assert.Equal(t, def.Watcher, fromYAML.Watcher)
	assert.Equal(t, def.Log, fromYAML.Log)
	assert.Equal(t, def.Store, fromYAML.Store)
	assert.Equal(t, def.Server.Addr, fromYAML.Server.Addr)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Report.Path = " "
	cfg.Log.Level = "loud"
	cfg.Log.Format = "xml"
	cfg.Store.Path = ""
	cfg.Server.Addr = "nohost"
	cfg.Server.CORSOrigins = []string{"*", "ftp://x"}

	err := Validate(cfg)
	require.Error(t, err)

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	fields := make([]string, 0, len(verrs))
	for _, e := range verrs {
		fields = append(fields, e.Field)
	}
	assert.ElementsMatch(t, []string{
		"report.path", "log.level", "log.format", "store.path", "server.addr", "server.cors_origins",
	}, fields)
	assert.Contains(t, err.Error(), "log.level: must be one of")
}
