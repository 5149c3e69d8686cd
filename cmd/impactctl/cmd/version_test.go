package cmd

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	SetVersion("v1.2.3", "abc123def", "2026-01-15")
	t.Cleanup(func() { SetVersion("", "", "") })

	output := captureStdout(t, func() {
		versionCmd.Run(versionCmd, nil)
	})

	assert.Contains(t, output, "impactctl v1.2.3")
	assert.Contains(t, output, "commit: abc123def")
	assert.Contains(t, output, "built:  2026-01-15")
	assert.Contains(t, output, runtime.Version())
}

func TestRootCommand_Subcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"version", "inspect", "decode", "tail", "ingest", "serve", "crash", "doctor", "config"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}
