package testutil_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/impact/internal/report"
	"github.com/hugo-lorenzo-mato/impact/internal/testutil"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"CRLF to LF", "line1\r\nline2\r\n", "line1\nline2"},
		{"trailing whitespace", "line1   \nline2\t\n", "line1\nline2"},
		{"trailing newlines", "line1\nline2\n\n\n", "line1\nline2"},
		{"empty string", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, testutil.Normalize(tt.input))
		})
	}
}

func TestScrubAll(t *testing.T) {
	in := "[Signal] signal: 0x6, code: 0x0, address: 0x0, time: 0x65f0a3c1\n" +
		"session 6f1c2a9e-4b7d-4c3e-9a21-0d5e8f7b3c10 at 2026-03-01T10:00:00Z in /tmp/work/a.log  \n"

	got := testutil.ScrubAll(in, "/tmp/work")
	assert.Equal(t, "[Signal] signal: 0x6, code: 0x0, address: 0x0, time: [TIME]\n"+
		"session [UUID] at [TIMESTAMP] in [WORKDIR]/a.log", got)
}

func TestReportBuilder_Parses(t *testing.T) {
	text := testutil.NewReport("svc").
		Signal(11, 1, 0x10).
		Binary("/usr/local/bin/app", 0x400000, 0x1000).
		Thread(42, "main", true, 0x401000, 0x7ffc0000, 0x401000, 0x402000).
		Thread(43, "worker", false, 0, 0).
		String()

	rep, err := report.Parse(strings.NewReader(text))
	require.NoError(t, err)
	assert.Zero(t, rep.Skipped)
	assert.Equal(t, "svc", rep.Application.ID)
	assert.Equal(t, "Test CPU", rep.Environment.CPU)
	assert.Equal(t, "SIGSEGV", rep.Signal.Name)
	require.Len(t, rep.Threads, 2)
	assert.Equal(t, []uint64{0x401000, 0x402000}, rep.CrashedThread().Frames)
	assert.Nil(t, rep.Threads[1].State)
}

func TestReportBuilder_WriteFile(t *testing.T) {
	dir := t.TempDir()
	path := testutil.NewReport("svc").WriteFile(t, dir, "impact.log")
	assert.Equal(t, filepath.Join(dir, "impact.log"), path)

	rep, err := report.ParseFile(path)
	require.NoError(t, err)
	assert.False(t, rep.Crashed())
}

func TestGolden_Match(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "out.golden"), []byte("expected"), 0o644))
	testutil.NewGolden(t, dir).AssertString("out", "expected")
}
