package clip

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stub(t *testing.T, native, osc error) {
	t.Helper()
	origNative, origOSC, origTemp := nativeWriteAll, osc52WriteAll, tempDir
	t.Cleanup(func() {
		nativeWriteAll, osc52WriteAll, tempDir = origNative, origOSC, origTemp
	})
	dir := t.TempDir()
	tempDir = func() string { return dir }
	nativeWriteAll = func(string) error { return native }
	osc52WriteAll = func(string) error { return osc }
}

func TestWriteAll_Native(t *testing.T) {
	stub(t, nil, errors.New("unused"))

	got, err := WriteAll("[Application] id: YWJj")
	require.NoError(t, err)
	assert.Equal(t, MethodNative, got.Method)
	assert.Empty(t, got.FilePath)
	assert.Equal(t, "copied to clipboard", got.String())
}

func TestWriteAll_OSC52Fallback(t *testing.T) {
	stub(t, errors.New("no display"), nil)

	got, err := WriteAll("text")
	require.NoError(t, err)
	assert.Equal(t, MethodOSC52, got.Method)
}

func TestWriteAll_FileFallback(t *testing.T) {
	stub(t, errors.New("no display"), errors.New("not a terminal"))

	got, err := WriteAll("report body")
	require.NoError(t, err)
	assert.Equal(t, MethodFile, got.Method)
	assert.True(t, strings.HasPrefix(filepath.Base(got.FilePath), "impact-report-"))
	assert.Contains(t, got.String(), got.FilePath)

	data, err := os.ReadFile(got.FilePath)
	require.NoError(t, err)
	assert.Equal(t, "report body", string(data))
}

func TestWriteAll_NothingWorks(t *testing.T) {
	stub(t, errors.New("no display"), errors.New("not a terminal"))
	tempDir = func() string { return filepath.Join(t.TempDir(), "missing") }

	_, err := WriteAll("text")
	assert.Error(t, err)
}

func TestWriteOSC52_Rejects(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	defer f.Close()

	assert.Error(t, writeOSC52(f, ""), "empty text")
	assert.Error(t, writeOSC52(f, "text"), "regular file is not a terminal")
}

func TestSendOSC52(t *testing.T) {
	t.Setenv("TMUX", "")
	t.Setenv("STY", "")
	var buf bytes.Buffer

	require.NoError(t, sendOSC52(&buf, "hello"))
	assert.Equal(t, "\x1b]52;c;aGVsbG8=\x07", buf.String())
}
