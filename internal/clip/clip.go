// Package clip copies decoded reports to the clipboard.
package clip

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	atotto "github.com/atotto/clipboard"
	osc52 "github.com/aymanbagabas/go-osc52/v2"
	"golang.org/x/term"
)

// Method is how the text was made available.
type Method string

const (
	MethodNative Method = "native" // system clipboard
	MethodOSC52  Method = "osc52"  // terminal clipboard escape sequence
	MethodFile   Method = "file"   // no clipboard; written to a temp file
)

// Result says where the text went.
type Result struct {
	Method   Method
	FilePath string // only set for MethodFile
}

// String describes the result for the user.
func (r Result) String() string {
	switch r.Method {
	case MethodNative:
		return "copied to clipboard"
	case MethodOSC52:
		return "copied to clipboard (terminal)"
	case MethodFile:
		return "clipboard unavailable, written to " + r.FilePath
	default:
		return string(r.Method)
	}
}

// Stubbed in tests.
var (
	nativeWriteAll = atotto.WriteAll
	osc52WriteAll  = func(text string) error { return writeOSC52(os.Stderr, text) }
	tempDir        = os.TempDir
)

// WriteAll copies text to the system clipboard, then through the terminal
// with OSC52, and finally falls back to a temp file.
func WriteAll(text string) (Result, error) {
	if err := nativeWriteAll(text); err == nil {
		return Result{Method: MethodNative}, nil
	}
	if err := osc52WriteAll(text); err == nil {
		return Result{Method: MethodOSC52}, nil
	}

	path, err := writeTempFile(text)
	if err != nil {
		return Result{}, fmt.Errorf("no clipboard and no temp file: %w", err)
	}
	return Result{Method: MethodFile, FilePath: path}, nil
}

// Terminals drop or block on larger OSC52 payloads.
const osc52LimitBytes = 100_000

func writeOSC52(f *os.File, text string) error {
	if text == "" {
		return errors.New("empty clipboard text")
	}
	if !term.IsTerminal(int(f.Fd())) {
		return errors.New("not a terminal")
	}
	if len(text) > osc52LimitBytes {
		return fmt.Errorf("text too large for OSC52 (%d bytes > %d)", len(text), osc52LimitBytes)
	}
	return sendOSC52(f, text)
}

func sendOSC52(w io.Writer, text string) error {
	seq := osc52.New(text).Limit(osc52LimitBytes)
	switch {
	case os.Getenv("TMUX") != "":
		seq = seq.Tmux()
	case os.Getenv("STY") != "":
		seq = seq.Screen()
	}
	_, err := seq.WriteTo(w)
	return err
}

func writeTempFile(text string) (path string, err error) {
	f, err := os.CreateTemp(tempDir(), "impact-report-*.txt")
	if err != nil {
		return "", err
	}
	path = f.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	if _, err = f.WriteString(text); err != nil {
		_ = f.Close()
		return "", err
	}
	if err = f.Close(); err != nil {
		return "", err
	}
	return filepath.Clean(path), nil
}
