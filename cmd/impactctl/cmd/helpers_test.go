package cmd

import (
	"bytes"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/impact/internal/testutil"
)

// captureStdout runs fn with os.Stdout redirected and returns what it wrote.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	done := make(chan []byte)
	go func() {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r)
		done <- buf.Bytes()
	}()

	defer func() {
		os.Stdout = oldStdout
	}()
	fn()
	w.Close()
	return string(<-done)
}

// syncBuffer is a bytes.Buffer safe for one writer and one reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func segvReport() *testutil.ReportBuilder {
	return testutil.NewReport("svc").
		Signal(11, 1, 0x10).
		Binary("/usr/local/bin/app", 0x400000, 0x1000).
		Thread(42, "main", true, 0x401000, 0x7ffc0000, 0x400100, 0x400200).
		Thread(43, "worker", false, 0, 0)
}
