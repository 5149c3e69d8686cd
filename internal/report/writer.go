// Package report writes and reads the line-oriented crash report format.
//
// Every line has the form
//
//	[Category] key: value, key2: value2
//
// Integers are written as 0x-prefixed lowercase hex and free-form strings
// are passed through the encoding package first.
package report

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/hugo-lorenzo-mato/impact/internal/encoding"
)

// LineSize is the size of the line buffer. An encoded value that does not
// fit is written through in chunks, so a line may be longer than this.
const LineSize = 2048

// chunkSize is the input consumed per chunk of a long encoded value. It is
// a multiple of three, so no chunk but the last carries padding and the
// chunks concatenate to the token of the whole value.
const chunkSize = (LineSize - 1) / 4 * 3

// Report categories.
const (
	CategoryApplication   = "Application"
	CategoryEnvironment   = "Environment"
	CategorySignal        = "Signal"
	CategoryException     = "Exception"
	CategoryBinary        = "Binary:Load"
	CategoryThread        = "Thread"
	CategoryThreadCrashed = "Thread:Crashed"
	CategoryThreadState   = "Thread:State"
	CategoryThreadFrame   = "Thread:Frame"
)

// ErrClosed is returned by a Writer that has no open file.
var ErrClosed = errors.New("report writer is not open")

// Writer appends report lines to a file descriptor. It formats each line in
// a fixed buffer and writes it with a single write call, so it never
// allocates after Open and is safe to use once the process is failing. A
// line holding an encoded value longer than the buffer takes several calls.
//
// A Writer is not safe for concurrent use; the crash state machine ensures a
// single writer on the fault path.
type Writer struct {
	fd     int
	line   [LineSize]byte
	n      int
	fields int
	// err is the first failed write of a partly flushed line.
	err error
}

// Open creates or truncates the report at path.
func Open(path string) (*Writer, error) {
	return open(path, unix.O_TRUNC)
}

// OpenAppend opens the report at path without truncating it.
func OpenAppend(path string) (*Writer, error) {
	return open(path, 0)
}

func open(path string, extra int) (*Writer, error) {
	flags := unix.O_WRONLY | unix.O_CREAT | unix.O_APPEND | unix.O_CLOEXEC | extra
	fd, err := unix.Open(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening report %s: %w", path, err)
	}
	return &Writer{fd: fd}, nil
}

// Fd returns the underlying descriptor, or -1 for a nil Writer.
func (w *Writer) Fd() int {
	if w == nil {
		return -1
	}
	return w.fd
}

// Begin starts a new line for category, discarding any unfinished line.
func (w *Writer) Begin(category string) {
	if w == nil {
		return
	}
	w.n = 0
	w.fields = 0
	w.raw("[")
	w.raw(category)
	w.raw("]")
}

// Hex adds an integer field.
func (w *Writer) Hex(key string, v uint64) {
	if w == nil {
		return
	}
	var digits [16]byte
	i := len(digits)
	for {
		i--
		digits[i] = hexDigits[v&0xf]
		v >>= 4
		if v == 0 {
			break
		}
	}
	if !w.field(key, 2+len(digits)-i) {
		return
	}
	w.raw("0x")
	w.n += copy(w.line[w.n:], digits[i:])
}

// Token adds a field whose value is already line-safe, such as a platform
// name. Bytes that would break the line grammar are replaced with '_'.
func (w *Writer) Token(key, value string) {
	if w == nil || !w.field(key, len(value)) {
		return
	}
	for i := 0; i < len(value); i++ {
		c := value[i]
		if c < 0x21 || c == 0x7f || c == ',' {
			c = '_'
		}
		w.line[w.n] = c
		w.n++
	}
}

// Encoded adds a free-form string field through the encoding package.
func (w *Writer) Encoded(key, value string) {
	if w == nil {
		return
	}
	if w.field(key, encoding.EncodedLen(len(value))) {
		w.n = len(encoding.Append(w.line[:w.n], value))
		return
	}
	w.longKey(key)
	for len(value) > 0 {
		n := min(len(value), chunkSize)
		w.n = len(encoding.Append(w.line[:0], value[:n]))
		w.flush()
		value = value[n:]
	}
}

// EncodedBytes is Encoded for a byte slice.
func (w *Writer) EncodedBytes(key string, value []byte) {
	if w == nil {
		return
	}
	if w.field(key, encoding.EncodedLen(len(value))) {
		w.n = len(encoding.AppendBytes(w.line[:w.n], value))
		return
	}
	w.longKey(key)
	for len(value) > 0 {
		n := min(len(value), chunkSize)
		w.n = len(encoding.AppendBytes(w.line[:0], value[:n]))
		w.flush()
		value = value[n:]
	}
}

// longKey starts a field whose value is streamed: the line so far and the
// key are written out, leaving the buffer empty for the value chunks.
func (w *Writer) longKey(key string) {
	if w.n+2+len(key)+2 >= LineSize {
		w.flush()
	}
	w.key(key)
	w.flush()
}

// flush writes the buffered part of the current line.
func (w *Writer) flush() {
	if w.n == 0 {
		return
	}
	if err := w.write(w.line[:w.n]); err != nil && w.err == nil {
		w.err = err
	}
	w.n = 0
}

// End terminates the current line and writes it.
func (w *Writer) End() error {
	if w == nil || w.fd < 0 {
		return ErrClosed
	}
	if w.n >= LineSize {
		w.n = LineSize - 1
	}
	w.line[w.n] = '\n'
	w.n++
	err := w.write(w.line[:w.n])
	if w.err != nil {
		err = w.err
	}
	w.n = 0
	w.fields = 0
	w.err = nil
	return err
}

// Sync flushes the report to stable storage.
func (w *Writer) Sync() error {
	if w == nil || w.fd < 0 {
		return ErrClosed
	}
	for {
		err := unix.Fsync(w.fd)
		if err != unix.EINTR {
			return err
		}
	}
}

// Close releases the descriptor.
func (w *Writer) Close() error {
	if w == nil || w.fd < 0 {
		return ErrClosed
	}
	err := unix.Close(w.fd)
	w.fd = -1
	return err
}

func (w *Writer) write(b []byte) error {
	for len(b) > 0 {
		n, err := unix.Write(w.fd, b)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return unix.EIO
		}
		b = b[n:]
	}
	return nil
}

// field writes the separator and key when a value of size n fits, leaving
// room for the trailing newline.
func (w *Writer) field(key string, n int) bool {
	sep := 1
	if w.fields > 0 {
		sep = 2
	}
	if w.n+sep+len(key)+2+n >= LineSize {
		return false
	}
	w.key(key)
	return true
}

func (w *Writer) key(key string) {
	if w.fields > 0 {
		w.raw(",")
	}
	w.raw(" ")
	w.raw(key)
	w.raw(": ")
	w.fields++
}

func (w *Writer) raw(s string) {
	w.n += copy(w.line[w.n:LineSize-1], s)
}

const hexDigits = "0123456789abcdef"
