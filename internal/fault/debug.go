package fault

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DebugEnv enables raw progress lines on stderr while a fault is handled.
const DebugEnv = "IMPACT_DEBUG"

var debugEnabled = os.Getenv(DebugEnv) != ""

// Debug writes msg to stderr when DebugEnv is set. It uses a bare write so
// it can run on the fault path.
func Debug(msg string) {
	if !debugEnabled || len(msg) == 0 {
		return
	}
	_, _ = unix.Write(2, unsafe.Slice(unsafe.StringData(msg), len(msg)))
	_, _ = unix.Write(2, newline[:])
}

var newline = [1]byte{'\n'}
