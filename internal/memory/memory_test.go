package memory

import (
	"os"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSelf(t *testing.T) *Process {
	t.Helper()
	p, err := Open(os.Getpid())
	if err != nil {
		t.Skipf("no memory access in this environment: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestProcess_ReadWord(t *testing.T) {
	p := openSelf(t)
	assert.Equal(t, os.Getpid(), p.Pid())

	value := new(uint64)
	*value = 0x1122334455667788

	got, err := p.ReadWord(uint64(uintptr(unsafe.Pointer(value))))
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1122334455667788), got)
}

func TestProcess_ReadWordInvalid(t *testing.T) {
	p := openSelf(t)

	_, err := p.ReadWord(0)
	assert.ErrorIs(t, err, ErrFault)

	_, err = p.ReadWord(0x10)
	assert.ErrorIs(t, err, ErrFault)

	// The reader stays usable after a failed read.
	value := new(uint64)
	*value = 42
	got, err := p.ReadWord(uint64(uintptr(unsafe.Pointer(value))))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got)
}

func TestProcess_NoAllocations(t *testing.T) {
	p := openSelf(t)
	value := new(uint64)
	addr := uint64(uintptr(unsafe.Pointer(value)))

	allocs := testing.AllocsPerRun(50, func() {
		_, _ = p.ReadWord(addr)
	})
	assert.Zero(t, allocs)
}

func TestProcess_CloseTwice(t *testing.T) {
	p := openSelf(t)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}
