package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestReadFileScoped(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "report.log")
	require.NoError(t, os.WriteFile(p, []byte("[Application] id: YQ==\n"), 0o600))

	data, err := ReadFileScoped(filepath.Join(dir, ".", "report.log"))
	require.NoError(t, err)
	assert.Equal(t, "[Application] id: YQ==\n", string(data))
}

func TestReadFileScoped_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadFileScoped(filepath.Join(dir, "missing.log"))
	assert.Error(t, err)

	_, err = ReadFileScoped(filepath.Join(dir, "nodir", "file.log"))
	assert.Error(t, err)

	_, err = ReadFileScoped("/")
	assert.Error(t, err)
}

func TestReadFixed(t *testing.T) {
	p := filepath.Join(t.TempDir(), "syscall")
	require.NoError(t, os.WriteFile(p, []byte("-1 0x7ffd0000 0x45aee5\n"), 0o600))

	var buf [64]byte
	n, err := ReadFixed(p, buf[:])
	require.NoError(t, err)
	assert.Equal(t, "-1 0x7ffd0000 0x45aee5\n", string(buf[:n]))
}

func TestReadFixed_Truncates(t *testing.T) {
	p := filepath.Join(t.TempDir(), "big")
	require.NoError(t, os.WriteFile(p, []byte("0123456789"), 0o600))

	var buf [4]byte
	n, err := ReadFixed(p, buf[:])
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "0123", string(buf[:n]))
}

func TestReadFixed_ProcSelf(t *testing.T) {
	if _, err := os.Stat("/proc/self/comm"); err != nil {
		t.Skip("procfs not available")
	}
	var buf [32]byte
	n, err := ReadFixed("/proc/self/comm", buf[:])
	require.NoError(t, err)
	assert.Positive(t, n)
}

func TestReadFixedAt_NoAllocations(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "maps"), []byte("00400000-00401000 r-xp"), 0o600))

	dirfd, err := unix.Open(dir, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	require.NoError(t, err)
	defer unix.Close(dirfd)

	name := []byte("maps\x00")
	var buf [64]byte
	var n int
	allocs := testing.AllocsPerRun(20, func() {
		n, err = ReadFixedAt(dirfd, name, buf[:])
	})
	require.NoError(t, err)
	assert.Zero(t, allocs)
	assert.Equal(t, "00400000-00401000 r-xp", string(buf[:n]))
}

func TestOpenAt_RequiresTerminator(t *testing.T) {
	_, err := OpenAt(unix.AT_FDCWD, []byte("maps"), unix.O_RDONLY)
	assert.ErrorIs(t, err, unix.EINVAL)
}

func TestWriteFileAtomic(t *testing.T) {
	p := filepath.Join(t.TempDir(), "nested", "config.yaml")

	require.NoError(t, WriteFileAtomic(p, []byte("a: 1\n"), 0o600))
	require.NoError(t, WriteFileAtomic(p, []byte("a: 2\n"), 0o600))

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "a: 2\n", string(data))
}
