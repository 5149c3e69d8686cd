package thread

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/hugo-lorenzo-mato/impact/internal/fsutil"
)

const (
	direntBufSize = 8192
	stateBufSize  = 256

	// A thread that is still on its way into a blocking call shows up as
	// "running"; the faulting thread gets a bounded number of retries.
	defaultRetries = 20
	retryDelayNs   = 1_000_000
)

// Collector enumerates the threads of a process through
// /proc/<pid>/task. Every buffer it needs is allocated by NewCollector, so
// Capture does not allocate.
//
// Register state comes from /proc/<pid>/task/<tid>/syscall, which reports
// the stack pointer and program counter of threads blocked in the kernel.
// Threads that are running when captured are recorded without state.
type Collector struct {
	pid     int
	dirfd   int
	retries int

	dents [direntBufSize]byte
	path  [32]byte
	buf   [stateBufSize]byte
}

// NewCollector opens the task directory of pid.
func NewCollector(pid int) (*Collector, error) {
	dirfd, err := unix.Open("/proc/"+strconv.Itoa(pid)+"/task", unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening task directory of %d: %w", pid, err)
	}
	return &Collector{pid: pid, dirfd: dirfd, retries: defaultRetries}, nil
}

// Pid returns the process being captured.
func (c *Collector) Pid() int { return c.pid }

// Capture fills set with every live thread and marks crashedTID. Errors
// while enumerating leave a partial set; the crashed thread is always
// present and flagged.
func (c *Collector) Capture(crashedTID int, set *Set) error {
	set.Reset()
	err := c.enumerate(crashedTID, set)
	crashed := set.MarkCrashed(crashedTID)

	if !crashed.Regs.HasPC() && crashedTID != unix.Gettid() {
		ts := unix.Timespec{Nsec: retryDelayNs}
		for i := 0; i < c.retries && !crashed.Regs.HasPC(); i++ {
			_ = unix.Nanosleep(&ts, nil)
			c.readState(crashed)
		}
	}
	return err
}

func (c *Collector) enumerate(crashedTID int, set *Set) error {
	if _, err := unix.Seek(c.dirfd, 0, 0); err != nil {
		return err
	}
	for {
		n, err := unix.Getdents(c.dirfd, c.dents[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n <= 0 {
			return nil
		}
		buf := c.dents[:n]
		for len(buf) >= 19 {
			// struct linux_dirent64: ino u64, off s64, reclen u16, type u8, name.
			reclen := int(binary.LittleEndian.Uint16(buf[16:18]))
			if reclen < 19 || reclen > len(buf) {
				return unix.EINVAL
			}
			tid, ok := parseTID(buf[19:reclen])
			buf = buf[reclen:]
			if !ok {
				continue
			}

			t := set.Add(tid)
			if t == nil {
				if tid != crashedTID {
					continue
				}
				// Keep the faulting thread even when the set is full.
				t = &set.threads[MaxThreads-1]
				t.reset(tid)
			}
			c.readName(t)
			c.readState(t)
		}
	}
}

// readState parses /proc/<pid>/task/<tid>/syscall, which has one of the
// forms "nr a0 a1 a2 a3 a4 a5 sp pc", "-1 sp pc" or "running".
func (c *Collector) readState(t *Snapshot) {
	n, err := fsutil.ReadFixedAt(c.dirfd, c.taskPath(t.ID, "syscall"), c.buf[:])
	if err != nil || n == 0 {
		return
	}
	var sp, pc uint64
	var ok bool
	sp, pc, ok = parseSyscall(c.buf[:n])
	if !ok {
		return
	}
	t.Regs.SetSP(sp)
	t.Regs.SetPC(pc)
}

func (c *Collector) readName(t *Snapshot) {
	n, err := fsutil.ReadFixedAt(c.dirfd, c.taskPath(t.ID, "comm"), c.buf[:])
	if err != nil {
		return
	}
	t.setNameBytes(c.buf[:n])
}

// taskPath builds "<tid>/<file>\x00" in the collector's path buffer.
func (c *Collector) taskPath(tid int, file string) []byte {
	b := strconv.AppendInt(c.path[:0], int64(tid), 10)
	b = append(b, '/')
	b = append(b, file...)
	return append(b, 0)
}

// Close releases the task directory.
func (c *Collector) Close() error {
	if c.dirfd < 0 {
		return nil
	}
	err := unix.Close(c.dirfd)
	c.dirfd = -1
	return err
}

func parseTID(name []byte) (int, bool) {
	tid := 0
	digits := 0
	for _, ch := range name {
		if ch == 0 {
			break
		}
		if ch < '0' || ch > '9' {
			return 0, false
		}
		tid = tid*10 + int(ch-'0')
		digits++
	}
	return tid, digits > 0
}

func parseSyscall(b []byte) (sp, pc uint64, ok bool) {
	var fields [9][]byte
	count := 0
	start := -1
	for i := 0; i <= len(b); i++ {
		if i == len(b) || b[i] == ' ' || b[i] == '\n' {
			if start >= 0 {
				if count == len(fields) {
					return 0, 0, false
				}
				fields[count] = b[start:i]
				count++
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if count != 3 && count != 9 {
		return 0, 0, false
	}
	if sp, ok = parseHex(fields[count-2]); !ok {
		return 0, 0, false
	}
	if pc, ok = parseHex(fields[count-1]); !ok {
		return 0, 0, false
	}
	return sp, pc, true
}

func parseHex(b []byte) (uint64, bool) {
	if len(b) < 3 || b[0] != '0' || (b[1] != 'x' && b[1] != 'X') || len(b) > 18 {
		return 0, false
	}
	var v uint64
	for _, c := range b[2:] {
		switch {
		case c >= '0' && c <= '9':
			v = v<<4 | uint64(c-'0')
		case c >= 'a' && c <= 'f':
			v = v<<4 | uint64(c-'a'+10)
		case c >= 'A' && c <= 'F':
			v = v<<4 | uint64(c-'A'+10)
		default:
			return 0, false
		}
	}
	return v, true
}
