// Package binimage records the executable images mapped into a process.
//
// The table is filled from /proc/<pid>/maps with fixed buffers so it can be
// rebuilt while the process is failing.
package binimage

import (
	"bytes"
	"fmt"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/hugo-lorenzo-mato/impact/internal/fsutil"
)

const (
	// MaxImages bounds the table; further images are dropped.
	MaxImages = 128
	// PathSize bounds a stored path; longer paths are truncated.
	PathSize = 256

	chunkSize = 4096
	lineSize  = 1024
)

// Image is one mapped file with at least one executable mapping.
type Image struct {
	Start  uint64
	End    uint64
	Offset uint64

	path    [PathSize]byte
	pathLen int
	exec    bool
}

// Path returns the image path as stored in the table.
func (i *Image) Path() []byte { return i.path[:i.pathLen] }

// Name returns the image path as a string.
func (i *Image) Name() string { return string(i.Path()) }

// Size is the mapped extent of the image.
func (i *Image) Size() uint64 { return i.End - i.Start }

// Contains reports whether addr falls inside the image.
func (i *Image) Contains(addr uint64) bool { return addr >= i.Start && addr < i.End }

// Table is a fixed-capacity image list.
type Table struct {
	images [MaxImages]Image
	count  int
	chunk  [chunkSize]byte
	line   [lineSize]byte
}

var mapsName = []byte("maps\x00")

// LoadPid fills the table from /proc/<pid>/maps.
func (t *Table) LoadPid(pid int) error {
	dirfd, err := unix.Open("/proc/"+strconv.Itoa(pid), unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("opening /proc/%d: %w", pid, err)
	}
	defer unix.Close(dirfd)
	return t.Load(dirfd)
}

// Load fills the table from the maps file under an open /proc/<pid>
// directory. It does not allocate.
func (t *Table) Load(dirfd int) error {
	t.count = 0
	fd, err := fsutil.OpenAt(dirfd, mapsName, unix.O_RDONLY)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	lineLen := 0
	for {
		n, err := unix.Read(fd, t.chunk[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		for _, c := range t.chunk[:n] {
			if c == '\n' {
				t.addLine(t.line[:lineLen])
				lineLen = 0
				continue
			}
			if lineLen < lineSize {
				t.line[lineLen] = c
				lineLen++
			}
		}
	}
	if lineLen > 0 {
		t.addLine(t.line[:lineLen])
	}
	t.dropNonExecutable()
	return nil
}

// Parse fills the table from maps content already in memory.
func (t *Table) Parse(maps []byte) {
	t.count = 0
	for len(maps) > 0 {
		line := maps
		if i := bytes.IndexByte(maps, '\n'); i >= 0 {
			line, maps = maps[:i], maps[i+1:]
		} else {
			maps = nil
		}
		t.addLine(line)
	}
	t.dropNonExecutable()
}

// Images returns the loaded images in address order.
func (t *Table) Images() []Image { return t.images[:t.count] }

// Len returns the number of loaded images.
func (t *Table) Len() int { return t.count }

// Find returns the image containing addr.
func (t *Table) Find(addr uint64) *Image {
	for i := 0; i < t.count; i++ {
		if t.images[i].Contains(addr) {
			return &t.images[i]
		}
	}
	return nil
}

// FindPath returns the image mapped from path.
func (t *Table) FindPath(path string) *Image {
	for i := 0; i < t.count; i++ {
		if string(t.images[i].Path()) == path {
			return &t.images[i]
		}
	}
	return nil
}

func (t *Table) addLine(line []byte) {
	m, ok := parseMapping(line)
	if !ok || len(m.path) == 0 {
		return
	}
	if !(m.path[0] == '/' || bytes.Equal(m.path, []byte("[vdso]"))) {
		return
	}

	// Consecutive mappings of the same file extend the previous image.
	if t.count > 0 {
		last := &t.images[t.count-1]
		if bytes.Equal(last.Path(), truncate(m.path)) && m.start >= last.Start {
			if m.end > last.End {
				last.End = m.end
			}
			last.exec = last.exec || m.exec
			return
		}
	}
	if t.count == MaxImages {
		return
	}
	img := &t.images[t.count]
	img.Start, img.End, img.Offset, img.exec = m.start, m.end, m.offset, m.exec
	img.pathLen = copy(img.path[:], m.path)
	t.count++
}

func (t *Table) dropNonExecutable() {
	n := 0
	for i := 0; i < t.count; i++ {
		if !t.images[i].exec {
			continue
		}
		if n != i {
			t.images[n] = t.images[i]
		}
		n++
	}
	t.count = n
}

func truncate(p []byte) []byte {
	if len(p) > PathSize {
		return p[:PathSize]
	}
	return p
}

type mapping struct {
	start, end, offset uint64
	exec               bool
	path               []byte
}

// parseMapping parses one maps line:
//
//	00400000-00452000 r-xp 00000000 08:02 173521   /usr/bin/app
func parseMapping(line []byte) (mapping, bool) {
	var m mapping
	var field []byte

	field, line = nextField(line)
	dash := bytes.IndexByte(field, '-')
	if dash < 0 {
		return m, false
	}
	var ok bool
	if m.start, ok = parseHex(field[:dash]); !ok {
		return m, false
	}
	if m.end, ok = parseHex(field[dash+1:]); !ok || m.end < m.start {
		return m, false
	}

	field, line = nextField(line)
	if len(field) < 4 {
		return m, false
	}
	m.exec = field[2] == 'x'

	field, line = nextField(line)
	if m.offset, ok = parseHex(field); !ok {
		return m, false
	}

	_, line = nextField(line) // dev
	_, line = nextField(line) // inode
	m.path = bytes.TrimSpace(line)
	return m, true
}

func nextField(b []byte) (field, rest []byte) {
	i := 0
	for i < len(b) && b[i] == ' ' {
		i++
	}
	b = b[i:]
	j := bytes.IndexByte(b, ' ')
	if j < 0 {
		return b, nil
	}
	return b[:j], b[j:]
}

func parseHex(b []byte) (uint64, bool) {
	if len(b) == 0 || len(b) > 16 {
		return 0, false
	}
	var v uint64
	for _, c := range b {
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
