package store

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/impact/internal/encoding"
	"github.com/hugo-lorenzo-mato/impact/internal/report"
)

func sampleReport(id string, crashed bool) string {
	var b strings.Builder
	b.WriteString("[Application] id: " + encoding.Encode(id) + ", session: 9b2d, pid: 0x2a, path: " + encoding.Encode("/usr/bin/app") + "\n")
	b.WriteString("[Environment] platform: linux, arch: amd64\n")
	if crashed {
		b.WriteString("[Signal] signal: 0x6, code: 0xfffffffa, address: 0x0, time: 0x1\n")
		b.WriteString("[Thread:Crashed] id: 0x2a, name: " + encoding.Encode("app") + "\n")
		b.WriteString("[Thread:Frame] ip: 0x401000\n")
		b.WriteString("[Thread] id: 0x2b, name: " + encoding.Encode("worker") + "\n")
	}
	return b.String()
}

func put(t *testing.T, s *Store, path, content string) (*Entry, bool) {
	t.Helper()
	rep, err := report.Parse(strings.NewReader(content))
	require.NoError(t, err)
	e, changed, err := s.Put(context.Background(), path, []byte(content), rep)
	require.NoError(t, err)
	return e, changed
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "reports.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_PutAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e, changed := put(t, s, "/tmp/a.log", sampleReport("svc", true))
	assert.True(t, changed)
	assert.Len(t, e.ID, 36)
	assert.Equal(t, "svc", e.Identifier)
	assert.Equal(t, uint64(0x2a), e.PID)
	assert.True(t, e.Crashed)
	assert.Equal(t, "SIGABRT", e.Kind)
	assert.Equal(t, 2, e.Threads)

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.Path, got.Path)
	assert.Equal(t, e.Checksum, got.Checksum)
	assert.Equal(t, e.Summary, got.Summary)

	rep, err := s.Report(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, rep.CrashedThread())
	assert.Equal(t, []uint64{0x401000}, rep.CrashedThread().Frames)
}

func TestStore_ReingestKeepsID(t *testing.T) {
	s := openTestStore(t)

	first, _ := put(t, s, "/tmp/a.log", sampleReport("svc", false))
	same, changed := put(t, s, "/tmp/a.log", sampleReport("svc", false))
	assert.False(t, changed)
	assert.Equal(t, first.ID, same.ID)

	updated, changed := put(t, s, "/tmp/a.log", sampleReport("svc", true))
	assert.True(t, changed)
	assert.Equal(t, first.ID, updated.ID)
	assert.NotEqual(t, first.Checksum, updated.Checksum)

	all, err := s.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStore_List(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	put(t, s, "/tmp/a.log", sampleReport("svc", true))
	put(t, s, "/tmp/b.log", sampleReport("svc", false))
	put(t, s, "/tmp/c.log", sampleReport("other", true))

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	bySvc, err := s.List(ctx, Filter{Identifier: "svc"})
	require.NoError(t, err)
	assert.Len(t, bySvc, 2)

	crashed, err := s.List(ctx, Filter{CrashedOnly: true})
	require.NoError(t, err)
	assert.Len(t, crashed, 2)

	limited, err := s.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStore_ConcurrentPut(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const reports = 32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := 0; i < reports; i++ {
		path := fmt.Sprintf("/tmp/report-%02d.log", i)
		content := sampleReport(fmt.Sprintf("svc-%d", i), i%2 == 0)
		g.Go(func() error {
			rep, err := report.Parse(strings.NewReader(content))
			if err != nil {
				return err
			}
			_, _, err = s.Put(gctx, path, []byte(content), rep)
			return err
		})
	}
	require.NoError(t, g.Wait())

	entries, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, entries, reports)
}

func TestStore_NotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Report(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "missing"), ErrNotFound)
}

func TestStore_Delete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e, _ := put(t, s, "/tmp/a.log", sampleReport("svc", true))
	require.NoError(t, s.Delete(ctx, e.ID))
	_, err := s.Get(ctx, e.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports.db")
	s, err := Open(path)
	require.NoError(t, err)
	e, _ := put(t, s, "/tmp/a.log", sampleReport("svc", true))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
}

func TestChecksum(t *testing.T) {
	assert.Equal(t, Checksum([]byte("a")), Checksum([]byte("a")))
	assert.NotEqual(t, Checksum([]byte("a")), Checksum([]byte("b")))
	assert.Len(t, Checksum(nil), 64)
}
