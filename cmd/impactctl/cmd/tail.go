package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

var tailCmd = &cobra.Command{
	Use:   "tail <report>",
	Short: "Follow a report as it is written",
	Long: `Print a report decoded, then keep printing lines as the monitor or the
crash watcher appends them. The report may not exist yet.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return follow(ctx, args[0], os.Stdout, !tailNew)
	},
}

var tailNew bool

func init() {
	rootCmd.AddCommand(tailCmd)

	tailCmd.Flags().BoolVar(&tailNew, "new", false,
		"only print lines written after tail started")
}

// follower prints complete lines appended to a report.
type follower struct {
	path    string
	out     io.Writer
	offset  int64
	partial []byte
}

// follow prints path until ctx is done. With fromStart false the existing
// content is skipped.
func follow(ctx context.Context, path string, out io.Writer, fromStart bool) error {
	path = filepath.Clean(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: the report may be created or replaced.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}

	f := &follower{path: path, out: out}
	if !fromStart {
		if info, err := os.Stat(path); err == nil {
			f.offset = info.Size()
		}
	}
	if err := f.read(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				if err := f.read(); err != nil {
					return err
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watching %s: %w", path, err)
		}
	}
}

// read prints whatever was appended since the last call.
func (f *follower) read() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening %s: %w", f.path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("reading %s: %w", f.path, err)
	}
	if info.Size() < f.offset {
		fmt.Fprintln(f.out, "--- report truncated ---")
		f.offset = 0
		f.partial = f.partial[:0]
	}

	if _, err := file.Seek(f.offset, io.SeekStart); err != nil {
		return fmt.Errorf("reading %s: %w", f.path, err)
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("reading %s: %w", f.path, err)
	}
	f.offset += int64(len(data))

	data = append(f.partial, data...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		if line := data[:i]; len(bytes.TrimSpace(line)) > 0 {
			fmt.Fprintln(f.out, decodeLine(string(line)))
		}
		data = data[i+1:]
	}
	f.partial = append(f.partial[:0], data...)
	return nil
}
