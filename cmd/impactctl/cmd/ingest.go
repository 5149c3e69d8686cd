package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/impact/internal/fsutil"
	"github.com/hugo-lorenzo-mato/impact/internal/report"
	"github.com/hugo-lorenzo-mato/impact/internal/store"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <report|dir>...",
	Short: "Index reports in the SQLite store",
	Long: `Parse reports and add them to the index used by 'impactctl serve'.
Directories are scanned for *.log files. Re-ingesting a report that has
not changed is a no-op.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

var (
	ingestDB   string
	ingestJobs int
)

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().StringVar(&ingestDB, "db", "",
		"index database (default: store.path from config)")
	ingestCmd.Flags().IntVarP(&ingestJobs, "jobs", "j", runtime.NumCPU(),
		"reports parsed in parallel")
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dbPath := ingestDB
	if dbPath == "" {
		dbPath = cfg.Store.Path
	}

	paths, err := expandReports(args)
	if err != nil {
		return err
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	res, err := ingest(cmd.Context(), st, paths, ingestJobs)
	printIngest(os.Stdout, res)
	return err
}

type ingestResult struct {
	Path    string
	Entry   *store.Entry
	Changed bool
}

// ingest parses and stores paths with at most jobs in flight. It stops at
// the first failure.
func ingest(ctx context.Context, st *store.Store, paths []string, jobs int) ([]ingestResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if jobs < 1 {
		jobs = 1
	}

	var (
		mu      sync.Mutex
		results []ingestResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for _, path := range paths {
		g.Go(func() error {
			data, err := fsutil.ReadFileScoped(path)
			if err != nil {
				return fmt.Errorf("reading %s: %w", path, err)
			}
			rep, err := report.Parse(bytes.NewReader(data))
			if err != nil {
				return fmt.Errorf("parsing %s: %w", path, err)
			}
			entry, changed, err := st.Put(gctx, path, data, rep)
			if err != nil {
				return err
			}
			mu.Lock()
			results = append(results, ingestResult{Path: path, Entry: entry, Changed: changed})
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Path < results[j].Path })
	return results, err
}

// expandReports resolves args to absolute report paths.
func expandReports(args []string) ([]string, error) {
	seen := make(map[string]bool)
	var paths []string
	add := func(p string) error {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", p, err)
		}
		if !seen[abs] {
			seen[abs] = true
			paths = append(paths, abs)
		}
		return nil
	}

	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", arg, err)
		}
		if !info.IsDir() {
			if err := add(arg); err != nil {
				return nil, err
			}
			continue
		}
		matches, err := filepath.Glob(filepath.Join(arg, "*.log"))
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", arg, err)
		}
		for _, m := range matches {
			if err := add(m); err != nil {
				return nil, err
			}
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no reports found")
	}
	return paths, nil
}

func printIngest(w io.Writer, results []ingestResult) {
	changed := 0
	for _, r := range results {
		status := "unchanged"
		if r.Changed {
			status = "indexed"
			changed++
		}
		fmt.Fprintf(w, "%-9s %s  %s\n", status, r.Entry.ID, r.Entry.Summary)
	}
	fmt.Fprintf(w, "%d report(s) indexed, %d unchanged\n", changed, len(results)-changed)
}
