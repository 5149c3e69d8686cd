package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/impact"
	"github.com/hugo-lorenzo-mato/impact/internal/scenario"
)

var crashCmd = &cobra.Command{
	Use:   "crash <scenario>",
	Short: "Start the monitor and crash on purpose",
	Long: `Start the monitor and trigger a fault, to check that reports are written
on this host. Use --list to see the scenarios.

Examples:
  impactctl crash abort --report /tmp/impact.log
  impactctl crash nil --suppress && impactctl inspect impact.log`,
	Args: func(cmd *cobra.Command, args []string) error {
		if crashList {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: runCrash,
}

var (
	crashReport   string
	crashSuppress bool
	crashList     bool
	crashNoWatch  bool
)

func init() {
	rootCmd.AddCommand(crashCmd)

	crashCmd.Flags().StringVar(&crashReport, "report", "",
		"report path (default: report.path from config)")
	crashCmd.Flags().BoolVar(&crashSuppress, "suppress", false,
		"exit with status 0 after writing the report")
	crashCmd.Flags().BoolVar(&crashList, "list", false,
		"list the scenarios")
	crashCmd.Flags().BoolVar(&crashNoWatch, "no-watcher", false,
		"do not start the crash watcher")
}

func runCrash(_ *cobra.Command, args []string) error {
	if crashList {
		listScenarios(os.Stdout)
		return nil
	}

	s, err := lookupScenario(args[0])
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if crashReport != "" {
		cfg.Report.Path = crashReport
	}
	if crashSuppress {
		cfg.Report.Suppress = true
	}
	opts := []impact.Option{impact.WithLogger(newLogger())}
	if crashNoWatch {
		opts = append(opts, impact.WithWatcher(false))
	}

	impact.StartWithConfig(cfg, opts...)
	if err := impact.Shared().Err(); err != nil {
		return fmt.Errorf("monitor not running: %w", err)
	}

	fmt.Fprintf(os.Stderr, "triggering %s, report: %s\n", s.Name, cfg.Report.Path)
	s.Trigger()
	return fmt.Errorf("scenario %s returned", s.Name)
}

func lookupScenario(name string) (scenario.Scenario, error) {
	if s, ok := scenario.Lookup(name); ok {
		return s, nil
	}
	msg := fmt.Sprintf("unknown scenario %q", name)
	if suggestions := scenario.Suggest(name); len(suggestions) > 0 {
		msg += fmt.Sprintf(", did you mean: %s?", strings.Join(suggestions, ", "))
	}
	return scenario.Scenario{}, fmt.Errorf("%s (see impactctl crash --list)", msg)
}

func listScenarios(w io.Writer) {
	for _, s := range scenario.All() {
		fmt.Fprintf(w, "  %-16s %s\n", s.Name, s.Description)
	}
}
