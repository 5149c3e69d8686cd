package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/impact/internal/clip"
	"github.com/hugo-lorenzo-mato/impact/internal/fsutil"
	"github.com/hugo-lorenzo-mato/impact/internal/report"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <report>",
	Short: "Decode a crash report",
	Long: `Parse a report and print it decoded.

Examples:
  impactctl inspect impact.log
  impactctl inspect impact.log --format json --output crash.json
  impactctl inspect impact.log --copy`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

var (
	inspectFormat string
	inspectCopy   bool
	inspectOutput string
)

func init() {
	rootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().StringVarP(&inspectFormat, "format", "f", "text",
		"output format (text, json, yaml)")
	inspectCmd.Flags().BoolVar(&inspectCopy, "copy", false,
		"copy the output to the clipboard")
	inspectCmd.Flags().StringVarP(&inspectOutput, "output", "o", "",
		"write the output to a file instead of stdout")
}

func runInspect(_ *cobra.Command, args []string) error {
	path := args[0]
	rep, err := report.ParseFile(path)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := formatReport(&buf, inspectFormat, path, rep); err != nil {
		return err
	}

	if inspectOutput != "" {
		if err := fsutil.WriteFileAtomic(inspectOutput, buf.Bytes(), 0o644); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", inspectOutput)
	} else {
		if _, err := os.Stdout.Write(buf.Bytes()); err != nil {
			return err
		}
	}

	if inspectCopy {
		res, err := clip.WriteAll(buf.String())
		if err != nil {
			return fmt.Errorf("copying report: %w", err)
		}
		fmt.Fprintln(os.Stderr, res.String())
	}
	return nil
}

func formatReport(w io.Writer, format, path string, rep *report.Report) error {
	switch format {
	case "text", "":
		renderReport(w, path, rep)
		return nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(rep); err != nil {
			return fmt.Errorf("encoding yaml: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q (want text, json or yaml)", format)
	}
}
