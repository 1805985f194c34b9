package cmd

import (
	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"

	"github.com/dfirkit/velopack/pipeline"
)

// NewScanCmd builds the scan command: parse, extract and resolve, then
// print the summary. No network access, no side effects.
func NewScanCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan an artifact corpus and resolve its tool dependencies",
		Long: heredoc.Doc(`
			Scan walks a directory of artifact definition files, extracts
			every external tool reference from their queries and envelope
			declarations, and prints the resolved dependency manifest.

			Malformed definition files degrade the run instead of aborting
			it; they are listed in the summary and reflected in the exit
			code (0 clean, 1 with findings).
		`),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := pipelineConfig(path, logger)
			if err != nil {
				return &ExitError{Code: 2, Err: err}
			}

			result, err := pipeline.Scan(cmd.Context(), cfg)
			if err != nil {
				// A cancelled scan still reports whatever was collected.
				if result != nil {
					result.Report.PrintSummary()
				}
				return &ExitError{Code: 2, Err: err}
			}

			result.Report.PrintSummary()
			if code := result.Report.ExitCode(); code != 0 {
				return &ExitError{Code: code}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "path", ".", "artifact corpus directory")
	return cmd
}
