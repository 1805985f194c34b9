package cmd

import (
	"fmt"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"

	"github.com/dfirkit/velopack/pipeline"
	"github.com/dfirkit/velopack/report"
)

// NewExportCmd builds the export command: a scan whose report is written
// to a file for downstream processing.
func NewExportCmd() *cobra.Command {
	var (
		path   string
		out    string
		format string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Scan a corpus and export the artifact-to-tool mapping",
		Long: heredoc.Doc(`
			Export runs the same resolution as scan and writes the full
			report to a file: every tool with its status, source URL,
			declaring artifacts and hash, plus parse statistics.

			The report is written even when the run has findings; the
			exit code still reflects them.
		`),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != report.FormatJSON && format != report.FormatCSV {
				return &ExitError{Code: 2,
					Err: fmt.Errorf("unknown format %q (expected json or csv)", format)}
			}

			logger := newLogger()
			cfg, err := pipelineConfig(path, logger)
			if err != nil {
				return &ExitError{Code: 2, Err: err}
			}

			result, scanErr := pipeline.Scan(cmd.Context(), cfg)
			if scanErr != nil && result == nil {
				return &ExitError{Code: 2, Err: scanErr}
			}

			// The export runs even for a cancelled scan; partial state is
			// exactly what the operator needs to see then.
			if err := result.Report.WriteFile(out, format); err != nil {
				return &ExitError{Code: 2, Err: err}
			}
			logger.Info().Str("out", out).Str("format", format).Msg("report exported")

			result.Report.PrintSummary()
			if scanErr != nil {
				return &ExitError{Code: 2, Err: scanErr}
			}
			if code := result.Report.ExitCode(); code != 0 {
				return &ExitError{Code: code}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "path", ".", "artifact corpus directory")
	cmd.Flags().StringVar(&out, "out", "velopack-report.json", "output file")
	cmd.Flags().StringVar(&format, "format", report.FormatJSON, "output format (json or csv)")
	return cmd
}
