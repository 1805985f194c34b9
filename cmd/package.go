package cmd

import (
	"errors"
	"sort"
	"time"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"

	"github.com/dfirkit/velopack/acquire"
	"github.com/dfirkit/velopack/artifact"
	"github.com/dfirkit/velopack/config"
	"github.com/dfirkit/velopack/pack"
	"github.com/dfirkit/velopack/pipeline"
	"github.com/dfirkit/velopack/platform"
	"github.com/dfirkit/velopack/resolve"
	"github.com/dfirkit/velopack/util/common/progress"
)

// NewPackageCmd builds the package command: scan, acquire the tool
// closure of the selected artifacts and assemble an offline package.
func NewPackageCmd() *cobra.Command {
	var (
		path string
		out  string
	)

	cmd := &cobra.Command{
		Use:   "package",
		Short: "Build a self-contained offline package from a corpus",
		Long: heredoc.Doc(`
			Package scans the corpus, selects artifacts by name or glob,
			downloads and verifies exactly the tools those artifacts
			depend on, and writes a package directory with the artifact
			definitions, per-platform tool binaries and a manifest.

			The build is all-or-nothing: a selected artifact whose tools
			are conflicting, unresolved or failed to download refuses the
			whole build rather than producing a silently incomplete
			package. With --offline only cached tools are used.
		`),
		Example: heredoc.Doc(`
			# Package every Windows event log artifact for Windows targets
			velopack package --path ./artifacts --select 'Windows.EventLogs.*' \
			    --platform windows --out ./triage-pkg --archive

			# Rebuild from cache on an air-gapped host
			velopack package --path ./artifacts --out ./pkg --offline
		`),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := platform.Parse(config.Global.Package.Platform)
			if err != nil {
				return &ExitError{Code: 2, Err: err}
			}

			logger := newLogger()
			cfg, err := pipelineConfig(path, logger)
			if err != nil {
				return &ExitError{Code: 2, Err: err}
			}

			result, err := pipeline.Scan(cmd.Context(), cfg)
			if err != nil {
				if result != nil {
					result.Report.PrintSummary()
				}
				return &ExitError{Code: 2, Err: err}
			}

			selected, err := pack.Select(result.Definitions, config.Global.Package.Select)
			if err != nil {
				return &ExitError{Code: 2, Err: err}
			}

			reporter := progress.NewConsoleReporter()
			svc, err := acquire.New(acquire.Options{
				CacheDir: config.Global.CacheDir,
				Offline:  config.Global.Package.Offline,
				Timeout:  5 * time.Minute,
				Reporter: reporter,
				Logger:   logger,
			})
			if err != nil {
				return &ExitError{Code: 2, Err: err}
			}

			refs := closureRefs(result, selected)
			reporter.Start("Acquiring tools")
			acquired := pipeline.AcquireTools(cmd.Context(), cfg, result, svc, target, refs)

			reporter.Start("Building package")
			pkg, err := pack.NewBuilder(logger).Build(cmd.Context(), out, result.RunID,
				path, target, selected, result.Manifest, acquired)
			if err != nil {
				var incomplete *pack.IncompleteError
				if errors.As(err, &incomplete) {
					result.Report.PrintSummary()
				}
				return &ExitError{Code: 2, Err: err}
			}
			reporter.Success("Package written to " + out)

			if config.Global.Package.Archive {
				archive, err := pack.WriteArchive(out)
				if err != nil {
					return &ExitError{Code: 2, Err: err}
				}
				reporter.Success("Archive written to " + archive)
			}

			logger.Info().
				Int("artifacts", len(pkg.Artifacts)).
				Int("tools", len(pkg.Tools)).
				Msg("package complete")

			result.Report.PrintSummary()
			if code := result.Report.ExitCode(); code != 0 {
				return &ExitError{Code: code}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "path", ".", "artifact corpus directory")
	cmd.Flags().StringVar(&out, "out", "velopack-pkg", "package output directory")
	cmd.Flags().StringVar(&config.Global.Package.Select, "select", "",
		"artifact names or globs to package, comma separated (default all)")
	cmd.Flags().StringVar(&config.Global.Package.Platform, "platform", string(platform.Any),
		"target platform (windows, linux, darwin, any)")
	cmd.Flags().BoolVar(&config.Global.Package.Offline, "offline", false,
		"build from cache only, no network access")
	cmd.Flags().BoolVar(&config.Global.Package.Archive, "archive", false,
		"also write the package as a tar.gz archive")
	return cmd
}

// closureRefs returns the deduplicated tool references required by the
// selected artifacts, so acquisition touches nothing outside the
// package closure.
func closureRefs(result *pipeline.ScanResult, selected []*artifact.Definition) []resolve.ToolReference {
	seen := map[string]bool{}
	var refs []resolve.ToolReference
	for _, def := range selected {
		tools, _ := result.Manifest.ToolsFor(def.Name)
		for _, ref := range tools {
			if !seen[ref.Key()] {
				seen[ref.Key()] = true
				refs = append(refs, ref)
			}
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Key() < refs[j].Key() })
	return refs
}
