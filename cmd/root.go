// Package cmd wires the CLI surface: scan, export and package commands
// over the shared pipeline.
package cmd

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/MakeNowJust/heredoc"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dfirkit/velopack/config"
	"github.com/dfirkit/velopack/pipeline"
	"github.com/dfirkit/velopack/resolve"
)

// ExitError carries an explicit process exit code up to main. Commands
// return it instead of calling os.Exit so deferred cleanup still runs.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewRootCmd builds the velopack root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "velopack",
		Short: "Resolve and package tool dependencies of forensic artifact definitions",
		Long: heredoc.Doc(`
			velopack scans a directory of forensic artifact definitions,
			extracts the external tools their queries depend on, resolves
			them into a deduplicated manifest and builds self-contained
			offline packages from the result.
		`),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.BoolVarP(&config.Global.Verbose, "verbose", "v", false, "enable debug logging")
	flags.BoolVar(&config.Global.JSONLog, "json-log", false, "emit logs as JSON instead of console output")
	flags.IntVar(&config.Global.Concurrency, "concurrency", runtime.NumCPU(), "parse worker count")
	flags.IntVar(&config.Global.DownloadConcurrency, "download-concurrency",
		pipeline.DefaultDownloadConcurrency, "parallel tool downloads")
	flags.StringVar(&config.Global.CacheDir, "cache", defaultCacheDir(), "tool download cache directory")
	flags.StringVar(&config.Global.RegistryPath, "registry", "", "extra tool registry file (YAML)")

	rootCmd.AddCommand(NewScanCmd())
	rootCmd.AddCommand(NewExportCmd())
	rootCmd.AddCommand(NewPackageCmd())
	return rootCmd
}

func setupLogging() {
	level := zerolog.InfoLevel
	if config.Global.Verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
}

// newLogger builds the command logger honoring the global flags. Logs go
// to stderr so report exports on stdout stay machine-readable.
func newLogger() zerolog.Logger {
	if config.Global.JSONLog {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(writer).With().Timestamp().Logger()
}

// loadRegistry assembles the effective tool registry: builtins overlaid
// with the operator-provided registry file when one is configured.
func loadRegistry() (resolve.Registry, error) {
	reg := resolve.BuiltinRegistry()
	if config.Global.RegistryPath == "" {
		return reg, nil
	}
	extra, err := resolve.LoadRegistryFile(config.Global.RegistryPath)
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	return reg.Merge(extra), nil
}

func pipelineConfig(path string, logger zerolog.Logger) (pipeline.Config, error) {
	reg, err := loadRegistry()
	if err != nil {
		return pipeline.Config{}, err
	}
	return pipeline.Config{
		Path:                path,
		Concurrency:         config.Global.Concurrency,
		DownloadConcurrency: config.Global.DownloadConcurrency,
		Registry:            reg,
		Logger:              logger,
	}, nil
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + string(os.PathSeparator) + "velopack"
	}
	return ".velopack-cache"
}
