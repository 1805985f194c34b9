// Package pipeline wires the stages together: parse and extract over a
// worker pool, a single synchronized manifest merge, then optional
// acquisition. Stage-local problems are captured as data on the result;
// only cancellation and unusable inputs surface as errors.
package pipeline

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dfirkit/velopack/acquire"
	"github.com/dfirkit/velopack/artifact"
	"github.com/dfirkit/velopack/engine"
	"github.com/dfirkit/velopack/extract"
	"github.com/dfirkit/velopack/platform"
	"github.com/dfirkit/velopack/report"
	"github.com/dfirkit/velopack/resolve"
)

// Config controls a pipeline run.
type Config struct {
	Path string

	// Concurrency bounds the parse/extract worker pool; zero means one
	// worker per CPU.
	Concurrency int

	// DownloadConcurrency bounds parallel tool downloads.
	DownloadConcurrency int

	Registry resolve.Registry
	Logger   zerolog.Logger
}

// ScanResult is the outcome of the parse/extract/resolve stages.
type ScanResult struct {
	RunID       string
	Definitions []*artifact.Definition
	Manifest    *resolve.Manifest
	Report      *report.Report
}

// DefaultDownloadConcurrency bounds parallel downloads when the flag is
// unset; deliberately small to stay polite to remote hosts.
const DefaultDownloadConcurrency = 4

// Scan runs parser, extractor and resolver over the corpus at
// cfg.Path. A cancelled context returns the partial result alongside
// the context error so the caller can still export a report.
func Scan(ctx context.Context, cfg Config) (*ScanResult, error) {
	runID := uuid.New().String()
	logger := cfg.Logger.With().Str("run_id", runID).Logger()

	var paths []string
	if err := artifact.WalkDirectory(cfg.Path, func(p string) error {
		paths = append(paths, p)
		return nil
	}); err != nil {
		return nil, err
	}
	logger.Info().Int("files", len(paths)).Str("path", cfg.Path).Msg("scanning artifact corpus")

	extractor := extract.New(logger)
	builder := resolve.NewBuilder(logger)

	var mu sync.Mutex
	var defs []*artifact.Definition

	jobs := make([]engine.Job, 0, len(paths))
	for _, path := range paths {
		path := path
		jobs = append(jobs, engine.JobFunc{Name: path, Fn: func(ctx context.Context) error {
			def := artifact.ParseFile(path)
			candidates := extractor.Extract(def.Name, def.QueryText())
			builder.Add(def.Name, def.Tools, candidates)

			mu.Lock()
			defs = append(defs, def)
			mu.Unlock()
			return nil
		}})
	}

	runErr := engine.New(cfg.Concurrency, jobs).Execute(ctx, logger)

	sort.Slice(defs, func(i, j int) bool { return defs[i].SourcePath < defs[j].SourcePath })

	manifest := builder.Resolve(cfg.Registry)
	rep := report.New(runID, cfg.Path, defs, manifest)
	for _, dup := range duplicateNames(defs) {
		rep.AddIssue(report.Issue{
			Stage:    "parse",
			Artifact: dup,
			Message:  "duplicate artifact name in corpus",
		})
	}

	result := &ScanResult{
		RunID:       runID,
		Definitions: defs,
		Manifest:    manifest,
		Report:      rep,
	}
	return result, runErr
}

// AcquireTools downloads the given references with bounded parallelism,
// recording every outcome in the result report. It returns the acquired
// tools keyed by normalized tool name. Failures never abort the batch;
// they land in the report and the returned map simply lacks the tool.
func AcquireTools(ctx context.Context, cfg Config, result *ScanResult,
	svc *acquire.Service, target platform.Platform,
	refs []resolve.ToolReference) map[string]*acquire.Tool {

	logger := cfg.Logger.With().Str("run_id", result.RunID).Logger()

	concurrency := cfg.DownloadConcurrency
	if concurrency <= 0 {
		concurrency = DefaultDownloadConcurrency
	}

	var mu sync.Mutex
	acquired := map[string]*acquire.Tool{}

	jobs := make([]engine.Job, 0, len(refs))
	for _, ref := range refs {
		ref := ref
		jobs = append(jobs, engine.JobFunc{Name: ref.Name, Fn: func(ctx context.Context) error {
			// A package targeting "any" keeps each tool on its own
			// declared platform.
			effective := target
			if effective == platform.Any {
				effective = ref.Platform
			}

			tool, err := svc.Acquire(ctx, ref, effective)

			mu.Lock()
			defer mu.Unlock()
			result.Report.RecordAcquisition(ref.Key(), tool, err)
			if err != nil {
				logger.Warn().Err(err).Str("tool", ref.Name).Msg("tool acquisition failed")
				return nil
			}
			acquired[ref.Key()] = tool
			return nil
		}})
	}

	// Job errors are always recorded in the report instead of returned.
	_ = engine.New(concurrency, jobs).Execute(ctx, logger)
	return acquired
}

// SortedTools returns the manifest's resolved references in stable name
// order.
func (r *ScanResult) SortedTools() []resolve.ToolReference {
	keys := make([]string, 0, len(r.Manifest.Tools))
	for k := range r.Manifest.Tools {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	refs := make([]resolve.ToolReference, 0, len(keys))
	for _, k := range keys {
		refs = append(refs, r.Manifest.Tools[k])
	}
	return refs
}

func duplicateNames(defs []*artifact.Definition) []string {
	seen := map[string]int{}
	for _, def := range defs {
		seen[def.Name]++
	}
	var dups []string
	for name, n := range seen {
		if n > 1 {
			dups = append(dups, name)
		}
	}
	sort.Strings(dups)
	return dups
}
