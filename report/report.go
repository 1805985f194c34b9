// Package report aggregates the outcome of every pipeline stage into
// one machine-readable report plus a human summary. The exporter is
// deliberately failure-tolerant: it runs on whatever state exists, since
// its whole job is to surface partial failures.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dfirkit/velopack/acquire"
	"github.com/dfirkit/velopack/artifact"
	"github.com/dfirkit/velopack/platform"
	"github.com/dfirkit/velopack/resolve"
)

// Tool statuses as exported.
const (
	StatusResolved          = "resolved"
	StatusConflict          = "conflict"
	StatusUnresolved        = "unresolved"
	StatusAcquired          = "acquired"
	StatusCached            = "cached"
	StatusAcquisitionFailed = "acquisition-failed"
)

// Stats carries the headline counts of a run.
type Stats struct {
	ArtifactsFound    int `json:"artifacts_found"`
	ArtifactsParsed   int `json:"artifacts_parsed"`
	ArtifactsDegraded int `json:"artifacts_degraded"`

	ToolsReferenced  int `json:"tools_referenced"`
	ToolsResolved    int `json:"tools_resolved"`
	ToolsConflicting int `json:"tools_conflicting"`
	ToolsUnresolved  int `json:"tools_unresolved"`
}

// DegradedFile records one definition file that did not parse cleanly.
type DegradedFile struct {
	Path  string `json:"path"`
	Name  string `json:"name"`
	Error string `json:"error"`
}

// ToolEntry is the per-tool row of the export mapping.
type ToolEntry struct {
	Name       string            `json:"name"`
	URL        string            `json:"url,omitempty"`
	Platform   platform.Platform `json:"platform"`
	Status     string            `json:"status"`
	Inferred   bool              `json:"inferred,omitempty"`
	DeclaredBy []string          `json:"declared_by,omitempty"`
	SHA256     string            `json:"sha256,omitempty"`
	SizeBytes  int64             `json:"size_bytes,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Issue is one recoverable problem surfaced by any stage.
type Issue struct {
	Stage    string `json:"stage"`
	Artifact string `json:"artifact,omitempty"`
	Tool     string `json:"tool,omitempty"`
	Message  string `json:"message"`
}

// Report is the full run record.
type Report struct {
	RunID       string         `json:"run_id"`
	SourceDir   string         `json:"source_dir"`
	GeneratedAt time.Time      `json:"generated_at"`
	Stats       Stats          `json:"stats"`
	Degraded    []DegradedFile `json:"degraded_files,omitempty"`
	Tools       []ToolEntry    `json:"tools"`
	Issues      []Issue        `json:"issues,omitempty"`

	entries map[string]*ToolEntry
}

// New builds a report skeleton from the scan state: parsed definitions
// and the resolution manifest. Acquisition and packaging outcomes are
// layered on afterwards.
func New(runID, sourceDir string, defs []*artifact.Definition, manifest *resolve.Manifest) *Report {
	r := &Report{
		RunID:       runID,
		SourceDir:   sourceDir,
		GeneratedAt: time.Now().UTC(),
		entries:     map[string]*ToolEntry{},
	}

	for _, def := range defs {
		r.Stats.ArtifactsFound++
		if def.Degraded() {
			r.Stats.ArtifactsDegraded++
			r.Degraded = append(r.Degraded, DegradedFile{
				Path:  def.SourcePath,
				Name:  def.Name,
				Error: def.ParseError.Error(),
			})
			r.Issues = append(r.Issues, Issue{
				Stage:    "parse",
				Artifact: def.Name,
				Message:  def.ParseError.Error(),
			})
		} else {
			r.Stats.ArtifactsParsed++
		}
	}
	sort.Slice(r.Degraded, func(i, j int) bool { return r.Degraded[i].Path < r.Degraded[j].Path })

	if manifest == nil {
		return r
	}

	for key, ref := range manifest.Tools {
		r.Stats.ToolsReferenced++
		r.Stats.ToolsResolved++
		entry := &ToolEntry{
			Name:       ref.Name,
			URL:        ref.URL,
			Platform:   ref.Platform,
			Status:     StatusResolved,
			Inferred:   ref.Inferred,
			DeclaredBy: ref.DeclaredBy,
		}
		if entry.URL == "" && ref.GithubProject != "" {
			entry.URL = "github:" + ref.GithubProject
		}
		r.entries[key] = entry
	}

	for _, c := range manifest.Conflicts {
		r.Stats.ToolsReferenced++
		r.Stats.ToolsConflicting++
		declaredBy := map[string]bool{}
		for _, cand := range c.Candidates {
			for _, a := range cand.DeclaredBy {
				declaredBy[a] = true
			}
		}
		r.entries[resolve.Normalize(c.Name)] = &ToolEntry{
			Name:       c.Name,
			Status:     StatusConflict,
			DeclaredBy: sortedSet(declaredBy),
			Error:      c.Reason,
		}
		r.Issues = append(r.Issues, Issue{
			Stage:   "resolve",
			Tool:    c.Name,
			Message: "conflict: " + c.Reason,
		})
	}

	for i, u := range manifest.Unresolved {
		r.Stats.ToolsUnresolved++
		name := u.Name
		key := resolve.Normalize(name)
		if name == "" {
			name = "(ambiguous)"
			key = fmt.Sprintf("ambiguous-%d", i)
		} else {
			r.Stats.ToolsReferenced++
		}
		r.entries[key] = &ToolEntry{
			Name:       name,
			Status:     StatusUnresolved,
			DeclaredBy: u.DeclaredBy,
			Error:      u.Reason,
		}
		issue := Issue{Stage: "extract", Tool: name, Message: u.Reason}
		if len(u.DeclaredBy) > 0 {
			issue.Artifact = strings.Join(u.DeclaredBy, ",")
		}
		r.Issues = append(r.Issues, issue)
	}

	r.refreshTools()
	return r
}

// RecordAcquisition updates the entry for one tool with the outcome of
// its download.
func (r *Report) RecordAcquisition(key string, tool *acquire.Tool, err error) {
	entry, ok := r.entries[key]
	if !ok {
		entry = &ToolEntry{Name: key}
		r.entries[key] = entry
	}
	if err != nil {
		entry.Status = StatusAcquisitionFailed
		entry.Error = err.Error()
		r.Issues = append(r.Issues, Issue{
			Stage:   "acquire",
			Tool:    entry.Name,
			Message: err.Error(),
		})
	} else {
		if tool.FromCache {
			entry.Status = StatusCached
		} else {
			entry.Status = StatusAcquired
		}
		entry.SHA256 = tool.SHA256
		entry.SizeBytes = tool.SizeBytes
		if entry.URL == "" || strings.HasPrefix(entry.URL, "github:") {
			entry.URL = tool.URL
		}
	}
	r.refreshTools()
}

// AddIssue appends an arbitrary stage issue (used by packaging).
func (r *Report) AddIssue(issue Issue) {
	r.Issues = append(r.Issues, issue)
}

// Clean reports whether the run had no degraded, conflicting, unresolved
// or failed entries.
func (r *Report) Clean() bool {
	return len(r.Issues) == 0
}

// ExitCode maps the report onto the process exit code contract: 0 for a
// fully clean run, 1 for a run that completed with recoverable issues.
func (r *Report) ExitCode() int {
	if r.Clean() {
		return 0
	}
	return 1
}

// refreshTools rebuilds the sorted exported slice from the entry map.
func (r *Report) refreshTools() {
	r.Tools = r.Tools[:0]
	for _, e := range r.entries {
		r.Tools = append(r.Tools, *e)
	}
	sort.Slice(r.Tools, func(i, j int) bool {
		if r.Tools[i].Name != r.Tools[j].Name {
			return r.Tools[i].Name < r.Tools[j].Name
		}
		return r.Tools[i].Status < r.Tools[j].Status
	})
}

func sortedSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
