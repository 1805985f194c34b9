// Package pack assembles offline packages: the selected artifact
// definitions plus the verified tool binaries they depend on, laid out
// per platform with a provenance manifest, ready for transport to a
// network-isolated system.
package pack

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog"

	"github.com/dfirkit/velopack/acquire"
	"github.com/dfirkit/velopack/artifact"
	"github.com/dfirkit/velopack/platform"
	"github.com/dfirkit/velopack/resolve"
	"github.com/dfirkit/velopack/util/common/fileutil"
)

// Manifest is the provenance record written into every package.
type Manifest struct {
	RunID          string             `json:"run_id"`
	CreatedAt      time.Time          `json:"created_at"`
	SourceDir      string             `json:"source_dir"`
	CorpusID       string             `json:"corpus_id,omitempty"`
	TargetPlatform platform.Platform  `json:"target_platform"`
	Artifacts      []ManifestArtifact `json:"artifacts"`
	Tools          []ManifestTool     `json:"tools"`
}

// ManifestArtifact identifies one packaged artifact definition.
type ManifestArtifact struct {
	Name       string `json:"name"`
	SourcePath string `json:"source_path"`
}

// ManifestTool records the provenance of one packaged binary.
type ManifestTool struct {
	Name      string            `json:"name"`
	Filename  string            `json:"filename"`
	Platform  platform.Platform `json:"platform"`
	URL       string            `json:"url"`
	SHA256    string            `json:"sha256"`
	BLAKE2b   string            `json:"blake2b,omitempty"`
	SizeBytes int64             `json:"size_bytes"`
}

// BlockedPair names an artifact/tool pair that prevents packaging.
type BlockedPair struct {
	Artifact string
	Tool     string
}

// IncompleteError is returned when any selected artifact's dependency
// cannot be satisfied. The build refuses to produce a silently
// incomplete package.
type IncompleteError struct {
	Pairs []BlockedPair
}

func (e *IncompleteError) Error() string {
	parts := make([]string, len(e.Pairs))
	for i, p := range e.Pairs {
		parts[i] = p.Artifact + " -> " + p.Tool
	}
	return "package incomplete, blocked by: " + strings.Join(parts, "; ")
}

// Select filters definitions by a selector: a comma separated list of
// names and/or glob patterns (gobwas/glob syntax). An empty selector
// selects everything.
func Select(defs []*artifact.Definition, selector string) ([]*artifact.Definition, error) {
	if strings.TrimSpace(selector) == "" {
		out := make([]*artifact.Definition, len(defs))
		copy(out, defs)
		return out, nil
	}

	var matchers []glob.Glob
	for _, part := range strings.Split(selector, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		g, err := glob.Compile(part)
		if err != nil {
			return nil, fmt.Errorf("bad selector %q: %w", part, err)
		}
		matchers = append(matchers, g)
	}

	var out []*artifact.Definition
	for _, def := range defs {
		for _, g := range matchers {
			if g.Match(def.Name) {
				out = append(out, def)
				break
			}
		}
	}
	return out, nil
}

// Builder writes packages.
type Builder struct {
	logger zerolog.Logger
}

// NewBuilder returns a Builder.
func NewBuilder(logger zerolog.Logger) *Builder {
	return &Builder{logger: logger}
}

// Build assembles a package at outDir for the selected artifacts. The
// acquired map is keyed by normalized tool name; every tool in the
// transitive closure of the selection must be present and resolved or
// the build fails with an IncompleteError naming each blocking pair.
func (b *Builder) Build(ctx context.Context, outDir, runID, sourceDir string,
	target platform.Platform, selected []*artifact.Definition,
	manifest *resolve.Manifest, acquired map[string]*acquire.Tool) (*Manifest, error) {

	if len(selected) == 0 {
		return nil, fmt.Errorf("selection matched no artifacts")
	}

	// Definitions are written as artifacts/<name>.yaml, so two selected
	// artifacts sharing a name would silently overwrite each other.
	names := map[string]string{}
	for _, def := range selected {
		if prev, ok := names[def.Name]; ok {
			return nil, fmt.Errorf("selection contains duplicate artifact name %q (%s and %s)",
				def.Name, prev, def.SourcePath)
		}
		names[def.Name] = def.SourcePath
	}

	// Compute the closure and verify it is complete before any file is
	// written.
	var blocked []BlockedPair
	closure := map[string]resolve.ToolReference{}
	for _, def := range selected {
		refs, blocking := manifest.ToolsFor(def.Name)
		for _, reason := range blocking {
			blocked = append(blocked, BlockedPair{Artifact: def.Name, Tool: reason})
		}
		for _, ref := range refs {
			if _, ok := acquired[ref.Key()]; !ok {
				blocked = append(blocked, BlockedPair{
					Artifact: def.Name,
					Tool:     ref.Name + " (not acquired)",
				})
				continue
			}
			closure[ref.Key()] = ref
		}
	}
	if len(blocked) > 0 {
		sort.Slice(blocked, func(i, j int) bool {
			if blocked[i].Artifact != blocked[j].Artifact {
				return blocked[i].Artifact < blocked[j].Artifact
			}
			return blocked[i].Tool < blocked[j].Tool
		})
		return nil, &IncompleteError{Pairs: blocked}
	}

	if err := fileutil.ResetDir(outDir); err != nil {
		return nil, err
	}

	pkg := &Manifest{
		RunID:          runID,
		CreatedAt:      time.Now().UTC(),
		SourceDir:      sourceDir,
		CorpusID:       corpusIdentity(sourceDir),
		TargetPlatform: target,
	}

	artifactsDir := filepath.Join(outDir, "artifacts")
	if err := fileutil.EnsureDir(artifactsDir); err != nil {
		return nil, err
	}
	for _, def := range selected {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dst := filepath.Join(artifactsDir, def.Name+".yaml")
		if err := os.WriteFile(dst, []byte(def.Raw), 0o644); err != nil {
			return nil, fmt.Errorf("write artifact %s: %w", def.Name, err)
		}
		pkg.Artifacts = append(pkg.Artifacts, ManifestArtifact{
			Name:       def.Name,
			SourcePath: def.SourcePath,
		})
	}

	for _, key := range sortedRefKeys(closure) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tool := acquired[key]
		dst := filepath.Join(outDir, "tools", string(tool.Platform), tool.Filename)
		if err := fileutil.CopyFile(tool.LocalPath, dst); err != nil {
			return nil, fmt.Errorf("copy tool %s: %w", tool.Name, err)
		}
		pkg.Tools = append(pkg.Tools, ManifestTool{
			Name:      tool.Name,
			Filename:  tool.Filename,
			Platform:  tool.Platform,
			URL:       tool.URL,
			SHA256:    tool.SHA256,
			BLAKE2b:   tool.BLAKE2b,
			SizeBytes: tool.SizeBytes,
		})
		b.logger.Debug().Str("tool", tool.Name).Str("dest", dst).Msg("packaged tool")
	}

	sort.Slice(pkg.Artifacts, func(i, j int) bool { return pkg.Artifacts[i].Name < pkg.Artifacts[j].Name })

	data, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(outDir, "manifest.json"), data, 0o644); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	b.logger.Info().
		Str("out", outDir).
		Int("artifacts", len(pkg.Artifacts)).
		Int("tools", len(pkg.Tools)).
		Msg("package built")
	return pkg, nil
}

// corpusIdentity derives a best effort identity for the artifact corpus:
// the commit hash when the directory is a git checkout, otherwise empty.
func corpusIdentity(dir string) string {
	head, err := os.ReadFile(filepath.Join(dir, ".git", "HEAD"))
	if err != nil {
		return ""
	}
	ref := strings.TrimSpace(string(head))
	if !strings.HasPrefix(ref, "ref: ") {
		return ref
	}
	commit, err := os.ReadFile(filepath.Join(dir, ".git", filepath.FromSlash(strings.TrimPrefix(ref, "ref: "))))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(commit))
}

func sortedRefKeys(m map[string]resolve.ToolReference) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
