// Package resolve aggregates per-artifact tool references into a single
// deduplicated dependency manifest. Conflicting declarations of the same
// tool are modelled as a first-class output, never merged silently.
package resolve

import (
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dfirkit/velopack/artifact"
	"github.com/dfirkit/velopack/extract"
	"github.com/dfirkit/velopack/platform"
)

// ToolReference is one resolved (or partially resolved) tool.
type ToolReference struct {
	Name             string            `json:"name"`
	URL              string            `json:"url,omitempty"`
	ExpectedHash     string            `json:"expected_hash,omitempty"`
	Version          string            `json:"version,omitempty"`
	GithubProject    string            `json:"github_project,omitempty"`
	GithubAssetRegex string            `json:"github_asset_regex,omitempty"`
	Platform         platform.Platform `json:"platform"`
	Inferred         bool              `json:"inferred,omitempty"`

	// DeclaredBy is the sorted set of artifact names referencing this
	// tool.
	DeclaredBy []string `json:"declared_by"`
}

// Key returns the normalized case-insensitive identity of the tool.
func (t ToolReference) Key() string { return Normalize(t.Name) }

// Conflict records two or more artifacts disagreeing about a tool's
// source. Resolution is deferred to the operator.
type Conflict struct {
	Name       string          `json:"name"`
	Reason     string          `json:"reason"`
	Candidates []ToolReference `json:"candidates"`
}

// Unresolved records a reference that could not be pinned to a URL, with
// enough context to answer why.
type Unresolved struct {
	Name       string   `json:"name,omitempty"`
	Reason     string   `json:"reason"`
	DeclaredBy []string `json:"declared_by"`
}

// Manifest is the immutable output of a resolution run.
type Manifest struct {
	Tools      map[string]ToolReference `json:"tools"`
	Conflicts  []Conflict               `json:"conflicts,omitempty"`
	Unresolved []Unresolved             `json:"unresolved,omitempty"`
}

// Normalize lowercases a tool name for use as a manifest key.
func Normalize(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// ToolsFor returns the resolved references required by the named
// artifact, plus the conflict and unresolved entries it is blocked on.
func (m *Manifest) ToolsFor(artifactName string) (refs []ToolReference, blocking []string) {
	for _, key := range sortedKeys(m.Tools) {
		ref := m.Tools[key]
		if containsString(ref.DeclaredBy, artifactName) {
			refs = append(refs, ref)
		}
	}
	for _, c := range m.Conflicts {
		for _, cand := range c.Candidates {
			if containsString(cand.DeclaredBy, artifactName) {
				blocking = append(blocking, c.Name+" (conflict: "+c.Reason+")")
				break
			}
		}
	}
	for _, u := range m.Unresolved {
		if u.Name != "" && containsString(u.DeclaredBy, artifactName) {
			blocking = append(blocking, u.Name+" (unresolved: "+u.Reason+")")
		}
	}
	return refs, blocking
}

// declaration is one artifact's view of one tool, before merging.
type declaration struct {
	artifact string
	ref      ToolReference
	ambig    *extract.Candidate
}

// Builder accumulates declarations from concurrent parse/extract workers
// and produces the manifest in a single synchronized resolution step.
type Builder struct {
	mu     sync.Mutex
	decls  []declaration
	logger zerolog.Logger
}

// NewBuilder returns an empty manifest builder.
func NewBuilder(logger zerolog.Logger) *Builder {
	return &Builder{logger: logger}
}

// Add records everything one artifact declares: explicit envelope tool
// declarations plus candidates extracted from its query source. Safe for
// concurrent use.
func (b *Builder) Add(artifactName string, decls []artifact.ToolDecl, cands []extract.Candidate) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, d := range decls {
		if d.Name == "" {
			continue
		}
		b.decls = append(b.decls, declaration{
			artifact: artifactName,
			ref: ToolReference{
				Name:             d.Name,
				URL:              d.URL,
				ExpectedHash:     strings.ToLower(d.ExpectedHash),
				Version:          d.Version,
				GithubProject:    d.GithubProject,
				GithubAssetRegex: d.GithubAssetRegex,
				Platform:         d.TargetPlatform(),
			},
		})
	}

	for _, c := range cands {
		c := c
		if c.Ambiguous {
			b.decls = append(b.decls, declaration{artifact: artifactName, ambig: &c})
			continue
		}
		b.decls = append(b.decls, declaration{
			artifact: artifactName,
			ref: ToolReference{
				Name:     c.ToolName,
				URL:      c.URL,
				Platform: c.Platform,
				Inferred: c.Inferred,
			},
		})
	}
}

// Resolve groups the accumulated declarations by normalized tool name and
// merges each group. Declarations are sorted by artifact name first so
// conflict detection is deterministic regardless of processing order.
// Name-only groups are looked up in the registry; misses land in
// Unresolved.
func (b *Builder) Resolve(reg Registry) *Manifest {
	b.mu.Lock()
	defer b.mu.Unlock()

	sort.SliceStable(b.decls, func(i, j int) bool {
		if b.decls[i].artifact != b.decls[j].artifact {
			return b.decls[i].artifact < b.decls[j].artifact
		}
		return declName(b.decls[i]) < declName(b.decls[j])
	})

	manifest := &Manifest{Tools: map[string]ToolReference{}}

	groups := map[string][]declaration{}
	var order []string
	for _, d := range b.decls {
		if d.ambig != nil {
			manifest.Unresolved = append(manifest.Unresolved, Unresolved{
				Reason:     d.ambig.Context + ": " + d.ambig.Detail,
				DeclaredBy: []string{d.artifact},
			})
			continue
		}
		key := Normalize(d.ref.Name)
		if key == "" {
			continue
		}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], d)
	}
	sort.Strings(order)

	for _, key := range order {
		b.mergeGroup(manifest, reg, key, groups[key])
	}

	sort.Slice(manifest.Conflicts, func(i, j int) bool {
		return manifest.Conflicts[i].Name < manifest.Conflicts[j].Name
	})
	sort.Slice(manifest.Unresolved, func(i, j int) bool {
		if manifest.Unresolved[i].Name != manifest.Unresolved[j].Name {
			return manifest.Unresolved[i].Name < manifest.Unresolved[j].Name
		}
		return manifest.Unresolved[i].Reason < manifest.Unresolved[j].Reason
	})
	return manifest
}

// mergeGroup merges all declarations of one tool. Entries agree when at
// most one distinct non-empty value exists for each source field;
// anything else is a conflict.
func (b *Builder) mergeGroup(manifest *Manifest, reg Registry, key string, decls []declaration) {
	merged := ToolReference{Name: decls[0].ref.Name, Platform: platform.Any, Inferred: true}
	declaredBy := map[string]bool{}

	var conflictReason string
	for _, d := range decls {
		declaredBy[d.artifact] = true
		ref := d.ref

		// A declared (non-inferred) name wins over an inferred one for
		// display purposes.
		if merged.Inferred && !ref.Inferred {
			merged.Name = ref.Name
			merged.Inferred = false
		}

		if reason := mergeField(&merged.URL, ref.URL, "url"); reason != "" {
			conflictReason = reason
		}
		if reason := mergeField(&merged.ExpectedHash, ref.ExpectedHash, "expected_hash"); reason != "" {
			conflictReason = reason
		}
		if reason := mergeField(&merged.GithubProject, ref.GithubProject, "github_project"); reason != "" {
			conflictReason = reason
		}
		mergeField(&merged.GithubAssetRegex, ref.GithubAssetRegex, "")
		if reason := mergeField(&merged.Version, ref.Version, "version"); reason != "" {
			conflictReason = reason
		}

		if ref.Platform != platform.Any {
			if merged.Platform == platform.Any {
				merged.Platform = ref.Platform
			} else if merged.Platform != ref.Platform {
				// Same tool fetched for two systems is not a conflict;
				// the acquisition step handles each platform.
				merged.Platform = platform.Any
			}
		}
	}

	merged.DeclaredBy = sortedSet(declaredBy)

	if conflictReason != "" {
		conflict := Conflict{Name: merged.Name, Reason: conflictReason}
		for _, d := range decls {
			ref := d.ref
			ref.DeclaredBy = []string{d.artifact}
			conflict.Candidates = append(conflict.Candidates, ref)
		}
		manifest.Conflicts = append(manifest.Conflicts, conflict)
		b.logger.Warn().Str("tool", merged.Name).Str("reason", conflictReason).
			Msg("conflicting tool declarations")
		return
	}

	if merged.URL == "" && merged.GithubProject == "" {
		if entry, ok := reg.Lookup(merged.Name); ok {
			merged.URL = entry.URL
			merged.ExpectedHash = strings.ToLower(entry.ExpectedHash)
			merged.GithubProject = entry.GithubProject
			merged.GithubAssetRegex = entry.GithubAssetRegex
			if entry.Platform != "" {
				merged.Platform = entry.Platform
			}
			b.logger.Debug().Str("tool", merged.Name).Msg("resolved from registry")
		} else {
			manifest.Unresolved = append(manifest.Unresolved, Unresolved{
				Name:       merged.Name,
				Reason:     "no url declared and not in registry",
				DeclaredBy: merged.DeclaredBy,
			})
			return
		}
	}

	manifest.Tools[key] = merged
}

// mergeField merges a single string field, reporting the field name when
// two distinct non-empty values collide.
func mergeField(dst *string, val, field string) string {
	if val == "" {
		return ""
	}
	if *dst == "" {
		*dst = val
		return ""
	}
	if *dst != val && field != "" {
		return "disagreeing " + field
	}
	return ""
}

func declName(d declaration) string {
	if d.ambig != nil {
		return ""
	}
	return Normalize(d.ref.Name)
}

func sortedSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]ToolReference) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
