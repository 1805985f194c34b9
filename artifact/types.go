package artifact

import (
	"strings"

	"github.com/dfirkit/velopack/platform"
)

// Type classifies where an artifact is collected.
type Type string

const (
	TypeClient      Type = "client"
	TypeClientEvent Type = "client_event"
	TypeServer      Type = "server"
	TypeServerEvent Type = "server_event"
	TypeInternal    Type = "internal"

	// TypeUnknown is the sentinel used when a definition declares a type
	// outside the known set. The record is still processed.
	TypeUnknown Type = "unknown"
)

// NormalizeType maps the free-form type field of a definition onto the
// known set, defaulting to client when absent.
func NormalizeType(s string) Type {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "client", "client-side":
		return TypeClient
	case "client_event", "client-event":
		return TypeClientEvent
	case "server", "server-side":
		return TypeServer
	case "server_event", "server-event":
		return TypeServerEvent
	case "internal":
		return TypeInternal
	}
	return TypeUnknown
}

// Parameter is a single artifact parameter declaration.
type Parameter struct {
	Name    string `yaml:"name" json:"name"`
	Default string `yaml:"default" json:"default,omitempty"`
	Type    string `yaml:"type" json:"type,omitempty"`
}

// ToolDecl is an explicit third-party tool declaration in the artifact
// envelope. Most fields are optional; a bare name relies on the resolver
// registry or on another artifact supplying the URL.
type ToolDecl struct {
	Name             string `yaml:"name" json:"name"`
	URL              string `yaml:"url" json:"url,omitempty"`
	ExpectedHash     string `yaml:"expected_hash" json:"expected_hash,omitempty"`
	Version          string `yaml:"version" json:"version,omitempty"`
	GithubProject    string `yaml:"github_project" json:"github_project,omitempty"`
	GithubAssetRegex string `yaml:"github_asset_regex" json:"github_asset_regex,omitempty"`
	Platform         string `yaml:"platform" json:"platform,omitempty"`
	ServeLocally     bool   `yaml:"serve_locally" json:"serve_locally,omitempty"`
}

// TargetPlatform interprets the declaration's platform field, falling
// back to a guess from the URL.
func (t ToolDecl) TargetPlatform() platform.Platform {
	if p, err := platform.Parse(t.Platform); err == nil && p != platform.Any {
		return p
	}
	if t.URL != "" {
		return platform.FromURL(t.URL)
	}
	return platform.Any
}

// Source is one named query block inside a definition.
type Source struct {
	Name         string `yaml:"name" json:"name,omitempty"`
	Precondition string `yaml:"precondition" json:"precondition,omitempty"`
	Query        string `yaml:"query" json:"query,omitempty"`
}

// Definition is one parsed artifact definition file. A file that could
// not be parsed is still represented here with ParseError set so the
// corpus never silently shrinks.
type Definition struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Author      string      `json:"author,omitempty"`
	Type        Type        `json:"type"`
	Parameters  []Parameter `json:"parameters,omitempty"`
	Tools       []ToolDecl  `json:"tools,omitempty"`
	Sources     []Source    `json:"-"`

	// SourcePath is the file this definition was loaded from.
	SourcePath string `json:"source_path"`

	// Raw holds the original file contents.
	Raw string `json:"-"`

	// ParseError is set when the envelope could not be parsed. The
	// query source may still have been recovered from the raw text.
	ParseError error `json:"-"`
}

// Degraded reports whether this definition was only partially parsed.
func (d *Definition) Degraded() bool { return d.ParseError != nil }

// QueryText returns the embedded query source to scan for tool
// references. For a degraded record this falls back to the raw file
// text, which is where salvaged references live.
func (d *Definition) QueryText() string {
	if len(d.Sources) == 0 {
		if d.Degraded() {
			return d.Raw
		}
		return ""
	}
	var sb strings.Builder
	for _, src := range d.Sources {
		if src.Precondition != "" {
			sb.WriteString(src.Precondition)
			sb.WriteString("\n")
		}
		sb.WriteString(src.Query)
		sb.WriteString("\n")
	}
	return sb.String()
}
