package resolve

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dfirkit/velopack/platform"
)

// RegistryEntry maps a well-known tool name to its canonical source.
type RegistryEntry struct {
	Name             string            `yaml:"name"`
	URL              string            `yaml:"url"`
	ExpectedHash     string            `yaml:"expected_hash"`
	GithubProject    string            `yaml:"github_project"`
	GithubAssetRegex string            `yaml:"github_asset_regex"`
	Platform         platform.Platform `yaml:"platform"`
}

// Registry resolves name-only tool references. Lookups are exact and
// case-insensitive, never fuzzy.
type Registry interface {
	Lookup(name string) (RegistryEntry, bool)
}

// StaticRegistry is a Registry backed by an in-memory table.
type StaticRegistry struct {
	entries map[string]RegistryEntry
}

// NewStaticRegistry builds a registry from a list of entries.
func NewStaticRegistry(entries []RegistryEntry) *StaticRegistry {
	reg := &StaticRegistry{entries: map[string]RegistryEntry{}}
	for _, e := range entries {
		reg.entries[Normalize(e.Name)] = e
	}
	return reg
}

// Lookup implements Registry.
func (r *StaticRegistry) Lookup(name string) (RegistryEntry, bool) {
	e, ok := r.entries[Normalize(name)]
	return e, ok
}

// Merge overlays other on top of r, returning a new registry. Entries in
// other win on name collision.
func (r *StaticRegistry) Merge(other *StaticRegistry) *StaticRegistry {
	merged := &StaticRegistry{entries: map[string]RegistryEntry{}}
	for k, v := range r.entries {
		merged.entries[k] = v
	}
	for k, v := range other.entries {
		merged.entries[k] = v
	}
	return merged
}

// LoadRegistryFile reads additional registry entries from a YAML file of
// the form `tools: [{name: ..., url: ...}, ...]`.
func LoadRegistryFile(path string) (*StaticRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Tools []RegistryEntry `yaml:"tools"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", path, err)
	}
	for _, e := range doc.Tools {
		if e.Name == "" {
			return nil, fmt.Errorf("registry %s contains an entry without a name", path)
		}
	}
	return NewStaticRegistry(doc.Tools), nil
}

// BuiltinRegistry returns the default table of well-known DFIR tools.
// Hashes are deliberately absent: upstream releases rotate, so pinning
// happens per corpus via artifact declarations or a registry file.
func BuiltinRegistry() *StaticRegistry {
	return NewStaticRegistry([]RegistryEntry{
		{Name: "Hayabusa", GithubProject: "Yamato-Security/hayabusa", GithubAssetRegex: `win-x64\.zip$`, Platform: platform.Windows},
		{Name: "Chainsaw", GithubProject: "WithSecureLabs/chainsaw", GithubAssetRegex: `chainsaw_all_.*\.zip$`},
		{Name: "WinPmem", GithubProject: "Velocidex/WinPmem", GithubAssetRegex: `winpmem.*x64\.exe$`, Platform: platform.Windows},
		{Name: "YARA", GithubProject: "VirusTotal/yara", GithubAssetRegex: `win64\.zip$`, Platform: platform.Windows},
		{Name: "Velociraptor", GithubProject: "Velocidex/velociraptor", GithubAssetRegex: `linux-amd64$`, Platform: platform.Linux},
		{Name: "Autoruns", URL: "https://live.sysinternals.com/autorunsc.exe", Platform: platform.Windows},
		{Name: "Sysmon", URL: "https://live.sysinternals.com/Sysmon64.exe", Platform: platform.Windows},
		{Name: "DensityScout", URL: "https://www.cert.at/media/files/downloads/software/densityscout/files/densityscout_build_45_windows.zip", Platform: platform.Windows},
	})
}
