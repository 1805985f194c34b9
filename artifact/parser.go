// Package artifact parses forensic artifact definition files: a YAML
// envelope (name, description, parameters, tool declarations) wrapping
// one or more embedded VQL query blocks.
package artifact

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// envelope mirrors the on-disk YAML layout of a definition file.
type envelope struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Author      string      `yaml:"author"`
	Type        string      `yaml:"type"`
	Parameters  []Parameter `yaml:"parameters"`
	Tools       []ToolDecl  `yaml:"tools"`
	Sources     []Source    `yaml:"sources"`

	// Some corpora use a single top level query instead of sources.
	Precondition string `yaml:"precondition"`
	Query        string `yaml:"query"`
}

// Parse parses one definition from raw file contents. It never returns
// nil: a file that fails to parse is returned as a degraded Definition
// with ParseError set, keeping the raw text available for reference
// salvage downstream.
func Parse(sourcePath string, data []byte) *Definition {
	def := &Definition{
		SourcePath: sourcePath,
		Raw:        string(data),
		Type:       TypeClient,
	}

	var env envelope
	if err := yaml.Unmarshal(data, &env); err != nil {
		// Strict decode failed. Retry field by field over a generic
		// map so one malformed field does not take out the record.
		var loose map[string]interface{}
		if err2 := yaml.Unmarshal(data, &loose); err2 != nil {
			def.ParseError = fmt.Errorf("invalid yaml: %w", err)
			def.Name = fallbackName(sourcePath)
			return def
		}
		salvage(def, loose)
		def.ParseError = fmt.Errorf("degraded parse: %w", err)
	} else {
		def.Name = env.Name
		def.Description = env.Description
		def.Author = env.Author
		def.Type = NormalizeType(env.Type)
		def.Parameters = env.Parameters
		def.Tools = env.Tools
		def.Sources = env.Sources
		if len(def.Sources) == 0 && env.Query != "" {
			def.Sources = []Source{{Precondition: env.Precondition, Query: env.Query}}
		}
	}

	if def.Name == "" {
		def.Name = fallbackName(sourcePath)
		if def.ParseError == nil {
			def.ParseError = fmt.Errorf("definition has no name")
		}
	}
	return def
}

// ParseFile reads and parses a single definition file.
func ParseFile(path string) *Definition {
	data, err := os.ReadFile(path)
	if err != nil {
		return &Definition{
			SourcePath: path,
			Name:       fallbackName(path),
			Type:       TypeClient,
			ParseError: err,
		}
	}
	return Parse(path, data)
}

// WalkDirectory walks root for definition files (.yaml/.yml) and invokes
// fn once per recognised file, in lexical order. Parsing itself is left
// to the caller so it can be distributed over workers.
func WalkDirectory(root string, fn func(path string) error) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := strings.ToLower(d.Name())
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			return fn(path)
		}
		return nil
	})
}

// salvage copies whatever fields survived a failed strict decode.
func salvage(def *Definition, loose map[string]interface{}) {
	def.Name = looseString(loose["name"])
	def.Description = looseString(loose["description"])
	def.Author = looseString(loose["author"])
	def.Type = NormalizeType(looseString(loose["type"]))

	if items, ok := loose["parameters"].([]interface{}); ok {
		for _, item := range items {
			if m, ok := item.(map[string]interface{}); ok {
				def.Parameters = append(def.Parameters, Parameter{
					Name:    looseString(m["name"]),
					Default: looseString(m["default"]),
					Type:    looseString(m["type"]),
				})
			}
		}
	}
	if items, ok := loose["tools"].([]interface{}); ok {
		for _, item := range items {
			if m, ok := item.(map[string]interface{}); ok {
				decl := ToolDecl{
					Name:             looseString(m["name"]),
					URL:              looseString(m["url"]),
					ExpectedHash:     looseString(m["expected_hash"]),
					Version:          looseString(m["version"]),
					GithubProject:    looseString(m["github_project"]),
					GithubAssetRegex: looseString(m["github_asset_regex"]),
					Platform:         looseString(m["platform"]),
				}
				if decl.Name != "" {
					def.Tools = append(def.Tools, decl)
				}
			}
		}
	}
	if items, ok := loose["sources"].([]interface{}); ok {
		for _, item := range items {
			if m, ok := item.(map[string]interface{}); ok {
				def.Sources = append(def.Sources, Source{
					Name:         looseString(m["name"]),
					Precondition: looseString(m["precondition"]),
					Query:        looseString(m["query"]),
				})
			}
		}
	}
	if len(def.Sources) == 0 {
		if q := looseString(loose["query"]); q != "" {
			def.Sources = []Source{{Query: q}}
		}
	}
}

func looseString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	case int, int64, float64, bool:
		return fmt.Sprint(s)
	}
	return ""
}

// fallbackName derives a stand-in name from the file path so degraded
// records remain addressable in reports.
func fallbackName(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return base
}
