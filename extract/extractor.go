// Package extract scans embedded VQL query source for third-party tool
// references. The query language has no import statement for external
// binaries, so extraction is pattern based: a whitelist of plugin call
// shapes known to take a tool name or download URL, plus opportunistic
// recognition of bare https URLs that look like binary downloads.
package extract

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dfirkit/velopack/platform"
)

// Candidate is one potential tool reference found in query source. The
// resolver decides what to do with it; extraction never drops a match,
// it only classifies it.
type Candidate struct {
	// ToolName is empty for ambiguous matches whose argument was not a
	// string literal.
	ToolName string

	URL      string
	Platform platform.Platform

	// Inferred marks a name derived from a URL path segment rather than
	// declared explicitly. Inferred names are flagged for operator
	// review, not trusted equally.
	Inferred bool

	// Ambiguous marks a plugin call whose tool argument is computed at
	// runtime and cannot be resolved statically.
	Ambiguous bool

	// Context names the pattern that matched (plugin name or
	// "url-literal") and Detail carries the raw argument text for
	// ambiguous matches, so "why wasn't tool X found" is answerable.
	Context string
	Detail  string
}

var (
	fetchBinaryRe = regexp.MustCompile(`(?is)\b(?:Artifact\.)?Generic\.Utils\.FetchBinary\s*\(([^)]*)\)`)
	httpClientRe  = regexp.MustCompile(`(?is)\bhttp_client\s*\(([^)]*)\)`)
	bareURLRe     = regexp.MustCompile("https?://[^\\s\"'`)\\]}>,]+")

	// Argument matchers accept either a quoted literal or an identifier
	// expression. An identifier means the value is computed at runtime.
	toolNameArgRe = regexp.MustCompile(`(?i)\bToolName\s*=\s*(?:"((?:[^"\\]|\\.)*)"|'([^']*)'|([A-Za-z_][\w.()]*))`)
	urlArgRe      = regexp.MustCompile(`(?i)\burl\s*=\s*(?:"((?:[^"\\]|\\.)*)"|'([^']*)'|([A-Za-z_][\w.()]*))`)
)

// binaryExtensions are download suffixes treated as tool binaries.
var binaryExtensions = []string{
	".exe", ".msi", ".dll", ".sys", ".zip", ".tar.gz", ".tgz", ".7z",
	".gz", ".dmg", ".deb", ".rpm", ".bin",
}

// Extractor scans query text for tool references.
type Extractor struct {
	logger zerolog.Logger
}

// New returns an Extractor that traces matches to the given logger at
// debug level.
func New(logger zerolog.Logger) *Extractor {
	return &Extractor{logger: logger}
}

// Extract returns every tool reference candidate in the query source of
// the named artifact.
func (e *Extractor) Extract(artifactName, query string) []Candidate {
	if strings.TrimSpace(query) == "" {
		return nil
	}

	var out []Candidate
	claimed := map[string]bool{}

	add := func(c Candidate) {
		if c.URL != "" {
			claimed[c.URL] = true
		}
		e.logger.Debug().
			Str("artifact", artifactName).
			Str("context", c.Context).
			Str("tool", c.ToolName).
			Str("url", c.URL).
			Bool("ambiguous", c.Ambiguous).
			Msg("extracted tool reference")
		out = append(out, c)
	}

	for _, m := range fetchBinaryRe.FindAllStringSubmatch(query, -1) {
		add(fromToolNameArg(m[1], "Generic.Utils.FetchBinary"))
	}

	for _, m := range httpClientRe.FindAllStringSubmatch(query, -1) {
		c, ok := fromURLArg(m[1], "http_client")
		if ok {
			add(c)
		}
	}

	// Opportunistic bare URLs anywhere in the source, skipping ones
	// already claimed by a plugin call above.
	for _, raw := range bareURLRe.FindAllString(query, -1) {
		raw = strings.TrimRight(raw, ".;")
		if claimed[raw] || !IsToolURL(raw) {
			continue
		}
		add(Candidate{
			ToolName: InferName(raw),
			URL:      raw,
			Platform: platform.FromURL(raw),
			Inferred: true,
			Context:  "url-literal",
		})
	}

	return out
}

func fromToolNameArg(args, context string) Candidate {
	m := toolNameArgRe.FindStringSubmatch(args)
	if m == nil {
		return Candidate{Ambiguous: true, Context: context,
			Detail: "no ToolName argument: " + compact(args)}
	}
	if m[1] != "" || m[2] != "" {
		name := m[1]
		if name == "" {
			name = m[2]
		}
		return Candidate{ToolName: name, Platform: platform.Any, Context: context}
	}
	return Candidate{Ambiguous: true, Context: context,
		Detail: "ToolName is not a literal: " + m[3]}
}

func fromURLArg(args, context string) (Candidate, bool) {
	m := urlArgRe.FindStringSubmatch(args)
	if m == nil {
		// http_client is used for plenty of non-tool traffic; a call
		// with no recognisable url argument is not worth reporting.
		return Candidate{}, false
	}
	if m[1] != "" || m[2] != "" {
		u := m[1]
		if u == "" {
			u = m[2]
		}
		if !IsToolURL(u) {
			return Candidate{}, false
		}
		return Candidate{
			ToolName: InferName(u),
			URL:      u,
			Platform: platform.FromURL(u),
			Inferred: true,
			Context:  context,
		}, true
	}
	return Candidate{Ambiguous: true, Context: context,
		Detail: "url is not a literal: " + m[3]}, true
}

// IsToolURL reports whether a URL plausibly points at a downloadable
// tool binary rather than documentation.
func IsToolURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	lower := strings.ToLower(u.Path)

	// Obvious documentation links.
	if strings.HasPrefix(strings.ToLower(u.Host), "docs.") ||
		strings.Contains(lower, "/docs/") ||
		strings.Contains(lower, "/wiki/") ||
		strings.HasSuffix(lower, ".html") ||
		strings.HasSuffix(lower, ".md") {
		return false
	}

	if strings.Contains(lower, "/releases/download/") {
		return true
	}
	for _, ext := range binaryExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// InferName derives a tool name from the final path segment of a URL,
// stripping binary extensions. Callers must flag the result as inferred.
func InferName(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	name := path.Base(u.Path)
	for changed := true; changed; {
		changed = false
		for _, ext := range binaryExtensions {
			if strings.HasSuffix(strings.ToLower(name), ext) {
				name = name[:len(name)-len(ext)]
				changed = true
			}
		}
	}
	return name
}

func compact(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 80 {
		s = s[:80] + "..."
	}
	return s
}
