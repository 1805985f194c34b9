package extract

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/dfirkit/velopack/platform"
)

func newTestExtractor() *Extractor {
	return New(zerolog.Nop())
}

func TestExtractFetchBinary(t *testing.T) {
	tests := []struct {
		name          string
		query         string
		wantTool      string
		wantAmbiguous bool
	}{
		{
			name:     "literal tool name",
			query:    `SELECT * FROM Artifact.Generic.Utils.FetchBinary(ToolName="Hayabusa")`,
			wantTool: "Hayabusa",
		},
		{
			name:     "without artifact prefix",
			query:    `SELECT * FROM Generic.Utils.FetchBinary(ToolName="WinPmem", IsExecutable=TRUE)`,
			wantTool: "WinPmem",
		},
		{
			name: "multiline call",
			query: `SELECT * FROM Artifact.Generic.Utils.FetchBinary(
                       ToolName="Chainsaw",
                       SleepDuration=30)`,
			wantTool: "Chainsaw",
		},
		{
			name:          "computed tool name is ambiguous",
			query:         `SELECT * FROM Artifact.Generic.Utils.FetchBinary(ToolName=ToolParameter)`,
			wantAmbiguous: true,
		},
		{
			name:          "no ToolName argument is ambiguous",
			query:         `SELECT * FROM Artifact.Generic.Utils.FetchBinary(IsExecutable=TRUE)`,
			wantAmbiguous: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := newTestExtractor().Extract("Test.Artifact", tt.query)
			if len(got) != 1 {
				t.Fatalf("got %d candidates, want 1: %+v", len(got), got)
			}
			c := got[0]
			if c.ToolName != tt.wantTool {
				t.Errorf("ToolName = %q, want %q", c.ToolName, tt.wantTool)
			}
			if c.Ambiguous != tt.wantAmbiguous {
				t.Errorf("Ambiguous = %v, want %v (detail: %s)", c.Ambiguous, tt.wantAmbiguous, c.Detail)
			}
		})
	}
}

func TestExtractURLs(t *testing.T) {
	query := `
LET download = SELECT * FROM http_client(
    url="https://example.com/tools/hayabusa-win-x64.zip", tempfile_extension=".zip")

-- See https://docs.example.com/guide.html for details.
-- Rules live at https://github.com/Yamato-Security/hayabusa-rules/archive/main.zip
`
	got := newTestExtractor().Extract("Test.Artifact", query)
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2: %+v", len(got), got)
	}

	first := got[0]
	if first.Context != "http_client" || !first.Inferred {
		t.Errorf("first candidate should be inferred from http_client: %+v", first)
	}
	if first.ToolName != "hayabusa-win-x64" {
		t.Errorf("ToolName = %q", first.ToolName)
	}
	if first.Platform != platform.Windows {
		t.Errorf("Platform = %v, want windows", first.Platform)
	}

	second := got[1]
	if second.Context != "url-literal" {
		t.Errorf("second candidate context = %q, want url-literal", second.Context)
	}
}

func TestExtractSkipsClaimedAndDocURLs(t *testing.T) {
	query := `SELECT * FROM http_client(url="https://example.com/winpmem.exe")
-- https://example.com/winpmem.exe appears twice but is claimed once
-- https://en.wikipedia.org/wiki/Memory_forensics is documentation`
	got := newTestExtractor().Extract("Test.Artifact", query)
	if len(got) != 1 {
		t.Fatalf("got %d candidates, want 1: %+v", len(got), got)
	}
}

func TestIsToolURL(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://example.com/tool.exe", true},
		{"https://example.com/bundle.tar.gz", true},
		{"https://github.com/org/proj/releases/download/v1.0/tool", true},
		{"https://docs.velociraptor.app/artifact_references/", false},
		{"https://example.com/page.html", false},
		{"https://example.com/README.md", false},
		{"https://example.com/wiki/Tool", false},
		{"not a url", false},
	}
	for _, tt := range tests {
		if got := IsToolURL(tt.url); got != tt.want {
			t.Errorf("IsToolURL(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestInferName(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://example.com/hayabusa.zip", "hayabusa"},
		{"https://example.com/archive.tar.gz", "archive"},
		{"https://example.com/dir/autorunsc.exe", "autorunsc"},
	}
	for _, tt := range tests {
		if got := InferName(tt.url); got != tt.want {
			t.Errorf("InferName(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}
