package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dfirkit/velopack/acquire"
	"github.com/dfirkit/velopack/platform"
	"github.com/dfirkit/velopack/report"
	"github.com/dfirkit/velopack/resolve"
)

func writeCorpus(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

const hayabusaDef = `name: Windows.EventLogs.Hayabusa
description: Runs hayabusa over collected event logs.
type: CLIENT
tools:
  - name: Hayabusa
    url: https://example.com/hayabusa.zip
sources:
  - query: |
      SELECT * FROM Artifact.Generic.Utils.FetchBinary(ToolName="Hayabusa")
`

const winpmemDef = `name: Windows.Memory.Acquisition
type: CLIENT
sources:
  - query: |
      SELECT * FROM Artifact.Generic.Utils.FetchBinary(ToolName="WinPmem")
`

const brokenDef = `name: Broken.Artifact
description: [unclosed
sources:
  - query: |
      SELECT * FROM Artifact.Generic.Utils.FetchBinary(ToolName="Hayabusa")
`

func TestScanEndToEnd(t *testing.T) {
	dir := writeCorpus(t, map[string]string{
		"win/hayabusa.yaml": hayabusaDef,
		"win/memory.yaml":   winpmemDef,
		"broken.yaml":       brokenDef,
		"notes.txt":         "not an artifact",
	})

	reg := resolve.NewStaticRegistry([]resolve.RegistryEntry{
		{Name: "WinPmem", URL: "https://example.com/winpmem.exe", Platform: platform.Windows},
	})

	result, err := Scan(context.Background(), Config{
		Path:     dir,
		Registry: reg,
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if len(result.Definitions) != 3 {
		t.Fatalf("definitions = %d, want 3 (txt file skipped)", len(result.Definitions))
	}
	if result.RunID == "" {
		t.Error("run id must be set")
	}

	// Hayabusa is declared by one artifact and referenced by name from the
	// degraded one; WinPmem resolves through the registry.
	if len(result.Manifest.Tools) != 2 {
		t.Fatalf("resolved tools = %+v", result.Manifest.Tools)
	}
	hay, ok := result.Manifest.Tools["hayabusa"]
	if !ok || hay.URL != "https://example.com/hayabusa.zip" {
		t.Errorf("hayabusa = %+v", hay)
	}
	if len(hay.DeclaredBy) != 2 {
		t.Errorf("hayabusa declared by %v, want the declaring and the degraded artifact", hay.DeclaredBy)
	}
	if wp := result.Manifest.Tools["winpmem"]; wp.URL != "https://example.com/winpmem.exe" {
		t.Errorf("winpmem = %+v", wp)
	}

	// The degraded file shows up in the report but never aborts the scan.
	if result.Report.Stats.ArtifactsDegraded != 1 {
		t.Errorf("degraded = %d", result.Report.Stats.ArtifactsDegraded)
	}
	if result.Report.ExitCode() != 1 {
		t.Errorf("exit code = %d, want 1 for a degraded run", result.Report.ExitCode())
	}
}

func TestScanIsOrderIndependent(t *testing.T) {
	files := map[string]string{
		"a.yaml": hayabusaDef,
		"b.yaml": winpmemDef,
		"c.yaml": brokenDef,
	}
	reg := resolve.NewStaticRegistry([]resolve.RegistryEntry{
		{Name: "WinPmem", URL: "https://example.com/winpmem.exe"},
	})

	run := func(concurrency int) *ScanResult {
		result, err := Scan(context.Background(), Config{
			Path:        writeCorpus(t, files),
			Concurrency: concurrency,
			Registry:    reg,
			Logger:      zerolog.Nop(),
		})
		if err != nil {
			t.Fatal(err)
		}
		return result
	}

	serial := run(1)
	parallel := run(8)

	if len(serial.Manifest.Tools) != len(parallel.Manifest.Tools) {
		t.Fatalf("tool counts differ: %d vs %d", len(serial.Manifest.Tools), len(parallel.Manifest.Tools))
	}
	for key, ref := range serial.Manifest.Tools {
		other := parallel.Manifest.Tools[key]
		if ref.URL != other.URL || len(ref.DeclaredBy) != len(other.DeclaredBy) {
			t.Errorf("tool %s differs across runs: %+v vs %+v", key, ref, other)
		}
	}
}

func TestScanReportsDuplicateNames(t *testing.T) {
	dir := writeCorpus(t, map[string]string{
		"one.yaml": "name: Same.Name\ntype: CLIENT\n",
		"two.yaml": "name: Same.Name\ntype: CLIENT\n",
	})

	result, err := Scan(context.Background(), Config{
		Path:     dir,
		Registry: resolve.NewStaticRegistry(nil),
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}

	found := false
	for _, issue := range result.Report.Issues {
		if issue.Artifact == "Same.Name" && issue.Stage == "parse" {
			found = true
		}
	}
	if !found {
		t.Errorf("duplicate name not reported: %+v", result.Report.Issues)
	}
}

func TestScanMissingDirFails(t *testing.T) {
	_, err := Scan(context.Background(), Config{
		Path:     filepath.Join(t.TempDir(), "nope"),
		Registry: resolve.NewStaticRegistry(nil),
		Logger:   zerolog.Nop(),
	})
	if err == nil {
		t.Fatal("expected error for missing corpus directory")
	}
}

func TestAcquireToolsRecordsOutcomes(t *testing.T) {
	payload := []byte("tool bytes")
	sum := sha256.Sum256(payload)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/good.bin":
			w.Write(payload)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	manifest := &resolve.Manifest{Tools: map[string]resolve.ToolReference{
		"good": {Name: "Good", URL: srv.URL + "/good.bin", Platform: platform.Windows,
			ExpectedHash: hex.EncodeToString(sum[:])},
		"gone": {Name: "Gone", URL: srv.URL + "/gone.bin", Platform: platform.Windows},
	}}
	result := &ScanResult{
		RunID:    "run-1",
		Manifest: manifest,
		Report:   report.New("run-1", "corpus", nil, manifest),
	}

	svc, err := acquire.New(acquire.Options{
		CacheDir: t.TempDir(),
		Timeout:  5 * time.Second,
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}

	acquired := AcquireTools(context.Background(), Config{Logger: zerolog.Nop()},
		result, svc, platform.Windows, result.SortedTools())

	if len(acquired) != 1 {
		t.Fatalf("acquired = %+v, want only the reachable tool", acquired)
	}
	if acquired["good"].SHA256 != hex.EncodeToString(sum[:]) {
		t.Errorf("sha256 = %s", acquired["good"].SHA256)
	}

	var statuses []string
	for _, e := range result.Report.Tools {
		statuses = append(statuses, e.Name+"="+e.Status)
	}
	want := map[string]string{"Good": report.StatusAcquired, "Gone": report.StatusAcquisitionFailed}
	for _, e := range result.Report.Tools {
		if want[e.Name] != "" && e.Status != want[e.Name] {
			t.Errorf("statuses = %v, want %s=%s", statuses, e.Name, want[e.Name])
		}
	}
}

func TestSortedToolsStable(t *testing.T) {
	manifest := &resolve.Manifest{Tools: map[string]resolve.ToolReference{
		"zeta":  {Name: "Zeta"},
		"alpha": {Name: "Alpha"},
		"mid":   {Name: "Mid"},
	}}
	r := &ScanResult{Manifest: manifest}

	refs := r.SortedTools()
	if len(refs) != 3 || refs[0].Name != "Alpha" || refs[2].Name != "Zeta" {
		t.Errorf("order = %+v", refs)
	}
}
