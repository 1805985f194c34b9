package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dfirkit/velopack/config"
	"github.com/dfirkit/velopack/report"
)

func writeFixture(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

const cleanArtifact = `name: Windows.Sys.Info
type: CLIENT
sources:
  - query: SELECT * FROM info()
`

const degradedArtifact = `name: Bad.Artifact
description: [unterminated
`

func execute(t *testing.T, args ...string) error {
	t.Helper()
	config.Global = config.GlobalFlags{}
	root := NewRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

func TestScanCleanCorpusExitsZero(t *testing.T) {
	dir := writeFixture(t, "info.yaml", cleanArtifact)
	if err := execute(t, "scan", "--path", dir); err != nil {
		t.Fatalf("scan: %v", err)
	}
}

func TestScanDegradedCorpusExitsOne(t *testing.T) {
	dir := writeFixture(t, "bad.yaml", degradedArtifact)
	err := execute(t, "scan", "--path", dir)

	var exit *ExitError
	if !errors.As(err, &exit) {
		t.Fatalf("err = %v, want ExitError", err)
	}
	if exit.Code != 1 {
		t.Errorf("code = %d, want 1", exit.Code)
	}
}

func TestScanMissingPathExitsTwo(t *testing.T) {
	err := execute(t, "scan", "--path", filepath.Join(t.TempDir(), "nope"))

	var exit *ExitError
	if !errors.As(err, &exit) {
		t.Fatalf("err = %v, want ExitError", err)
	}
	if exit.Code != 2 {
		t.Errorf("code = %d, want 2", exit.Code)
	}
}

func TestExportWritesReportFile(t *testing.T) {
	dir := writeFixture(t, "info.yaml", cleanArtifact)
	out := filepath.Join(t.TempDir(), "report.json")

	if err := execute(t, "export", "--path", dir, "--out", out, "--format", "json"); err != nil {
		t.Fatalf("export: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	var decoded report.Report
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Stats.ArtifactsParsed != 1 {
		t.Errorf("parsed = %d, want 1", decoded.Stats.ArtifactsParsed)
	}
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	dir := writeFixture(t, "info.yaml", cleanArtifact)

	err := execute(t, "export", "--path", dir, "--format", "xml")
	var exit *ExitError
	if !errors.As(err, &exit) || exit.Code != 2 {
		t.Fatalf("err = %v, want ExitError code 2", err)
	}
}

func TestPackageOfflineFromFixture(t *testing.T) {
	// No tools referenced, so an offline package build succeeds without a
	// cache or network.
	dir := writeFixture(t, "info.yaml", cleanArtifact)
	out := filepath.Join(t.TempDir(), "pkg")

	err := execute(t, "package", "--path", dir, "--out", out, "--offline",
		"--cache", t.TempDir())
	if err != nil {
		t.Fatalf("package: %v", err)
	}

	if _, err := os.Stat(filepath.Join(out, "manifest.json")); err != nil {
		t.Error("manifest.json missing from package")
	}
	if _, err := os.Stat(filepath.Join(out, "artifacts", "Windows.Sys.Info.yaml")); err != nil {
		t.Error("artifact definition missing from package")
	}
}

func TestPackageRejectsBadPlatform(t *testing.T) {
	dir := writeFixture(t, "info.yaml", cleanArtifact)

	err := execute(t, "package", "--path", dir, "--platform", "solaris",
		"--out", filepath.Join(t.TempDir(), "pkg"))
	var exit *ExitError
	if !errors.As(err, &exit) || exit.Code != 2 {
		t.Fatalf("err = %v, want ExitError code 2", err)
	}
}
